/*
 * Copyright (c) 2018 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */
package checkpoint

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed checkpoint so callers can decide between aborting, retrying and
// carrying on.
type ErrorKind int

const (
	// KindUnclassified is any failure the checkpoint authority did not classify.
	KindUnclassified ErrorKind = iota

	// KindShutdown means another worker has taken the shard lease. The caller must stop
	// checkpointing immediately.
	KindShutdown

	// KindThrottling means a dependency of the checkpoint authority is over capacity. Retrying
	// later may succeed.
	KindThrottling

	// KindInvalidState means the checkpoint authority rejected the request as inconsistent with
	// its state, for example a sequence number lower than the one already stored.
	KindInvalidState
)

var errorKindNames = map[ErrorKind]string{
	KindUnclassified: "Unclassified",
	KindShutdown:     "ShutdownException",
	KindThrottling:   "ThrottlingException",
	KindInvalidState: "InvalidStateException",
}

func (k ErrorKind) String() string {
	if s, ok := errorKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// CheckpointError is the error returned by a checkpoint authority for a failed checkpoint.
type CheckpointError struct {
	Kind           ErrorKind
	ShardID        string
	SequenceNumber string
	Err            error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("%s checkpointing shard %s at sequence %q: %v", e.Kind, e.ShardID, e.SequenceNumber, e.Err)
}

func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// NewCheckpointError builds a CheckpointError of the given kind.
func NewCheckpointError(kind ErrorKind, shardID, sequenceNumber string, err error) *CheckpointError {
	return &CheckpointError{
		Kind:           kind,
		ShardID:        shardID,
		SequenceNumber: sequenceNumber,
		Err:            err,
	}
}

// Classify returns the ErrorKind carried by err. Errors that are not CheckpointErrors are
// KindUnclassified.
func Classify(err error) ErrorKind {
	var cpErr *CheckpointError
	if errors.As(err, &cpErr) {
		return cpErr.Kind
	}
	return KindUnclassified
}
