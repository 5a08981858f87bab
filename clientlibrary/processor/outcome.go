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
package processor

import (
	"fmt"

	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/metrics"
)

// Result is the terminal state of a checkpoint retry loop.
type Result int

const (
	// Succeeded means an attempt persisted the checkpoint.
	Succeeded Result = iota + 1
	// Aborted means the lease was lost and no further attempt was made.
	Aborted
	// Exhausted means the final attempt was throttled.
	Exhausted
	// GaveUp means every attempt failed with a retryable error.
	GaveUp
)

var resultNames = map[Result]string{
	Succeeded: "Succeeded",
	Aborted:   "Aborted",
	Exhausted: "Exhausted",
	GaveUp:    "GaveUp",
}

func (r Result) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

func (r Result) metricLabel() string {
	switch r {
	case Aborted:
		return metrics.CheckpointAborted
	case Exhausted:
		return metrics.CheckpointExhausted
	default:
		return metrics.CheckpointGaveUp
	}
}

// CheckpointOutcome describes one run of the checkpoint retry loop.
type CheckpointOutcome struct {
	// Attempts is the number of calls made to the checkpointer.
	Attempts int
	// Target is the requested sequence number, nil for the largest delivered.
	Target *string
	Result Result
	// Err is the error of the last attempt, nil on success.
	Err error
}
