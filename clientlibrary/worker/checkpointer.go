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
// The implementation is derived from https://github.com/patrobinson/gokini
//
// Copyright 2018 Patrick robinson
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of this software and associated documentation files (the "Software"), to deal in the Software without restriction, including without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of the Software, and to permit persons to whom the Software is furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
package worker

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/aws/aws-sdk-go/aws"

	chk "github.com/kaeawc/kinesis-checkpoint/clientlibrary/checkpoint"
	par "github.com/kaeawc/kinesis-checkpoint/clientlibrary/partition"
	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/utils"
)

// RecordProcessorCheckpointer binds one shard to the checkpoint authority. It only lets a record
// processor persist sequence numbers the worker has actually delivered, never moving backwards.
type RecordProcessorCheckpointer struct {
	shard        *par.ShardStatus
	checkpointer chk.Checkpointer

	mux              sync.Mutex
	largestPermitted *big.Int
	shardEnded       bool
}

// NewRecordProcessorCheckpoint returns a checkpointer for shard. A checkpoint already recorded on
// shard is the initial largest permitted sequence number.
func NewRecordProcessorCheckpoint(shard *par.ShardStatus, checkpointer chk.Checkpointer) *RecordProcessorCheckpointer {
	rc := &RecordProcessorCheckpointer{
		shard:        shard,
		checkpointer: checkpointer,
	}
	if seq, err := utils.ParseSequenceNumber(shard.GetCheckpoint()); err == nil {
		rc.largestPermitted = seq
	}
	return rc
}

// SetLargestPermittedSequence raises the largest sequence number a processor may checkpoint. Lower
// values are ignored.
func (rc *RecordProcessorCheckpointer) SetLargestPermittedSequence(seq *big.Int) {
	rc.mux.Lock()
	defer rc.mux.Unlock()
	rc.largestPermitted = utils.MaxSequenceNumber(rc.largestPermitted, seq)
}

// MarkShardEnded records that every record of the shard has been delivered.
func (rc *RecordProcessorCheckpointer) MarkShardEnded() {
	rc.mux.Lock()
	defer rc.mux.Unlock()
	rc.shardEnded = true
}

// Checkpoint persists sequenceNumber, or the largest permitted sequence number when it is nil.
// Requests for a sequence number that was not delivered yet, that is lower than the persisted
// checkpoint or that does not parse fail with KindInvalidState. Checkpoint(nil) on an ended shard
// that never delivered a record has nothing to persist and succeeds. Backend failures are
// returned as classified by the backend.
func (rc *RecordProcessorCheckpointer) Checkpoint(sequenceNumber *string) error {
	rc.mux.Lock()
	defer rc.mux.Unlock()

	if sequenceNumber == nil && rc.largestPermitted == nil && rc.shardEnded {
		return nil
	}

	target, err := rc.resolve(sequenceNumber)
	if err != nil {
		return chk.NewCheckpointError(chk.KindInvalidState, rc.shard.ID, aws.StringValue(sequenceNumber), err)
	}

	previous := rc.shard.GetCheckpoint()
	if previous != "" {
		last, err := utils.ParseSequenceNumber(previous)
		if err == nil {
			switch target.Cmp(last) {
			case -1:
				return chk.NewCheckpointError(chk.KindInvalidState, rc.shard.ID, target.String(),
					fmt.Errorf("sequence number is lower than the checkpoint %s", previous))
			case 0:
				return nil
			}
		}
	}

	rc.shard.SetCheckpoint(target.String())
	if err := rc.checkpointer.CheckpointSequence(rc.shard); err != nil {
		rc.shard.SetCheckpoint(previous)
		return err
	}
	return nil
}

func (rc *RecordProcessorCheckpointer) resolve(sequenceNumber *string) (*big.Int, error) {
	if sequenceNumber == nil {
		if rc.largestPermitted == nil {
			return nil, errors.New("no records have been delivered")
		}
		return rc.largestPermitted, nil
	}

	target, err := utils.ParseSequenceNumber(*sequenceNumber)
	if err != nil {
		return nil, err
	}
	if rc.largestPermitted == nil || target.Cmp(rc.largestPermitted) > 0 {
		return nil, fmt.Errorf("sequence number is beyond the largest delivered %s", aws.StringValue(utils.SequenceNumberString(rc.largestPermitted)))
	}
	return target, nil
}
