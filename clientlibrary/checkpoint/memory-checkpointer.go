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
	"fmt"
	"sync"
	"time"

	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/config"
	par "github.com/kaeawc/kinesis-checkpoint/clientlibrary/partition"
	"github.com/kaeawc/kinesis-checkpoint/logger"
)

// MemoryCheckpoint keeps leases and checkpoints in process memory. It is meant for tests and
// single-process runs: nothing survives a restart.
type MemoryCheckpoint struct {
	log           logger.Logger
	workerID      string
	leaseDuration time.Duration
	now           func() time.Time

	mu     sync.Mutex
	leases map[string]*lease
}

func NewMemoryCheckpoint(kclConfig *config.KinesisClientLibConfiguration) *MemoryCheckpoint {
	return &MemoryCheckpoint{
		log:           kclConfig.Logger,
		workerID:      kclConfig.WorkerID,
		leaseDuration: time.Duration(kclConfig.FailoverTimeMillis) * time.Millisecond,
		now:           time.Now,
		leases:        map[string]*lease{},
	}
}

// Init has nothing to set up for the in-memory store.
func (checkpointer *MemoryCheckpoint) Init() error {
	checkpointer.log.Infof("Using in-memory checkpoint store")
	return nil
}

// GetLease attempts to gain a lock on the given shard
func (checkpointer *MemoryCheckpoint) GetLease(shard *par.ShardStatus, newAssignTo string) error {
	checkpointer.mu.Lock()
	defer checkpointer.mu.Unlock()

	now := checkpointer.now()
	l, ok := checkpointer.leases[shard.ID]
	if !ok {
		l = &lease{ParentShardID: shard.ParentShardId}
		checkpointer.leases[shard.ID] = l
	}

	if l.heldByOther(newAssignTo, now) {
		return ErrLeaseNotAcquired{"current lease timeout not yet expired"}
	}

	l.Owner = newAssignTo
	l.Timeout = now.Add(checkpointer.leaseDuration)
	if l.Checkpoint == "" {
		l.Checkpoint = shard.GetCheckpoint()
	}

	shard.SetLease(l.Owner, l.Timeout)
	return nil
}

// CheckpointSequence writes shard.Checkpoint if shard.AssignedTo still holds the lease.
func (checkpointer *MemoryCheckpoint) CheckpointSequence(shard *par.ShardStatus) error {
	checkpointer.mu.Lock()
	defer checkpointer.mu.Unlock()

	sequenceNumber := shard.GetCheckpoint()
	owner := shard.GetLeaseOwner()

	l, ok := checkpointer.leases[shard.ID]
	if !ok || owner == "" || l.Owner != owner {
		return NewCheckpointError(KindShutdown, shard.ID, sequenceNumber, ErrLeaseLost)
	}

	l.Checkpoint = sequenceNumber
	return nil
}

// FetchCheckpoint retrieves the checkpoint for the given shard
func (checkpointer *MemoryCheckpoint) FetchCheckpoint(shard *par.ShardStatus) error {
	checkpointer.mu.Lock()
	defer checkpointer.mu.Unlock()

	l, ok := checkpointer.leases[shard.ID]
	if !ok || l.Checkpoint == "" {
		return ErrSequenceIDNotFound
	}

	shard.SetCheckpoint(l.Checkpoint)
	shard.SetLease(l.Owner, l.Timeout)
	return nil
}

// RemoveLeaseOwner releases the shard if this worker holds it.
func (checkpointer *MemoryCheckpoint) RemoveLeaseOwner(shardID string) error {
	checkpointer.mu.Lock()
	defer checkpointer.mu.Unlock()

	l, ok := checkpointer.leases[shardID]
	if !ok || l.Owner != checkpointer.workerID {
		return fmt.Errorf("shard %s is not leased to %s", shardID, checkpointer.workerID)
	}

	l.Owner = ""
	return nil
}
