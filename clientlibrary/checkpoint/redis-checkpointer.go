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
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/config"
	par "github.com/kaeawc/kinesis-checkpoint/clientlibrary/partition"
	"github.com/kaeawc/kinesis-checkpoint/logger"
)

const redisLocalhost = "127.0.0.1:6379"

// RedisOption is used to override defaults when creating a new Redis checkpoint
type RedisOption func(*RedisCheckpoint)

// WithRedisClient overrides the default client
func WithRedisClient(client *redis.Client) RedisOption {
	return func(c *RedisCheckpoint) {
		c.client = client
	}
}

// WithRedisAddress sets the address the default client connects to
func WithRedisAddress(addr string) RedisOption {
	return func(c *RedisCheckpoint) {
		c.addr = addr
	}
}

// RedisCheckpoint implements the Checkpoint interface using one Redis hash per shard. Lease and
// checkpoint writes run in WATCH/MULTI transactions so a stale owner never overwrites a lease.
type RedisCheckpoint struct {
	log           logger.Logger
	appName       string
	streamName    string
	workerID      string
	leaseDuration time.Duration
	addr          string
	client        *redis.Client
	now           func() time.Time
}

func NewRedisCheckpoint(kclConfig *config.KinesisClientLibConfiguration, opts ...RedisOption) *RedisCheckpoint {
	c := &RedisCheckpoint{
		log:           kclConfig.Logger,
		appName:       kclConfig.TableName,
		streamName:    kclConfig.StreamName,
		workerID:      kclConfig.WorkerID,
		leaseDuration: time.Duration(kclConfig.FailoverTimeMillis) * time.Millisecond,
		now:           time.Now,
	}

	// override defaults
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Init creates the default client if none was provided and verifies we can ping the server
func (c *RedisCheckpoint) Init() error {
	if c.client == nil {
		addr := c.addr
		if addr == "" {
			addr = os.Getenv("REDIS_URL")
		}
		if addr == "" {
			addr = redisLocalhost
		}
		c.log.Infof("Creating Redis client for %s", addr)
		c.client = redis.NewClient(&redis.Options{Addr: addr})
	}

	return c.client.Ping(context.Background()).Err()
}

// GetLease attempts to gain a lock on the given shard
func (c *RedisCheckpoint) GetLease(shard *par.ShardStatus, newAssignTo string) error {
	ctx := context.Background()
	key := c.key(shard.ID)
	now := c.now()
	newLeaseTimeout := now.Add(c.leaseDuration)

	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := c.load(ctx, tx, key)
		if err != nil {
			return err
		}

		if current.heldByOther(newAssignTo, now) {
			return ErrLeaseNotAcquired{"current lease timeout not yet expired"}
		}

		c.log.Debugf("Attempting to get a lock for shard: %s, leaseTimeout: %s, assignedTo: %s, newAssignedTo: %s", shard.ID, current.Timeout, current.Owner, newAssignTo)

		fields := map[string]interface{}{
			LeaseKeyKey:     shard.ID,
			LeaseOwnerKey:   newAssignTo,
			LeaseTimeoutKey: newLeaseTimeout.UTC().Format(time.RFC3339Nano),
		}
		if len(shard.ParentShardId) > 0 {
			fields[ParentShardIdKey] = shard.ParentShardId
		}
		if checkpoint := shard.GetCheckpoint(); current.Checkpoint == "" && checkpoint != "" {
			fields[SequenceNumberKey] = checkpoint
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrLeaseNotAcquired{"lease changed while acquiring"}
	}
	if err != nil {
		return err
	}

	shard.SetLease(newAssignTo, newLeaseTimeout)
	return nil
}

// CheckpointSequence writes shard.Checkpoint if shard.AssignedTo still holds the lease.
func (c *RedisCheckpoint) CheckpointSequence(shard *par.ShardStatus) error {
	ctx := context.Background()
	key := c.key(shard.ID)
	sequenceNumber := shard.GetCheckpoint()
	owner := shard.GetLeaseOwner()
	if owner == "" {
		return NewCheckpointError(KindShutdown, shard.ID, sequenceNumber, ErrLeaseLost)
	}

	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, LeaseOwnerKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != owner {
			return ErrLeaseLost
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, SequenceNumberKey, sequenceNumber)
			return nil
		})
		return err
	}, key)

	if err != nil {
		return classifyRedisError(shard.ID, sequenceNumber, err)
	}
	return nil
}

// FetchCheckpoint retrieves the checkpoint for the given shard
func (c *RedisCheckpoint) FetchCheckpoint(shard *par.ShardStatus) error {
	ctx := context.Background()
	current, err := c.load(ctx, c.client, c.key(shard.ID))
	if err != nil {
		return err
	}

	if current.Checkpoint == "" {
		return ErrSequenceIDNotFound
	}
	c.log.Debugf("Retrieved Shard Iterator %s", current.Checkpoint)

	shard.SetCheckpoint(current.Checkpoint)
	shard.SetLease(current.Owner, current.Timeout)
	return nil
}

// RemoveLeaseOwner to remove lease owner for the shard entry
func (c *RedisCheckpoint) RemoveLeaseOwner(shardID string) error {
	ctx := context.Background()
	key := c.key(shardID)

	return c.client.Watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.HGet(ctx, key, LeaseOwnerKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if owner != c.workerID {
			return fmt.Errorf("shard %s is not leased to %s", shardID, c.workerID)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, key, LeaseOwnerKey)
			return nil
		})
		return err
	}, key)
}

// Close closes the Redis client.
func (c *RedisCheckpoint) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *RedisCheckpoint) load(ctx context.Context, cmd redis.Cmdable, key string) (*lease, error) {
	vals, err := cmd.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	l := &lease{
		Owner:         vals[LeaseOwnerKey],
		Checkpoint:    vals[SequenceNumberKey],
		ParentShardID: vals[ParentShardIdKey],
	}
	if raw, ok := vals[LeaseTimeoutKey]; ok && raw != "" {
		l.Timeout, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, err
		}
	}
	return l, nil
}

// key generates a unique Redis key for storage of Checkpoint.
func (c *RedisCheckpoint) key(shardID string) string {
	return checkpointKey(c.appName, c.streamName, shardID)
}

// classifyRedisError maps a failed Redis checkpoint write onto the checkpoint error taxonomy.
func classifyRedisError(shardID, sequenceNumber string, err error) error {
	switch {
	case errors.Is(err, ErrLeaseLost):
		return NewCheckpointError(KindShutdown, shardID, sequenceNumber, err)
	case isNetTimeout(err),
		redis.HasErrorPrefix(err, "LOADING"),
		redis.HasErrorPrefix(err, "BUSY"),
		redis.HasErrorPrefix(err, "TRYAGAIN"),
		redis.HasErrorPrefix(err, "max number of clients reached"):
		return NewCheckpointError(KindThrottling, shardID, sequenceNumber, err)
	default:
		return NewCheckpointError(KindUnclassified, shardID, sequenceNumber, err)
	}
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
