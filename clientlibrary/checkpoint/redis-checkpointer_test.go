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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/kaeawc/kinesis-checkpoint/clientlibrary/config"
	par "github.com/kaeawc/kinesis-checkpoint/clientlibrary/partition"
)

func newTestRedisCheckpoint(t *testing.T, workerID string) (*RedisCheckpoint, *miniredis.Miniredis) {
	s := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr:       s.Addr(),
		MaxRetries: -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	kclConfig := cfg.NewKinesisClientLibConfig("app", "stream", "us-west-2", workerID).
		WithFailoverTimeMillis(300000)

	c := NewRedisCheckpoint(kclConfig, WithRedisClient(client))
	require.NoError(t, c.Init())
	return c, s
}

func TestRedisKey(t *testing.T) {
	c, _ := newTestRedisCheckpoint(t, "abc")
	assert.Equal(t, "app:checkpoint:stream:shard", c.key("shard"))
}

func TestRedisGetLease(t *testing.T) {
	c, s := newTestRedisCheckpoint(t, "abc")

	shard := par.NewShardStatus("0001")
	shard.ParentShardId = "0000"
	require.NoError(t, c.GetLease(shard, "abc"))

	assert.Equal(t, "abc", shard.GetLeaseOwner())
	assert.False(t, shard.IsLeaseExpired(time.Now()))
	assert.Equal(t, "abc", s.HGet(c.key("0001"), LeaseOwnerKey))
	assert.Equal(t, "0000", s.HGet(c.key("0001"), ParentShardIdKey))

	// renewing our own lease is allowed
	require.NoError(t, c.GetLease(shard, "abc"))

	err := c.GetLease(par.NewShardStatus("0001"), "xyz")
	assert.True(t, errors.As(err, &ErrLeaseNotAcquired{}))
}

func TestRedisGetLeaseAfterExpiry(t *testing.T) {
	c, s := newTestRedisCheckpoint(t, "abc")

	key := c.key("0001")
	s.HSet(key,
		LeaseOwnerKey, "xyz",
		LeaseTimeoutKey, time.Now().Add(-time.Minute).UTC().Format(time.RFC3339Nano),
		SequenceNumberKey, "42")

	shard := par.NewShardStatus("0001")
	require.NoError(t, c.GetLease(shard, "abc"))
	assert.Equal(t, "abc", s.HGet(key, LeaseOwnerKey))
	// the stored checkpoint is kept
	assert.Equal(t, "42", s.HGet(key, SequenceNumberKey))
}

func TestRedisCheckpointLifecycle(t *testing.T) {
	c, _ := newTestRedisCheckpoint(t, "abc")

	shard := par.NewShardStatus("0001")
	require.NoError(t, c.GetLease(shard, "abc"))

	shard.SetCheckpoint("49590338271490256608559692538361571095921575989136588898")
	require.NoError(t, c.CheckpointSequence(shard))

	status := par.NewShardStatus("0001")
	require.NoError(t, c.FetchCheckpoint(status))
	assert.Equal(t, shard.GetCheckpoint(), status.GetCheckpoint())
	assert.Equal(t, "abc", status.GetLeaseOwner())

	require.NoError(t, c.RemoveLeaseOwner("0001"))
	status = par.NewShardStatus("0001")
	require.NoError(t, c.FetchCheckpoint(status))
	assert.Equal(t, "", status.GetLeaseOwner())
}

func TestRedisFetchCheckpointNotFound(t *testing.T) {
	c, _ := newTestRedisCheckpoint(t, "abc")
	assert.Equal(t, ErrSequenceIDNotFound, c.FetchCheckpoint(par.NewShardStatus("0001")))
}

func TestRedisCheckpointSequenceLeaseLost(t *testing.T) {
	c, s := newTestRedisCheckpoint(t, "abc")

	shard := par.NewShardStatus("0001")
	require.NoError(t, c.GetLease(shard, "abc"))

	s.HSet(c.key("0001"), LeaseOwnerKey, "xyz")

	shard.SetCheckpoint("12")
	err := c.CheckpointSequence(shard)
	assert.Equal(t, KindShutdown, Classify(err))
	assert.True(t, errors.Is(err, ErrLeaseLost))
	assert.Equal(t, "", s.HGet(c.key("0001"), SequenceNumberKey))
}

func TestRedisCheckpointSequenceThrottled(t *testing.T) {
	c, s := newTestRedisCheckpoint(t, "abc")

	shard := par.NewShardStatus("0001")
	require.NoError(t, c.GetLease(shard, "abc"))

	s.SetError("LOADING Redis is loading the dataset in memory")
	defer s.SetError("")

	shard.SetCheckpoint("12")
	err := c.CheckpointSequence(shard)
	assert.Equal(t, KindThrottling, Classify(err))
}

func TestRedisRemoveLeaseOwnerOfOtherWorker(t *testing.T) {
	c, s := newTestRedisCheckpoint(t, "abc")
	s.HSet(c.key("0001"), LeaseOwnerKey, "xyz")

	assert.Error(t, c.RemoveLeaseOwner("0001"))
	assert.Equal(t, "xyz", s.HGet(c.key("0001"), LeaseOwnerKey))
}
