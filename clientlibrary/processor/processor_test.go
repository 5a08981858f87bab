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
	"encoding/base64"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chk "github.com/kaeawc/kinesis-checkpoint/clientlibrary/checkpoint"
	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/config"
	kcl "github.com/kaeawc/kinesis-checkpoint/clientlibrary/interfaces"
	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/metrics"
)

// scriptedCheckpointer returns errs[i] for the i-th call and nil once the script runs out.
type scriptedCheckpointer struct {
	errs  []error
	calls []*string
}

func (s *scriptedCheckpointer) Checkpoint(sequenceNumber *string) error {
	i := len(s.calls)
	s.calls = append(s.calls, sequenceNumber)
	if i < len(s.errs) {
		return s.errs[i]
	}
	return nil
}

type countingMonitoringService struct {
	metrics.NoopMonitoringService
	attempted int
	succeeded int
	failed    []string
}

func (m *countingMonitoringService) CheckpointAttempted(shard string) { m.attempted++ }
func (m *countingMonitoringService) CheckpointSucceeded(shard string) { m.succeeded++ }
func (m *countingMonitoringService) CheckpointFailed(shard string, result string) {
	m.failed = append(m.failed, result)
}

type fakeClock struct {
	t      time.Time
	sleeps []time.Duration
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(d time.Duration) { c.sleeps = append(c.sleeps, d) }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func kindErr(kind chk.ErrorKind) error {
	return chk.NewCheckpointError(kind, "shardId-000000000000", "1", errors.New(kind.String()))
}

func repeat(err error, n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = err
	}
	return errs
}

func newTestProcessor(t *testing.T, handler RecordHandler, policy Policy) (*ShardRecordProcessor, *fakeClock, *countingMonitoringService) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
	mService := &countingMonitoringService{}
	if handler == nil {
		handler = func([]byte, string, *big.Int) error { return nil }
	}
	p := NewShardRecordProcessor(handler,
		WithPolicy(policy),
		WithClock(clock.now),
		WithSleeper(clock.sleep),
		WithMonitoringService(mService),
	)
	p.Initialize(&kcl.InitializationInput{ShardId: "shardId-000000000000"})
	return p, clock, mService
}

func testPolicy(retries int) Policy {
	return Policy{Retries: retries, Sleep: 5 * time.Second, Cadence: 60 * time.Second}
}

func records(seqs ...string) []*kcl.Record {
	out := make([]*kcl.Record, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, &kcl.Record{
			Data:           base64.StdEncoding.EncodeToString([]byte("payload " + seq)),
			PartitionKey:   "a",
			SequenceNumber: seq,
		})
	}
	return out
}

func TestProcessRecordsTracksLargestSequence(t *testing.T) {
	var seen []string
	p, _, _ := newTestProcessor(t, func(data []byte, partitionKey string, seq *big.Int) error {
		seen = append(seen, string(data))
		assert.Equal(t, "a", partitionKey)
		return nil
	}, testPolicy(5))

	cp := &scriptedCheckpointer{}
	p.ProcessRecords(&kcl.ProcessRecordsInput{Records: records("5", "3", "9"), Checkpointer: cp})
	assert.Equal(t, []string{"payload 5", "payload 3", "payload 9"}, seen)
	assert.Equal(t, "9", p.LargestSequenceNumber().String())
	assert.Empty(t, cp.calls)

	p.ProcessRecords(&kcl.ProcessRecordsInput{Records: records("7"), Checkpointer: cp})
	assert.Equal(t, "9", p.LargestSequenceNumber().String())
}

func TestProcessRecordsHandlesSequencesBeyond64Bits(t *testing.T) {
	p, clock, _ := newTestProcessor(t, nil, testPolicy(5))
	big1 := "49590338271490256608559692538361571095921575989136588898"
	big2 := "49590338271490256608559692538361571095921575989136588899"

	cp := &scriptedCheckpointer{}
	clock.advance(61 * time.Second)
	p.ProcessRecords(&kcl.ProcessRecordsInput{Records: records(big2, big1), Checkpointer: cp})
	require.Len(t, cp.calls, 1)
	assert.Equal(t, big2, *cp.calls[0])
}

func TestProcessRecordsCheckpointCadence(t *testing.T) {
	p, clock, _ := newTestProcessor(t, nil, testPolicy(5))
	cp := &scriptedCheckpointer{}

	clock.advance(30 * time.Second)
	p.ProcessRecords(&kcl.ProcessRecordsInput{Records: records("1"), Checkpointer: cp})
	assert.Empty(t, cp.calls)

	// Exactly at the cadence is not yet due.
	clock.advance(30 * time.Second)
	p.ProcessRecords(&kcl.ProcessRecordsInput{Records: records("2"), Checkpointer: cp})
	assert.Empty(t, cp.calls)

	clock.advance(time.Second)
	p.ProcessRecords(&kcl.ProcessRecordsInput{Records: records("3"), Checkpointer: cp})
	require.Len(t, cp.calls, 1)
	assert.Equal(t, "3", *cp.calls[0])

	clock.advance(10 * time.Second)
	p.ProcessRecords(&kcl.ProcessRecordsInput{Records: records("4"), Checkpointer: cp})
	assert.Len(t, cp.calls, 1)
}

func TestProcessRecordsResetsCadenceAfterFailedCheckpoint(t *testing.T) {
	p, clock, mService := newTestProcessor(t, nil, testPolicy(2))
	cp := &scriptedCheckpointer{errs: repeat(kindErr(chk.KindThrottling), 2)}

	clock.advance(61 * time.Second)
	p.ProcessRecords(&kcl.ProcessRecordsInput{Records: records("1"), Checkpointer: cp})
	assert.Len(t, cp.calls, 2)
	assert.Equal(t, []string{metrics.CheckpointExhausted}, mService.failed)

	clock.advance(time.Second)
	p.ProcessRecords(&kcl.ProcessRecordsInput{Records: records("2"), Checkpointer: cp})
	assert.Len(t, cp.calls, 2)
}

func TestProcessRecordsSkipsCheckpointWithoutRecords(t *testing.T) {
	p, clock, _ := newTestProcessor(t, nil, testPolicy(5))
	cp := &scriptedCheckpointer{}

	clock.advance(61 * time.Second)
	p.ProcessRecords(&kcl.ProcessRecordsInput{Checkpointer: cp})
	assert.Empty(t, cp.calls)
}

func TestProcessRecordsAbsorbsErrors(t *testing.T) {
	tests := []struct {
		name    string
		records []*kcl.Record
		handler RecordHandler
	}{
		{
			name:    "bad base64",
			records: []*kcl.Record{{Data: "%%%", SequenceNumber: "10"}},
		},
		{
			name:    "bad sequence number",
			records: []*kcl.Record{{Data: base64.StdEncoding.EncodeToString([]byte("x")), SequenceNumber: "abc"}},
		},
		{
			name:    "handler error",
			records: records("10"),
			handler: func([]byte, string, *big.Int) error { return errors.New("boom") },
		},
		{
			name:    "handler panic",
			records: records("10"),
			handler: func([]byte, string, *big.Int) error { panic("boom") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, clock, _ := newTestProcessor(t, tt.handler, testPolicy(5))
			cp := &scriptedCheckpointer{}

			p.ProcessRecords(&kcl.ProcessRecordsInput{Records: records("1"), Checkpointer: cp})
			clock.advance(61 * time.Second)
			assert.NotPanics(t, func() {
				p.ProcessRecords(&kcl.ProcessRecordsInput{Records: append(tt.records, records("20")...), Checkpointer: cp})
			})

			// The failing batch stops early and does not checkpoint.
			assert.Empty(t, cp.calls)
			if tt.handler == nil {
				assert.Equal(t, "1", p.LargestSequenceNumber().String())
			}
		})
	}
}

func TestCheckpointSucceedsFirstAttempt(t *testing.T) {
	p, clock, mService := newTestProcessor(t, nil, testPolicy(5))
	cp := &scriptedCheckpointer{}
	seq := "42"

	out := p.Checkpoint(cp, &seq)
	assert.Equal(t, Succeeded, out.Result)
	assert.Equal(t, 1, out.Attempts)
	assert.NoError(t, out.Err)
	assert.Empty(t, clock.sleeps)
	assert.Equal(t, 1, mService.attempted)
	assert.Equal(t, 1, mService.succeeded)
	assert.Empty(t, mService.failed)
}

func TestCheckpointThrottledEveryAttempt(t *testing.T) {
	p, clock, mService := newTestProcessor(t, nil, testPolicy(3))
	cp := &scriptedCheckpointer{errs: repeat(kindErr(chk.KindThrottling), 10)}
	seq := "42"

	out := p.Checkpoint(cp, &seq)
	assert.Equal(t, Exhausted, out.Result)
	assert.Equal(t, 3, out.Attempts)
	assert.Len(t, cp.calls, 3)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, clock.sleeps)
	assert.Equal(t, 3, mService.attempted)
	assert.Equal(t, []string{metrics.CheckpointExhausted}, mService.failed)
}

func TestCheckpointShutdownAbortsImmediately(t *testing.T) {
	for k := 0; k < 4; k++ {
		p, _, mService := newTestProcessor(t, nil, testPolicy(5))
		errs := append(repeat(kindErr(chk.KindThrottling), k), kindErr(chk.KindShutdown))
		cp := &scriptedCheckpointer{errs: errs}
		seq := "42"

		out := p.Checkpoint(cp, &seq)
		assert.Equal(t, Aborted, out.Result)
		assert.Equal(t, k+1, out.Attempts)
		assert.Len(t, cp.calls, k+1)
		assert.Equal(t, chk.KindShutdown, chk.Classify(out.Err))
		assert.Equal(t, []string{metrics.CheckpointAborted}, mService.failed)
	}
}

func TestCheckpointRetriesRetryableErrors(t *testing.T) {
	p, _, mService := newTestProcessor(t, nil, testPolicy(5))
	cp := &scriptedCheckpointer{errs: []error{
		kindErr(chk.KindInvalidState),
		errors.New("connection reset"),
		kindErr(chk.KindThrottling),
	}}
	seq := "42"

	out := p.Checkpoint(cp, &seq)
	assert.Equal(t, Succeeded, out.Result)
	assert.Equal(t, 4, out.Attempts)
	assert.Equal(t, 1, mService.succeeded)
}

func TestCheckpointGivesUpAfterRetryableErrors(t *testing.T) {
	p, clock, mService := newTestProcessor(t, nil, testPolicy(3))
	cp := &scriptedCheckpointer{errs: repeat(kindErr(chk.KindInvalidState), 3)}
	seq := "42"

	out := p.Checkpoint(cp, &seq)
	assert.Equal(t, GaveUp, out.Result)
	assert.Equal(t, 3, out.Attempts)
	assert.Len(t, clock.sleeps, 2)
	assert.Equal(t, []string{metrics.CheckpointGaveUp}, mService.failed)
}

func TestCheckpointTrailingSleep(t *testing.T) {
	policy := testPolicy(3)
	policy.TrailingSleep = true

	p, clock, _ := newTestProcessor(t, nil, policy)
	out := p.Checkpoint(&scriptedCheckpointer{}, nil)
	assert.Equal(t, Succeeded, out.Result)
	assert.Len(t, clock.sleeps, 1)

	p, clock, _ = newTestProcessor(t, nil, policy)
	out = p.Checkpoint(&scriptedCheckpointer{errs: repeat(kindErr(chk.KindThrottling), 3)}, nil)
	assert.Equal(t, Exhausted, out.Result)
	assert.Len(t, clock.sleeps, 3)
}

func TestCheckpointNonPositiveRetriesMakesOneAttempt(t *testing.T) {
	p, _, _ := newTestProcessor(t, nil, testPolicy(0))
	cp := &scriptedCheckpointer{errs: repeat(kindErr(chk.KindThrottling), 2)}

	out := p.Checkpoint(cp, nil)
	assert.Equal(t, Exhausted, out.Result)
	assert.Equal(t, 1, out.Attempts)
}

func TestShutdownTerminateCheckpointsOnce(t *testing.T) {
	p, _, _ := newTestProcessor(t, nil, testPolicy(5))
	cp := &scriptedCheckpointer{}

	p.Shutdown(&kcl.ShutdownInput{ShutdownReason: kcl.TERMINATE, Checkpointer: cp})
	require.Len(t, cp.calls, 1)
	assert.Nil(t, cp.calls[0])
}

func TestShutdownZombieNeverCheckpoints(t *testing.T) {
	p, _, mService := newTestProcessor(t, nil, testPolicy(5))
	cp := &scriptedCheckpointer{}

	p.ProcessRecords(&kcl.ProcessRecordsInput{Records: records("1", "2"), Checkpointer: cp})
	p.Shutdown(&kcl.ShutdownInput{ShutdownReason: kcl.ZOMBIE, Checkpointer: cp})
	assert.Empty(t, cp.calls)
	assert.Zero(t, mService.attempted)
}

func TestShutdownRecoversFromPanics(t *testing.T) {
	p, _, _ := newTestProcessor(t, nil, testPolicy(5))

	assert.NotPanics(t, func() {
		// A nil checkpointer panics inside the retry loop.
		p.Shutdown(&kcl.ShutdownInput{ShutdownReason: kcl.TERMINATE})
	})
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "Exhausted", Exhausted.String())
	assert.Equal(t, "Result(0)", Result(0).String())
}

func TestFactoryUsesConfiguration(t *testing.T) {
	mService := &countingMonitoringService{}
	kclConfig := config.NewKinesisClientLibConfig("appName", "StreamName", "us-west-2", "workerId").
		WithCheckpointRetries(2).
		WithCheckpointSleep(0).
		WithMonitoringService(mService)

	p, ok := NewFactory(kclConfig, func([]byte, string, *big.Int) error { return nil }).CreateProcessor().(*ShardRecordProcessor)
	require.True(t, ok)
	p.Initialize(&kcl.InitializationInput{ShardId: "shardId-000000000001"})

	out := p.Checkpoint(&scriptedCheckpointer{errs: repeat(kindErr(chk.KindInvalidState), 5)}, nil)
	assert.Equal(t, GaveUp, out.Result)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 2, mService.attempted)
}
