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
package worker

import (
	"encoding/base64"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chk "github.com/kaeawc/kinesis-checkpoint/clientlibrary/checkpoint"
	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/config"
	kcl "github.com/kaeawc/kinesis-checkpoint/clientlibrary/interfaces"
	par "github.com/kaeawc/kinesis-checkpoint/clientlibrary/partition"
	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/processor"
)

const (
	testShardID  = "shardId-000000000000"
	testWorkerID = "test-worker"
)

type mockKinesis struct {
	kinesisiface.KinesisAPI

	mux sync.Mutex
	// pages are returned by successive GetRecords calls. After the last page the shard stays open
	// and empty unless closeAfter is set.
	pages      [][]*kinesis.Record
	closeAfter bool
	reads      int
	iterators  []*kinesis.GetShardIteratorInput
	// throttled is the number of GetRecords calls rejected before records are served.
	throttled int
}

func (m *mockKinesis) ListShards(input *kinesis.ListShardsInput) (*kinesis.ListShardsOutput, error) {
	return &kinesis.ListShardsOutput{
		Shards: []*kinesis.Shard{{
			ShardId: aws.String(testShardID),
			SequenceNumberRange: &kinesis.SequenceNumberRange{
				StartingSequenceNumber: aws.String("1"),
			},
		}},
	}, nil
}

func (m *mockKinesis) GetShardIterator(input *kinesis.GetShardIteratorInput) (*kinesis.GetShardIteratorOutput, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.iterators = append(m.iterators, input)
	return &kinesis.GetShardIteratorOutput{ShardIterator: aws.String("iter-0")}, nil
}

func (m *mockKinesis) GetRecords(input *kinesis.GetRecordsInput) (*kinesis.GetRecordsOutput, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	if m.throttled > 0 {
		m.throttled--
		return nil, awserr.New(kinesis.ErrCodeProvisionedThroughputExceededException, "rate exceeded", nil)
	}

	i := m.reads
	m.reads++
	out := &kinesis.GetRecordsOutput{
		MillisBehindLatest: aws.Int64(0),
		NextShardIterator:  aws.String("iter-next"),
	}
	if i < len(m.pages) {
		out.Records = m.pages[i]
	} else if m.closeAfter {
		out.NextShardIterator = nil
	}
	return out, nil
}

func (m *mockKinesis) lastIterator() *kinesis.GetShardIteratorInput {
	m.mux.Lock()
	defer m.mux.Unlock()
	if len(m.iterators) == 0 {
		return nil
	}
	return m.iterators[len(m.iterators)-1]
}

func kinesisRecords(seqs ...string) []*kinesis.Record {
	out := make([]*kinesis.Record, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, &kinesis.Record{
			Data:           []byte("data-" + seq),
			PartitionKey:   aws.String("a"),
			SequenceNumber: aws.String(seq),
		})
	}
	return out
}

// recordingProcessor checkpoints at the largest delivered sequence number on TERMINATE.
type recordingProcessor struct {
	mux       sync.Mutex
	shardID   string
	records   []*kcl.Record
	reasons   []kcl.ShutdownReason
	terminate error
}

func (p *recordingProcessor) Initialize(input *kcl.InitializationInput) {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.shardID = input.ShardId
}

func (p *recordingProcessor) ProcessRecords(input *kcl.ProcessRecordsInput) {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.records = append(p.records, input.Records...)
}

func (p *recordingProcessor) Shutdown(input *kcl.ShutdownInput) {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.reasons = append(p.reasons, input.ShutdownReason)
	if input.ShutdownReason == kcl.TERMINATE {
		p.terminate = input.Checkpointer.Checkpoint(nil)
	}
}

func (p *recordingProcessor) snapshot() ([]*kcl.Record, []kcl.ShutdownReason) {
	p.mux.Lock()
	defer p.mux.Unlock()
	return append([]*kcl.Record(nil), p.records...), append([]kcl.ShutdownReason(nil), p.reasons...)
}

type processorFactory struct {
	processor *recordingProcessor
}

func (f *processorFactory) CreateProcessor() kcl.IRecordProcessor {
	return f.processor
}

func newTestConfig() *config.KinesisClientLibConfiguration {
	return config.NewKinesisClientLibConfig("appName", "kaeawc", "us-east-1", testWorkerID).
		WithShardSyncIntervalMillis(10).
		WithIdleTimeBetweenReadsInMillis(1).
		WithMaxLeasesForWorker(1)
}

func TestWorkerDeliversRecordsAndTerminatesClosedShard(t *testing.T) {
	kclConfig := newTestConfig()
	svc := &mockKinesis{pages: [][]*kinesis.Record{kinesisRecords("5", "3", "9")}, closeAfter: true}
	checkpointer := chk.NewMemoryCheckpoint(kclConfig)
	processor := &recordingProcessor{}

	worker := NewCustomWorker(&processorFactory{processor: processor}, kclConfig, checkpointer, nil).WithKinesis(svc)
	require.NoError(t, worker.Start())
	defer worker.Shutdown()

	require.Eventually(t, func() bool {
		_, reasons := processor.snapshot()
		return len(reasons) == 1
	}, 2*time.Second, 5*time.Millisecond)

	records, reasons := processor.snapshot()
	assert.Equal(t, []kcl.ShutdownReason{kcl.TERMINATE}, reasons)
	require.Len(t, records, 3)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("data-5")), records[0].Data)
	assert.Equal(t, "a", records[0].PartitionKey)
	assert.Equal(t, "9", records[2].SequenceNumber)

	processor.mux.Lock()
	assert.NoError(t, processor.terminate)
	processor.mux.Unlock()

	shard := par.NewShardStatus(testShardID)
	require.NoError(t, checkpointer.FetchCheckpoint(shard))
	assert.Equal(t, "9", shard.GetCheckpoint())

	// The closed shard is not leased again.
	time.Sleep(50 * time.Millisecond)
	_, reasons = processor.snapshot()
	assert.Len(t, reasons, 1)
}

func TestWorkerShutdownIsZombie(t *testing.T) {
	kclConfig := newTestConfig()
	svc := &mockKinesis{pages: [][]*kinesis.Record{kinesisRecords("1", "2")}}
	checkpointer := chk.NewMemoryCheckpoint(kclConfig)
	processor := &recordingProcessor{}

	worker := NewCustomWorker(&processorFactory{processor: processor}, kclConfig, checkpointer, nil).WithKinesis(svc)
	require.NoError(t, worker.Start())

	require.Eventually(t, func() bool {
		records, _ := processor.snapshot()
		return len(records) == 2
	}, 2*time.Second, 5*time.Millisecond)
	worker.Shutdown()

	_, reasons := processor.snapshot()
	assert.Equal(t, []kcl.ShutdownReason{kcl.ZOMBIE}, reasons)

	shard := par.NewShardStatus(testShardID)
	assert.ErrorIs(t, checkpointer.FetchCheckpoint(shard), chk.ErrSequenceIDNotFound)
}

func TestWorkerResumesAfterCheckpoint(t *testing.T) {
	kclConfig := newTestConfig()
	checkpointer := chk.NewMemoryCheckpoint(kclConfig)

	shard := par.NewShardStatus(testShardID)
	require.NoError(t, checkpointer.GetLease(shard, testWorkerID))
	shard.SetCheckpoint("42")
	require.NoError(t, checkpointer.CheckpointSequence(shard))
	require.NoError(t, checkpointer.RemoveLeaseOwner(testShardID))

	svc := &mockKinesis{closeAfter: true}
	processor := &recordingProcessor{}
	worker := NewCustomWorker(&processorFactory{processor: processor}, kclConfig, checkpointer, nil).WithKinesis(svc)
	require.NoError(t, worker.Start())
	defer worker.Shutdown()

	require.Eventually(t, func() bool {
		_, reasons := processor.snapshot()
		return len(reasons) == 1
	}, 2*time.Second, 5*time.Millisecond)

	iter := svc.lastIterator()
	require.NotNil(t, iter)
	assert.Equal(t, kinesis.ShardIteratorTypeAfterSequenceNumber, aws.StringValue(iter.ShardIteratorType))
	assert.Equal(t, "42", aws.StringValue(iter.StartingSequenceNumber))

	// Nothing new was delivered, checkpointing the stored position again is a no-op.
	processor.mux.Lock()
	assert.NoError(t, processor.terminate)
	processor.mux.Unlock()
}

type countingCheckpointer struct {
	chk.Checkpointer
	mux    sync.Mutex
	writes int
	err    error
}

func (c *countingCheckpointer) CheckpointSequence(shard *par.ShardStatus) error {
	c.mux.Lock()
	c.writes++
	c.mux.Unlock()
	if c.err == nil && c.Checkpointer != nil {
		return c.Checkpointer.CheckpointSequence(shard)
	}
	return c.err
}

func (c *countingCheckpointer) writeCount() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.writes
}

func TestRecordProcessorCheckpointer(t *testing.T) {
	shard := par.NewShardStatus(testShardID)
	backend := &countingCheckpointer{}
	rc := NewRecordProcessorCheckpoint(shard, backend)

	err := rc.Checkpoint(nil)
	assert.Equal(t, chk.KindInvalidState, chk.Classify(err))

	rc.SetLargestPermittedSequence(big.NewInt(10))
	rc.SetLargestPermittedSequence(big.NewInt(7))

	assert.Equal(t, chk.KindInvalidState, chk.Classify(rc.Checkpoint(aws.String("11"))))
	assert.Equal(t, chk.KindInvalidState, chk.Classify(rc.Checkpoint(aws.String("not-a-number"))))
	assert.Zero(t, backend.writes)

	require.NoError(t, rc.Checkpoint(aws.String("8")))
	assert.Equal(t, "8", shard.GetCheckpoint())

	assert.Equal(t, chk.KindInvalidState, chk.Classify(rc.Checkpoint(aws.String("7"))))

	require.NoError(t, rc.Checkpoint(nil))
	assert.Equal(t, "10", shard.GetCheckpoint())
	assert.Equal(t, 2, backend.writes)

	// Same position again does not hit the backend.
	require.NoError(t, rc.Checkpoint(aws.String("10")))
	assert.Equal(t, 2, backend.writes)
}

func TestWorkerTerminatesEmptyClosedShard(t *testing.T) {
	kclConfig := newTestConfig()
	svc := &mockKinesis{closeAfter: true}
	backend := &countingCheckpointer{Checkpointer: chk.NewMemoryCheckpoint(kclConfig)}
	processor := &recordingProcessor{}

	worker := NewCustomWorker(&processorFactory{processor: processor}, kclConfig, backend, nil).WithKinesis(svc)
	require.NoError(t, worker.Start())
	defer worker.Shutdown()

	require.Eventually(t, func() bool {
		_, reasons := processor.snapshot()
		return len(reasons) == 1
	}, 2*time.Second, 5*time.Millisecond)

	records, reasons := processor.snapshot()
	assert.Empty(t, records)
	assert.Equal(t, []kcl.ShutdownReason{kcl.TERMINATE}, reasons)

	processor.mux.Lock()
	assert.NoError(t, processor.terminate)
	processor.mux.Unlock()
	assert.Zero(t, backend.writeCount())
}

func TestShardRecordProcessorTerminatesEmptyShardInOneAttempt(t *testing.T) {
	rc := NewRecordProcessorCheckpoint(par.NewShardStatus(testShardID), &countingCheckpointer{})
	rc.MarkShardEnded()

	var slept time.Duration
	p := processor.NewShardRecordProcessor(
		func([]byte, string, *big.Int) error { return nil },
		processor.WithSleeper(func(d time.Duration) { slept += d }),
	)

	outcome := p.Checkpoint(rc, nil)
	assert.Equal(t, processor.Succeeded, outcome.Result)
	assert.Equal(t, 1, outcome.Attempts)
	assert.NoError(t, outcome.Err)
	assert.Zero(t, slept)
}

func TestRecordProcessorCheckpointerRestoresOnFailure(t *testing.T) {
	shard := par.NewShardStatus(testShardID)
	shard.SetCheckpoint("5")
	backend := &countingCheckpointer{err: chk.NewCheckpointError(chk.KindShutdown, testShardID, "6", chk.ErrLeaseLost)}
	rc := NewRecordProcessorCheckpoint(shard, backend)
	rc.SetLargestPermittedSequence(big.NewInt(6))

	err := rc.Checkpoint(nil)
	assert.Equal(t, chk.KindShutdown, chk.Classify(err))
	assert.ErrorIs(t, err, chk.ErrLeaseLost)
	assert.Equal(t, "5", shard.GetCheckpoint())
}

func TestToRecords(t *testing.T) {
	records, err := toRecords(kinesisRecords("1", "2"))
	require.NoError(t, err)
	require.Len(t, records, 2)

	data, err := base64.StdEncoding.DecodeString(records[1].Data)
	require.NoError(t, err)
	assert.Equal(t, "data-2", string(data))
	assert.Equal(t, "2", records[1].SequenceNumber)
}

func TestWorkerRetriesThrottledGetRecords(t *testing.T) {
	kclConfig := newTestConfig()
	svc := &mockKinesis{pages: [][]*kinesis.Record{kinesisRecords("1")}, throttled: 1}
	processor := &recordingProcessor{}

	worker := NewCustomWorker(&processorFactory{processor: processor}, kclConfig, chk.NewMemoryCheckpoint(kclConfig), nil).WithKinesis(svc)
	require.NoError(t, worker.Start())
	defer worker.Shutdown()

	require.Eventually(t, func() bool {
		records, _ := processor.snapshot()
		return len(records) == 1
	}, 2*time.Second, 5*time.Millisecond)
}
