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
// Package processor provides a record processor that hands each record of a shard to a user
// handler and checkpoints its progress on a fixed cadence.
package processor

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"time"

	chk "github.com/kaeawc/kinesis-checkpoint/clientlibrary/checkpoint"
	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/config"
	kcl "github.com/kaeawc/kinesis-checkpoint/clientlibrary/interfaces"
	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/metrics"
	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/utils"
	"github.com/kaeawc/kinesis-checkpoint/logger"
)

// RecordHandler is invoked once per record with the decoded payload. Returning an error stops
// the rest of the batch.
type RecordHandler func(data []byte, partitionKey string, sequenceNumber *big.Int) error

// Policy controls the checkpoint retry loop.
type Policy = config.CheckpointPolicy

// ShardRecordProcessor implements kcl.IRecordProcessor for a single shard.
//
// The worker calls the hooks serially, so the processor keeps no lock.
type ShardRecordProcessor struct {
	handler  RecordHandler
	policy   Policy
	log      logger.Logger
	mService metrics.MonitoringService
	now      func() time.Time
	sleep    func(time.Duration)

	shardID            string
	largestSeq         *big.Int
	lastCheckpointTime time.Time
}

// Option configures a ShardRecordProcessor.
type Option func(*ShardRecordProcessor)

// WithPolicy overrides the checkpoint policy.
func WithPolicy(policy Policy) Option {
	return func(p *ShardRecordProcessor) {
		p.policy = policy
	}
}

// WithLogger sets the logger. A nil logger keeps the default.
func WithLogger(log logger.Logger) Option {
	return func(p *ShardRecordProcessor) {
		if log != nil {
			p.log = log
		}
	}
}

// WithMonitoringService sets where checkpoint metrics are reported. Nil keeps the no-op service.
func WithMonitoringService(mService metrics.MonitoringService) Option {
	return func(p *ShardRecordProcessor) {
		if mService != nil {
			p.mService = mService
		}
	}
}

// WithClock replaces the wall clock used for the checkpoint cadence.
func WithClock(now func() time.Time) Option {
	return func(p *ShardRecordProcessor) {
		p.now = now
	}
}

// WithSleeper replaces the function used to wait between checkpoint attempts.
func WithSleeper(sleep func(time.Duration)) Option {
	return func(p *ShardRecordProcessor) {
		p.sleep = sleep
	}
}

// NewShardRecordProcessor returns a processor that passes every record to handler.
func NewShardRecordProcessor(handler RecordHandler, opts ...Option) *ShardRecordProcessor {
	p := &ShardRecordProcessor{
		handler:  handler,
		policy:   config.DefaultCheckpointPolicy(),
		log:      logger.GetDefaultLogger(),
		mService: metrics.NoopMonitoringService{},
		now:      time.Now,
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.policy.Retries < 1 {
		p.policy.Retries = 1
	}
	return p
}

// Initialize starts a new session for input.ShardId.
func (p *ShardRecordProcessor) Initialize(input *kcl.InitializationInput) {
	p.shardID = input.ShardId
	p.largestSeq = nil
	p.lastCheckpointTime = p.now()
	p.log.Infof("Initialized with Shard Id %s", p.shardID)
}

// ProcessRecords hands every record of the batch to the handler in order and checkpoints at the
// largest sequence number seen once the cadence has elapsed. Errors are logged and never
// propagated to the caller.
func (p *ShardRecordProcessor) ProcessRecords(input *kcl.ProcessRecordsInput) {
	if err := p.processBatch(input.Records); err != nil {
		p.log.Errorf("Encountered an error while processing records from shard %s: %+v", p.shardID, err)
		return
	}

	now := p.now()
	if now.Sub(p.lastCheckpointTime) <= p.policy.Cadence {
		return
	}
	if p.largestSeq == nil {
		p.log.Debugf("No records delivered on shard %s yet, nothing to checkpoint", p.shardID)
	} else {
		target := p.largestSeq.String()
		p.Checkpoint(input.Checkpointer, &target)
	}
	p.lastCheckpointTime = p.now()
}

func (p *ShardRecordProcessor) processBatch(records []*kcl.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("record handler panicked: %v", r)
		}
	}()

	for _, record := range records {
		data, err := base64.StdEncoding.DecodeString(record.Data)
		if err != nil {
			return fmt.Errorf("decoding record %s: %w", record.SequenceNumber, err)
		}
		seq, err := utils.ParseSequenceNumber(record.SequenceNumber)
		if err != nil {
			return err
		}
		if err := p.handler(data, record.PartitionKey, seq); err != nil {
			return fmt.Errorf("handling record %s: %w", record.SequenceNumber, err)
		}
		p.largestSeq = utils.MaxSequenceNumber(p.largestSeq, seq)
	}
	return nil
}

// LargestSequenceNumber returns the largest sequence number handled in this session, or nil.
func (p *ShardRecordProcessor) LargestSequenceNumber() *big.Int {
	if p.largestSeq == nil {
		return nil
	}
	return new(big.Int).Set(p.largestSeq)
}

// Checkpoint persists seq through cp, retrying according to the policy. A nil seq checkpoints
// at the largest sequence number the worker has delivered. Failures are logged and reported only
// through the returned outcome.
func (p *ShardRecordProcessor) Checkpoint(cp kcl.IRecordProcessorCheckpointer, seq *string) CheckpointOutcome {
	at := describeTarget(seq)
	out := CheckpointOutcome{Target: seq}

	for attempt := 0; attempt < p.policy.Retries; attempt++ {
		out.Attempts++
		p.mService.CheckpointAttempted(p.shardID)

		err := cp.Checkpoint(seq)
		out.Err = err
		if err == nil {
			out.Result = Succeeded
		} else {
			last := attempt == p.policy.Retries-1
			switch chk.Classify(err) {
			case chk.KindShutdown:
				p.log.Infof("Encountered shutdown exception at sequence %s, skipping checkpoint", at)
				out.Result = Aborted
			case chk.KindThrottling:
				if last {
					p.log.Errorf("Failed to checkpoint at sequence %s after %d attempts, giving up.", at, out.Attempts)
					out.Result = Exhausted
				} else {
					p.log.Infof("Was throttled during checkpoint at sequence %s, will attempt again in %s", at, p.policy.Sleep)
				}
			case chk.KindInvalidState:
				p.log.Errorf("Checkpoint store reported an invalid state during checkpoint at sequence %s: %v", at, err)
			default:
				p.log.Errorf("Encountered an error during checkpoint at sequence %s: %v", at, err)
			}
		}

		if out.Result != 0 {
			if p.policy.TrailingSleep {
				p.sleep(p.policy.Sleep)
			}
			break
		}
		if attempt < p.policy.Retries-1 || p.policy.TrailingSleep {
			p.sleep(p.policy.Sleep)
		}
	}

	if out.Result == 0 {
		out.Result = GaveUp
	}

	switch out.Result {
	case Succeeded:
		p.mService.CheckpointSucceeded(p.shardID)
		p.log.Debugf("Checkpointed shard %s at sequence %s", p.shardID, at)
	case Aborted, Exhausted, GaveUp:
		p.mService.CheckpointFailed(p.shardID, out.Result.metricLabel())
		p.log.Criticalf("Critical error during checkpoint at sequence %s on shard %s: %v", at, p.shardID, out.Err)
	}
	return out
}

// Shutdown checkpoints at the largest delivered sequence when the shard has ended. A processor
// shut down because it lost its lease never checkpoints.
func (p *ShardRecordProcessor) Shutdown(input *kcl.ShutdownInput) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("Recovered from panic during shutdown of shard %s: %v", p.shardID, r)
		}
	}()

	if input.ShutdownReason == kcl.TERMINATE {
		p.log.Infof("Was told to terminate, will attempt to checkpoint.")
		p.Checkpoint(input.Checkpointer, nil)
		return
	}
	p.log.Infof("Shutting down due to failover. Will not checkpoint.")
}

func describeTarget(seq *string) string {
	if seq == nil {
		return "<largest delivered>"
	}
	return *seq
}

// Factory creates ShardRecordProcessors that share a handler and configuration.
type Factory struct {
	handler RecordHandler
	opts    []Option
}

// NewFactory returns a kcl.IRecordProcessorFactory whose processors use the checkpoint policy,
// logger and monitoring service of kclConfig.
func NewFactory(kclConfig *config.KinesisClientLibConfiguration, handler RecordHandler, opts ...Option) *Factory {
	base := []Option{
		WithPolicy(kclConfig.CheckpointPolicy),
		WithLogger(kclConfig.Logger),
		WithMonitoringService(kclConfig.MonitoringService),
	}
	return &Factory{handler: handler, opts: append(base, opts...)}
}

// CreateProcessor returns a new ShardRecordProcessor for one shard.
func (f *Factory) CreateProcessor() kcl.IRecordProcessor {
	return NewShardRecordProcessor(f.handler, f.opts...)
}
