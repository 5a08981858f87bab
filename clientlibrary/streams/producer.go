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
package streams

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"

	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/config"
	"github.com/kaeawc/kinesis-checkpoint/logger"
)

// maxPutRecordsEntries is the PutRecords request limit.
const maxPutRecordsEntries = 500

// DefaultPayloadLengths are the sizes of the sample payloads published by the producer.
var DefaultPayloadLengths = []int{100, 1000, 500, 5000, 10, 750, 10, 2000, 500}

// RandomPayloads returns one random lowercase ASCII payload per length.
func RandomPayloads(lengths ...int) [][]byte {
	const letters = "abcdefghijklmnopqrstuvwxyz"

	payloads := make([][]byte, 0, len(lengths))
	for _, n := range lengths {
		b := make([]byte, n)
		for i := range b {
			b[i] = letters[rand.Intn(len(letters))]
		}
		payloads = append(payloads, b)
	}
	return payloads
}

// Producer writes records to one stream under a fixed partition key.
type Producer struct {
	svc          kinesisiface.KinesisAPI
	log          logger.Logger
	streamName   string
	partitionKey string
	now          func() time.Time
}

// NewProducer returns a Producer for the stream and partition key of kclConfig.
func NewProducer(svc kinesisiface.KinesisAPI, kclConfig *config.KinesisClientLibConfiguration) *Producer {
	return &Producer{
		svc:          svc,
		log:          kclConfig.Logger,
		streamName:   kclConfig.StreamName,
		partitionKey: kclConfig.PartitionKey,
		now:          time.Now,
	}
}

// Publish puts records one by one and then again as a batch.
func (p *Producer) Publish(ctx context.Context, records [][]byte) error {
	if err := p.PutIndividually(ctx, records); err != nil {
		return err
	}
	return p.PutBatch(ctx, records)
}

// PutIndividually issues one PutRecord call per record and logs the average latency.
func (p *Producer) PutIndividually(ctx context.Context, records [][]byte) error {
	if len(records) == 0 {
		return nil
	}

	p.log.Infof("putting %d records individually", len(records))
	var total time.Duration
	for _, data := range records {
		start := p.now()
		_, err := p.svc.PutRecordWithContext(ctx, &kinesis.PutRecordInput{
			StreamName:   aws.String(p.streamName),
			PartitionKey: aws.String(p.partitionKey),
			Data:         data,
		})
		if err != nil {
			return fmt.Errorf("putting record to stream %s: %w", p.streamName, err)
		}
		total += p.now().Sub(start)
	}

	p.log.Infof("record avg put in %s, total %s", total/time.Duration(len(records)), total)
	return nil
}

// PutBatch sends records with PutRecords, splitting them into requests of at most 500 entries.
// Any entry rejected by Kinesis fails the call.
func (p *Producer) PutBatch(ctx context.Context, records [][]byte) error {
	p.log.Infof("batching %d records", len(records))
	for len(records) > 0 {
		n := len(records)
		if n > maxPutRecordsEntries {
			n = maxPutRecordsEntries
		}

		entries := make([]*kinesis.PutRecordsRequestEntry, 0, n)
		for _, data := range records[:n] {
			entries = append(entries, &kinesis.PutRecordsRequestEntry{
				PartitionKey: aws.String(p.partitionKey),
				Data:         data,
			})
		}

		start := p.now()
		out, err := p.svc.PutRecordsWithContext(ctx, &kinesis.PutRecordsInput{
			StreamName: aws.String(p.streamName),
			Records:    entries,
		})
		if err != nil {
			return fmt.Errorf("putting records to stream %s: %w", p.streamName, err)
		}
		if failed := aws.Int64Value(out.FailedRecordCount); failed > 0 {
			return fmt.Errorf("putting records to stream %s: %d of %d records failed", p.streamName, failed, n)
		}
		p.log.Infof("record batch put in %s", p.now().Sub(start))

		records = records[n:]
	}
	return nil
}
