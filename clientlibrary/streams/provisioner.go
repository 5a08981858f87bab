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
// Package streams provisions Kinesis streams and publishes records to them.
package streams

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/config"
	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/utils"
	"github.com/kaeawc/kinesis-checkpoint/logger"
)

// StreamDescriptor is the part of a stream description the provisioner cares about.
type StreamDescriptor struct {
	Name string
	ARN  string
	// ShardCount is the number of shards listed in the first page of the description.
	ShardCount int
	Status     string
}

// Active reports whether the stream accepts reads and writes.
func (d *StreamDescriptor) Active() bool {
	return d.Status == kinesis.StreamStatusActive
}

// Provisioner makes sure a stream exists and is ACTIVE.
type Provisioner struct {
	svc kinesisiface.KinesisAPI
	log logger.Logger

	// PollingInterval is the pause between two describe calls while waiting for the stream.
	PollingInterval time.Duration
	// Timeout bounds the wait for the stream to become ACTIVE. Zero waits until the context is done.
	Timeout time.Duration
}

// NewProvisioner returns a Provisioner using the polling interval, timeout and logger of kclConfig.
func NewProvisioner(svc kinesisiface.KinesisAPI, kclConfig *config.KinesisClientLibConfiguration) *Provisioner {
	return &Provisioner{
		svc:             svc,
		log:             kclConfig.Logger,
		PollingInterval: kclConfig.StreamPollingInterval,
		Timeout:         kclConfig.StreamProvisionTimeout,
	}
}

// GetOrCreate returns the description of stream name once it is ACTIVE. A missing stream is created
// with shardCount shards; creation is requested at most once per call.
func (p *Provisioner) GetOrCreate(ctx context.Context, name string, shardCount int) (*StreamDescriptor, error) {
	stream, err := p.describe(ctx, name)
	switch {
	case err == nil:
		p.log.Debugf("Found stream %s with status %s", name, stream.Status)
		if stream.Active() {
			return stream, nil
		}
	case utils.AWSErrCode(err) == kinesis.ErrCodeResourceNotFoundException:
		p.log.Debugf("Could not find ACTIVE stream:%s trying to create.", name)
		if err := p.create(ctx, name, shardCount); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("describing stream %s: %w", name, err)
	}

	poll := func(ctx context.Context) (bool, error) {
		s, err := p.describe(ctx, name)
		if err != nil {
			if utils.AWSErrCode(err) == kinesis.ErrCodeResourceNotFoundException {
				return false, nil
			}
			return false, err
		}
		stream = s
		p.log.Debugf("Stream status: %s", s.Status)
		return s.Active(), nil
	}

	if p.Timeout > 0 {
		err = wait.PollUntilContextTimeout(ctx, p.PollingInterval, p.Timeout, false, poll)
	} else {
		err = wait.PollUntilContextCancel(ctx, p.PollingInterval, false, poll)
	}
	if err != nil {
		if wait.Interrupted(err) {
			return nil, fmt.Errorf("stream %s is not ACTIVE: %w", name, err)
		}
		return nil, fmt.Errorf("describing stream %s: %w", name, err)
	}

	p.log.Infof("Stream %s is ACTIVE with %d shards", name, stream.ShardCount)
	return stream, nil
}

func (p *Provisioner) create(ctx context.Context, name string, shardCount int) error {
	_, err := p.svc.CreateStreamWithContext(ctx, &kinesis.CreateStreamInput{
		StreamName: aws.String(name),
		ShardCount: aws.Int64(int64(shardCount)),
	})
	if err == nil {
		return nil
	}
	// Another producer created it first.
	if utils.AWSErrCode(err) == kinesis.ErrCodeResourceInUseException {
		p.log.Debugf("Stream %s is already being created", name)
		return nil
	}
	return fmt.Errorf("creating stream %s: %w", name, err)
}

func (p *Provisioner) describe(ctx context.Context, name string) (*StreamDescriptor, error) {
	out, err := p.svc.DescribeStreamWithContext(ctx, &kinesis.DescribeStreamInput{
		StreamName: aws.String(name),
	})
	if err != nil {
		return nil, err
	}

	desc := out.StreamDescription
	return &StreamDescriptor{
		Name:       aws.StringValue(desc.StreamName),
		ARN:        aws.StringValue(desc.StreamARN),
		ShardCount: len(desc.Shards),
		Status:     aws.StringValue(desc.StreamStatus),
	}, nil
}
