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
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Environment variables understood by LoadEnv.
const (
	EnvSleepSeconds          = "SLEEP_SECONDS"
	EnvCheckpointRetries     = "CHECKPOINT_RETRIES"
	EnvCheckpointFreqSeconds = "CHECKPOINT_FREQ_SECONDS"
	EnvPollingInterval       = "POLLING_INTERVAL"
	EnvRegion                = "AWS_REGION"
	EnvStreamName            = "AWS_KINESIS_STREAM_NAME"
	EnvShardCount            = "AWS_KINESIS_SHARD_COUNT"
	EnvPartitionKey          = "AWS_KINESIS_PARTITION_KEY"

	DefaultRegionName = "us-east-1"
	DefaultStreamName = "kaeawc"
)

// environment mirrors the variables above. Durations are whole seconds.
type environment struct {
	CheckpointRetries     int    `env:"CHECKPOINT_RETRIES"`
	SleepSeconds          int    `env:"SLEEP_SECONDS"`
	CheckpointFreqSeconds int    `env:"CHECKPOINT_FREQ_SECONDS"`
	PollingInterval       int    `env:"POLLING_INTERVAL"`
	ShardCount            int    `env:"AWS_KINESIS_SHARD_COUNT"`
	PartitionKey          string `env:"AWS_KINESIS_PARTITION_KEY"`
	StreamName            string `env:"AWS_KINESIS_STREAM_NAME" envDefault:"kaeawc"`
	RegionName            string `env:"AWS_REGION" envDefault:"us-east-1"`
}

// NewKinesisClientLibConfigFromEnv builds a configuration for applicationName whose stream and region come from
// AWS_KINESIS_STREAM_NAME and AWS_REGION, then overlays the rest of the environment with LoadEnv.
func NewKinesisClientLibConfigFromEnv(applicationName, workerID string) (*KinesisClientLibConfiguration, error) {
	e, _, err := readEnvironment()
	if err != nil {
		return nil, err
	}
	if empty(e.StreamName) {
		e.StreamName = DefaultStreamName
	}
	if empty(e.RegionName) {
		e.RegionName = DefaultRegionName
	}

	c := NewKinesisClientLibConfig(applicationName, e.StreamName, e.RegionName, workerID)
	if err := LoadEnv(c); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadEnv overlays the checkpoint, polling and producer settings found in the environment onto c.
// Unset or blank variables leave the current value untouched. Values go through the With... setters,
// so a value they reject is returned as an error instead of a panic.
func LoadEnv(c *KinesisClientLibConfiguration) (err error) {
	e, set, err := readEnvironment()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid environment: %v", r)
		}
	}()

	if set[EnvCheckpointRetries] {
		c.WithCheckpointRetries(e.CheckpointRetries)
	}
	if set[EnvSleepSeconds] {
		c.WithCheckpointSleep(time.Duration(e.SleepSeconds) * time.Second)
	}
	if set[EnvCheckpointFreqSeconds] {
		c.WithCheckpointCadence(time.Duration(e.CheckpointFreqSeconds) * time.Second)
	}
	if set[EnvPollingInterval] {
		c.WithStreamPollingInterval(time.Duration(e.PollingInterval) * time.Second)
	}
	if set[EnvShardCount] {
		c.WithShardCount(e.ShardCount)
	}
	if set[EnvPartitionKey] {
		c.WithPartitionKey(e.PartitionKey)
	}
	if set[EnvStreamName] {
		c.StreamName = e.StreamName
	}
	if set[EnvRegion] {
		c.RegionName = e.RegionName
	}
	return nil
}

// readEnvironment decodes the process environment and reports which variables carry a value.
func readEnvironment() (environment, map[string]bool, error) {
	var e environment
	set := make(map[string]bool)
	err := env.ParseWithOptions(&e, env.Options{
		OnSet: func(tag string, value interface{}, isDefault bool) {
			if s, ok := value.(string); ok && !isDefault && !empty(s) {
				set[tag] = true
			}
		},
	})
	if err != nil {
		return e, nil, fmt.Errorf("invalid environment: %w", err)
	}
	return e, set, nil
}
