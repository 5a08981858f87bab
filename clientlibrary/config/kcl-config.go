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
// The implementation is derived from https://github.com/awslabs/amazon-kinesis-client
/*
 * Copyright 2014-2015 Amazon.com, Inc. or its affiliates. All Rights Reserved.
 *
 * Licensed under the Amazon Software License (the "License").
 * You may not use this file except in compliance with the License.
 * A copy of the License is located at
 *
 * http://aws.amazon.com/asl/
 *
 * or in the "license" file accompanying this file. This file is distributed
 * on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either
 * express or implied. See the License for the specific language governing
 * permissions and limitations under the License.
 */
package config

import (
	"log"
	"time"

	"github.com/aws/aws-sdk-go/aws/credentials"

	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/metrics"
	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/utils"
	"github.com/kaeawc/kinesis-checkpoint/logger"
)

// NewKinesisClientLibConfig creates a default KinesisClientLibConfiguration based on the required fields.
func NewKinesisClientLibConfig(applicationName, streamName, regionName, workerID string) *KinesisClientLibConfiguration {
	return NewKinesisClientLibConfigWithCredentials(applicationName, streamName, regionName, workerID,
		nil, nil)
}

// NewKinesisClientLibConfigWithCredential creates a default KinesisClientLibConfiguration based on the required fields and unique credentials.
func NewKinesisClientLibConfigWithCredential(applicationName, streamName, regionName, workerID string,
	creds *credentials.Credentials) *KinesisClientLibConfiguration {
	return NewKinesisClientLibConfigWithCredentials(applicationName, streamName, regionName, workerID, creds, creds)
}

// NewKinesisClientLibConfigWithCredentials creates a default KinesisClientLibConfiguration based on the required fields and specific credentials for each service.
func NewKinesisClientLibConfigWithCredentials(applicationName, streamName, regionName, workerID string,
	kinesisCreds, dynamodbCreds *credentials.Credentials) *KinesisClientLibConfiguration {
	checkIsValueNotEmpty("ApplicationName", applicationName)
	checkIsValueNotEmpty("StreamName", streamName)
	checkIsValueNotEmpty("RegionName", regionName)

	if empty(workerID) {
		workerID = utils.MustNewUUID()
	}

	// populate the KCL configuration with default values
	return &KinesisClientLibConfiguration{
		ApplicationName:                          applicationName,
		KinesisCredentials:                       kinesisCreds,
		DynamoDBCredentials:                      dynamodbCreds,
		TableName:                                applicationName,
		StreamName:                               streamName,
		RegionName:                               regionName,
		WorkerID:                                 workerID,
		InitialPositionInStream:                  DefaultInitialPositionInStream,
		InitialPositionInStreamExtended:          *newInitialPosition(DefaultInitialPositionInStream),
		FailoverTimeMillis:                       DefaultFailoverTimeMillis,
		LeaseRefreshPeriodMillis:                 DefaultLeaseRefreshPeriodMillis,
		MaxRecords:                               DefaultMaxRecords,
		IdleTimeBetweenReadsInMillis:             DefaultIdletimeBetweenReadsMillis,
		CallProcessRecordsEvenForEmptyRecordList: DefaultDontCallProcessRecordsForEmptyRecordList,
		ShardSyncIntervalMillis:                  DefaultShardSyncIntervalMillis,
		TaskBackoffTimeMillis:                    DefaultTaskBackoffTimeMillis,
		ShutdownGraceMillis:                      DefaultShutdownGraceMillis,
		MaxLeasesForWorker:                       DefaultMaxLeasesForWorker,
		InitialLeaseTableReadCapacity:            DefaultInitialLeaseTableReadCapacity,
		InitialLeaseTableWriteCapacity:           DefaultInitialLeaseTableWriteCapacity,
		CheckpointPolicy:                         DefaultCheckpointPolicy(),
		StreamPollingInterval:                    DefaultStreamPollingInterval,
		ShardCount:                               DefaultShardCount,
		PartitionKey:                             DefaultPartitionKey,
		Logger:                                   logger.GetDefaultLogger(),
	}
}

// WithKinesisEndpoint is used to provide an alternative Kinesis endpoint
func (c *KinesisClientLibConfiguration) WithKinesisEndpoint(kinesisEndpoint string) *KinesisClientLibConfiguration {
	c.KinesisEndpoint = kinesisEndpoint
	return c
}

// WithDynamoDBEndpoint is used to provide an alternative DynamoDB endpoint
func (c *KinesisClientLibConfiguration) WithDynamoDBEndpoint(dynamoDBEndpoint string) *KinesisClientLibConfiguration {
	c.DynamoDBEndpoint = dynamoDBEndpoint
	return c
}

// WithTableName to provide alternative lease table
func (c *KinesisClientLibConfiguration) WithTableName(tableName string) *KinesisClientLibConfiguration {
	checkIsValueNotEmpty("TableName", tableName)
	c.TableName = tableName
	return c
}

func (c *KinesisClientLibConfiguration) WithInitialPositionInStream(initialPositionInStream InitialPositionInStream) *KinesisClientLibConfiguration {
	c.InitialPositionInStream = initialPositionInStream
	c.InitialPositionInStreamExtended = *newInitialPosition(initialPositionInStream)
	return c
}

func (c *KinesisClientLibConfiguration) WithTimestampAtInitialPositionInStream(timestamp *time.Time) *KinesisClientLibConfiguration {
	c.InitialPositionInStream = AT_TIMESTAMP
	c.InitialPositionInStreamExtended = *newInitialPositionAtTimestamp(timestamp)
	return c
}

func (c *KinesisClientLibConfiguration) WithFailoverTimeMillis(failoverTimeMillis int) *KinesisClientLibConfiguration {
	checkIsValuePositive("FailoverTimeMillis", failoverTimeMillis)
	c.FailoverTimeMillis = failoverTimeMillis
	return c
}

func (c *KinesisClientLibConfiguration) WithLeaseRefreshPeriodMillis(leaseRefreshPeriodMillis int) *KinesisClientLibConfiguration {
	checkIsValuePositive("LeaseRefreshPeriodMillis", leaseRefreshPeriodMillis)
	c.LeaseRefreshPeriodMillis = leaseRefreshPeriodMillis
	return c
}

func (c *KinesisClientLibConfiguration) WithShardSyncIntervalMillis(shardSyncIntervalMillis int) *KinesisClientLibConfiguration {
	checkIsValuePositive("ShardSyncIntervalMillis", shardSyncIntervalMillis)
	c.ShardSyncIntervalMillis = shardSyncIntervalMillis
	return c
}

func (c *KinesisClientLibConfiguration) WithMaxRecords(maxRecords int) *KinesisClientLibConfiguration {
	checkIsValuePositive("MaxRecords", maxRecords)
	c.MaxRecords = maxRecords
	return c
}

// WithMaxLeasesForWorker configures maximum lease this worker can handles. It determines how maximun number of shards
// this worker can handle.
func (c *KinesisClientLibConfiguration) WithMaxLeasesForWorker(n int) *KinesisClientLibConfiguration {
	checkIsValuePositive("MaxLeasesForWorker", n)
	c.MaxLeasesForWorker = n
	return c
}

// WithIdleTimeBetweenReadsInMillis controls how long the shard consumer sleeps when GetRecords returns no records.
// Setting this value too high may leave the consumer unable to catch up.
func (c *KinesisClientLibConfiguration) WithIdleTimeBetweenReadsInMillis(idleTimeBetweenReadsInMillis int) *KinesisClientLibConfiguration {
	checkIsValuePositive("IdleTimeBetweenReadsInMillis", idleTimeBetweenReadsInMillis)
	c.IdleTimeBetweenReadsInMillis = idleTimeBetweenReadsInMillis
	return c
}

func (c *KinesisClientLibConfiguration) WithCallProcessRecordsEvenForEmptyRecordList(callProcessRecordsEvenForEmptyRecordList bool) *KinesisClientLibConfiguration {
	c.CallProcessRecordsEvenForEmptyRecordList = callProcessRecordsEvenForEmptyRecordList
	return c
}

func (c *KinesisClientLibConfiguration) WithTaskBackoffTimeMillis(taskBackoffTimeMillis int) *KinesisClientLibConfiguration {
	checkIsValuePositive("TaskBackoffTimeMillis", taskBackoffTimeMillis)
	c.TaskBackoffTimeMillis = taskBackoffTimeMillis
	return c
}

// WithCheckpointRetries sets how many times a checkpoint is attempted before the processor gives up.
func (c *KinesisClientLibConfiguration) WithCheckpointRetries(retries int) *KinesisClientLibConfiguration {
	checkIsValuePositive("CheckpointRetries", retries)
	c.CheckpointPolicy.Retries = retries
	return c
}

// WithCheckpointSleep sets the pause between checkpoint attempts. Zero disables the pause.
func (c *KinesisClientLibConfiguration) WithCheckpointSleep(sleep time.Duration) *KinesisClientLibConfiguration {
	if sleep < 0 {
		log.Panicf("Non-negative duration expected for CheckpointSleep, actual: %v", sleep)
	}
	c.CheckpointPolicy.Sleep = sleep
	return c
}

// WithCheckpointCadence sets the minimum time between checkpoints taken while processing records.
func (c *KinesisClientLibConfiguration) WithCheckpointCadence(cadence time.Duration) *KinesisClientLibConfiguration {
	checkIsDurationPositive("CheckpointCadence", cadence)
	c.CheckpointPolicy.Cadence = cadence
	return c
}

// WithCheckpointTrailingSleep makes the processor pause after the last checkpoint attempt as well.
func (c *KinesisClientLibConfiguration) WithCheckpointTrailingSleep(enable bool) *KinesisClientLibConfiguration {
	c.CheckpointPolicy.TrailingSleep = enable
	return c
}

// WithStreamPollingInterval sets the pause between stream status checks while provisioning.
func (c *KinesisClientLibConfiguration) WithStreamPollingInterval(interval time.Duration) *KinesisClientLibConfiguration {
	checkIsDurationPositive("StreamPollingInterval", interval)
	c.StreamPollingInterval = interval
	return c
}

// WithStreamProvisionTimeout bounds how long provisioning waits for the stream. Zero waits until cancelled.
func (c *KinesisClientLibConfiguration) WithStreamProvisionTimeout(timeout time.Duration) *KinesisClientLibConfiguration {
	if timeout < 0 {
		log.Panicf("Non-negative duration expected for StreamProvisionTimeout, actual: %v", timeout)
	}
	c.StreamProvisionTimeout = timeout
	return c
}

func (c *KinesisClientLibConfiguration) WithShardCount(shardCount int) *KinesisClientLibConfiguration {
	checkIsValuePositive("ShardCount", shardCount)
	c.ShardCount = shardCount
	return c
}

func (c *KinesisClientLibConfiguration) WithPartitionKey(partitionKey string) *KinesisClientLibConfiguration {
	checkIsValueNotEmpty("PartitionKey", partitionKey)
	c.PartitionKey = partitionKey
	return c
}

func (c *KinesisClientLibConfiguration) WithLogger(logger logger.Logger) *KinesisClientLibConfiguration {
	if logger == nil {
		log.Panic("Logger cannot be null")
	}
	c.Logger = logger
	return c
}

// WithMonitoringService sets the monitoring service to use to publish metrics.
func (c *KinesisClientLibConfiguration) WithMonitoringService(mService metrics.MonitoringService) *KinesisClientLibConfiguration {
	// Nil case is handled downward (at worker creation) so no need to do it here.
	// Plus the user might want to be explicit about passing a nil monitoring service here.
	c.MonitoringService = mService
	return c
}
