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
// The implementation is derived from https://github.com/patrobinson/gokini
//
// Copyright 2018 Patrick robinson
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of this software and associated documentation files (the "Software"), to deal in the Software without restriction, including without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of the Software, and to permit persons to whom the Software is furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
package checkpoint

import (
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/matryer/try"

	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/config"
	par "github.com/kaeawc/kinesis-checkpoint/clientlibrary/partition"
	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/utils"
	"github.com/kaeawc/kinesis-checkpoint/logger"
)

const (
	// ErrInvalidDynamoDBSchema is returned when there are one or more fields missing from the table
	ErrInvalidDynamoDBSchema = "The DynamoDB schema is invalid and may need to be re-created"

	// NumMaxRetries is the max times of doing retry
	NumMaxRetries = 10

	// errCodeThrottling is returned by DynamoDB control plane calls; the SDK has no constant for it.
	errCodeThrottling = "ThrottlingException"
)

// DynamoCheckpoint implements the Checkpoint interface using DynamoDB as a backend
type DynamoCheckpoint struct {
	log                     logger.Logger
	TableName               string
	leaseTableReadCapacity  int64
	leaseTableWriteCapacity int64

	LeaseDuration int
	svc           dynamodbiface.DynamoDBAPI
	kclConfig     *config.KinesisClientLibConfiguration
	Retries       int
	backoff       func(attempt int)
}

func NewDynamoCheckpoint(kclConfig *config.KinesisClientLibConfiguration) *DynamoCheckpoint {
	checkpointer := &DynamoCheckpoint{
		log:                     kclConfig.Logger,
		TableName:               kclConfig.TableName,
		leaseTableReadCapacity:  int64(kclConfig.InitialLeaseTableReadCapacity),
		leaseTableWriteCapacity: int64(kclConfig.InitialLeaseTableWriteCapacity),
		LeaseDuration:           kclConfig.FailoverTimeMillis,
		kclConfig:               kclConfig,
		Retries:                 NumMaxRetries,
		backoff: func(attempt int) {
			// Backoff time as recommended by https://docs.aws.amazon.com/general/latest/gr/api-retries.html
			time.Sleep(time.Duration(math.Exp2(float64(attempt))*100) * time.Millisecond)
		},
	}

	return checkpointer
}

// WithDynamoDB is used to provide DynamoDB service
func (checkpointer *DynamoCheckpoint) WithDynamoDB(svc dynamodbiface.DynamoDBAPI) *DynamoCheckpoint {
	checkpointer.svc = svc
	return checkpointer
}

// Init initialises the DynamoDB Checkpoint
func (checkpointer *DynamoCheckpoint) Init() error {
	if checkpointer.svc == nil {
		checkpointer.log.Infof("Creating DynamoDB session")

		s, err := session.NewSession(&aws.Config{
			Region:      aws.String(checkpointer.kclConfig.RegionName),
			Endpoint:    aws.String(checkpointer.kclConfig.DynamoDBEndpoint),
			Credentials: checkpointer.kclConfig.DynamoDBCredentials,
			Retryer: client.DefaultRetryer{
				NumMaxRetries:    checkpointer.Retries,
				MinRetryDelay:    client.DefaultRetryerMinRetryDelay,
				MinThrottleDelay: client.DefaultRetryerMinThrottleDelay,
				MaxRetryDelay:    client.DefaultRetryerMaxRetryDelay,
				MaxThrottleDelay: client.DefaultRetryerMaxRetryDelay,
			},
		})
		if err != nil {
			return fmt.Errorf("failed in getting DynamoDB session: %w", err)
		}
		checkpointer.svc = dynamodb.New(s)
	}

	if !checkpointer.doesTableExist() {
		return checkpointer.createTable()
	}
	return nil
}

// GetLease attempts to gain a lock on the given shard
func (checkpointer *DynamoCheckpoint) GetLease(shard *par.ShardStatus, newAssignTo string) error {
	newLeaseTimeout := time.Now().Add(time.Duration(checkpointer.LeaseDuration) * time.Millisecond).UTC()
	newLeaseTimeoutString := newLeaseTimeout.Format(time.RFC3339)
	currentCheckpoint, err := checkpointer.getItem(shard.ID)
	if err != nil {
		return err
	}

	assignedVar, assignedToOk := currentCheckpoint[LeaseOwnerKey]
	leaseVar, leaseTimeoutOk := currentCheckpoint[LeaseTimeoutKey]

	var conditionalExpression string
	var expressionAttributeValues map[string]*dynamodb.AttributeValue

	if !leaseTimeoutOk || !assignedToOk {
		conditionalExpression = "attribute_not_exists(AssignedTo)"
	} else {
		assignedTo := aws.StringValue(assignedVar.S)
		leaseTimeout := aws.StringValue(leaseVar.S)

		currentLeaseTimeout, err := time.Parse(time.RFC3339, leaseTimeout)
		if err != nil {
			return err
		}

		if time.Now().UTC().Before(currentLeaseTimeout) && assignedTo != newAssignTo {
			return ErrLeaseNotAcquired{"current lease timeout not yet expired"}
		}

		checkpointer.log.Debugf("Attempting to get a lock for shard: %s, leaseTimeout: %s, assignedTo: %s, newAssignedTo: %s", shard.ID, currentLeaseTimeout, assignedTo, newAssignTo)
		conditionalExpression = "ShardID = :id AND AssignedTo = :assigned_to AND LeaseTimeout = :lease_timeout"
		expressionAttributeValues = map[string]*dynamodb.AttributeValue{
			":id": {
				S: aws.String(shard.ID),
			},
			":assigned_to": {
				S: aws.String(assignedTo),
			},
			":lease_timeout": {
				S: aws.String(leaseTimeout),
			},
		}
	}

	marshalledCheckpoint := map[string]*dynamodb.AttributeValue{
		LeaseKeyKey: {
			S: aws.String(shard.ID),
		},
		LeaseOwnerKey: {
			S: aws.String(newAssignTo),
		},
		LeaseTimeoutKey: {
			S: aws.String(newLeaseTimeoutString),
		},
	}

	if len(shard.ParentShardId) > 0 {
		marshalledCheckpoint[ParentShardIdKey] = &dynamodb.AttributeValue{S: aws.String(shard.ParentShardId)}
	}

	// the stored checkpoint wins over the in-memory one, which may be stale
	if sequenceID, ok := currentCheckpoint[SequenceNumberKey]; ok && sequenceID.S != nil {
		marshalledCheckpoint[SequenceNumberKey] = sequenceID
	} else if checkpoint := shard.GetCheckpoint(); checkpoint != "" {
		marshalledCheckpoint[SequenceNumberKey] = &dynamodb.AttributeValue{
			S: aws.String(checkpoint),
		}
	}

	err = checkpointer.conditionalUpdate(conditionalExpression, expressionAttributeValues, marshalledCheckpoint)
	if err != nil {
		if utils.AWSErrCode(err) == dynamodb.ErrCodeConditionalCheckFailedException {
			return ErrLeaseNotAcquired{dynamodb.ErrCodeConditionalCheckFailedException}
		}
		return err
	}

	shard.SetLease(newAssignTo, newLeaseTimeout)
	return nil
}

// CheckpointSequence writes a checkpoint at the designated sequence ID. The write is conditional on
// the shard still being leased to shard.AssignedTo.
func (checkpointer *DynamoCheckpoint) CheckpointSequence(shard *par.ShardStatus) error {
	sequenceNumber := shard.GetCheckpoint()
	owner := shard.GetLeaseOwner()
	if owner == "" {
		return NewCheckpointError(KindShutdown, shard.ID, sequenceNumber, ErrLeaseLost)
	}

	leaseTimeout := shard.GetLeaseTimeout().UTC().Format(time.RFC3339)
	marshalledCheckpoint := map[string]*dynamodb.AttributeValue{
		LeaseKeyKey: {
			S: aws.String(shard.ID),
		},
		SequenceNumberKey: {
			S: aws.String(sequenceNumber),
		},
		LeaseOwnerKey: {
			S: aws.String(owner),
		},
		LeaseTimeoutKey: {
			S: aws.String(leaseTimeout),
		},
	}

	if len(shard.ParentShardId) > 0 {
		marshalledCheckpoint[ParentShardIdKey] = &dynamodb.AttributeValue{S: aws.String(shard.ParentShardId)}
	}

	err := checkpointer.conditionalUpdate("AssignedTo = :assigned_to", map[string]*dynamodb.AttributeValue{
		":assigned_to": {
			S: aws.String(owner),
		},
	}, marshalledCheckpoint)
	if err != nil {
		return classifyAWSError(shard.ID, sequenceNumber, err)
	}
	return nil
}

// FetchCheckpoint retrieves the checkpoint for the given shard
func (checkpointer *DynamoCheckpoint) FetchCheckpoint(shard *par.ShardStatus) error {
	checkpoint, err := checkpointer.getItem(shard.ID)
	if err != nil {
		return err
	}

	sequenceID, ok := checkpoint[SequenceNumberKey]
	if !ok {
		return ErrSequenceIDNotFound
	}
	checkpointer.log.Debugf("Retrieved Shard Iterator %s", aws.StringValue(sequenceID.S))
	shard.SetCheckpoint(aws.StringValue(sequenceID.S))

	if assignedTo, ok := checkpoint[LeaseOwnerKey]; ok {
		shard.SetLeaseOwner(aws.StringValue(assignedTo.S))
	}

	// Use up-to-date leaseTimeout to avoid ConditionalCheckFailedException when claiming
	if leaseTimeout, ok := checkpoint[LeaseTimeoutKey]; ok && leaseTimeout.S != nil {
		currentLeaseTimeout, err := time.Parse(time.RFC3339, aws.StringValue(leaseTimeout.S))
		if err != nil {
			return err
		}
		shard.SetLeaseTimeout(currentLeaseTimeout)
	}

	return nil
}

// RemoveLeaseOwner to remove lease owner for the shard entry
func (checkpointer *DynamoCheckpoint) RemoveLeaseOwner(shardID string) error {
	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(checkpointer.TableName),
		Key: map[string]*dynamodb.AttributeValue{
			LeaseKeyKey: {
				S: aws.String(shardID),
			},
		},
		UpdateExpression: aws.String("remove " + LeaseOwnerKey),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":assigned_to": {
				S: aws.String(checkpointer.kclConfig.WorkerID),
			},
		},
		ConditionExpression: aws.String("AssignedTo = :assigned_to"),
	}

	_, err := checkpointer.svc.UpdateItem(input)

	return err
}

func (checkpointer *DynamoCheckpoint) createTable() error {
	input := &dynamodb.CreateTableInput{
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String(LeaseKeyKey),
				AttributeType: aws.String("S"),
			},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String(LeaseKeyKey),
				KeyType:       aws.String("HASH"),
			},
		},
		ProvisionedThroughput: &dynamodb.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(checkpointer.leaseTableReadCapacity),
			WriteCapacityUnits: aws.Int64(checkpointer.leaseTableWriteCapacity),
		},
		TableName: aws.String(checkpointer.TableName),
	}
	_, err := checkpointer.svc.CreateTable(input)
	return err
}

func (checkpointer *DynamoCheckpoint) doesTableExist() bool {
	input := &dynamodb.DescribeTableInput{
		TableName: aws.String(checkpointer.TableName),
	}
	_, err := checkpointer.svc.DescribeTable(input)
	return err == nil
}

func (checkpointer *DynamoCheckpoint) conditionalUpdate(conditionExpression string, expressionAttributeValues map[string]*dynamodb.AttributeValue, item map[string]*dynamodb.AttributeValue) error {
	return checkpointer.putItem(&dynamodb.PutItemInput{
		ConditionExpression:       aws.String(conditionExpression),
		TableName:                 aws.String(checkpointer.TableName),
		Item:                      item,
		ExpressionAttributeValues: expressionAttributeValues,
	})
}

// putItem retries internal server errors only. Capacity errors are handed back to the caller,
// which owns the checkpoint retry policy.
func (checkpointer *DynamoCheckpoint) putItem(input *dynamodb.PutItemInput) error {
	return try.Do(func(attempt int) (bool, error) {
		_, err := checkpointer.svc.PutItem(input)
		if utils.AWSErrCode(err) == dynamodb.ErrCodeInternalServerError && checkpointer.canRetry(attempt) {
			checkpointer.backoff(attempt)
			return true, err
		}
		return false, err
	})
}

func (checkpointer *DynamoCheckpoint) getItem(shardID string) (map[string]*dynamodb.AttributeValue, error) {
	var item *dynamodb.GetItemOutput
	err := try.Do(func(attempt int) (bool, error) {
		var err error
		item, err = checkpointer.svc.GetItem(&dynamodb.GetItemInput{
			TableName: aws.String(checkpointer.TableName),
			Key: map[string]*dynamodb.AttributeValue{
				LeaseKeyKey: {
					S: aws.String(shardID),
				},
			},
		})
		code := utils.AWSErrCode(err)
		if (code == dynamodb.ErrCodeProvisionedThroughputExceededException ||
			code == dynamodb.ErrCodeInternalServerError) && checkpointer.canRetry(attempt) {
			checkpointer.backoff(attempt)
			return true, err
		}
		return false, err
	})
	if err != nil {
		return nil, err
	}
	return item.Item, nil
}

// canRetry reports whether another attempt may follow attempt. try.Do stops by itself after
// try.MaxRetries attempts and drops the last error, so Retries is capped there.
func (checkpointer *DynamoCheckpoint) canRetry(attempt int) bool {
	return attempt < checkpointer.Retries && attempt < try.MaxRetries
}

// classifyAWSError maps a failed DynamoDB checkpoint write onto the checkpoint error taxonomy.
func classifyAWSError(shardID, sequenceNumber string, err error) error {
	switch utils.AWSErrCode(err) {
	case dynamodb.ErrCodeConditionalCheckFailedException:
		return NewCheckpointError(KindShutdown, shardID, sequenceNumber, fmt.Errorf("%w: %v", ErrLeaseLost, err))
	case dynamodb.ErrCodeProvisionedThroughputExceededException,
		dynamodb.ErrCodeRequestLimitExceeded,
		dynamodb.ErrCodeLimitExceededException,
		errCodeThrottling:
		return NewCheckpointError(KindThrottling, shardID, sequenceNumber, err)
	default:
		return NewCheckpointError(KindUnclassified, shardID, sequenceNumber, err)
	}
}
