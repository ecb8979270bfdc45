/*
 * Copyright (c) 2021 VMware, Inc.
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
package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"github.com/vmware/vmware-go-reindex/clientlibrary/config"
	"github.com/vmware/vmware-go-reindex/clientlibrary/utils"
	"github.com/vmware/vmware-go-reindex/clientlibrary/workitem"
	"github.com/vmware/vmware-go-reindex/logger"
)

const (
	WorkItemIDKey      = "WorkItemID"
	LeaseExpirationKey = "LeaseExpirationTimestamp"
	LeaseHolderKey     = "LeaseHolderID"
	NumAttemptsKey     = "NumAttempts"
	CompletedAtKey     = "CompletedAt"
	SuccessorItemsKey  = "SuccessorItems"

	// NumMaxRetries is the max times of doing retry
	NumMaxRetries = 10
)

const (
	conditionAbsent      = "attribute_not_exists(WorkItemID)"
	conditionClaimable   = "attribute_exists(WorkItemID) AND attribute_not_exists(CompletedAt) AND (attribute_not_exists(LeaseExpirationTimestamp) OR LeaseExpirationTimestamp < :now)"
	conditionCompletable = "attribute_not_exists(CompletedAt) AND LeaseHolderID = :holder AND NumAttempts = :attempts"
	conditionSplittable  = conditionCompletable + " AND attribute_not_exists(SuccessorItems)"

	updateAcquire  = "SET LeaseExpirationTimestamp = :expiration, LeaseHolderID = :holder ADD NumAttempts :one"
	updateComplete = "SET CompletedAt = :now"
	updateSplit    = "SET SuccessorItems = :successors, CompletedAt = :now"

	filterClaimable  = "attribute_not_exists(CompletedAt) AND (attribute_not_exists(LeaseExpirationTimestamp) OR LeaseExpirationTimestamp < :now)"
	filterIncomplete = "attribute_not_exists(CompletedAt)"
)

// DynamoDBStore implements Store using DynamoDB as a backend. Timestamps are stored as epoch
// milliseconds in number attributes.
type DynamoDBStore struct {
	log                     logger.Logger
	TableName               string
	leaseTableReadCapacity  int64
	leaseTableWriteCapacity int64

	svc     dynamodbiface.DynamoDBAPI
	cfg     *config.MigrationConfiguration
	Retries int

	// rng is shared by every caller of FindOneClaimable.
	rngMux sync.Mutex
	rng    *rand.Rand
}

func NewDynamoDBStore(cfg *config.MigrationConfiguration) *DynamoDBStore {
	return &DynamoDBStore{
		log:                     cfg.Logger,
		TableName:               cfg.CoordinationTableName(),
		leaseTableReadCapacity:  int64(cfg.InitialLeaseTableReadCapacity),
		leaseTableWriteCapacity: int64(cfg.InitialLeaseTableWriteCapacity),
		cfg:                     cfg,
		Retries:                 NumMaxRetries,
		rng:                     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithDynamoDB is used to provide DynamoDB service
func (s *DynamoDBStore) WithDynamoDB(svc dynamodbiface.DynamoDBAPI) *DynamoDBStore {
	s.svc = svc
	return s
}

// Init creates the DynamoDB client if none was provided and the lease table if it does not exist.
func (s *DynamoDBStore) Init(ctx context.Context) error {
	if s.svc == nil {
		s.log.Infof("Creating DynamoDB session")

		sess, err := session.NewSession(&aws.Config{
			Region:      aws.String(s.cfg.RegionName),
			Endpoint:    aws.String(s.cfg.DynamoDBEndpoint),
			Credentials: s.cfg.DynamoDBCredentials,
			Retryer: client.DefaultRetryer{
				NumMaxRetries:    s.Retries,
				MinRetryDelay:    client.DefaultRetryerMinRetryDelay,
				MinThrottleDelay: client.DefaultRetryerMinThrottleDelay,
				MaxRetryDelay:    client.DefaultRetryerMaxRetryDelay,
				MaxThrottleDelay: client.DefaultRetryerMaxRetryDelay,
			},
		})
		if err != nil {
			return storeError("init", "", fmt.Errorf("failed in getting DynamoDB session: %w", err))
		}
		s.svc = dynamodb.New(sess)
	}

	if s.doesTableExist(ctx) {
		return nil
	}
	if err := s.createTable(ctx); err != nil {
		return storeError("init", "", err)
	}
	return storeError("init", "", s.svc.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.TableName),
	}))
}

func (s *DynamoDBStore) TryCreateIfAbsent(ctx context.Context, workItemID string) (CreateOutcome, error) {
	_, err := s.svc.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.TableName),
		ConditionExpression: aws.String(conditionAbsent),
		Item: map[string]*dynamodb.AttributeValue{
			WorkItemIDKey:  {S: aws.String(workItemID)},
			NumAttemptsKey: {N: aws.String("0")},
		},
	})
	if isConditionalCheckFailed(err) {
		return AlreadyExisted, nil
	}
	if err != nil {
		return 0, storeError("create", workItemID, err)
	}
	return Created, nil
}

func (s *DynamoDBStore) FindOneClaimable(ctx context.Context, now time.Time) (string, bool, error) {
	var candidates []string
	err := s.svc.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName:            aws.String(s.TableName),
		ConsistentRead:       aws.Bool(true),
		FilterExpression:     aws.String(filterClaimable),
		ProjectionExpression: aws.String(WorkItemIDKey),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":now": millisValue(now),
		},
	}, func(page *dynamodb.ScanOutput, lastPage bool) bool {
		for _, item := range page.Items {
			if id, ok := item[WorkItemIDKey]; ok && id.S != nil {
				candidates = append(candidates, *id.S)
			}
		}
		return !lastPage
	})
	if err != nil {
		return "", false, storeError("find claimable", "", err)
	}
	if len(candidates) == 0 {
		return "", false, nil
	}
	s.rngMux.Lock()
	pick := s.rng.Intn(len(candidates))
	s.rngMux.Unlock()
	return candidates[pick], true, nil
}

func (s *DynamoDBStore) TryAcquireLease(ctx context.Context, workItemID string, now, expiration time.Time,
	holderID string) (*workitem.LeaseRecord, error) {
	out, err := s.svc.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.TableName),
		Key:                 s.key(workItemID),
		ConditionExpression: aws.String(conditionClaimable),
		UpdateExpression:    aws.String(updateAcquire),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":now":        millisValue(now),
			":expiration": millisValue(expiration),
			":holder":     {S: aws.String(holderID)},
			":one":        {N: aws.String("1")},
		},
		ReturnValues: aws.String(dynamodb.ReturnValueAllNew),
	})
	if isConditionalCheckFailed(err) {
		if _, err := s.GetRecord(ctx, workItemID); err != nil {
			return nil, err
		}
		s.log.Debugf("Lost the lease race for %s", workItemID)
		return nil, ErrLeaseConflict
	}
	if err != nil {
		return nil, storeError("acquire", workItemID, err)
	}
	return s.toRecord(workItemID, out.Attributes)
}

func (s *DynamoDBStore) TryComplete(ctx context.Context, workItemID string, version LeaseVersion, now time.Time) error {
	_, err := s.svc.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.TableName),
		Key:                 s.key(workItemID),
		ConditionExpression: aws.String(conditionCompletable),
		UpdateExpression:    aws.String(updateComplete),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":now":      millisValue(now),
			":holder":   {S: aws.String(version.HolderID)},
			":attempts": {N: aws.String(strconv.Itoa(version.NumAttempts))},
		},
	})
	if err == nil {
		return nil
	}
	if !isConditionalCheckFailed(err) {
		return storeError("complete", workItemID, err)
	}
	record, err := s.GetRecord(ctx, workItemID)
	if err != nil {
		return err
	}
	return evaluateCompletion(record, version)
}

func (s *DynamoDBStore) TrySetSuccessorsAndComplete(ctx context.Context, workItemID string, successors []string,
	version LeaseVersion, now time.Time) (SuccessorOutcome, error) {
	record, err := s.GetRecord(ctx, workItemID)
	if err != nil {
		return 0, err
	}
	outcome, proceed, err := evaluateSuccessors(record, successors, version)
	if err != nil || !proceed {
		return outcome, err
	}

	_, err = s.svc.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.TableName),
		Key:                 s.key(workItemID),
		ConditionExpression: aws.String(conditionSplittable),
		UpdateExpression:    aws.String(updateSplit),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":now":        millisValue(now),
			":successors": {S: aws.String(workitem.JoinSuccessors(successors))},
			":holder":     {S: aws.String(version.HolderID)},
			":attempts":   {N: aws.String(strconv.Itoa(version.NumAttempts))},
		},
	})
	if err == nil {
		return SuccessorsRecorded, nil
	}
	if !isConditionalCheckFailed(err) {
		return 0, storeError("split", workItemID, err)
	}

	// someone wrote the record between the read and the write; judge the split against what is stored now
	record, err = s.GetRecord(ctx, workItemID)
	if err != nil {
		return 0, err
	}
	outcome, proceed, err = evaluateSuccessors(record, successors, version)
	if err != nil || !proceed {
		return outcome, err
	}
	return 0, ErrVersionConflict
}

func (s *DynamoDBStore) CountIncomplete(ctx context.Context) (int64, error) {
	var count int64
	err := s.svc.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.TableName),
		ConsistentRead:   aws.Bool(true),
		FilterExpression: aws.String(filterIncomplete),
		Select:           aws.String(dynamodb.SelectCount),
	}, func(page *dynamodb.ScanOutput, lastPage bool) bool {
		count += aws.Int64Value(page.Count)
		return !lastPage
	})
	if err != nil {
		return 0, storeError("count incomplete", "", err)
	}
	return count, nil
}

func (s *DynamoDBStore) AnyIncomplete(ctx context.Context) (bool, error) {
	n, err := s.CountIncomplete(ctx)
	return n > 0, err
}

func (s *DynamoDBStore) GetRecord(ctx context.Context, workItemID string) (*workitem.LeaseRecord, error) {
	out, err := s.svc.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.TableName),
		ConsistentRead: aws.Bool(true),
		Key:            s.key(workItemID),
	})
	if err != nil {
		return nil, storeError("get", workItemID, err)
	}
	if len(out.Item) == 0 {
		return nil, ErrWorkItemNotFound
	}
	return s.toRecord(workItemID, out.Item)
}

func (s *DynamoDBStore) key(workItemID string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		WorkItemIDKey: {S: aws.String(workItemID)},
	}
}

func (s *DynamoDBStore) toRecord(workItemID string, item map[string]*dynamodb.AttributeValue) (*workitem.LeaseRecord, error) {
	record, err := unmarshalLeaseRecord(item)
	if err != nil {
		return nil, &MalformedRecordError{WorkItemID: workItemID, Err: err}
	}
	return record, nil
}

func (s *DynamoDBStore) createTable(ctx context.Context) error {
	s.log.Infof("Creating DynamoDB table %s", s.TableName)
	input := &dynamodb.CreateTableInput{
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String(WorkItemIDKey),
				AttributeType: aws.String("S"),
			},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String(WorkItemIDKey),
				KeyType:       aws.String("HASH"),
			},
		},
		ProvisionedThroughput: &dynamodb.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(s.leaseTableReadCapacity),
			WriteCapacityUnits: aws.Int64(s.leaseTableWriteCapacity),
		},
		TableName: aws.String(s.TableName),
	}
	_, err := s.svc.CreateTableWithContext(ctx, input)
	return err
}

func (s *DynamoDBStore) doesTableExist(ctx context.Context) bool {
	input := &dynamodb.DescribeTableInput{
		TableName: aws.String(s.TableName),
	}
	_, err := s.svc.DescribeTableWithContext(ctx, input)
	return err == nil
}

func isConditionalCheckFailed(err error) bool {
	return utils.AWSErrCode(err) == dynamodb.ErrCodeConditionalCheckFailedException
}

func millisValue(t time.Time) *dynamodb.AttributeValue {
	return &dynamodb.AttributeValue{N: aws.String(strconv.FormatInt(t.UnixNano()/int64(time.Millisecond), 10))}
}

func millisAttribute(item map[string]*dynamodb.AttributeValue, key string) (*time.Time, error) {
	v, ok := item[key]
	if !ok || v.N == nil {
		return nil, nil
	}
	ms, err := strconv.ParseInt(*v.N, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("attribute %s: %w", key, err)
	}
	t := time.Unix(0, ms*int64(time.Millisecond)).UTC()
	return &t, nil
}

func unmarshalLeaseRecord(item map[string]*dynamodb.AttributeValue) (*workitem.LeaseRecord, error) {
	id, ok := item[WorkItemIDKey]
	if !ok || id.S == nil {
		return nil, fmt.Errorf("attribute %s is missing", WorkItemIDKey)
	}
	record := &workitem.LeaseRecord{WorkItemID: *id.S}

	var err error
	if record.LeaseExpiration, err = millisAttribute(item, LeaseExpirationKey); err != nil {
		return nil, err
	}
	if record.CompletedAt, err = millisAttribute(item, CompletedAtKey); err != nil {
		return nil, err
	}
	if v, ok := item[LeaseHolderKey]; ok {
		record.LeaseHolderID = aws.StringValue(v.S)
	}
	if v, ok := item[NumAttemptsKey]; ok && v.N != nil {
		if record.NumAttempts, err = strconv.Atoi(*v.N); err != nil {
			return nil, fmt.Errorf("attribute %s: %w", NumAttemptsKey, err)
		}
	}
	if v, ok := item[SuccessorItemsKey]; ok {
		record.SuccessorItems = workitem.SplitSuccessors(aws.StringValue(v.S))
		for _, token := range record.SuccessorItems {
			if _, err := workitem.Parse(token); err != nil {
				return nil, err
			}
		}
	}
	return record, nil
}
