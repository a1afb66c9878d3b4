// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package datastore is the key-value store adapter for the orders,
// order_events, and locks tables.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/abcxyz/iac-ci/pkg/awsretry"
	"github.com/abcxyz/iac-ci/pkg/model"
)

// API is the subset of the DynamoDB client the adapter uses.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Client provides typed access to the three engine tables.
type Client struct {
	ddb         API
	ordersTable string
	eventsTable string
	locksTable  string

	// Event sort keys embed whole-second epochs; writes within one
	// process are serialized through lastEpoch so two events for the
	// same (trace_id, order_name) never collide on sk.
	mu        sync.Mutex
	lastEpoch int64

	// now is swappable for tests.
	now func() time.Time
}

// New creates a datastore client over the given tables.
func New(ddb API, ordersTable, eventsTable, locksTable string) *Client {
	return &Client{
		ddb:         ddb,
		ordersTable: ordersTable,
		eventsTable: eventsTable,
		locksTable:  locksTable,
		now:         time.Now,
	}
}

// PutOrder inserts an order record.
func (c *Client) PutOrder(ctx context.Context, rec *model.OrderRecord) error {
	rec.PK = model.OrderPK(rec.RunID, rec.OrderNum)
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal order record: %w", err)
	}
	if err := awsretry.Do(ctx, func(ctx context.Context) error {
		_, err := c.ddb.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(c.ordersTable),
			Item:      item,
		})
		return err
	}); err != nil {
		return fmt.Errorf("failed to put order %s: %w", rec.PK, err)
	}
	return nil
}

// GetOrder fetches a single order record, or nil if absent.
func (c *Client) GetOrder(ctx context.Context, runID, orderNum string) (*model.OrderRecord, error) {
	var out *dynamodb.GetItemOutput
	if err := awsretry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.ddb.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(c.ordersTable),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: model.OrderPK(runID, orderNum)},
			},
		})
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var rec model.OrderRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order record: %w", err)
	}
	return &rec, nil
}

// GetAllOrders returns every order record for a run. This is a full table
// scan filtered by run_id; a secondary index keyed on run_id would avoid
// the scan and is recommended at table-provisioning time.
func (c *Client) GetAllOrders(ctx context.Context, runID string) ([]*model.OrderRecord, error) {
	var recs []*model.OrderRecord
	var startKey map[string]types.AttributeValue

	for {
		var out *dynamodb.ScanOutput
		if err := awsretry.Do(ctx, func(ctx context.Context) error {
			var err error
			out, err = c.ddb.Scan(ctx, &dynamodb.ScanInput{
				TableName:        aws.String(c.ordersTable),
				FilterExpression: aws.String("run_id = :run_id"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":run_id": &types.AttributeValueMemberS{Value: runID},
				},
				ExclusiveStartKey: startKey,
			})
			return err
		}); err != nil {
			return nil, fmt.Errorf("failed to scan orders: %w", err)
		}

		page := make([]*model.OrderRecord, 0, len(out.Items))
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order records: %w", err)
		}
		recs = append(recs, page...)

		if out.LastEvaluatedKey == nil {
			return recs, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// UpdateOrderStatus updates an order's status, its last_update timestamp,
// and any extra fields.
func (c *Client) UpdateOrderStatus(ctx context.Context, runID, orderNum, status string, extra map[string]any) error {
	expr := "SET #status = :status, last_update = :last_update"
	names := map[string]string{"#status": "status"}
	values := map[string]types.AttributeValue{
		":status":      &types.AttributeValueMemberS{Value: status},
		":last_update": &types.AttributeValueMemberN{Value: strconv.FormatInt(c.now().Unix(), 10)},
	}

	for k, v := range extra {
		av, err := attributevalue.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal field %q: %w", k, err)
		}
		safe := strings.ReplaceAll(k, "-", "_")
		expr += fmt.Sprintf(", #%s = :%s", safe, safe)
		names["#"+safe] = k
		values[":"+safe] = av
	}

	if err := awsretry.Do(ctx, func(ctx context.Context) error {
		_, err := c.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(c.ordersTable),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: model.OrderPK(runID, orderNum)},
			},
			UpdateExpression:          aws.String(expr),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		})
		return err
	}); err != nil {
		return fmt.Errorf("failed to update order %s:%s: %w", runID, orderNum, err)
	}
	return nil
}

// PutEvent appends an order event. Events are additive; they are never
// updated or deleted. The epoch and sort key are assigned here.
func (c *Client) PutEvent(ctx context.Context, ev *model.OrderEvent) error {
	epoch := c.nextEpoch()
	ev.Epoch = strconv.FormatInt(epoch, 10)
	ev.SK = ev.OrderName + ":" + ev.Epoch

	item, err := attributevalue.MarshalMap(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := awsretry.Do(ctx, func(ctx context.Context) error {
		_, err := c.ddb.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(c.eventsTable),
			Item:      item,
		})
		return err
	}); err != nil {
		return fmt.Errorf("failed to put event %s: %w", ev.SK, err)
	}
	return nil
}

// GetEvents queries events for a trace, optionally limited to one order
// name prefix.
func (c *Client) GetEvents(ctx context.Context, traceID, orderNamePrefix string) ([]*model.OrderEvent, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.eventsTable),
		KeyConditionExpression: aws.String("trace_id = :trace_id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":trace_id": &types.AttributeValueMemberS{Value: traceID},
		},
	}
	if orderNamePrefix != "" {
		in.KeyConditionExpression = aws.String("trace_id = :trace_id AND begins_with(sk, :prefix)")
		in.ExpressionAttributeValues[":prefix"] = &types.AttributeValueMemberS{Value: orderNamePrefix + ":"}
	}

	var out *dynamodb.QueryOutput
	if err := awsretry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.ddb.Query(ctx, in)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	evs := make([]*model.OrderEvent, 0, len(out.Items))
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &evs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal events: %w", err)
	}
	return evs, nil
}

// GetLatestEvent returns the most recent event for an order, or nil.
func (c *Client) GetLatestEvent(ctx context.Context, traceID, orderName string) (*model.OrderEvent, error) {
	var out *dynamodb.QueryOutput
	if err := awsretry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.ddb.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.eventsTable),
			KeyConditionExpression: aws.String("trace_id = :trace_id AND begins_with(sk, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":trace_id": &types.AttributeValueMemberS{Value: traceID},
				":prefix":   &types.AttributeValueMemberS{Value: orderName + ":"},
			},
			ScanIndexForward: aws.Bool(false),
			Limit:            aws.Int32(1),
		})
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to query latest event: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	var ev model.OrderEvent
	if err := attributevalue.UnmarshalMap(out.Items[0], &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &ev, nil
}

// AcquireLock attempts the per-run controller lock with a conditional
// write. Acquiring succeeds iff no lock exists or the current lock is
// completed; there is no TTL-expiry takeover, so a crashed holder blocks
// its run until the locks table's TTL sweep removes the stale record.
// Returns false (and no error) when another controller holds the lock.
func (c *Client) AcquireLock(ctx context.Context, runID, orchestratorID string, ttl time.Duration, flowID, traceID string) (bool, error) {
	now := c.now().Unix()
	rec := &model.LockRecord{
		PK:             model.LockPK(runID),
		RunID:          runID,
		OrchestratorID: orchestratorID,
		Status:         model.LockActive,
		AcquiredAt:     now,
		TTL:            now + int64(ttl.Seconds()),
		FlowID:         flowID,
		TraceID:        traceID,
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, fmt.Errorf("failed to marshal lock record: %w", err)
	}

	err = awsretry.Do(ctx, func(ctx context.Context) error {
		_, err := c.ddb.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(c.locksTable),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(pk) OR #status = :completed"),
			ExpressionAttributeNames: map[string]string{
				"#status": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":completed": &types.AttributeValueMemberS{Value: model.LockCompleted},
			},
		})
		return err
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lock for %s: %w", runID, err)
	}
	return true, nil
}

// ReleaseLock marks the run's lock completed, allowing the next acquire.
func (c *Client) ReleaseLock(ctx context.Context, runID string) error {
	if err := awsretry.Do(ctx, func(ctx context.Context) error {
		_, err := c.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(c.locksTable),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: model.LockPK(runID)},
			},
			UpdateExpression: aws.String("SET #status = :status"),
			ExpressionAttributeNames: map[string]string{
				"#status": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":status": &types.AttributeValueMemberS{Value: model.LockCompleted},
			},
		})
		return err
	}); err != nil {
		return fmt.Errorf("failed to release lock for %s: %w", runID, err)
	}
	return nil
}

// GetLock fetches the current lock record for a run, or nil.
func (c *Client) GetLock(ctx context.Context, runID string) (*model.LockRecord, error) {
	var out *dynamodb.GetItemOutput
	if err := awsretry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.ddb.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(c.locksTable),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: model.LockPK(runID)},
			},
		})
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var rec model.LockRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lock record: %w", err)
	}
	return &rec, nil
}

// nextEpoch returns a whole-second epoch that is strictly greater than any
// epoch previously issued by this client, so same-second event writes
// within one controller pass stay ordered.
func (c *Client) nextEpoch() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	epoch := c.now().Unix()
	if epoch <= c.lastEpoch {
		epoch = c.lastEpoch + 1
	}
	c.lastEpoch = epoch
	return epoch
}
