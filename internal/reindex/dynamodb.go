package reindex

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/dynamo"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
)

// Key prefixes and attributes of job status items.
const (
	PrefixJob = "JOB#"
	SKStatus  = "STATUS"

	AttrKind       = "kind"
	AttrScope      = "scope"
	AttrCollection = "collection"
	AttrState      = "state"
	AttrProcessed  = "processed"
	AttrCursor     = "cursor"
	AttrError      = "error"
	AttrStartedAt  = "startedAt"
	AttrUpdatedAt  = "updatedAt"
)

// DefaultRetentionDays is how long finished job records are kept.
const DefaultRetentionDays = 7

// DynamoDBStatusStore stores job status in DynamoDB, one item per job.
type DynamoDBStatusStore struct {
	client        dbclient.DynamoDBClient
	tableName     string
	retentionDays int
}

// NewDynamoDBStatusStore creates a DynamoDBStatusStore.
func NewDynamoDBStatusStore(client dbclient.DynamoDBClient, tableName string, retentionDays int) *DynamoDBStatusStore {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &DynamoDBStatusStore{
		client:        client,
		tableName:     tableName,
		retentionDays: retentionDays,
	}
}

func jobKey(jobID uuid.UUID) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamo.AttrPK: &types.AttributeValueMemberS{Value: PrefixJob + jobID.String()},
		dynamo.AttrSK: &types.AttributeValueMemberS{Value: SKStatus},
	}
}

// Put implements StatusStore.
func (s *DynamoDBStatusStore) Put(ctx context.Context, status JobStatus) error {
	scope, err := json.Marshal(status.Scope)
	if err != nil {
		return fmt.Errorf("encode scope: %w", err)
	}
	ttl := status.UpdatedAt.Add(time.Duration(s.retentionDays) * 24 * time.Hour).Unix()

	item := jobKey(status.JobID)
	item[AttrKind] = &types.AttributeValueMemberS{Value: string(status.Kind)}
	item[AttrScope] = &types.AttributeValueMemberS{Value: string(scope)}
	item[AttrState] = &types.AttributeValueMemberS{Value: string(status.State)}
	item[AttrProcessed] = &types.AttributeValueMemberN{Value: strconv.FormatInt(status.Processed, 10)}
	item[AttrStartedAt] = &types.AttributeValueMemberS{Value: status.StartedAt.Format(time.RFC3339)}
	item[AttrUpdatedAt] = &types.AttributeValueMemberS{Value: status.UpdatedAt.Format(time.RFC3339)}
	item[dynamo.AttrTTL] = &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)}
	if status.Collection != "" {
		item[AttrCollection] = &types.AttributeValueMemberS{Value: status.Collection}
	}
	if status.Cursor != "" {
		item[AttrCursor] = &types.AttributeValueMemberS{Value: status.Cursor}
	}
	if status.Error != "" {
		item[AttrError] = &types.AttributeValueMemberS{Value: status.Error}
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put job status: %w", err)
	}
	return nil
}

// Get implements StatusStore.
func (s *DynamoDBStatusStore) Get(ctx context.Context, jobID uuid.UUID) (JobStatus, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            jobKey(jobID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return JobStatus{}, fmt.Errorf("failed to get job status: %w", err)
	}
	if output.Item == nil {
		return JobStatus{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	status := JobStatus{JobID: jobID}
	if v, ok := output.Item[AttrKind].(*types.AttributeValueMemberS); ok {
		status.Kind = JobKind(v.Value)
	}
	if v, ok := output.Item[AttrScope].(*types.AttributeValueMemberS); ok {
		var scope model.ApplicationScope
		if err := json.Unmarshal([]byte(v.Value), &scope); err != nil {
			return JobStatus{}, fmt.Errorf("failed to parse job scope: %w", err)
		}
		status.Scope = scope
	}
	if v, ok := output.Item[AttrState].(*types.AttributeValueMemberS); ok {
		status.State = State(v.Value)
	}
	if v, ok := output.Item[AttrProcessed].(*types.AttributeValueMemberN); ok {
		processed, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return JobStatus{}, fmt.Errorf("failed to parse processed count: %w", err)
		}
		status.Processed = processed
	}
	if v, ok := output.Item[AttrCollection].(*types.AttributeValueMemberS); ok {
		status.Collection = v.Value
	}
	if v, ok := output.Item[AttrCursor].(*types.AttributeValueMemberS); ok {
		status.Cursor = v.Value
	}
	if v, ok := output.Item[AttrError].(*types.AttributeValueMemberS); ok {
		status.Error = v.Value
	}
	if v, ok := output.Item[AttrStartedAt].(*types.AttributeValueMemberS); ok {
		status.StartedAt, _ = time.Parse(time.RFC3339, v.Value)
	}
	if v, ok := output.Item[AttrUpdatedAt].(*types.AttributeValueMemberS); ok {
		status.UpdatedAt, _ = time.Parse(time.RFC3339, v.Value)
	}
	return status, nil
}
