package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevent"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/dynamo"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
)

// PrefixDeadLetter prefixes the sort key of dead-letter items.
const PrefixDeadLetter = "DEADLETTER#"

// DefaultRetentionDays is how long dead-letter records are kept.
const DefaultRetentionDays = 14

// Attribute names for dead-letter items.
const (
	AttrKind     = "kind"
	AttrQueue    = "queue"
	AttrReason   = "reason"
	AttrAttempts = "attempts"
	AttrFailedAt = "failedAt"
	AttrEnvelope = "envelope"
)

// DynamoDBClient is the subset of DynamoDB the repository uses.
type DynamoDBClient interface {
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Repository stores dead-letter records in DynamoDB, one item per envelope, so a
// record reported twice overwrites itself.
type Repository struct {
	client        DynamoDBClient
	tableName     string
	retentionDays int
}

// NewRepository creates a Repository.
func NewRepository(client DynamoDBClient, tableName string, retentionDays int) *Repository {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Repository{
		client:        client,
		tableName:     tableName,
		retentionDays: retentionDays,
	}
}

func sortKey(queueType asyncevent.QueueType, envelopeID string) string {
	return PrefixDeadLetter + string(queueType) + "#" + envelopeID
}

// Report implements Reporter.
func (r *Repository) Report(ctx context.Context, rec Record) error {
	body, err := asyncevent.Encode(rec.Envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	failedAt := rec.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now()
	}
	failedAt = failedAt.UTC()
	ttl := failedAt.Add(time.Duration(r.retentionDays) * 24 * time.Hour).Unix()

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item: map[string]types.AttributeValue{
			dynamo.AttrPK:  &types.AttributeValueMemberS{Value: dynamo.ScopePK(rec.Envelope.Scope.Key())},
			dynamo.AttrSK:  &types.AttributeValueMemberS{Value: sortKey(rec.Queue, rec.Envelope.ID.String())},
			AttrKind:       &types.AttributeValueMemberS{Value: string(rec.Envelope.Kind)},
			AttrQueue:      &types.AttributeValueMemberS{Value: string(rec.Queue)},
			AttrReason:     &types.AttributeValueMemberS{Value: rec.Reason},
			AttrAttempts:   &types.AttributeValueMemberN{Value: strconv.Itoa(rec.Attempts)},
			AttrFailedAt:   &types.AttributeValueMemberS{Value: failedAt.Format(time.RFC3339)},
			AttrEnvelope:   &types.AttributeValueMemberS{Value: string(body)},
			dynamo.AttrTTL: &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("put dead letter %s: %w", rec.Envelope.ID, err)
	}
	return nil
}

// List returns up to limit dead-letter records of a scope and lane, oldest envelope
// first.
func (r *Repository) List(ctx context.Context, scope model.ApplicationScope, queueType asyncevent.QueueType, limit int32) ([]Record, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: dynamo.ScopePK(scope.Key())},
			":prefix": &types.AttributeValueMemberS{Value: PrefixDeadLetter + string(queueType) + "#"},
		},
	}
	if limit > 0 {
		input.Limit = aws.Int32(limit)
	}

	output, err := r.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}

	records := make([]Record, 0, len(output.Items))
	for _, item := range output.Items {
		rec, err := unmarshalRecord(item)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func unmarshalRecord(item map[string]types.AttributeValue) (Record, error) {
	var rec Record

	if v, ok := item[AttrEnvelope].(*types.AttributeValueMemberS); ok {
		if err := json.Unmarshal([]byte(v.Value), &rec.Envelope); err != nil {
			return Record{}, fmt.Errorf("decode dead-letter envelope: %w", err)
		}
	}
	if v, ok := item[AttrQueue].(*types.AttributeValueMemberS); ok {
		rec.Queue = asyncevent.QueueType(v.Value)
	}
	if v, ok := item[AttrReason].(*types.AttributeValueMemberS); ok {
		rec.Reason = v.Value
	}
	if v, ok := item[AttrAttempts].(*types.AttributeValueMemberN); ok {
		rec.Attempts, _ = strconv.Atoi(v.Value)
	}
	if v, ok := item[AttrFailedAt].(*types.AttributeValueMemberS); ok {
		rec.FailedAt, _ = time.Parse(time.RFC3339, v.Value)
	}
	return rec, nil
}
