package versions

import (
	"context"
	"errors"
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

// PrefixVersion prefixes the sort key of version marker items.
const PrefixVersion = "VERSION#"

// Attribute names for version marker items.
const (
	AttrUpdatedAfter = "updatedAfter"
	AttrSequence     = "sequence"
	AttrDeleted      = "deleted"
	AttrUpdatedAt    = "updatedAt"
)

// commitCondition accepts the new mark when the item is not a tombstone and holds
// no newer mark.
const commitCondition = "attribute_not_exists(#del) AND " +
	"(attribute_not_exists(#ua) OR #ua < :ua OR (#ua = :ua AND #seq <= :seq))"

// ItemAPI is the DynamoDB operations the tracker needs.
type ItemAPI interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoDB is a Tracker shared by every consumer process, using conditional writes
// so concurrent workers cannot move an entity's mark backwards.
type DynamoDB struct {
	client    ItemAPI
	tableName string
}

// NewDynamoDB creates a DynamoDB tracker.
func NewDynamoDB(client ItemAPI, tableName string) *DynamoDB {
	return &DynamoDB{
		client:    client,
		tableName: tableName,
	}
}

func (d *DynamoDB) key(scope model.ApplicationScope, id model.ID) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.ScopePK(scope.Key())},
		dynamo.AttrSK: &types.AttributeValueMemberS{Value: PrefixVersion + id.Key()},
	}
}

// Check implements Tracker with a consistent read of the marker item.
func (d *DynamoDB) Check(ctx context.Context, scope model.ApplicationScope, id model.ID, mark asyncevent.Mark) (State, error) {
	output, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            d.key(scope, id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return StateFresh, fmt.Errorf("read version for %s: %w", id, err)
	}
	return stateOf(output.Item, mark), nil
}

// stateOf compares mark against a marker item. A missing item is fresh.
func stateOf(item map[string]types.AttributeValue, mark asyncevent.Mark) State {
	if item == nil {
		return StateFresh
	}
	if v, ok := item[AttrDeleted].(*types.AttributeValueMemberBOOL); ok && v.Value {
		return StateDeleted
	}
	n, ok := item[AttrUpdatedAfter].(*types.AttributeValueMemberN)
	if !ok {
		return StateFresh
	}
	updatedAfter, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return StateFresh
	}
	var sequence string
	if s, ok := item[AttrSequence].(*types.AttributeValueMemberS); ok {
		sequence = s.Value
	}
	if mark.Before(asyncevent.Mark{UpdatedAfter: updatedAfter, Sequence: sequence}) {
		return StateStale
	}
	return StateFresh
}

// Commit implements Tracker. A failed condition is resolved from the item the
// condition saw: a tombstone is ErrDeleted, a newer mark is a no-op.
func (d *DynamoDB) Commit(ctx context.Context, scope model.ApplicationScope, id model.ID, mark asyncevent.Mark) error {
	now := time.Now().UTC()

	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 d.key(scope, id),
		UpdateExpression:    aws.String("SET #ua = :ua, #seq = :seq, " + AttrUpdatedAt + " = :now"),
		ConditionExpression: aws.String(commitCondition),
		ExpressionAttributeNames: map[string]string{
			"#ua":  AttrUpdatedAfter,
			"#seq": AttrSequence,
			"#del": AttrDeleted,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ua":  &types.AttributeValueMemberN{Value: strconv.FormatInt(mark.UpdatedAfter, 10)},
			":seq": &types.AttributeValueMemberS{Value: mark.Sequence},
			":now": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			if stateOf(condErr.Item, mark) == StateDeleted {
				return ErrDeleted
			}
			return nil
		}
		return fmt.Errorf("commit version for %s: %w", id, err)
	}
	return nil
}

// RecordDelete implements Tracker.
func (d *DynamoDB) RecordDelete(ctx context.Context, scope model.ApplicationScope, id model.ID) error {
	now := time.Now().UTC()

	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.tableName),
		Key:              d.key(scope, id),
		UpdateExpression: aws.String("SET #del = :true, " + AttrUpdatedAt + " = :now"),
		ExpressionAttributeNames: map[string]string{
			"#del": AttrDeleted,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true": &types.AttributeValueMemberBOOL{Value: true},
			":now":  &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
	})
	if err != nil {
		return fmt.Errorf("record delete for %s: %w", id, err)
	}
	return nil
}
