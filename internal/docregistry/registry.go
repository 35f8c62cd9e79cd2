// Package docregistry records which document ids were written for each entity, so
// index backends that cannot query by field can still delete by entity or version.
package docregistry

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/dynamo"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/indexop"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
)

// PrefixDoc prefixes the sort key of registry items.
const PrefixDoc = "DOC#"

// Attribute names for registry items.
const (
	AttrDocID        = "docId"
	AttrEntityID     = "entityId"
	AttrVersion      = "version"
	AttrKey          = "vectorKey"
	AttrUpdatedAfter = "updatedAfter"
	AttrSequence     = "sequence"
)

// claimCondition accepts an entry unless the registered one has a newer mark.
const claimCondition = "attribute_not_exists(sk) OR attribute_not_exists(#ua) OR " +
	"#ua < :ua OR (#ua = :ua AND #seq <= :seq)"

// Entry is one registered document.
type Entry struct {
	DocID    string
	EntityID string
	Version  string
	// Key is the storage key of the document's data. Empty means DocID.
	Key  string
	Mark indexop.Mark
}

// StorageKey returns the key the document's data is stored under.
func (e Entry) StorageKey() string {
	if e.Key == "" {
		return e.DocID
	}
	return e.Key
}

// Registry stores entries in DynamoDB, one item per document, sorted under the
// owning entity so ListByEntity is a prefix query.
type Registry struct {
	client    dynamo.Client
	tableName string
}

// New creates a Registry.
func New(client dynamo.Client, tableName string) *Registry {
	return &Registry{client: client, tableName: tableName}
}

func entityPrefix(entityID string) string {
	return PrefixDoc + entityID + "#"
}

func (r *Registry) key(scope model.ApplicationScope, entityID, docID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.ScopePK(scope.Key())},
		dynamo.AttrSK: &types.AttributeValueMemberS{Value: entityPrefix(entityID) + docID},
	}
}

// Claim registers entry unless the registered entry for the same document has a
// newer mark. It returns the entry it replaced, if any, and whether entry was
// registered. Claiming with an equal mark succeeds, so a replay is not refused.
func (r *Registry) Claim(ctx context.Context, scope model.ApplicationScope, entry Entry) (*Entry, bool, error) {
	item := r.key(scope, entry.EntityID, entry.DocID)
	item[AttrDocID] = &types.AttributeValueMemberS{Value: entry.DocID}
	item[AttrEntityID] = &types.AttributeValueMemberS{Value: entry.EntityID}
	item[AttrVersion] = &types.AttributeValueMemberS{Value: entry.Version}
	item[AttrKey] = &types.AttributeValueMemberS{Value: entry.StorageKey()}
	item[AttrUpdatedAfter] = &types.AttributeValueMemberN{Value: strconv.FormatInt(entry.Mark.UpdatedAfter, 10)}
	item[AttrSequence] = &types.AttributeValueMemberS{Value: entry.Mark.Sequence}

	output, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String(claimCondition),
		ExpressionAttributeNames: map[string]string{
			"#ua":  AttrUpdatedAfter,
			"#seq": AttrSequence,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ua":  &types.AttributeValueMemberN{Value: strconv.FormatInt(entry.Mark.UpdatedAfter, 10)},
			":seq": &types.AttributeValueMemberS{Value: entry.Mark.Sequence},
		},
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to register document %s: %w", entry.DocID, err)
	}
	if len(output.Attributes) == 0 {
		return nil, true, nil
	}
	prev := entryFrom(output.Attributes)
	return &prev, true, nil
}

// Get returns the registered entry of a document.
func (r *Registry) Get(ctx context.Context, scope model.ApplicationScope, entityID, docID string) (Entry, bool, error) {
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            r.key(scope, entityID, docID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to read document %s: %w", docID, err)
	}
	if output.Item == nil {
		return Entry{}, false, nil
	}
	return entryFrom(output.Item), true, nil
}

// ListByEntity returns every registered document of an entity.
func (r *Registry) ListByEntity(ctx context.Context, scope model.ApplicationScope, entityID string) ([]Entry, error) {
	var entries []Entry
	var startKey map[string]types.AttributeValue

	for {
		output, err := r.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(r.tableName),
			KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: dynamo.ScopePK(scope.Key())},
				":prefix": &types.AttributeValueMemberS{Value: entityPrefix(entityID)},
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list documents of %s: %w", entityID, err)
		}

		for _, item := range output.Items {
			entries = append(entries, entryFrom(item))
		}

		if output.LastEvaluatedKey == nil {
			return entries, nil
		}
		startKey = output.LastEvaluatedKey
	}
}

// ListByVersion returns the registered documents of an entity written at version.
func (r *Registry) ListByVersion(ctx context.Context, scope model.ApplicationScope, entityID, version string) ([]Entry, error) {
	all, err := r.ListByEntity(ctx, scope, entityID)
	if err != nil {
		return nil, err
	}
	var matched []Entry
	for _, e := range all {
		if e.Version == version {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

// Remove forgets the given entries. Removing an unknown entry is not an error. An
// entry with a storage key is only removed while it still holds that key, so an
// entry claimed in the meantime survives.
func (r *Registry) Remove(ctx context.Context, scope model.ApplicationScope, entries []Entry) error {
	for _, e := range entries {
		input := &dynamodb.DeleteItemInput{
			TableName: aws.String(r.tableName),
			Key:       r.key(scope, e.EntityID, e.DocID),
		}
		if e.Key != "" {
			input.ConditionExpression = aws.String("attribute_not_exists(sk) OR #key = :key")
			input.ExpressionAttributeNames = map[string]string{"#key": AttrKey}
			input.ExpressionAttributeValues = map[string]types.AttributeValue{
				":key": &types.AttributeValueMemberS{Value: e.Key},
			}
		}
		_, err := r.client.DeleteItem(ctx, input)
		if err != nil {
			var condErr *types.ConditionalCheckFailedException
			if errors.As(err, &condErr) {
				continue
			}
			return fmt.Errorf("failed to remove document %s: %w", e.DocID, err)
		}
	}
	return nil
}

func entryFrom(item map[string]types.AttributeValue) Entry {
	e := Entry{
		DocID:    stringAttr(item, AttrDocID),
		EntityID: stringAttr(item, AttrEntityID),
		Version:  stringAttr(item, AttrVersion),
		Key:      stringAttr(item, AttrKey),
	}
	if v, ok := item[AttrUpdatedAfter].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			e.Mark.UpdatedAfter = n
		}
	}
	e.Mark.Sequence = stringAttr(item, AttrSequence)
	return e
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}
