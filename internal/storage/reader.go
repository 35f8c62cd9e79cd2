package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/dynamo"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/reindex"
)

// Reader reads the entity table.
type Reader struct {
	client    dbclient.DynamoDBClient
	tableName string
}

// NewReader creates a Reader.
func NewReader(client dbclient.DynamoDBClient, tableName string) *Reader {
	return &Reader{client: client, tableName: tableName}
}

// LoadEntity returns the current snapshot of an entity, or model.ErrEntityNotFound.
func (r *Reader) LoadEntity(ctx context.Context, scope model.ApplicationScope, id model.ID) (*model.Entity, error) {
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.ScopePK(scope.Key())},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: EntitySK(id)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	if output.Item == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrEntityNotFound, id)
	}
	return decodeEntity(itemAttrs(output.Item))
}

// ListEdgesTo returns every edge whose target is target.
func (r *Reader) ListEdgesTo(ctx context.Context, scope model.ApplicationScope, target model.ID) ([]model.Edge, error) {
	var edges []model.Edge
	var startKey map[string]types.AttributeValue

	for {
		output, err := r.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(r.tableName),
			KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: dynamo.ScopePK(scope.Key())},
				":prefix": &types.AttributeValueMemberS{Value: EdgeTargetPrefix(target)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query edges: %w", err)
		}

		for _, item := range output.Items {
			edge, err := decodeEdge(itemAttrs(item))
			if err != nil {
				return nil, err
			}
			edges = append(edges, edge)
		}

		if output.LastEvaluatedKey == nil {
			return edges, nil
		}
		startKey = output.LastEvaluatedKey
	}
}

// WalkEntities returns one page of entities. With a collection set it walks the
// collection's membership edges and loads each member instead.
func (r *Reader) WalkEntities(ctx context.Context, q reindex.EntityQuery) (reindex.EntityPage, error) {
	if q.Collection != "" {
		return r.walkCollection(ctx, q)
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: dynamo.ScopePK(q.Scope.Key())},
			":prefix": &types.AttributeValueMemberS{Value: PrefixEntity},
		},
		ExclusiveStartKey: startKey(q.Scope, q.Cursor),
	}
	if q.UpdatedSince > 0 {
		input.FilterExpression = aws.String("#ua >= :since")
		input.ExpressionAttributeNames = map[string]string{"#ua": AttrUpdatedAt}
		input.ExpressionAttributeValues[":since"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(q.UpdatedSince, 10)}
	}
	if q.Limit > 0 {
		input.Limit = aws.Int32(q.Limit)
	}

	output, err := r.client.Query(ctx, input)
	if err != nil {
		return reindex.EntityPage{}, fmt.Errorf("failed to query entities: %w", err)
	}

	page := reindex.EntityPage{Cursor: cursor(output.LastEvaluatedKey)}
	for _, item := range output.Items {
		entity, err := decodeEntity(itemAttrs(item))
		if err != nil {
			return reindex.EntityPage{}, err
		}
		page.Entities = append(page.Entities, *entity)
	}
	return page, nil
}

func (r *Reader) walkCollection(ctx context.Context, q reindex.EntityQuery) (reindex.EntityPage, error) {
	edges, err := r.WalkEdges(ctx, reindex.EdgeQuery{
		Scope:    q.Scope,
		EdgeType: model.CollectionEdgeType(q.Collection),
		Cursor:   q.Cursor,
		Limit:    q.Limit,
	})
	if err != nil {
		return reindex.EntityPage{}, err
	}

	page := reindex.EntityPage{Cursor: edges.Cursor}
	for _, edge := range edges.Edges {
		entity, err := r.LoadEntity(ctx, q.Scope, edge.Target)
		if errors.Is(err, model.ErrEntityNotFound) {
			continue
		}
		if err != nil {
			return reindex.EntityPage{}, err
		}
		if entity.UpdatedAt < q.UpdatedSince {
			continue
		}
		page.Entities = append(page.Entities, *entity)
	}
	return page, nil
}

// WalkEdges returns one page of edges of q.EdgeType.
func (r *Reader) WalkEdges(ctx context.Context, q reindex.EdgeQuery) (reindex.EdgePage, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
		FilterExpression:       aws.String("#et = :et"),
		ExpressionAttributeNames: map[string]string{
			"#et": AttrEdgeType,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: dynamo.ScopePK(q.Scope.Key())},
			":prefix": &types.AttributeValueMemberS{Value: PrefixEdge},
			":et":     &types.AttributeValueMemberS{Value: q.EdgeType},
		},
		ExclusiveStartKey: startKey(q.Scope, q.Cursor),
	}
	if q.Limit > 0 {
		input.Limit = aws.Int32(q.Limit)
	}

	output, err := r.client.Query(ctx, input)
	if err != nil {
		return reindex.EdgePage{}, fmt.Errorf("failed to query edges: %w", err)
	}

	page := reindex.EdgePage{Cursor: cursor(output.LastEvaluatedKey)}
	for _, item := range output.Items {
		edge, err := decodeEdge(itemAttrs(item))
		if err != nil {
			return reindex.EdgePage{}, err
		}
		page.Edges = append(page.Edges, edge)
	}
	return page, nil
}

// cursor renders a LastEvaluatedKey as the sort key it stopped at. Every query of
// this package stays inside one partition, so the sort key is enough to resume.
func cursor(lastKey map[string]types.AttributeValue) string {
	if lastKey == nil {
		return ""
	}
	if v, ok := lastKey[dynamo.AttrSK].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func startKey(scope model.ApplicationScope, cursor string) map[string]types.AttributeValue {
	if cursor == "" {
		return nil
	}
	return map[string]types.AttributeValue{
		dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.ScopePK(scope.Key())},
		dynamo.AttrSK: &types.AttributeValueMemberS{Value: cursor},
	}
}
