package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/reindex"
)

// mockDynamoDBClient implements the dbclient.DynamoDBClient interface for testing.
type mockDynamoDBClient struct {
	getItemFunc func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	queryFunc   func(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

func (m *mockDynamoDBClient) GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.getItemFunc != nil {
		return m.getItemFunc(ctx, input, opts...)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockDynamoDBClient) Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, input, opts...)
	}
	return &dynamodb.QueryOutput{}, nil
}

func (m *mockDynamoDBClient) UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *mockDynamoDBClient) PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamoDBClient) DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return &dynamodb.DeleteItemOutput{}, nil
}

func (m *mockDynamoDBClient) TransactWriteItems(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

var (
	testScope = model.NewApplicationScope(model.NewID(uuid.MustParse("0190a6b0-0000-7000-8000-000000000001"), "application"))
	userU1    = model.NewID(uuid.MustParse("0190a6b0-0000-7000-8000-0000000000e1"), "user")
	groupG1   = model.NewID(uuid.MustParse("0190a6b0-0000-7000-8000-0000000000f1"), "group")
)

func testEntity() *model.Entity {
	return &model.Entity{
		ID:        userU1,
		Version:   uuid.MustParse("0190a6b0-0000-7000-8000-0000000000aa"),
		UpdatedAt: 1700,
		Fields:    map[string]any{"name": "Ada"},
	}
}

func TestLoadEntity(t *testing.T) {
	item, err := EntityItem(testScope, testEntity())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reader := NewReader(&mockDynamoDBClient{
		getItemFunc: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			if sk := input.Key["sk"].(*types.AttributeValueMemberS).Value; sk != "ENTITY#"+userU1.Key() {
				t.Errorf("sk = %s", sk)
			}
			return &dynamodb.GetItemOutput{Item: item}, nil
		},
	}, "entities")

	got, err := reader.LoadEntity(context.Background(), testScope, userU1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := testEntity()
	if got.ID != want.ID || got.Version != want.Version || got.UpdatedAt != want.UpdatedAt || got.Fields["name"] != "Ada" {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestLoadEntity_NotFound(t *testing.T) {
	reader := NewReader(&mockDynamoDBClient{}, "entities")
	if _, err := reader.LoadEntity(context.Background(), testScope, userU1); !errors.Is(err, model.ErrEntityNotFound) {
		t.Errorf("expected ErrEntityNotFound, got %v", err)
	}
}

func TestListEdgesTo_FollowsPages(t *testing.T) {
	edges := []model.Edge{
		{Source: groupG1, Type: "members", Target: userU1},
		{Source: groupG1, Type: "owners", Target: userU1},
	}
	calls := 0
	reader := NewReader(&mockDynamoDBClient{
		queryFunc: func(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			calls++
			prefix := input.ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS).Value
			if prefix != "EDGE#"+userU1.Key()+"#" {
				t.Errorf("prefix = %s", prefix)
			}
			if input.ExclusiveStartKey == nil {
				return &dynamodb.QueryOutput{
					Items:            []map[string]types.AttributeValue{EdgeItem(testScope, edges[0])},
					LastEvaluatedKey: map[string]types.AttributeValue{"sk": &types.AttributeValueMemberS{Value: EdgeSK(edges[0])}},
				}, nil
			}
			return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{EdgeItem(testScope, edges[1])}}, nil
		},
	}, "entities")

	got, err := reader.ListEdgesTo(context.Background(), testScope, userU1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("query calls = %d, want 2", calls)
	}
	if len(got) != 2 || got[1].Type != "owners" {
		t.Errorf("edges = %+v", got)
	}
}

func TestWalkEntities_Paged(t *testing.T) {
	item, err := EntityItem(testScope, testEntity())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reader := NewReader(&mockDynamoDBClient{
		queryFunc: func(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			if input.ExclusiveStartKey["sk"].(*types.AttributeValueMemberS).Value != "ENTITY#prev" {
				t.Error("expected the cursor as the exclusive start key")
			}
			if *input.Limit != 25 {
				t.Errorf("limit = %d, want 25", *input.Limit)
			}
			if input.FilterExpression == nil || !strings.Contains(*input.FilterExpression, ":since") {
				t.Error("expected an updatedAt filter")
			}
			return &dynamodb.QueryOutput{
				Items:            []map[string]types.AttributeValue{item},
				LastEvaluatedKey: map[string]types.AttributeValue{"pk": item["pk"], "sk": item["sk"]},
			}, nil
		},
	}, "entities")

	page, err := reader.WalkEntities(context.Background(), reindex.EntityQuery{
		Scope:        testScope,
		UpdatedSince: 100,
		Cursor:       "ENTITY#prev",
		Limit:        25,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Entities) != 1 || page.Entities[0].ID != userU1 {
		t.Errorf("entities = %+v", page.Entities)
	}
	if page.Cursor != EntitySK(userU1) {
		t.Errorf("cursor = %q, want %q", page.Cursor, EntitySK(userU1))
	}
}

func TestWalkEntities_Collection(t *testing.T) {
	member := model.Edge{Source: testScope.Application, Type: model.CollectionEdgeType("staff"), Target: userU1}
	missing := model.Edge{Source: testScope.Application, Type: model.CollectionEdgeType("staff"), Target: model.NewID(uuid.New(), "user")}
	item, err := EntityItem(testScope, testEntity())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reader := NewReader(&mockDynamoDBClient{
		queryFunc: func(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			if et := input.ExpressionAttributeValues[":et"].(*types.AttributeValueMemberS).Value; et != "collection:staff" {
				t.Errorf("edge type = %s", et)
			}
			return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
				EdgeItem(testScope, member),
				EdgeItem(testScope, missing),
			}}, nil
		},
		getItemFunc: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			if input.Key["sk"].(*types.AttributeValueMemberS).Value == EntitySK(userU1) {
				return &dynamodb.GetItemOutput{Item: item}, nil
			}
			return &dynamodb.GetItemOutput{}, nil
		},
	}, "entities")

	page, err := reader.WalkEntities(context.Background(), reindex.EntityQuery{Scope: testScope, Collection: "Staff"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Entities) != 1 || page.Entities[0].ID != userU1 {
		t.Errorf("entities = %+v, want only the existing member", page.Entities)
	}
	if page.Cursor != "" {
		t.Errorf("cursor = %q, want empty", page.Cursor)
	}
}

func TestWalkEdges_QueryError(t *testing.T) {
	queryErr := errors.New("throttled")
	reader := NewReader(&mockDynamoDBClient{
		queryFunc: func(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			return nil, queryErr
		},
	}, "entities")
	if _, err := reader.WalkEdges(context.Background(), reindex.EdgeQuery{Scope: testScope, EdgeType: "x"}); !errors.Is(err, queryErr) {
		t.Errorf("expected query error, got %v", err)
	}
}

func streamImage(t *testing.T, item map[string]types.AttributeValue) map[string]events.DynamoDBAttributeValue {
	t.Helper()
	out := make(map[string]events.DynamoDBAttributeValue, len(item))
	for k, v := range item {
		switch tv := v.(type) {
		case *types.AttributeValueMemberS:
			out[k] = events.NewStringAttribute(tv.Value)
		case *types.AttributeValueMemberN:
			out[k] = events.NewNumberAttribute(tv.Value)
		default:
			t.Fatalf("unexpected attribute type %T", v)
		}
	}
	return out
}

func TestDecodeStreamRecord(t *testing.T) {
	entityItem, err := EntityItem(testScope, testEntity())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	edge := model.Edge{Source: groupG1, Type: "members", Target: userU1, Timestamp: 1800}

	t.Run("entity insert", func(t *testing.T) {
		change, err := DecodeStreamRecord(events.DynamoDBEventRecord{
			EventName: "INSERT",
			Change:    events.DynamoDBStreamRecord{NewImage: streamImage(t, entityItem)},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if change.Kind != ChangeUpsert || change.Entity == nil || change.Entity.UpdatedAt != 1700 {
			t.Errorf("change = %+v", change)
		}
		if change.Scope != testScope {
			t.Errorf("scope = %+v, want %+v", change.Scope, testScope)
		}
	})

	t.Run("edge remove uses old image", func(t *testing.T) {
		change, err := DecodeStreamRecord(events.DynamoDBEventRecord{
			EventName: "REMOVE",
			Change:    events.DynamoDBStreamRecord{OldImage: streamImage(t, EdgeItem(testScope, edge))},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if change.Kind != ChangeRemove || change.Edge == nil || *change.Edge != edge {
			t.Errorf("change = %+v", change)
		}
	})

	t.Run("other item", func(t *testing.T) {
		item := map[string]types.AttributeValue{
			"pk":    &types.AttributeValueMemberS{Value: "SCOPE#x"},
			"sk":    &types.AttributeValueMemberS{Value: "VERSION#x"},
			"scope": &types.AttributeValueMemberS{Value: testScope.Application.Key()},
		}
		_, err := DecodeStreamRecord(events.DynamoDBEventRecord{
			EventName: "MODIFY",
			Change:    events.DynamoDBStreamRecord{NewImage: streamImage(t, item)},
		})
		if !errors.Is(err, ErrNotIndexable) {
			t.Errorf("expected ErrNotIndexable, got %v", err)
		}
	})
}
