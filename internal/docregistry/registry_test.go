package docregistry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/indexop"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
)

// tableClient is an in-memory single-partition-aware stand-in for the DynamoDB table.
type tableClient struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	queryErr error
	deletes  int
}

func newTableClient() *tableClient {
	return &tableClient{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(item map[string]types.AttributeValue) string {
	return item["pk"].(*types.AttributeValueMemberS).Value + "|" + item["sk"].(*types.AttributeValueMemberS).Value
}

func (c *tableClient) GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: c.items[itemKey(input.Key)]}, nil
}

// PutItem applies the claim condition by comparing the stored and new marks.
func (c *tableClient) PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := itemKey(input.Item)
	old, exists := c.items[key]
	if exists && input.ConditionExpression != nil && entryFrom(input.Item).Mark.Before(entryFrom(old).Mark) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("newer entry registered")}
	}
	c.items[key] = input.Item
	return &dynamodb.PutItemOutput{Attributes: old}, nil
}

func (c *tableClient) UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return &dynamodb.UpdateItemOutput{}, nil
}

func (c *tableClient) DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes++
	key := itemKey(input.Key)
	if old, ok := c.items[key]; ok && input.ConditionExpression != nil {
		want := input.ExpressionAttributeValues[":key"].(*types.AttributeValueMemberS).Value
		if stringAttr(old, AttrKey) != want {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("key changed")}
		}
	}
	delete(c.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (c *tableClient) Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if c.queryErr != nil {
		return nil, c.queryErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pk := input.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	prefix := input.ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS).Value
	var out []map[string]types.AttributeValue
	for _, item := range c.items {
		if item["pk"].(*types.AttributeValueMemberS).Value != pk {
			continue
		}
		if strings.HasPrefix(item["sk"].(*types.AttributeValueMemberS).Value, prefix) {
			out = append(out, item)
		}
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

var (
	scopeA = model.NewApplicationScope(model.NewID(uuid.MustParse("0190a6b0-0000-7000-8000-000000000001"), "application"))
	scopeB = model.NewApplicationScope(model.NewID(uuid.MustParse("0190a6b0-0000-7000-8000-000000000002"), "application"))
)

func TestRegistry_ListByEntity(t *testing.T) {
	client := newTableClient()
	reg := New(client, "index-state")
	ctx := context.Background()

	for _, e := range []Entry{
		{DocID: "user:1#entity", EntityID: "user:1", Version: "v1"},
		{DocID: "user:1#edge|group:9|members", EntityID: "user:1", Version: "v1"},
		{DocID: "user:10#entity", EntityID: "user:10", Version: "v1"},
	} {
		if _, _, err := reg.Claim(ctx, scopeA, e); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if _, _, err := reg.Claim(ctx, scopeB, Entry{DocID: "user:1#entity", EntityID: "user:1", Version: "v1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := reg.ListByEntity(ctx, scopeA, "user:1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %+v, want the two documents of user:1 in scope A", got)
	}
	for _, e := range got {
		if e.EntityID != "user:1" {
			t.Errorf("unexpected entry %+v", e)
		}
	}
}

func TestRegistry_ReClaimMovesVersion(t *testing.T) {
	client := newTableClient()
	reg := New(client, "index-state")
	ctx := context.Background()

	_, _, _ = reg.Claim(ctx, scopeA, Entry{DocID: "user:1#entity", EntityID: "user:1", Version: "v1", Mark: indexop.Mark{UpdatedAfter: 1}})
	prev, claimed, err := reg.Claim(ctx, scopeA, Entry{DocID: "user:1#entity", EntityID: "user:1", Version: "v2", Mark: indexop.Mark{UpdatedAfter: 2}})
	if err != nil || !claimed {
		t.Fatalf("claim = %v, %v; want claimed", claimed, err)
	}
	if prev == nil || prev.Version != "v1" {
		t.Errorf("replaced entry = %+v, want v1", prev)
	}

	old, err := reg.ListByVersion(ctx, scopeA, "user:1", "v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(old) != 0 {
		t.Errorf("v1 entries = %+v, want none", old)
	}
	current, _ := reg.ListByVersion(ctx, scopeA, "user:1", "v2")
	if len(current) != 1 {
		t.Errorf("v2 entries = %+v, want one", current)
	}
}

func TestRegistry_Remove(t *testing.T) {
	client := newTableClient()
	reg := New(client, "index-state")
	ctx := context.Background()

	entry := Entry{DocID: "user:1#entity", EntityID: "user:1", Version: "v1"}
	_, _, _ = reg.Claim(ctx, scopeA, entry)

	if err := reg.Remove(ctx, scopeA, []Entry{entry, {DocID: "unknown", EntityID: "user:1"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.deletes != 2 {
		t.Errorf("deletes = %d, want 2", client.deletes)
	}
	got, _ := reg.ListByEntity(ctx, scopeA, "user:1")
	if len(got) != 0 {
		t.Errorf("entries = %+v, want none", got)
	}
}

func TestRegistry_ClaimRefusesOlderMark(t *testing.T) {
	client := newTableClient()
	reg := New(client, "index-state")
	ctx := context.Background()

	newer := Entry{DocID: "user:1#entity", EntityID: "user:1", Version: "v2", Key: "user:1#entity@b", Mark: indexop.Mark{UpdatedAfter: 200, Sequence: "b"}}
	older := Entry{DocID: "user:1#entity", EntityID: "user:1", Version: "v1", Key: "user:1#entity@a", Mark: indexop.Mark{UpdatedAfter: 100, Sequence: "a"}}

	if _, claimed, err := reg.Claim(ctx, scopeA, newer); err != nil || !claimed {
		t.Fatalf("claim newer = %v, %v", claimed, err)
	}
	prev, claimed, err := reg.Claim(ctx, scopeA, older)
	if err != nil {
		t.Fatalf("an older claim is refused, not an error: %v", err)
	}
	if claimed || prev != nil {
		t.Errorf("claim older = %+v, %v; want refused", prev, claimed)
	}
	if _, claimed, _ := reg.Claim(ctx, scopeA, newer); !claimed {
		t.Error("claiming the same mark again should succeed")
	}

	got, ok, err := reg.Get(ctx, scopeA, "user:1", "user:1#entity")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if got.Version != "v2" || got.StorageKey() != newer.Key || got.Mark != newer.Mark {
		t.Errorf("registered entry = %+v, want %+v", got, newer)
	}
}

func TestRegistry_RemoveKeepsReclaimedEntry(t *testing.T) {
	client := newTableClient()
	reg := New(client, "index-state")
	ctx := context.Background()

	first := Entry{DocID: "user:1#entity", EntityID: "user:1", Version: "v1", Key: "user:1#entity@a", Mark: indexop.Mark{UpdatedAfter: 100}}
	second := Entry{DocID: "user:1#entity", EntityID: "user:1", Version: "v2", Key: "user:1#entity@b", Mark: indexop.Mark{UpdatedAfter: 200}}
	_, _, _ = reg.Claim(ctx, scopeA, first)
	_, _, _ = reg.Claim(ctx, scopeA, second)

	// A remover that listed the first entry must not drop the second.
	if err := reg.Remove(ctx, scopeA, []Entry{first}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, _ := reg.Get(ctx, scopeA, "user:1", "user:1#entity"); !ok {
		t.Error("expected the newer entry to survive")
	}
}

func TestRegistry_QueryError(t *testing.T) {
	client := newTableClient()
	client.queryErr = errors.New("throttled")
	reg := New(client, "index-state")

	_, err := reg.ListByEntity(context.Background(), scopeA, "user:1")
	if !errors.Is(err, client.queryErr) {
		t.Errorf("expected wrapped query error, got %v", err)
	}
}
