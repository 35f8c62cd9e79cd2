package deadletter

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevent"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
)

type mockDynamoDB struct {
	putItemFunc func(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	queryFunc   func(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

func (m *mockDynamoDB) PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return m.putItemFunc(ctx, input, opts...)
}

func (m *mockDynamoDB) Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return m.queryFunc(ctx, input, opts...)
}

type mockReporter struct {
	records []Record
	err     error
}

func (m *mockReporter) Report(ctx context.Context, rec Record) error {
	m.records = append(m.records, rec)
	return m.err
}

func testRecord(t *testing.T) Record {
	t.Helper()
	scope := model.NewApplicationScope(model.NewID(uuid.New(), "application"))
	env, err := asyncevent.New(asyncevent.KindEntityDelete, scope)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id := model.NewID(uuid.New(), "user")
	env.EntityID = &id
	env.Queue = asyncevent.QueueRegular
	return Record{
		Envelope: env,
		Queue:    asyncevent.QueueRegular,
		Reason:   "index writer unavailable",
		Attempts: 5,
		FailedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRepository_Report(t *testing.T) {
	rec := testRecord(t)

	var captured *dynamodb.PutItemInput
	repo := NewRepository(&mockDynamoDB{
		putItemFunc: func(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			captured = input
			return &dynamodb.PutItemOutput{}, nil
		},
	}, "index-table", 0)

	if err := repo.Report(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if *captured.TableName != "index-table" {
		t.Errorf("table = %s, want index-table", *captured.TableName)
	}
	pk := captured.Item["pk"].(*types.AttributeValueMemberS).Value
	if pk != "SCOPE#"+rec.Envelope.Scope.Key() {
		t.Errorf("pk = %s", pk)
	}
	sk := captured.Item["sk"].(*types.AttributeValueMemberS).Value
	if want := "DEADLETTER#regular#" + rec.Envelope.ID.String(); sk != want {
		t.Errorf("sk = %s, want %s", sk, want)
	}
	if got := captured.Item[AttrAttempts].(*types.AttributeValueMemberN).Value; got != "5" {
		t.Errorf("attempts = %s, want 5", got)
	}
	wantTTL := rec.FailedAt.Add(DefaultRetentionDays * 24 * time.Hour).Unix()
	if got := captured.Item["ttl"].(*types.AttributeValueMemberN).Value; got != strconv.FormatInt(wantTTL, 10) {
		t.Errorf("ttl = %s, want %d", got, wantTTL)
	}
}

func TestRepository_ReportError(t *testing.T) {
	putErr := errors.New("throttled")
	repo := NewRepository(&mockDynamoDB{
		putItemFunc: func(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			return nil, putErr
		},
	}, "index-table", 7)

	if err := repo.Report(context.Background(), testRecord(t)); !errors.Is(err, putErr) {
		t.Errorf("expected put error, got %v", err)
	}
}

func TestRepository_List(t *testing.T) {
	rec := testRecord(t)

	var item map[string]types.AttributeValue
	repo := NewRepository(&mockDynamoDB{
		putItemFunc: func(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			item = input.Item
			return &dynamodb.PutItemOutput{}, nil
		},
		queryFunc: func(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			prefix := input.ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS).Value
			if prefix != "DEADLETTER#regular#" {
				t.Errorf("prefix = %s", prefix)
			}
			if *input.Limit != 10 {
				t.Errorf("limit = %d, want 10", *input.Limit)
			}
			return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item}}, nil
		},
	}, "index-table", 0)

	if err := repo.Report(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records, err := repo.List(context.Background(), rec.Envelope.Scope, asyncevent.QueueRegular, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	got := records[0]
	if got.Envelope.ID != rec.Envelope.ID {
		t.Errorf("envelope id = %s, want %s", got.Envelope.ID, rec.Envelope.ID)
	}
	if got.Reason != rec.Reason || got.Attempts != rec.Attempts || got.Queue != rec.Queue {
		t.Errorf("record = %+v, want %+v", got, rec)
	}
	if !got.FailedAt.Equal(rec.FailedAt) {
		t.Errorf("failedAt = %v, want %v", got.FailedAt, rec.FailedAt)
	}
}

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	reporter := NewLogReporter(slog.New(slog.NewJSONHandler(&buf, nil)))

	rec := testRecord(t)
	if err := reporter.Report(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	for _, want := range []string{rec.Envelope.ID.String(), `"reason":"index writer unavailable"`, `"attempts":5`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}

func TestMulti_ReportsToAll(t *testing.T) {
	failing := &mockReporter{err: errors.New("down")}
	ok := &mockReporter{}

	err := Multi{failing, ok}.Report(context.Background(), testRecord(t))
	if err == nil {
		t.Fatal("expected error from failing reporter")
	}
	if len(ok.records) != 1 {
		t.Errorf("expected the second reporter to still receive the record")
	}
}
