package searchindex

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/blevesearch/bleve/v2"
	"github.com/google/uuid"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/indexop"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
)

var (
	scopeA = model.NewApplicationScope(model.NewID(uuid.MustParse("0190a6b0-0000-7000-8000-000000000001"), "application"))
	scopeB = model.NewApplicationScope(model.NewID(uuid.MustParse("0190a6b0-0000-7000-8000-000000000002"), "application"))
	userU1 = model.NewID(uuid.MustParse("0190a6b0-0000-7000-8000-0000000000e1"), "user")
	userU2 = model.NewID(uuid.MustParse("0190a6b0-0000-7000-8000-0000000000e2"), "user")
)

func indexOp(id model.ID, docContext, version, name string) indexop.Operation {
	return indexop.Operation{
		Type:     indexop.TypeIndex,
		DocID:    indexop.DocID(id, docContext),
		EntityID: id.Key(),
		Version:  version,
		Fields: map[string]any{
			"name":                 name,
			indexop.FieldEntityID:  id.Key(),
			indexop.FieldVersion:   version,
			indexop.FieldContext:   docContext,
			indexop.FieldUpdatedAt: int64(1700),
		},
	}
}

func newTestWriter(t *testing.T, dir string) *BleveWriter {
	t.Helper()
	w := NewBleveWriter(dir)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func docCount(t *testing.T, w *BleveWriter, scope model.ApplicationScope) uint64 {
	t.Helper()
	n, err := w.DocCount(scope)
	if err != nil {
		t.Fatalf("DocCount: %v", err)
	}
	return n
}

func TestBleveWriter_IndexAndSearch(t *testing.T) {
	w := newTestWriter(t, "")
	ctx := context.Background()

	err := w.Write(ctx, []*indexop.Message{
		indexop.NewMessage(scopeA, indexop.Operation{Type: indexop.TypeEnsureIndex}),
		indexop.NewMessage(scopeA, indexOp(userU1, indexop.ContextEntity, "v1", "ada lovelace")),
		indexop.NewMessage(scopeB, indexOp(userU2, indexop.ContextEntity, "v1", "grace hopper")),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ids, err := w.Search(ctx, scopeA, "lovelace", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != indexop.DocID(userU1, indexop.ContextEntity) {
		t.Errorf("ids = %v", ids)
	}
	if ids, _ := w.Search(ctx, scopeA, "hopper", 10); len(ids) != 0 {
		t.Errorf("scope A sees scope B documents: %v", ids)
	}
}

func TestBleveWriter_ReapplyIsIdempotent(t *testing.T) {
	w := newTestWriter(t, "")
	ctx := context.Background()
	msg := indexop.NewMessage(scopeA,
		indexOp(userU1, indexop.ContextEntity, "v1", "ada"),
		indexOp(userU1, "edge|group:1|members", "v1", "ada"),
	)

	for range 3 {
		if err := w.Write(ctx, []*indexop.Message{msg}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if n := docCount(t, w, scopeA); n != 2 {
		t.Errorf("doc count = %d, want 2", n)
	}
}

func TestBleveWriter_DeleteByEntity(t *testing.T) {
	w := newTestWriter(t, "")
	ctx := context.Background()

	err := w.Write(ctx, []*indexop.Message{indexop.NewMessage(scopeA,
		indexOp(userU1, indexop.ContextEntity, "v1", "ada"),
		indexOp(userU1, "edge|group:1|members", "v1", "ada"),
		indexOp(userU2, indexop.ContextEntity, "v1", "grace"),
	)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = w.Write(ctx, []*indexop.Message{indexop.NewMessage(scopeA,
		indexop.Operation{Type: indexop.TypeDeleteByEntity, EntityID: userU1.Key()},
	)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n := docCount(t, w, scopeA); n != 1 {
		t.Errorf("doc count = %d, want 1", n)
	}
	if ids, _ := w.Search(ctx, scopeA, "grace", 10); len(ids) != 1 {
		t.Errorf("other entity's document was removed: %v", ids)
	}
}

func TestBleveWriter_DeleteByVersionSeesEarlierOps(t *testing.T) {
	w := newTestWriter(t, "")
	ctx := context.Background()

	// The old version is indexed and removed by the same message, then the new
	// version is written under a different context.
	err := w.Write(ctx, []*indexop.Message{indexop.NewMessage(scopeA,
		indexOp(userU1, "edge|group:1|members", "v1", "ada"),
		indexop.Operation{Type: indexop.TypeDeleteByVersion, EntityID: userU1.Key(), Version: "v1"},
		indexOp(userU1, indexop.ContextEntity, "v2", "ada"),
	)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ids, err := w.Search(ctx, scopeA, "ada", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != indexop.DocID(userU1, indexop.ContextEntity) {
		t.Errorf("ids = %v, want only the v2 document", ids)
	}
}

func TestBleveWriter_DeleteMissingDocument(t *testing.T) {
	w := newTestWriter(t, "")
	err := w.Write(context.Background(), []*indexop.Message{indexop.NewMessage(scopeA,
		indexop.Operation{Type: indexop.TypeDelete, DocID: "nope"},
		indexop.Operation{Type: indexop.TypeDeleteByEntity, EntityID: userU2.Key()},
	)})
	if err != nil {
		t.Fatalf("deleting absent documents should succeed: %v", err)
	}
}

func TestBleveWriter_OnDiskReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	w := NewBleveWriter(dir)
	if err := w.Write(ctx, []*indexop.Message{indexop.NewMessage(scopeA, indexOp(userU1, indexop.ContextEntity, "v1", "ada"))}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := newTestWriter(t, dir)
	if n := docCount(t, reopened, scopeA); n != 1 {
		t.Errorf("doc count after reopen = %d, want 1", n)
	}
}

func markedOp(id model.ID, version string, updatedAfter int64, sequence string) indexop.Operation {
	op := indexOp(id, indexop.ContextEntity, version, version)
	op.Mark = indexop.Mark{UpdatedAfter: updatedAfter, Sequence: sequence}
	return op
}

func storedVersion(t *testing.T, w *BleveWriter, scope model.ApplicationScope, docID string) (string, indexop.Mark) {
	t.Helper()
	idx, err := w.index(scope)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mark, err := storedMark(context.Background(), idx, docID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{docID}))
	req.Fields = []string{indexop.FieldVersion}
	result, err := idx.Search(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Hits) == 0 {
		return "", mark
	}
	version, _ := result.Hits[0].Fields[indexop.FieldVersion].(string)
	return version, mark
}

func TestBleveWriter_OlderMarkIsSkipped(t *testing.T) {
	w := newTestWriter(t, "")
	ctx := context.Background()
	docID := indexop.DocID(userU1, indexop.ContextEntity)

	if err := w.Write(ctx, []*indexop.Message{indexop.NewMessage(scopeA, markedOp(userU1, "v200", 200, "b"))}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := w.Write(ctx, []*indexop.Message{indexop.NewMessage(scopeA, markedOp(userU1, "v100", 100, "a"))}); err != nil {
		t.Fatalf("an older document is skipped, not an error: %v", err)
	}

	version, mark := storedVersion(t, w, scopeA, docID)
	if version != "v200" {
		t.Errorf("stored version = %q, want v200", version)
	}
	if mark != (indexop.Mark{UpdatedAfter: 200, Sequence: "b"}) {
		t.Errorf("stored mark = %+v", mark)
	}

	// The same mark again is a replay and is applied.
	if err := w.Write(ctx, []*indexop.Message{indexop.NewMessage(scopeA, markedOp(userU1, "v200", 200, "b"))}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := docCount(t, w, scopeA); n != 1 {
		t.Errorf("doc count = %d, want 1", n)
	}
}

func TestBleveWriter_OlderMarkInSameMessage(t *testing.T) {
	w := newTestWriter(t, "")
	docID := indexop.DocID(userU1, indexop.ContextEntity)

	err := w.Write(context.Background(), []*indexop.Message{indexop.NewMessage(scopeA,
		markedOp(userU1, "v200", 200, "b"),
		markedOp(userU1, "v100", 100, "a"),
	)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version, _ := storedVersion(t, w, scopeA, docID); version != "v200" {
		t.Errorf("stored version = %q, want v200", version)
	}
}

func TestBleveWriter_DeleteClearsMark(t *testing.T) {
	w := newTestWriter(t, "")
	ctx := context.Background()
	docID := indexop.DocID(userU1, indexop.ContextEntity)

	err := w.Write(ctx, []*indexop.Message{indexop.NewMessage(scopeA,
		markedOp(userU1, "v200", 200, "b"),
		indexop.Operation{Type: indexop.TypeDelete, DocID: docID},
		markedOp(userU1, "v100", 100, "a"),
	)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version, _ := storedVersion(t, w, scopeA, docID); version != "v100" {
		t.Errorf("stored version = %q, want v100 after the delete", version)
	}
}

func TestBleveWriter_ConcurrentWritesKeepNewest(t *testing.T) {
	w := newTestWriter(t, "")
	docID := indexop.DocID(userU1, indexop.ContextEntity)

	var wg sync.WaitGroup
	for i := int64(1); i <= 20; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			msg := indexop.NewMessage(scopeA, markedOp(userU1, "v"+strconv.FormatInt(n, 10), n, ""))
			if err := w.Write(context.Background(), []*indexop.Message{msg}); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if version, _ := storedVersion(t, w, scopeA, docID); version != "v20" {
		t.Errorf("stored version = %q, want v20", version)
	}
}

func TestBleveWriter_Closed(t *testing.T) {
	w := NewBleveWriter("")
	_ = w.Close()
	err := w.Write(context.Background(), []*indexop.Message{indexop.NewMessage(scopeA, indexop.Operation{Type: indexop.TypeEnsureIndex})})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestBleveWriter_CancelledContext(t *testing.T) {
	w := newTestWriter(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.Write(ctx, []*indexop.Message{indexop.NewMessage(scopeA, indexOp(userU1, indexop.ContextEntity, "v1", "ada"))})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

type recordingWriter struct {
	calls int
	err   error
}

func (r *recordingWriter) Write(ctx context.Context, msgs []*indexop.Message) error {
	r.calls++
	return r.err
}

func TestMulti_WritesAllAndJoinsErrors(t *testing.T) {
	failure := errors.New("backend down")
	first := &recordingWriter{err: failure}
	second := &recordingWriter{}

	err := Multi{first, second}.Write(context.Background(), nil)
	if !errors.Is(err, failure) {
		t.Errorf("expected joined failure, got %v", err)
	}
	if first.calls != 1 || second.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", first.calls, second.calls)
	}
}
