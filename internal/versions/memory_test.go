package versions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevent"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
)

func testIDs() (model.ApplicationScope, model.ID) {
	return model.NewApplicationScope(model.NewID(uuid.New(), "application")), model.NewID(uuid.New(), "user")
}

func mustCheck(t *testing.T, tr Tracker, scope model.ApplicationScope, id model.ID, mark asyncevent.Mark) State {
	t.Helper()
	state, err := tr.Check(context.Background(), scope, id, mark)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return state
}

func TestMemory_CommitThenOlderIsStale(t *testing.T) {
	tr, err := NewMemory(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	scope, id := testIDs()

	newer := asyncevent.Mark{UpdatedAfter: 200, Sequence: "b"}
	older := asyncevent.Mark{UpdatedAfter: 100, Sequence: "a"}

	if err := tr.Commit(context.Background(), scope, id, newer); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := mustCheck(t, tr, scope, id, older); got != StateStale {
		t.Errorf("older = %s, want stale", got)
	}
	if got := mustCheck(t, tr, scope, id, newer); got != StateFresh {
		t.Errorf("same mark = %s, want fresh", got)
	}
}

func TestMemory_CheckRecordsNothing(t *testing.T) {
	tr, _ := NewMemory(10)
	scope, id := testIDs()

	// A newer update that was checked but never written must not block an older one.
	if got := mustCheck(t, tr, scope, id, asyncevent.Mark{UpdatedAfter: 200}); got != StateFresh {
		t.Fatalf("first check = %s, want fresh", got)
	}
	if got := mustCheck(t, tr, scope, id, asyncevent.Mark{UpdatedAfter: 100}); got != StateFresh {
		t.Errorf("older after uncommitted newer = %s, want fresh", got)
	}
}

func TestMemory_CommitNeverMovesBackwards(t *testing.T) {
	tr, _ := NewMemory(10)
	ctx := context.Background()
	scope, id := testIDs()

	_ = tr.Commit(ctx, scope, id, asyncevent.Mark{UpdatedAfter: 200})
	if err := tr.Commit(ctx, scope, id, asyncevent.Mark{UpdatedAfter: 100}); err != nil {
		t.Fatalf("older commit error = %v, want nil", err)
	}
	if got := mustCheck(t, tr, scope, id, asyncevent.Mark{UpdatedAfter: 150}); got != StateStale {
		t.Errorf("check after older commit = %s, want stale", got)
	}
}

func TestMemory_TieBreakBySequence(t *testing.T) {
	tr, _ := NewMemory(10)
	scope, id := testIDs()

	_ = tr.Commit(context.Background(), scope, id, asyncevent.Mark{UpdatedAfter: 100, Sequence: "b"})
	if got := mustCheck(t, tr, scope, id, asyncevent.Mark{UpdatedAfter: 100, Sequence: "a"}); got != StateStale {
		t.Errorf("lower sequence = %s, want stale", got)
	}
	if got := mustCheck(t, tr, scope, id, asyncevent.Mark{UpdatedAfter: 100, Sequence: "c"}); got != StateFresh {
		t.Errorf("higher sequence = %s, want fresh", got)
	}
}

func TestMemory_DeleteWins(t *testing.T) {
	tr, _ := NewMemory(10)
	ctx := context.Background()
	scope, id := testIDs()

	if err := tr.RecordDelete(ctx, scope, id); err != nil {
		t.Fatalf("RecordDelete error: %v", err)
	}
	late := asyncevent.Mark{UpdatedAfter: 1 << 40, Sequence: "z"}
	if got := mustCheck(t, tr, scope, id, late); got != StateDeleted {
		t.Errorf("check after delete = %s, want deleted", got)
	}
	if err := tr.Commit(ctx, scope, id, late); !errors.Is(err, ErrDeleted) {
		t.Errorf("commit after delete = %v, want ErrDeleted", err)
	}
}

func TestMemory_TombstoneSurvivesEviction(t *testing.T) {
	tr, _ := NewMemory(2)
	ctx := context.Background()
	scope, id := testIDs()

	if err := tr.RecordDelete(ctx, scope, id); err != nil {
		t.Fatalf("RecordDelete error: %v", err)
	}
	for i := 0; i < 10; i++ {
		_ = tr.Commit(ctx, scope, model.NewID(uuid.New(), fmt.Sprintf("user%d", i)), asyncevent.Mark{UpdatedAfter: 1})
	}
	if got := mustCheck(t, tr, scope, id, asyncevent.Mark{UpdatedAfter: 1}); got != StateDeleted {
		t.Errorf("check after eviction pressure = %s, want deleted", got)
	}
}

func TestMemory_ScopesAreIndependent(t *testing.T) {
	tr, _ := NewMemory(10)
	scopeA, id := testIDs()
	scopeB, _ := testIDs()

	_ = tr.Commit(context.Background(), scopeA, id, asyncevent.Mark{UpdatedAfter: 200})
	if got := mustCheck(t, tr, scopeB, id, asyncevent.Mark{UpdatedAfter: 100}); got != StateFresh {
		t.Errorf("other scope = %s, want fresh", got)
	}
}

func TestMemory_ConcurrentCommitsKeepNewest(t *testing.T) {
	tr, _ := NewMemory(10)
	ctx := context.Background()
	scope, id := testIDs()

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			_ = tr.Commit(ctx, scope, id, asyncevent.Mark{UpdatedAfter: n})
		}(int64(i))
	}
	wg.Wait()

	if got := mustCheck(t, tr, scope, id, asyncevent.Mark{UpdatedAfter: 99}); got != StateStale {
		t.Errorf("check = %s, want stale", got)
	}
}
