package versions

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevent"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
)

// DefaultMemorySize is the number of entity marks a Memory tracker remembers.
const DefaultMemorySize = 100000

// Memory is a Tracker for a single process. Marks are kept for the most recently
// committed entities only; an evicted entity accepts any mark again, and the index
// writers still refuse older documents. Tombstones are never evicted.
type Memory struct {
	mu         sync.Mutex
	marks      *lru.Cache[string, asyncevent.Mark]
	tombstones map[string]struct{}
}

// NewMemory creates a Memory tracker holding up to size entity marks.
func NewMemory(size int) (*Memory, error) {
	if size <= 0 {
		size = DefaultMemorySize
	}
	marks, err := lru.New[string, asyncevent.Mark](size)
	if err != nil {
		return nil, fmt.Errorf("create version cache: %w", err)
	}
	return &Memory{marks: marks, tombstones: make(map[string]struct{})}, nil
}

// Check implements Tracker.
func (m *Memory) Check(ctx context.Context, scope model.ApplicationScope, id model.ID, mark asyncevent.Mark) (State, error) {
	key := entityKey(scope, id)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tombstones[key]; ok {
		return StateDeleted, nil
	}
	if existing, ok := m.marks.Peek(key); ok && mark.Before(existing) {
		return StateStale, nil
	}
	return StateFresh, nil
}

// Commit implements Tracker.
func (m *Memory) Commit(ctx context.Context, scope model.ApplicationScope, id model.ID, mark asyncevent.Mark) error {
	key := entityKey(scope, id)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tombstones[key]; ok {
		return ErrDeleted
	}
	if existing, ok := m.marks.Peek(key); ok && mark.Before(existing) {
		return nil
	}
	m.marks.Add(key, mark)
	return nil
}

// RecordDelete implements Tracker.
func (m *Memory) RecordDelete(ctx context.Context, scope model.ApplicationScope, id model.ID) error {
	key := entityKey(scope, id)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.tombstones[key] = struct{}{}
	m.marks.Remove(key)
	return nil
}
