// Package versions implements the monotonic-version discard policy: an index update
// is only applied when no newer write, and no delete, has been seen for its entity.
//
// Marks are committed after the index write is confirmed, so an update that fails
// never blocks an older one. The index writers themselves refuse to move a document
// backwards; Check is the early filter in front of them.
package versions

import (
	"context"
	"errors"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevent"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
)

// ErrDeleted is returned by Commit when the entity has a delete tombstone.
var ErrDeleted = errors.New("entity deleted")

// State is the verdict of Check.
type State int

const (
	// StateFresh means no newer mark is committed and the entity is not deleted.
	StateFresh State = iota
	// StateStale means a newer mark has been committed.
	StateStale
	// StateDeleted means the entity has a delete tombstone.
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateDeleted:
		return "deleted"
	}
	return "unknown"
}

// Tracker records the newest committed write mark per entity.
type Tracker interface {
	// Check reports whether mark may still be applied. It records nothing. Equal
	// marks are fresh so that redelivery of the same envelope is applied again.
	Check(ctx context.Context, scope model.ApplicationScope, id model.ID, mark asyncevent.Mark) (State, error)
	// Commit records mark once its write is confirmed. It never moves the mark
	// backwards; committing an older mark is a no-op. It returns ErrDeleted if the
	// entity was deleted.
	Commit(ctx context.Context, scope model.ApplicationScope, id model.ID, mark asyncevent.Mark) error
	// RecordDelete writes a permanent tombstone for the entity.
	RecordDelete(ctx context.Context, scope model.ApplicationScope, id model.ID) error
}

func entityKey(scope model.ApplicationScope, id model.ID) string {
	return scope.Key() + "/" + id.Key()
}
