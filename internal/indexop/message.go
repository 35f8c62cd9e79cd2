// Package indexop defines IndexOperationMessage, the already-built set of document
// mutations that a search index writer applies.
package indexop

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
)

// ErrUnresolvable marks a transformation failure that will not succeed on retry,
// such as an edge whose entity no longer exists.
var ErrUnresolvable = errors.New("envelope cannot be resolved")

// ErrEmptyMessage is returned when a message carries no operations.
var ErrEmptyMessage = errors.New("index operation message has no operations")

// Type is the kind of a single index mutation.
type Type string

const (
	// TypeEnsureIndex creates the application index if it does not exist.
	TypeEnsureIndex Type = "ensure_index"
	// TypeIndex writes (replaces) a whole document.
	TypeIndex Type = "index"
	// TypeDelete removes a document by id.
	TypeDelete Type = "delete"
	// TypeDeleteByEntity removes every document of an entity.
	TypeDeleteByEntity Type = "delete_by_entity"
	// TypeDeleteByVersion removes the documents of an entity written at one version.
	TypeDeleteByVersion Type = "delete_by_version"
)

// Mark orders writes to the same entity: last writer wins by UpdatedAfter, with
// Sequence (the envelope's time-ordered id) breaking ties between concurrent writers.
type Mark struct {
	UpdatedAfter int64  `json:"updatedAfter"`
	Sequence     string `json:"sequence"`
}

// Before reports whether m is strictly older than other. Equal marks are not
// before each other, so a redelivered envelope is never considered stale.
func (m Mark) Before(other Mark) bool {
	if m.UpdatedAfter != other.UpdatedAfter {
		return m.UpdatedAfter < other.UpdatedAfter
	}
	return m.Sequence < other.Sequence
}

// IsZero reports whether m is unset.
func (m Mark) IsZero() bool {
	return m.UpdatedAfter == 0 && m.Sequence == ""
}

// Operation is one idempotent mutation. Each type is a set or a remove, never an
// increment, so applying it twice leaves the index as applying it once.
type Operation struct {
	Type     Type           `json:"type"`
	DocID    string         `json:"docId,omitempty"`
	EntityID string         `json:"entityId,omitempty"`
	Version  string         `json:"version,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
	// Mark orders index operations on the same document. Writers skip an index
	// operation whose mark is older than the document they hold. A zero mark is
	// always applied.
	Mark Mark `json:"mark,omitzero"`
}

// Message groups the operations produced for one application scope.
type Message struct {
	ID         uuid.UUID              `json:"id"`
	Scope      model.ApplicationScope `json:"scope"`
	Operations []Operation            `json:"operations"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// NewMessage creates a message with a fresh id.
func NewMessage(scope model.ApplicationScope, ops ...Operation) *Message {
	return &Message{
		ID:         uuid.New(),
		Scope:      scope,
		Operations: ops,
		CreatedAt:  time.Now().UTC(),
	}
}

// Validate checks the scope and that each operation has the fields its type needs.
func (m *Message) Validate() error {
	if m == nil || len(m.Operations) == 0 {
		return ErrEmptyMessage
	}
	if err := m.Scope.Validate(); err != nil {
		return err
	}
	for i, op := range m.Operations {
		switch op.Type {
		case TypeEnsureIndex:
		case TypeIndex, TypeDelete:
			if op.DocID == "" {
				return fmt.Errorf("operation %d (%s): missing doc id", i, op.Type)
			}
		case TypeDeleteByEntity:
			if op.EntityID == "" {
				return fmt.Errorf("operation %d (%s): missing entity id", i, op.Type)
			}
		case TypeDeleteByVersion:
			if op.EntityID == "" || op.Version == "" {
				return fmt.Errorf("operation %d (%s): missing entity id or version", i, op.Type)
			}
		default:
			return fmt.Errorf("operation %d: unknown type %q", i, op.Type)
		}
	}
	return nil
}

// Document context names.
const (
	// ContextEntity is the document of the entity on its own.
	ContextEntity = "entity"
)

// DocID returns the document id of an entity in a context. Versions are not part of
// the id so a newer version overwrites the older document.
func DocID(entityID model.ID, context string) string {
	return entityID.Key() + "#" + context
}

// EdgeContext returns the context name of an entity seen through an edge.
func EdgeContext(edge model.Edge) string {
	return "edge|" + edge.Source.Key() + "|" + edge.Type
}

// DocEntity returns the entity key a document id was built from.
func DocEntity(docID string) string {
	entity, _, _ := strings.Cut(docID, "#")
	return entity
}
