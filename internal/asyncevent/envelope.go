// Package asyncevent defines the Event Envelope, the unit of queued indexing work,
// and the policy that routes envelopes onto queue lanes.
package asyncevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/indexop"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
)

// ErrInvalidEnvelope is returned when an envelope is missing its kind-specific payload.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Kind is the mutation fact an envelope describes.
type Kind string

const (
	KindInitializeIndex   Kind = "initialize_index"
	KindEntityIndexUpdate Kind = "entity_index_update"
	KindNewEdge           Kind = "new_edge"
	KindDeleteEdge        Kind = "delete_edge"
	KindEntityDelete      Kind = "entity_delete"
	KindDeIndexOldVersion Kind = "deindex_old_version"
	// KindIndexOperation carries a pre-built IndexOperationMessage.
	KindIndexOperation Kind = "index_operation"
)

// Envelope is an immutable description of one mutation-driven indexing intent.
// Only the payload fields relevant to Kind are set.
type Envelope struct {
	ID            uuid.UUID              `json:"id"`
	Kind          Kind                   `json:"kind"`
	Scope         model.ApplicationScope `json:"scope"`
	Entity        *model.Entity          `json:"entity,omitempty"`
	EntityID      *model.ID              `json:"entityId,omitempty"`
	Edge          *model.Edge            `json:"edge,omitempty"`
	MarkedVersion uuid.UUID              `json:"markedVersion,omitempty"`
	Operation     *indexop.Message       `json:"operation,omitempty"`
	UpdatedAfter  int64                  `json:"updatedAfter,omitempty"`
	Queue         QueueType              `json:"queue"`
	Strategy      Strategy               `json:"strategy"`
	Mode          DeliveryMode           `json:"mode"`
	CreatedAt     time.Time              `json:"createdAt"`
}

// New creates an envelope of the given kind with a time-ordered id. The id doubles as
// the secondary sequence used to break updatedAfter ties.
func New(kind Kind, scope model.ApplicationScope) (Envelope, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Envelope{}, fmt.Errorf("generate envelope id: %w", err)
	}
	return Envelope{
		ID:        id,
		Kind:      kind,
		Scope:     scope,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Validate checks that the envelope carries enough to rebuild its index operation.
func (e Envelope) Validate() error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	}
	if err := e.Scope.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}

	switch e.Kind {
	case KindInitializeIndex:
		return nil
	case KindEntityIndexUpdate:
		if err := e.Entity.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
		}
	case KindNewEdge:
		if err := validateID(e.EntityID); err != nil {
			return err
		}
		if err := validateEdge(e.Edge); err != nil {
			return err
		}
		// The edge document is keyed by the edge's target, and DeleteEdge finds it
		// that way.
		if *e.EntityID != e.Edge.Target {
			return fmt.Errorf("%w: entity %s is not the edge target %s", ErrInvalidEnvelope, e.EntityID, e.Edge.Target)
		}
	case KindDeleteEdge:
		if err := validateEdge(e.Edge); err != nil {
			return err
		}
	case KindEntityDelete:
		if err := validateID(e.EntityID); err != nil {
			return err
		}
	case KindDeIndexOldVersion:
		if err := validateID(e.EntityID); err != nil {
			return err
		}
		if e.MarkedVersion == uuid.Nil {
			return fmt.Errorf("%w: %w", ErrInvalidEnvelope, model.ErrInvalidVersion)
		}
	case KindIndexOperation:
		if err := e.Operation.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, e.Kind)
	}
	return nil
}

func validateID(id *model.ID) error {
	if id == nil {
		return fmt.Errorf("%w: missing entity id", ErrInvalidEnvelope)
	}
	if err := id.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	return nil
}

func validateEdge(edge *model.Edge) error {
	if edge == nil {
		return fmt.Errorf("%w: missing edge", ErrInvalidEnvelope)
	}
	if err := edge.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	return nil
}

// SubjectID returns the entity the envelope is about, if any.
func (e Envelope) SubjectID() (model.ID, bool) {
	switch {
	case e.Entity != nil:
		return e.Entity.ID, true
	case e.EntityID != nil:
		return *e.EntityID, true
	case e.Edge != nil:
		return e.Edge.Target, true
	}
	return model.ID{}, false
}

// Mark returns the ordering mark of an index-update envelope.
func (e Envelope) Mark() Mark {
	return Mark{UpdatedAfter: e.UpdatedAfter, Sequence: e.ID.String()}
}

// Encode serialises the envelope for a queue transport.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an envelope produced by Encode and validates it.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Mark orders writes to the same entity.
type Mark = indexop.Mark
