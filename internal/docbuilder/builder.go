// Package docbuilder resolves event envelopes into index operation messages.
package docbuilder

import (
	"context"
	"errors"
	"fmt"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevent"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/indexop"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/textnorm"
)

// EntityLoader reads the current snapshot of an entity.
type EntityLoader interface {
	LoadEntity(ctx context.Context, scope model.ApplicationScope, id model.ID) (*model.Entity, error)
}

// EdgeLister lists the edges pointing at an entity.
type EdgeLister interface {
	ListEdgesTo(ctx context.Context, scope model.ApplicationScope, target model.ID) ([]model.Edge, error)
}

// Builder turns envelopes into index operations. The operations it emits are sets
// and removes keyed by deterministic document ids, so building the same envelope
// twice yields the same index state.
type Builder struct {
	loader EntityLoader
	edges  EdgeLister
}

// New creates a Builder. Either collaborator may be nil: without a loader NewEdge
// envelopes are unresolvable, and without an edge lister entity updates only
// rewrite the entity's own document.
func New(loader EntityLoader, edges EdgeLister) *Builder {
	return &Builder{loader: loader, edges: edges}
}

// Build resolves env. Errors wrapping indexop.ErrUnresolvable will not succeed on
// retry.
func (b *Builder) Build(ctx context.Context, env asyncevent.Envelope) ([]*indexop.Message, error) {
	var ops []indexop.Operation

	switch env.Kind {
	case asyncevent.KindInitializeIndex:
		ops = []indexop.Operation{{Type: indexop.TypeEnsureIndex}}

	case asyncevent.KindEntityIndexUpdate:
		var err error
		ops, err = b.entityUpdate(ctx, env.Scope, env.Entity)
		if err != nil {
			return nil, err
		}
		for i := range ops {
			ops[i].Mark = env.Mark()
		}

	case asyncevent.KindNewEdge:
		op, err := b.newEdge(ctx, env)
		if err != nil {
			return nil, err
		}
		ops = []indexop.Operation{op}

	case asyncevent.KindDeleteEdge:
		ops = []indexop.Operation{{
			Type:     indexop.TypeDelete,
			DocID:    indexop.DocID(env.Edge.Target, indexop.EdgeContext(*env.Edge)),
			EntityID: env.Edge.Target.Key(),
		}}

	case asyncevent.KindEntityDelete:
		ops = []indexop.Operation{{
			Type:     indexop.TypeDeleteByEntity,
			EntityID: env.EntityID.Key(),
		}}

	case asyncevent.KindDeIndexOldVersion:
		ops = []indexop.Operation{{
			Type:     indexop.TypeDeleteByVersion,
			EntityID: env.EntityID.Key(),
			Version:  env.MarkedVersion.String(),
		}}

	case asyncevent.KindIndexOperation:
		if env.Operation == nil {
			return nil, fmt.Errorf("%w: missing operation", indexop.ErrUnresolvable)
		}
		return []*indexop.Message{env.Operation}, nil

	default:
		return nil, fmt.Errorf("%w: unknown kind %q", indexop.ErrUnresolvable, env.Kind)
	}

	msg := indexop.NewMessage(env.Scope, ops...)
	// The message id follows the envelope so a rebuilt message is the same message.
	msg.ID = env.ID
	msg.CreatedAt = env.CreatedAt
	return []*indexop.Message{msg}, nil
}

func (b *Builder) entityUpdate(ctx context.Context, scope model.ApplicationScope, entity *model.Entity) ([]indexop.Operation, error) {
	if entity == nil {
		return nil, fmt.Errorf("%w: missing entity", indexop.ErrUnresolvable)
	}

	ops := []indexop.Operation{Document(entity, indexop.ContextEntity, nil)}
	if b.edges == nil {
		return ops, nil
	}

	edges, err := b.edges.ListEdgesTo(ctx, scope, entity.ID)
	if err != nil {
		return nil, fmt.Errorf("list edges to %s: %w", entity.ID, err)
	}
	for i := range edges {
		ops = append(ops, Document(entity, indexop.EdgeContext(edges[i]), &edges[i]))
	}
	return ops, nil
}

func (b *Builder) newEdge(ctx context.Context, env asyncevent.Envelope) (indexop.Operation, error) {
	scope, entityID, edge := env.Scope, *env.EntityID, *env.Edge
	if b.loader == nil {
		return indexop.Operation{}, fmt.Errorf("%w: no entity loader", indexop.ErrUnresolvable)
	}

	entity, err := b.loader.LoadEntity(ctx, scope, entityID)
	if err != nil {
		if errors.Is(err, model.ErrEntityNotFound) {
			return indexop.Operation{}, fmt.Errorf("%w: entity %s: %w", indexop.ErrUnresolvable, entityID, err)
		}
		return indexop.Operation{}, fmt.Errorf("load entity %s: %w", entityID, err)
	}
	op := Document(entity, indexop.EdgeContext(edge), &edge)
	// The document holds the loaded snapshot, so it is ordered by the snapshot's
	// update time.
	op.Mark = indexop.Mark{UpdatedAfter: entity.UpdatedAt, Sequence: env.ID.String()}
	return op, nil
}

// Document builds the index operation that writes entity as seen in docContext. edge
// is nil for the entity's own document.
func Document(entity *model.Entity, docContext string, edge *model.Edge) indexop.Operation {
	fields := textnorm.Fields(entity.Fields)
	if fields == nil {
		fields = make(map[string]any)
	}
	fields[indexop.FieldEntityID] = entity.ID.Key()
	fields[indexop.FieldEntityType] = textnorm.Token(entity.ID.Type)
	fields[indexop.FieldVersion] = entity.Version.String()
	fields[indexop.FieldContext] = docContext
	if entity.UpdatedAt != 0 {
		fields[indexop.FieldUpdatedAt] = entity.UpdatedAt
	}
	if edge != nil {
		fields[indexop.FieldEdgeType] = edge.Type
		fields[indexop.FieldEdgeSource] = edge.Source.Key()
	}

	return indexop.Operation{
		Type:     indexop.TypeIndex,
		DocID:    indexop.DocID(entity.ID, docContext),
		EntityID: entity.ID.Key(),
		Version:  entity.Version.String(),
		Fields:   fields,
	}
}
