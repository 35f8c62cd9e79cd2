// Package vectorindex applies index operation messages to a semantic index: each
// document's text is embedded and stored as one vector. A vector's key is the
// document id, suffixed with the writing envelope's sequence when the operation
// carries a mark; the registry says which key is current.
package vectorindex

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/docregistry"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/indexop"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/vectorstore"
)

var logger = logging.New()

const tracerName = "jmap-index-vectorindex"

// Embedder generates vector embeddings.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// VectorStore manages vector storage.
type VectorStore interface {
	EnsureIndex(ctx context.Context, application string) error
	PutVectors(ctx context.Context, application string, vectors []vectorstore.Vector) error
	DeleteVectors(ctx context.Context, application string, keys []string) error
}

// Registry remembers which documents exist per entity. S3 Vectors cannot list
// by metadata or write conditionally, so deletes by entity or version and the
// ordering of writes to one document resolve through it.
type Registry interface {
	Claim(ctx context.Context, scope model.ApplicationScope, entry docregistry.Entry) (*docregistry.Entry, bool, error)
	Get(ctx context.Context, scope model.ApplicationScope, entityID, docID string) (docregistry.Entry, bool, error)
	ListByEntity(ctx context.Context, scope model.ApplicationScope, entityID string) ([]docregistry.Entry, error)
	ListByVersion(ctx context.Context, scope model.ApplicationScope, entityID, version string) ([]docregistry.Entry, error)
	Remove(ctx context.Context, scope model.ApplicationScope, entries []docregistry.Entry) error
}

// Writer is a semantic index writer.
type Writer struct {
	embedder Embedder
	store    VectorStore
	registry Registry
}

// New creates a Writer.
func New(embedder Embedder, store VectorStore, registry Registry) *Writer {
	return &Writer{embedder: embedder, store: store, registry: registry}
}

// metadataFields are copied onto each vector so query-time filters can use them.
var metadataFields = []string{
	indexop.FieldEntityID,
	indexop.FieldEntityType,
	indexop.FieldVersion,
	indexop.FieldContext,
	indexop.FieldEdgeType,
	indexop.FieldUpdatedAt,
}

var reservedFields = append([]string{indexop.FieldEdgeSource}, metadataFields...)

// Write applies each message in order.
func (w *Writer) Write(ctx context.Context, msgs []*indexop.Message) error {
	tracer := tracing.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "vectorindex.Write",
		trace.WithAttributes(attribute.Int("message_count", len(msgs))))
	defer span.End()

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, op := range msg.Operations {
			if err := w.apply(ctx, msg.Scope, op); err != nil {
				tracing.RecordError(span, err)
				return fmt.Errorf("message %s: %s: %w", msg.ID, op.Type, err)
			}
		}
	}
	return nil
}

func (w *Writer) apply(ctx context.Context, scope model.ApplicationScope, op indexop.Operation) error {
	application := scope.Key()
	switch op.Type {
	case indexop.TypeEnsureIndex:
		return w.store.EnsureIndex(ctx, application)

	case indexop.TypeIndex:
		return w.index(ctx, scope, op)

	case indexop.TypeDelete:
		entry, ok, err := w.registry.Get(ctx, scope, indexop.DocEntity(op.DocID), op.DocID)
		if err != nil {
			return err
		}
		if !ok {
			// Unregistered documents were written under their id, if at all.
			entry = docregistry.Entry{DocID: op.DocID, EntityID: indexop.DocEntity(op.DocID)}
		}
		return w.remove(ctx, scope, []docregistry.Entry{entry})

	case indexop.TypeDeleteByEntity:
		entries, err := w.registry.ListByEntity(ctx, scope, op.EntityID)
		if err != nil {
			return err
		}
		return w.remove(ctx, scope, entries)

	case indexop.TypeDeleteByVersion:
		entries, err := w.registry.ListByVersion(ctx, scope, op.EntityID, op.Version)
		if err != nil {
			return err
		}
		return w.remove(ctx, scope, entries)
	}
	return fmt.Errorf("unknown operation type %q", op.Type)
}

// index writes one document. The vector is stored under a fresh key and only then
// claimed in the registry, so an older write never replaces a newer one: the
// losing side deletes its own vector, the winning side the one it replaced.
func (w *Writer) index(ctx context.Context, scope model.ApplicationScope, op indexop.Operation) error {
	application := scope.Key()
	current, registered, err := w.registry.Get(ctx, scope, op.EntityID, op.DocID)
	if err != nil {
		return err
	}
	if registered && op.Mark.Before(current.Mark) {
		logger.DebugContext(ctx, "Skipping older document",
			slog.String("doc_id", op.DocID),
			slog.Int64("updated_after", op.Mark.UpdatedAfter),
			slog.Int64("registered_updated_after", current.Mark.UpdatedAfter),
		)
		return nil
	}

	text := Text(op.Fields)
	if text == "" {
		// Nothing to embed; drop any vector left from an earlier version.
		if !registered {
			current = docregistry.Entry{DocID: op.DocID, EntityID: op.EntityID}
		}
		return w.remove(ctx, scope, []docregistry.Entry{current})
	}

	if err := w.store.EnsureIndex(ctx, application); err != nil {
		return err
	}
	vector, err := w.embedder.GenerateEmbedding(ctx, text)
	if err != nil {
		return fmt.Errorf("embed %s: %w", op.DocID, err)
	}
	entry := docregistry.Entry{
		DocID:    op.DocID,
		EntityID: op.EntityID,
		Version:  op.Version,
		Key:      vectorKey(op),
		Mark:     op.Mark,
	}
	if err := w.store.PutVectors(ctx, application, []vectorstore.Vector{{
		Key:      entry.Key,
		Data:     vector,
		Metadata: metadata(op.Fields),
	}}); err != nil {
		return err
	}

	prev, claimed, err := w.registry.Claim(ctx, scope, entry)
	if err != nil {
		return err
	}
	if !claimed {
		logger.DebugContext(ctx, "Dropping vector overtaken by a newer write",
			slog.String("doc_id", op.DocID),
			slog.String("key", entry.Key),
		)
		return w.store.DeleteVectors(ctx, application, []string{entry.Key})
	}
	if prev != nil && prev.StorageKey() != entry.Key {
		return w.store.DeleteVectors(ctx, application, []string{prev.StorageKey()})
	}
	return nil
}

// vectorKey is the storage key of op's vector.
func vectorKey(op indexop.Operation) string {
	if op.Mark.IsZero() {
		return op.DocID
	}
	return op.DocID + "@" + op.Mark.Sequence
}

// remove deletes vectors before their registry entries, so a failure part way
// leaves entries that a retry can still find.
func (w *Writer) remove(ctx context.Context, scope model.ApplicationScope, entries []docregistry.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.StorageKey())
	}
	if err := w.store.DeleteVectors(ctx, scope.Key(), keys); err != nil {
		return err
	}
	if err := w.registry.Remove(ctx, scope, entries); err != nil {
		return err
	}
	logger.DebugContext(ctx, "Removed vectors",
		slog.String("scope", scope.Key()),
		slog.Int("count", len(keys)),
	)
	return nil
}

// Text renders the embeddable text of a document: every non-reserved string
// field as "name: value", in name order.
func Text(fields map[string]any) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		if !slices.Contains(reservedFields, name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	var b strings.Builder
	for _, name := range names {
		for _, s := range stringValues(fields[name]) {
			if s == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(s)
		}
	}
	return b.String()
}

// stringValues returns the string values held by v, walking slices and maps.
func stringValues(v any) []string {
	switch tv := v.(type) {
	case string:
		return []string{tv}
	case []string:
		return tv
	case []any:
		var out []string
		for _, item := range tv {
			out = append(out, stringValues(item)...)
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(tv))
		for k := range tv {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		var out []string
		for _, k := range keys {
			out = append(out, stringValues(tv[k])...)
		}
		return out
	}
	return nil
}

func metadata(fields map[string]any) map[string]any {
	meta := make(map[string]any, len(metadataFields))
	for _, name := range metadataFields {
		if v, ok := fields[name]; ok {
			meta[name] = v
		}
	}
	return meta
}
