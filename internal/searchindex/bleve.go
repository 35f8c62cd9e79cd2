// Package searchindex applies index operation messages to full-text indexes.
package searchindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/indexop"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
)

var logger = logging.New()

const tracerName = "jmap-index-searchindex"

// IndexPrefix is the prefix of per-application index directories.
const IndexPrefix = "app-"

// deletePageSize is how many matching documents one search returns while
// resolving a delete_by_entity or delete_by_version.
const deletePageSize = 500

// ErrClosed is returned by a writer after Close.
var ErrClosed = errors.New("search index is closed")

// BleveWriter keeps one bleve index per application scope. With an empty
// directory every index is memory-only.
//
// Writes are serialized, and an index operation whose mark is older than the mark
// stored with the document is skipped, so concurrent writers cannot move a
// document backwards.
type BleveWriter struct {
	dir string

	writeMu sync.Mutex

	mu      sync.Mutex
	indexes map[string]bleve.Index
	closed  bool
}

// NewBleveWriter creates a writer rooted at dir.
func NewBleveWriter(dir string) *BleveWriter {
	return &BleveWriter{
		dir:     dir,
		indexes: make(map[string]bleve.Index),
	}
}

// newIndexMapping maps the reserved fields as keywords so deletes can match them
// exactly. Everything else is mapped dynamically with the standard analyzer.
func newIndexMapping() *mapping.IndexMappingImpl {
	keyword := bleve.NewKeywordFieldMapping()
	numeric := bleve.NewNumericFieldMapping()

	doc := bleve.NewDocumentMapping()
	for _, field := range []string{
		indexop.FieldEntityID,
		indexop.FieldEntityType,
		indexop.FieldVersion,
		indexop.FieldContext,
		indexop.FieldEdgeType,
		indexop.FieldEdgeSource,
		indexop.FieldMarkUpdatedAfter,
		indexop.FieldMarkSequence,
	} {
		doc.AddFieldMappingsAt(field, keyword)
	}
	doc.AddFieldMappingsAt(indexop.FieldUpdatedAt, numeric)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = doc
	return indexMapping
}

// index returns the scope's index, opening or creating it on first use.
func (w *BleveWriter) index(scope model.ApplicationScope) (bleve.Index, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrClosed
	}
	key := scope.Key()
	if idx, ok := w.indexes[key]; ok {
		return idx, nil
	}

	var idx bleve.Index
	var err error
	if w.dir == "" {
		idx, err = bleve.NewMemOnly(newIndexMapping())
	} else {
		path := filepath.Join(w.dir, IndexPrefix+key)
		idx, err = bleve.Open(path)
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			if mkErr := os.MkdirAll(w.dir, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create index directory %s: %w", w.dir, mkErr)
			}
			idx, err = bleve.New(path, newIndexMapping())
			if err == nil {
				logger.Info("Created search index",
					slog.String("scope", key),
					slog.String("path", path),
				)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open index for %s: %w", key, err)
	}

	w.indexes[key] = idx
	return idx, nil
}

// Write applies each message to its scope's index in order. Operations within a
// message are applied in order too: query-based deletes flush the pending batch
// first so they see documents indexed earlier in the same message.
func (w *BleveWriter) Write(ctx context.Context, msgs []*indexop.Message) error {
	tracer := tracing.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "searchindex.Write",
		trace.WithAttributes(attribute.Int("message_count", len(msgs))))
	defer span.End()

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.apply(ctx, msg); err != nil {
			tracing.RecordError(span, err)
			return fmt.Errorf("message %s: %w", msg.ID, err)
		}
	}
	return nil
}

func (w *BleveWriter) apply(ctx context.Context, msg *indexop.Message) error {
	idx, err := w.index(msg.Scope)
	if err != nil {
		return err
	}

	batch := idx.NewBatch()
	// pending holds the marks of documents changed by the unflushed batch.
	pending := make(map[string]indexop.Mark)
	flush := func() error {
		if batch.Size() == 0 {
			return nil
		}
		if err := idx.Batch(batch); err != nil {
			return fmt.Errorf("apply batch: %w", err)
		}
		batch.Reset()
		clear(pending)
		return nil
	}

	for _, op := range msg.Operations {
		switch op.Type {
		case indexop.TypeEnsureIndex:
		case indexop.TypeIndex:
			if !op.Mark.IsZero() {
				current, ok := pending[op.DocID]
				if !ok {
					current, err = storedMark(ctx, idx, op.DocID)
					if err != nil {
						return fmt.Errorf("read mark of %s: %w", op.DocID, err)
					}
				}
				if op.Mark.Before(current) {
					logger.DebugContext(ctx, "Skipping older document",
						slog.String("doc_id", op.DocID),
						slog.Int64("updated_after", op.Mark.UpdatedAfter),
						slog.Int64("stored_updated_after", current.UpdatedAfter),
					)
					continue
				}
				pending[op.DocID] = op.Mark
			}
			if err := batch.Index(op.DocID, withMark(op)); err != nil {
				return fmt.Errorf("index %s: %w", op.DocID, err)
			}
		case indexop.TypeDelete:
			batch.Delete(op.DocID)
			pending[op.DocID] = indexop.Mark{}
		case indexop.TypeDeleteByEntity, indexop.TypeDeleteByVersion:
			if err := flush(); err != nil {
				return err
			}
			ids, err := matching(ctx, idx, deleteQuery(op))
			if err != nil {
				return fmt.Errorf("%s %s: %w", op.Type, op.EntityID, err)
			}
			for _, id := range ids {
				batch.Delete(id)
			}
		default:
			return fmt.Errorf("unknown operation type %q", op.Type)
		}
	}
	return flush()
}

// withMark returns the document to store for op, carrying its mark.
func withMark(op indexop.Operation) map[string]any {
	if op.Mark.IsZero() {
		return op.Fields
	}
	doc := maps.Clone(op.Fields)
	if doc == nil {
		doc = make(map[string]any, 2)
	}
	doc[indexop.FieldMarkUpdatedAfter] = strconv.FormatInt(op.Mark.UpdatedAfter, 10)
	doc[indexop.FieldMarkSequence] = op.Mark.Sequence
	return doc
}

// storedMark returns the mark stored with a document. A missing document, or one
// written without a mark, has the zero mark.
func storedMark(ctx context.Context, idx bleve.Index, docID string) (indexop.Mark, error) {
	req := bleve.NewSearchRequestOptions(bleve.NewDocIDQuery([]string{docID}), 1, 0, false)
	req.Fields = []string{indexop.FieldMarkUpdatedAfter, indexop.FieldMarkSequence}
	result, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return indexop.Mark{}, err
	}
	var mark indexop.Mark
	if len(result.Hits) == 0 {
		return mark, nil
	}
	fields := result.Hits[0].Fields
	if s, ok := fields[indexop.FieldMarkUpdatedAfter].(string); ok {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			mark.UpdatedAfter = n
		}
	}
	if s, ok := fields[indexop.FieldMarkSequence].(string); ok {
		mark.Sequence = s
	}
	return mark, nil
}

func deleteQuery(op indexop.Operation) query.Query {
	entity := bleve.NewTermQuery(op.EntityID)
	entity.SetField(indexop.FieldEntityID)
	if op.Type != indexop.TypeDeleteByVersion {
		return entity
	}
	version := bleve.NewTermQuery(op.Version)
	version.SetField(indexop.FieldVersion)
	return bleve.NewConjunctionQuery(entity, version)
}

// matching returns the ids of every document matching q.
func matching(ctx context.Context, idx bleve.Index, q query.Query) ([]string, error) {
	var ids []string
	for from := 0; ; from += deletePageSize {
		req := bleve.NewSearchRequestOptions(q, deletePageSize, from, false)
		req.Fields = []string{}
		result, err := idx.SearchInContext(ctx, req)
		if err != nil {
			return nil, err
		}
		for _, hit := range result.Hits {
			ids = append(ids, hit.ID)
		}
		if len(result.Hits) < deletePageSize {
			return ids, nil
		}
	}
}

// Search runs a query-string search against a scope's index and returns the ids
// of the best matches.
func (w *BleveWriter) Search(ctx context.Context, scope model.ApplicationScope, queryString string, limit int) ([]string, error) {
	idx, err := w.index(scope)
	if err != nil {
		return nil, err
	}
	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(queryString), limit, 0, false)
	result, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	ids := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// DocCount returns the number of documents in a scope's index.
func (w *BleveWriter) DocCount(scope model.ApplicationScope) (uint64, error) {
	idx, err := w.index(scope)
	if err != nil {
		return 0, err
	}
	return idx.DocCount()
}

// Close closes every open index.
func (w *BleveWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	for key, idx := range w.indexes {
		if err := idx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close index %s: %w", key, err))
		}
	}
	w.indexes = nil
	return errors.Join(errs...)
}
