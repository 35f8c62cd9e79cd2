// Package asyncevents is the producer-facing service: storage and graph code calls
// it on every mutation, and it turns those calls into envelopes on the queue.
package asyncevents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevent"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/completion"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/indexop"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/queue"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/reindex"
)

const tracerName = "jmap-index-events"

// Error types for service operations.
var (
	// ErrBackpressure is returned when the backlog is above the configured limit.
	ErrBackpressure = errors.New("queue backlog above limit")
	// ErrCapabilityUnavailable is returned when an optional action is not configured.
	ErrCapabilityUnavailable = errors.New("capability not configured")
)

// ReIndexer is the reindex capability.
type ReIndexer interface {
	ReIndex(ctx context.Context, req reindex.Request) (reindex.JobStatus, error)
	Status(ctx context.Context, jobID uuid.UUID) (reindex.JobStatus, error)
}

// CollectionDeleter is the collection delete capability.
type CollectionDeleter interface {
	DeleteCollection(ctx context.Context, req reindex.CollectionRequest) (reindex.JobStatus, error)
	Status(ctx context.Context, jobID uuid.UUID) (reindex.JobStatus, error)
}

// Config configures a Service.
type Config struct {
	// QueueManagerClass names the queue backend for diagnostics. Empty uses the
	// backend's own name.
	QueueManagerClass string
	// MaxQueueDepth refuses enqueues while the backlog is at or above it. Zero
	// disables the check.
	MaxQueueDepth int64
	// DepthCacheTTL is how long the backlog read for MaxQueueDepth is reused.
	// Zero reads it on every enqueue.
	DepthCacheTTL time.Duration
}

// depthKey is the only key of the depth cache.
const depthKey = "depth"

// Service enqueues indexing work. It is safe for concurrent use.
type Service struct {
	queue            queue.Queue
	tracker          *completion.Tracker
	cfg              Config
	reindexer        ReIndexer
	collectionDelete CollectionDeleter
	depths           *expirable.LRU[string, int64]
}

// New creates a Service. tracker may be nil, in which case every enqueue is
// fire-and-forget.
func New(q queue.Queue, tracker *completion.Tracker, cfg Config) *Service {
	s := &Service{queue: q, tracker: tracker, cfg: cfg}
	if cfg.MaxQueueDepth > 0 && cfg.DepthCacheTTL > 0 {
		s.depths = expirable.NewLRU[string, int64](1, nil, cfg.DepthCacheTTL)
	}
	return s
}

// SetReIndexAction enables ReIndex and ReIndexStatus.
func (s *Service) SetReIndexAction(r ReIndexer) {
	s.reindexer = r
}

// SetCollectionDeleteAction enables DeleteCollection.
func (s *Service) SetCollectionDeleteAction(d CollectionDeleter) {
	s.collectionDelete = d
}

// QueueManagerClass returns the configured queue backend name.
func (s *Service) QueueManagerClass() string {
	if s.cfg.QueueManagerClass != "" {
		return s.cfg.QueueManagerClass
	}
	return s.queue.Name()
}

// SupportsTracking reports whether sync-strategy enqueues return a live handle.
// Without it they are accepted and delivered fire-and-forget.
func (s *Service) SupportsTracking() bool {
	return s.tracker != nil && s.queue.Capabilities().Tracking
}

func (s *Service) capabilities() asyncevent.Capabilities {
	return asyncevent.Capabilities{Tracking: s.SupportsTracking()}
}

// QueueDepth returns the approximate backlog across every lane the backend serves.
func (s *Service) QueueDepth(ctx context.Context) (int64, error) {
	var total int64
	for _, qt := range asyncevent.QueueTypes {
		n, err := s.queue.Depth(ctx, qt)
		if err != nil {
			if errors.Is(err, queue.ErrUnknownQueue) {
				continue
			}
			return 0, fmt.Errorf("queue depth %s: %w", qt, err)
		}
		total += n
	}
	return total, nil
}

// backlog is QueueDepth, reused for DepthCacheTTL.
func (s *Service) backlog(ctx context.Context) (int64, error) {
	if s.depths == nil {
		return s.QueueDepth(ctx)
	}
	if depth, ok := s.depths.Get(depthKey); ok {
		return depth, nil
	}
	depth, err := s.QueueDepth(ctx)
	if err != nil {
		return 0, err
	}
	s.depths.Add(depthKey, depth)
	return depth, nil
}

// QueueInitializeApplicationIndex enqueues creation of the scope's index. Running
// it again is harmless.
func (s *Service) QueueInitializeApplicationIndex(ctx context.Context, scope model.ApplicationScope) error {
	env, err := asyncevent.New(asyncevent.KindInitializeIndex, scope)
	if err != nil {
		return err
	}
	_, err = s.enqueue(ctx, env, "", "")
	return err
}

// QueueEntityIndexUpdate enqueues a reindex of entity. updatedAfter orders it
// against other updates of the same entity; zero uses entity.UpdatedAt. The handle
// is nil unless the strategy is sync and the backend supports tracking.
func (s *Service) QueueEntityIndexUpdate(ctx context.Context, scope model.ApplicationScope, entity *model.Entity, updatedAfter int64, strategy asyncevent.Strategy) (*completion.Handle, error) {
	env, err := asyncevent.New(asyncevent.KindEntityIndexUpdate, scope)
	if err != nil {
		return nil, err
	}
	if entity != nil && updatedAfter == 0 {
		updatedAfter = entity.UpdatedAt
	}
	if updatedAfter < 0 {
		return nil, fmt.Errorf("%w: negative updatedAfter", asyncevent.ErrInvalidEnvelope)
	}
	env.Entity = entity
	env.UpdatedAfter = updatedAfter
	return s.enqueue(ctx, env, strategy, "")
}

// QueueNewEdge enqueues indexing of entityID in the context of edge.
func (s *Service) QueueNewEdge(ctx context.Context, scope model.ApplicationScope, entityID model.ID, edge model.Edge, strategy asyncevent.Strategy) (*completion.Handle, error) {
	env, err := asyncevent.New(asyncevent.KindNewEdge, scope)
	if err != nil {
		return nil, err
	}
	env.EntityID = &entityID
	env.Edge = &edge
	env.UpdatedAfter = edge.Timestamp
	return s.enqueue(ctx, env, strategy, "")
}

// QueueDeleteEdge enqueues removal of the documents edge produced.
func (s *Service) QueueDeleteEdge(ctx context.Context, scope model.ApplicationScope, edge model.Edge) error {
	env, err := asyncevent.New(asyncevent.KindDeleteEdge, scope)
	if err != nil {
		return err
	}
	env.Edge = &edge
	_, err = s.enqueue(ctx, env, "", "")
	return err
}

// QueueEntityDelete enqueues removal of every document of entityID.
func (s *Service) QueueEntityDelete(ctx context.Context, scope model.ApplicationScope, entityID model.ID) error {
	env, err := asyncevent.New(asyncevent.KindEntityDelete, scope)
	if err != nil {
		return err
	}
	env.EntityID = &entityID
	_, err = s.enqueue(ctx, env, "", "")
	return err
}

// QueueIndexOperationMessage enqueues an already-built message on queueType.
func (s *Service) QueueIndexOperationMessage(ctx context.Context, msg *indexop.Message, queueType asyncevent.QueueType) error {
	if msg == nil {
		return fmt.Errorf("%w: %w", asyncevent.ErrInvalidEnvelope, indexop.ErrEmptyMessage)
	}
	env, err := asyncevent.New(asyncevent.KindIndexOperation, msg.Scope)
	if err != nil {
		return err
	}
	env.Operation = msg
	_, err = s.enqueue(ctx, env, "", queueType)
	return err
}

// QueueDeIndexOldVersion enqueues removal of the documents written at markedVersion.
func (s *Service) QueueDeIndexOldVersion(ctx context.Context, scope model.ApplicationScope, entityID model.ID, markedVersion uuid.UUID) error {
	env, err := asyncevent.New(asyncevent.KindDeIndexOldVersion, scope)
	if err != nil {
		return err
	}
	env.EntityID = &entityID
	env.MarkedVersion = markedVersion
	_, err = s.enqueue(ctx, env, "", "")
	return err
}

// ReIndex runs the reindex capability.
func (s *Service) ReIndex(ctx context.Context, req reindex.Request) (reindex.JobStatus, error) {
	if s.reindexer == nil {
		return reindex.JobStatus{}, fmt.Errorf("%w: reindex", ErrCapabilityUnavailable)
	}
	return s.reindexer.ReIndex(ctx, req)
}

// ReIndexStatus returns the status of a reindex or collection delete job.
func (s *Service) ReIndexStatus(ctx context.Context, jobID uuid.UUID) (reindex.JobStatus, error) {
	switch {
	case s.reindexer != nil:
		return s.reindexer.Status(ctx, jobID)
	case s.collectionDelete != nil:
		return s.collectionDelete.Status(ctx, jobID)
	}
	return reindex.JobStatus{}, fmt.Errorf("%w: job status", ErrCapabilityUnavailable)
}

// DeleteCollection runs the collection delete capability.
func (s *Service) DeleteCollection(ctx context.Context, req reindex.CollectionRequest) (reindex.JobStatus, error) {
	if s.collectionDelete == nil {
		return reindex.JobStatus{}, fmt.Errorf("%w: collection delete", ErrCapabilityUnavailable)
	}
	return s.collectionDelete.DeleteCollection(ctx, req)
}

// enqueue routes, validates and sends env. Nothing is sent if validation fails.
func (s *Service) enqueue(ctx context.Context, env asyncevent.Envelope, strategy asyncevent.Strategy, requested asyncevent.QueueType) (*completion.Handle, error) {
	tracer := tracing.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "asyncevents.Enqueue",
		trace.WithAttributes(
			attribute.String("kind", string(env.Kind)),
			attribute.String("envelope_id", env.ID.String()),
		))
	defer span.End()

	route, err := asyncevent.Select(env.Kind, strategy, requested, s.capabilities())
	if err != nil {
		err = fmt.Errorf("%w: %w", asyncevent.ErrInvalidEnvelope, err)
		tracing.RecordError(span, err)
		return nil, err
	}
	env.Queue = route.Queue
	env.Strategy = strategy
	env.Mode = route.Mode

	if err := env.Validate(); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("queue", string(route.Queue)),
		attribute.String("mode", string(route.Mode)),
		attribute.Bool("degraded", route.Degraded),
	)

	if s.cfg.MaxQueueDepth > 0 {
		// Depth is best-effort; an unreadable depth does not block producers.
		if depth, err := s.backlog(ctx); err == nil && depth >= s.cfg.MaxQueueDepth {
			err := fmt.Errorf("%w: depth %d, limit %d", ErrBackpressure, depth, s.cfg.MaxQueueDepth)
			tracing.RecordError(span, err)
			return nil, err
		}
	}

	var handle *completion.Handle
	if route.Mode == asyncevent.ModeTracked {
		// Track before sending so a fast consumer cannot complete an unknown id.
		handle = s.tracker.Track(env.ID)
	}

	if err := s.queue.Send(ctx, env); err != nil {
		if handle != nil {
			s.tracker.Forget(env.ID)
		}
		err = fmt.Errorf("enqueue %s: %w", env.Kind, err)
		tracing.RecordError(span, err)
		return nil, err
	}
	return handle, nil
}
