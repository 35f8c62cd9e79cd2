package reindex

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevent"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/completion"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
)

const tracerName = "jmap-index-reindex"

// Enqueuer is the part of the event service jobs emit envelopes through.
type Enqueuer interface {
	QueueEntityIndexUpdate(ctx context.Context, scope model.ApplicationScope, entity *model.Entity, updatedAfter int64, strategy asyncevent.Strategy) (*completion.Handle, error)
	QueueDeleteEdge(ctx context.Context, scope model.ApplicationScope, edge model.Edge) error
}

// EntityQuery selects one page of entities.
type EntityQuery struct {
	Scope model.ApplicationScope
	// Collection restricts the walk to members of a collection.
	Collection string
	// UpdatedSince skips entities last written before this time.
	UpdatedSince int64
	Cursor       string
	Limit        int32
}

// EntityPage is one page of a walk. An empty Cursor means the walk is complete.
type EntityPage struct {
	Entities []model.Entity
	Cursor   string
}

// EntityWalker pages through the entities of a scope.
type EntityWalker interface {
	WalkEntities(ctx context.Context, q EntityQuery) (EntityPage, error)
}

// EdgeQuery selects one page of edges of a type.
type EdgeQuery struct {
	Scope    model.ApplicationScope
	EdgeType string
	Cursor   string
	Limit    int32
}

// EdgePage is one page of edges. An empty Cursor means the walk is complete.
type EdgePage struct {
	Edges  []model.Edge
	Cursor string
}

// EdgeWalker pages through the edges of a scope.
type EdgeWalker interface {
	WalkEdges(ctx context.Context, q EdgeQuery) (EdgePage, error)
}

// Config throttles job emission.
type Config struct {
	// Rate is the maximum envelopes emitted per second. Zero is unlimited.
	Rate     float64
	Burst    int
	PageSize int32
}

// DefaultConfig returns the throttle used when none is configured.
func DefaultConfig() Config {
	return Config{Rate: 50, Burst: 10, PageSize: 100}
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.Rate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.Rate), burst)
}

func pageSize(cfg Config) int32 {
	if cfg.PageSize <= 0 {
		return DefaultConfig().PageSize
	}
	return cfg.PageSize
}

// Request starts or resumes a reindex job.
type Request struct {
	Scope        model.ApplicationScope `json:"scope"`
	Collection   string                 `json:"collection,omitempty"`
	UpdatedSince int64                  `json:"updatedSince,omitempty"`
	// JobID resumes an earlier job from its recorded cursor.
	JobID  uuid.UUID `json:"jobId,omitempty"`
	Cursor string    `json:"cursor,omitempty"`
}

// ReIndexAction re-queues every entity of a scope on the bulk lane.
type ReIndexAction struct {
	walker   EntityWalker
	enqueuer Enqueuer
	store    StatusStore
	limiter  *rate.Limiter
	pageSize int32
	now      func() time.Time
}

// NewReIndexAction creates a ReIndexAction.
func NewReIndexAction(walker EntityWalker, enqueuer Enqueuer, store StatusStore, cfg Config) *ReIndexAction {
	return &ReIndexAction{
		walker:   walker,
		enqueuer: enqueuer,
		store:    store,
		limiter:  newLimiter(cfg),
		pageSize: pageSize(cfg),
		now:      time.Now,
	}
}

// ReIndex runs the job to completion, recording progress after each page. It
// returns the final status; on failure the status holds the cursor to resume from.
func (a *ReIndexAction) ReIndex(ctx context.Context, req Request) (JobStatus, error) {
	if err := req.Scope.Validate(); err != nil {
		return JobStatus{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	tracer := tracing.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "reindex.ReIndex",
		trace.WithAttributes(
			attribute.String("scope", req.Scope.Key()),
			attribute.String("collection", req.Collection),
		))
	defer span.End()

	job, err := startJob(ctx, a.store, a.now, req.JobID, JobReIndex, req.Scope, req.Collection, req.Cursor)
	if err != nil {
		tracing.RecordError(span, err)
		return JobStatus{}, err
	}
	span.SetAttributes(attribute.String("job_id", job.status.JobID.String()))

	cursor := job.status.Cursor
	for {
		page, err := a.walker.WalkEntities(ctx, EntityQuery{
			Scope:        req.Scope,
			Collection:   req.Collection,
			UpdatedSince: req.UpdatedSince,
			Cursor:       cursor,
			Limit:        a.pageSize,
		})
		if err != nil {
			tracing.RecordError(span, err)
			return job.finish(ctx, 0, fmt.Errorf("walk entities: %w", err))
		}

		var emitted int64
		for i := range page.Entities {
			entity := &page.Entities[i]
			if err := a.limiter.Wait(ctx); err != nil {
				tracing.RecordError(span, err)
				return job.finish(ctx, emitted, err)
			}
			if _, err := a.enqueuer.QueueEntityIndexUpdate(ctx, req.Scope, entity, entity.UpdatedAt, asyncevent.StrategyBulk); err != nil {
				tracing.RecordError(span, err)
				return job.finish(ctx, emitted, fmt.Errorf("queue %s: %w", entity.ID, err))
			}
			emitted++
		}

		if page.Cursor == "" {
			status, err := job.finish(ctx, emitted, nil)
			span.SetAttributes(attribute.Int64("processed", status.Processed))
			return status, err
		}
		cursor = page.Cursor
		if err := job.progress(ctx, emitted, cursor); err != nil {
			tracing.RecordError(span, err)
			return job.finish(ctx, 0, err)
		}
	}
}

// Status returns the recorded status of a job.
func (a *ReIndexAction) Status(ctx context.Context, jobID uuid.UUID) (JobStatus, error) {
	return a.store.Get(ctx, jobID)
}

// CollectionRequest starts or resumes a collection delete.
type CollectionRequest struct {
	Scope      model.ApplicationScope `json:"scope"`
	Collection string                 `json:"collection"`
	JobID      uuid.UUID              `json:"jobId,omitempty"`
	Cursor     string                 `json:"cursor,omitempty"`
}

// CollectionDeleteAction removes the collection-context documents of every member
// of a collection by emitting one DeleteEdge envelope per membership edge.
type CollectionDeleteAction struct {
	walker   EdgeWalker
	enqueuer Enqueuer
	store    StatusStore
	limiter  *rate.Limiter
	pageSize int32
	now      func() time.Time
}

// NewCollectionDeleteAction creates a CollectionDeleteAction.
func NewCollectionDeleteAction(walker EdgeWalker, enqueuer Enqueuer, store StatusStore, cfg Config) *CollectionDeleteAction {
	return &CollectionDeleteAction{
		walker:   walker,
		enqueuer: enqueuer,
		store:    store,
		limiter:  newLimiter(cfg),
		pageSize: pageSize(cfg),
		now:      time.Now,
	}
}

// DeleteCollection runs the job to completion.
func (a *CollectionDeleteAction) DeleteCollection(ctx context.Context, req CollectionRequest) (JobStatus, error) {
	if err := req.Scope.Validate(); err != nil {
		return JobStatus{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.Collection == "" {
		return JobStatus{}, fmt.Errorf("%w: empty collection", ErrInvalidRequest)
	}

	tracer := tracing.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "reindex.DeleteCollection",
		trace.WithAttributes(
			attribute.String("scope", req.Scope.Key()),
			attribute.String("collection", req.Collection),
		))
	defer span.End()

	job, err := startJob(ctx, a.store, a.now, req.JobID, JobCollectionDelete, req.Scope, req.Collection, req.Cursor)
	if err != nil {
		tracing.RecordError(span, err)
		return JobStatus{}, err
	}

	edgeType := model.CollectionEdgeType(req.Collection)
	cursor := job.status.Cursor
	for {
		page, err := a.walker.WalkEdges(ctx, EdgeQuery{
			Scope:    req.Scope,
			EdgeType: edgeType,
			Cursor:   cursor,
			Limit:    a.pageSize,
		})
		if err != nil {
			tracing.RecordError(span, err)
			return job.finish(ctx, 0, fmt.Errorf("walk edges: %w", err))
		}

		var emitted int64
		for _, edge := range page.Edges {
			if err := a.limiter.Wait(ctx); err != nil {
				tracing.RecordError(span, err)
				return job.finish(ctx, emitted, err)
			}
			if err := a.enqueuer.QueueDeleteEdge(ctx, req.Scope, edge); err != nil {
				tracing.RecordError(span, err)
				return job.finish(ctx, emitted, fmt.Errorf("queue delete of %s: %w", edge.Key(), err))
			}
			emitted++
		}

		if page.Cursor == "" {
			return job.finish(ctx, emitted, nil)
		}
		cursor = page.Cursor
		if err := job.progress(ctx, emitted, cursor); err != nil {
			tracing.RecordError(span, err)
			return job.finish(ctx, 0, err)
		}
	}
}

// Status returns the recorded status of a job.
func (a *CollectionDeleteAction) Status(ctx context.Context, jobID uuid.UUID) (JobStatus, error) {
	return a.store.Get(ctx, jobID)
}
