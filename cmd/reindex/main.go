// Package main implements the reindex admin Lambda: it starts and resumes reindex and
// collection delete jobs, reports job status and lists dead-lettered envelopes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevent"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevents"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/config"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/deadletter"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/queue"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/reindex"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/storage"
)

var logger = logging.New()

// Supported actions.
const (
	ActionReIndex          = "reindex"
	ActionDeleteCollection = "delete_collection"
	ActionInitializeIndex  = "initialize_index"
	ActionStatus           = "status"
	ActionListDeadLetters  = "list_dead_letters"
)

// defaultDeadLetterLimit caps list_dead_letters when no limit is given.
const defaultDeadLetterLimit = 50

// Request is the admin Lambda payload.
type Request struct {
	Action       string `json:"action"`
	Scope        string `json:"scope,omitempty"`
	Collection   string `json:"collection,omitempty"`
	UpdatedSince int64  `json:"updatedSince,omitempty"`
	JobID        string `json:"jobId,omitempty"`
	Cursor       string `json:"cursor,omitempty"`
	Queue        string `json:"queue,omitempty"`
	Limit        int32  `json:"limit,omitempty"`
}

// DeadLetter is the response form of a dead-letter record.
type DeadLetter struct {
	EnvelopeID string    `json:"envelopeId"`
	Kind       string    `json:"kind"`
	Queue      string    `json:"queue"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	FailedAt   time.Time `json:"failedAt"`
}

// Response is the admin Lambda result.
type Response struct {
	Job         *reindex.JobStatus `json:"job,omitempty"`
	DeadLetters []DeadLetter       `json:"deadLetters,omitempty"`
}

// AdminService is the part of the event service the admin Lambda drives.
type AdminService interface {
	ReIndex(ctx context.Context, req reindex.Request) (reindex.JobStatus, error)
	DeleteCollection(ctx context.Context, req reindex.CollectionRequest) (reindex.JobStatus, error)
	ReIndexStatus(ctx context.Context, jobID uuid.UUID) (reindex.JobStatus, error)
	QueueInitializeApplicationIndex(ctx context.Context, scope model.ApplicationScope) error
}

// DeadLetterLister lists dead-letter records.
type DeadLetterLister interface {
	List(ctx context.Context, scope model.ApplicationScope, queueType asyncevent.QueueType, limit int32) ([]deadletter.Record, error)
}

type handler struct {
	service     AdminService
	deadLetters DeadLetterLister
}

func newHandler(service AdminService, deadLetters DeadLetterLister) *handler {
	return &handler{service: service, deadLetters: deadLetters}
}

func (h *handler) handle(ctx context.Context, req Request) (Response, error) {
	tracer := tracing.Tracer("jmap-index-reindex")
	ctx, span := tracer.Start(ctx, "ReindexHandler",
		trace.WithAttributes(attribute.String("action", req.Action)),
	)
	defer span.End()

	resp, err := h.dispatch(ctx, req)
	if err != nil {
		tracing.RecordError(span, err)
		logger.ErrorContext(ctx, "Admin action failed",
			slog.String("action", req.Action),
			slog.String("scope", req.Scope),
			slog.String("error", err.Error()),
		)
		return Response{}, err
	}
	return resp, nil
}

func (h *handler) dispatch(ctx context.Context, req Request) (Response, error) {
	if req.Action == ActionStatus {
		jobID, err := parseJobID(req.JobID)
		if err != nil {
			return Response{}, err
		}
		if jobID == uuid.Nil {
			return Response{}, fmt.Errorf("%w: jobId required", reindex.ErrInvalidRequest)
		}
		return jobResponse(h.service.ReIndexStatus(ctx, jobID))
	}

	scope, err := parseScope(req.Scope)
	if err != nil {
		return Response{}, err
	}

	switch req.Action {
	case ActionReIndex:
		jobID, err := parseJobID(req.JobID)
		if err != nil {
			return Response{}, err
		}
		return jobResponse(h.service.ReIndex(ctx, reindex.Request{
			Scope:        scope,
			Collection:   req.Collection,
			UpdatedSince: req.UpdatedSince,
			JobID:        jobID,
			Cursor:       req.Cursor,
		}))

	case ActionDeleteCollection:
		jobID, err := parseJobID(req.JobID)
		if err != nil {
			return Response{}, err
		}
		return jobResponse(h.service.DeleteCollection(ctx, reindex.CollectionRequest{
			Scope:      scope,
			Collection: req.Collection,
			JobID:      jobID,
			Cursor:     req.Cursor,
		}))

	case ActionInitializeIndex:
		if err := h.service.QueueInitializeApplicationIndex(ctx, scope); err != nil {
			return Response{}, err
		}
		logger.InfoContext(ctx, "Queued index initialisation", slog.String("scope", scope.Key()))
		return Response{}, nil

	case ActionListDeadLetters:
		if h.deadLetters == nil {
			return Response{}, fmt.Errorf("%w: dead-letter repository", asyncevents.ErrCapabilityUnavailable)
		}
		queueType := asyncevent.QueueType(req.Queue)
		if !queueType.Valid() {
			return Response{}, fmt.Errorf("%w: %q", queue.ErrUnknownQueue, req.Queue)
		}
		limit := req.Limit
		if limit <= 0 {
			limit = defaultDeadLetterLimit
		}
		records, err := h.deadLetters.List(ctx, scope, queueType, limit)
		if err != nil {
			return Response{}, err
		}
		resp := Response{DeadLetters: make([]DeadLetter, 0, len(records))}
		for _, rec := range records {
			resp.DeadLetters = append(resp.DeadLetters, DeadLetter{
				EnvelopeID: rec.Envelope.ID.String(),
				Kind:       string(rec.Envelope.Kind),
				Queue:      string(rec.Queue),
				Reason:     rec.Reason,
				Attempts:   rec.Attempts,
				FailedAt:   rec.FailedAt,
			})
		}
		return resp, nil
	}

	return Response{}, fmt.Errorf("%w: unknown action %q", reindex.ErrInvalidRequest, req.Action)
}

func jobResponse(status reindex.JobStatus, err error) (Response, error) {
	if err != nil {
		return Response{}, err
	}
	return Response{Job: &status}, nil
}

func parseScope(raw string) (model.ApplicationScope, error) {
	if raw == "" {
		return model.ApplicationScope{}, fmt.Errorf("%w: scope required", reindex.ErrInvalidRequest)
	}
	id, err := model.ParseID(raw)
	if err != nil {
		return model.ApplicationScope{}, fmt.Errorf("%w: %w", reindex.ErrInvalidRequest, err)
	}
	return model.NewApplicationScope(id), nil
}

func parseJobID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: jobId: %v", reindex.ErrInvalidRequest, err)
	}
	return id, nil
}

func main() {
	ctx := context.Background()

	result, err := awsinit.Init(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize", slog.String("error", err.Error()))
		panic(err)
	}

	cfg, err := config.FromEnv()
	if err == nil {
		err = config.Require(map[string]string{
			"ENTITY_TABLE_NAME": cfg.EntityTable,
			"INDEX_TABLE_NAME":  cfg.IndexTable,
		})
	}
	if err != nil {
		logger.Error("FATAL: Invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	dynamoClient := dbclient.NewClient(result.Config)
	reader := storage.NewReader(dynamoClient, cfg.EntityTable)
	store := reindex.NewDynamoDBStatusStore(dynamoClient, cfg.IndexTable, cfg.DeadLetterRetentionDays)

	q := queue.NewSQS(sqs.NewFromConfig(result.Config), cfg.Lanes)
	service := asyncevents.New(q, nil, asyncevents.Config{MaxQueueDepth: cfg.MaxQueueDepth, DepthCacheTTL: cfg.DepthCacheTTL})
	service.SetReIndexAction(reindex.NewReIndexAction(reader, service, store, cfg.Reindex))
	service.SetCollectionDeleteAction(reindex.NewCollectionDeleteAction(reader, service, store, cfg.Reindex))

	h := newHandler(service, deadletter.NewRepository(dynamoClient, cfg.IndexTable, cfg.DeadLetterRetentionDays))
	result.Start(h.handle)
}
