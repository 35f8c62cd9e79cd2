// Package main implements the entity-events DynamoDB Streams handler. It turns
// entity and edge changes in the entity table into indexing envelopes.
package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda/xrayconfig"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevent"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevents"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/completion"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/config"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/queue"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/storage"
)

var logger = logging.New()

// EventService is the part of the async event service storage hooks call.
type EventService interface {
	QueueEntityIndexUpdate(ctx context.Context, scope model.ApplicationScope, entity *model.Entity, updatedAfter int64, strategy asyncevent.Strategy) (*completion.Handle, error)
	QueueEntityDelete(ctx context.Context, scope model.ApplicationScope, entityID model.ID) error
	QueueNewEdge(ctx context.Context, scope model.ApplicationScope, entityID model.ID, edge model.Edge, strategy asyncevent.Strategy) (*completion.Handle, error)
	QueueDeleteEdge(ctx context.Context, scope model.ApplicationScope, edge model.Edge) error
}

// handler implements the entity-events stream consumer logic.
type handler struct {
	service EventService
}

// newHandler creates a new handler.
func newHandler(service EventService) *handler {
	return &handler{service: service}
}

// handle processes a DynamoDB Streams event. Records are enqueued in stream order;
// the first one that cannot be enqueued is reported as the batch failure so the
// stream resumes from it.
func (h *handler) handle(ctx context.Context, event events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	tracer := tracing.Tracer("jmap-index-entity-events")
	ctx, span := tracer.Start(ctx, "EntityEventsHandler")
	defer span.End()
	span.SetAttributes(attribute.Int("record_count", len(event.Records)))

	for _, record := range event.Records {
		change, err := storage.DecodeStreamRecord(record)
		if errors.Is(err, storage.ErrNotIndexable) {
			continue
		}
		if err != nil {
			// Undecodable records are skipped so they cannot block the shard.
			logger.ErrorContext(ctx, "Failed to decode stream record",
				slog.String("event_id", record.EventID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := h.enqueue(ctx, change); err != nil {
			if errors.Is(err, asyncevent.ErrInvalidEnvelope) {
				logger.ErrorContext(ctx, "Dropping change that produced an invalid envelope",
					slog.String("event_id", record.EventID),
					slog.String("scope", change.Scope.Key()),
					slog.String("error", err.Error()),
				)
				continue
			}
			logger.ErrorContext(ctx, "Failed to enqueue change",
				slog.String("event_id", record.EventID),
				slog.String("scope", change.Scope.Key()),
				slog.String("error", err.Error()),
			)
			tracing.RecordError(span, err)
			return events.DynamoDBEventResponse{
				BatchItemFailures: []events.DynamoDBBatchItemFailure{
					{ItemIdentifier: record.Change.SequenceNumber},
				},
			}, nil
		}
	}

	return events.DynamoDBEventResponse{}, nil
}

func (h *handler) enqueue(ctx context.Context, change storage.Change) error {
	switch {
	case change.Entity != nil && change.Kind == storage.ChangeRemove:
		return h.service.QueueEntityDelete(ctx, change.Scope, change.Entity.ID)
	case change.Entity != nil:
		_, err := h.service.QueueEntityIndexUpdate(ctx, change.Scope, change.Entity, change.Entity.UpdatedAt, asyncevent.StrategyAsync)
		return err
	case change.Edge != nil && change.Kind == storage.ChangeRemove:
		return h.service.QueueDeleteEdge(ctx, change.Scope, *change.Edge)
	case change.Edge != nil:
		_, err := h.service.QueueNewEdge(ctx, change.Scope, change.Edge.Target, *change.Edge, asyncevent.StrategyAsync)
		return err
	}
	return nil
}

func main() {
	ctx := context.Background()

	tp, err := tracing.Init(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize tracer provider", slog.String("error", err.Error()))
		panic(err)
	}
	otel.SetTracerProvider(tp)

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("FATAL: Failed to read configuration", slog.String("error", err.Error()))
		panic(err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to load AWS config", slog.String("error", err.Error()))
		panic(err)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	q := queue.NewSQS(sqs.NewFromConfig(awsCfg), cfg.Lanes)
	service := asyncevents.New(q, nil, asyncevents.Config{MaxQueueDepth: cfg.MaxQueueDepth, DepthCacheTTL: cfg.DepthCacheTTL})

	h := newHandler(service)
	lambda.Start(otellambda.InstrumentHandler(h.handle, xrayconfig.WithRecommendedOptions(tp)...))
}
