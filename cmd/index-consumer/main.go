// Package main implements the index-consumer SQS Lambda handler. It runs the
// envelope processor over each batch delivered from one lane.
package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3vectors"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevent"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/config"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/consumer"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/deadletter"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/docbuilder"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/docregistry"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/embeddings"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/queue"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/storage"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/vectorindex"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/vectorstore"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/versions"
)

var logger = logging.New()

// Processor runs the envelope state machine over a batch.
type Processor interface {
	Process(ctx context.Context, queueType asyncevent.QueueType, deliveries []queue.Delivery) []consumer.Result
}

// Settler settles messages against SQS directly.
type Settler interface {
	Ack(ctx context.Context, queueType asyncevent.QueueType, receipt string) error
	DeadLetter(ctx context.Context, queueType asyncevent.QueueType, d queue.Delivery, reason string) error
	DeadLetterRaw(ctx context.Context, queueType asyncevent.QueueType, receipt, body, reason string) error
}

// lambdaAcker settles through SQS, except that releasing is left to the Lambda
// runtime: a message reported as a batch item failure becomes visible again.
type lambdaAcker struct {
	Settler
}

// Release implements consumer.Acker.
func (lambdaAcker) Release(ctx context.Context, queueType asyncevent.QueueType, receipt string) error {
	return nil
}

// handler implements the index-consumer SQS logic.
type handler struct {
	processor Processor
	settler   Settler
	queueType asyncevent.QueueType
}

// newHandler creates a new handler.
func newHandler(processor Processor, settler Settler, queueType asyncevent.QueueType) *handler {
	return &handler{processor: processor, settler: settler, queueType: queueType}
}

// handle processes an SQS event and reports every message that was neither
// acknowledged nor dead-lettered as a batch item failure.
func (h *handler) handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	tracer := tracing.Tracer("jmap-index-consumer")
	ctx, span := tracer.Start(ctx, "IndexConsumerHandler")
	defer span.End()
	span.SetAttributes(
		attribute.String("queue", string(h.queueType)),
		attribute.Int("record_count", len(event.Records)),
	)

	var failures []events.SQSBatchItemFailure
	messageIDs := make(map[string]string, len(event.Records))
	deliveries := make([]queue.Delivery, 0, len(event.Records))

	for _, record := range event.Records {
		env, err := asyncevent.Decode([]byte(record.Body))
		if err != nil {
			logger.ErrorContext(ctx, "Failed to parse envelope",
				slog.String("message_id", record.MessageId),
				slog.String("error", err.Error()),
			)
			if dlErr := h.settler.DeadLetterRaw(ctx, h.queueType, record.ReceiptHandle, record.Body, err.Error()); dlErr != nil {
				logger.ErrorContext(ctx, "Failed to dead-letter unparseable message",
					slog.String("message_id", record.MessageId),
					slog.String("error", dlErr.Error()),
				)
				failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
			}
			continue
		}

		messageIDs[record.ReceiptHandle] = record.MessageId
		deliveries = append(deliveries, queue.Delivery{
			Receipt:      record.ReceiptHandle,
			Envelope:     env,
			ReceiveCount: queue.ReceiveCount(record.Attributes),
		})
	}

	if len(deliveries) > 0 {
		for _, result := range h.processor.Process(ctx, h.queueType, deliveries) {
			if result.Outcome.Settled() {
				continue
			}
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: messageIDs[result.Receipt]})
		}
	}

	span.SetAttributes(attribute.Int("failure_count", len(failures)))
	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}

// newWriter builds the semantic index writer. A bleve index is refused: the
// Lambda's disk does not outlive its execution environment, so an acknowledged
// envelope could be lost.
func newWriter(cfg config.Config, bedrock embeddings.BedrockInvoker, vectors vectorstore.S3VectorsAPI, registry *docregistry.Registry) (consumer.Writer, error) {
	if cfg.SearchIndexDir != "" {
		return nil, errors.New("SEARCH_INDEX_DIR is not supported by the Lambda consumer; run index-worker for a bleve index")
	}
	if cfg.VectorBucket == "" {
		return nil, errors.New("no index backend configured: set VECTOR_BUCKET_NAME")
	}
	return vectorindex.New(
		embeddings.NewBedrockClient(bedrock),
		vectorstore.NewClient(vectors, cfg.VectorBucket, cfg.ResourceTags),
		registry,
	), nil
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
			"ENTITY_TABLE_NAME":  cfg.EntityTable,
			"INDEX_TABLE_NAME":   cfg.IndexTable,
			"VECTOR_BUCKET_NAME": cfg.VectorBucket,
		})
	}
	if err != nil {
		logger.Error("FATAL: Failed to read configuration", slog.String("error", err.Error()))
		panic(err)
	}

	dynamoClient := dbclient.NewClient(result.Config)
	reader := storage.NewReader(dynamoClient, cfg.EntityTable)
	registry := docregistry.New(dynamoClient, cfg.IndexTable)

	writer, err := newWriter(cfg, bedrockruntime.NewFromConfig(result.Config), s3vectors.NewFromConfig(result.Config), registry)
	if err != nil {
		logger.Error("FATAL: Failed to configure index writer", slog.String("error", err.Error()))
		panic(err)
	}

	q := queue.NewSQS(sqs.NewFromConfig(result.Config), cfg.Lanes)
	processor := consumer.NewProcessor(lambdaAcker{q}, docbuilder.New(reader, reader), writer, consumer.Options{
		Versions: versions.NewDynamoDB(dynamoClient, cfg.IndexTable),
		Reporter: deadletter.Multi{
			deadletter.NewLogReporter(logger),
			deadletter.NewRepository(dynamoClient, cfg.IndexTable, cfg.DeadLetterRetentionDays),
		},
		Config: cfg.Consumer,
	})

	h := newHandler(processor, q, cfg.QueueType)
	result.Start(h.handle)
}
