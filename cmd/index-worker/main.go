// Package main implements the index-worker daemon: a pool of workers draining the
// SQS lanes into the search indexes, with a small HTTP status endpoint.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3vectors"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevent"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevents"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/config"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/consumer"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/deadletter"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/docbuilder"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/docregistry"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/embeddings"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/queue"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/searchindex"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/storage"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/vectorindex"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/vectorstore"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/versions"
)

var logger = logging.New()

// shutdownTimeout bounds the HTTP server's graceful shutdown.
const shutdownTimeout = 10 * time.Second

// Backlog reports the queue backlog.
type Backlog interface {
	QueueDepth(ctx context.Context) (int64, error)
	QueueManagerClass() string
}

// handler serves the worker's status endpoints and counts batch outcomes.
type handler struct {
	backlog Backlog
	running atomic.Bool

	mu       sync.Mutex
	outcomes map[consumer.Outcome]int64
}

// newHandler creates a new handler.
func newHandler(backlog Backlog) *handler {
	return &handler{
		backlog:  backlog,
		outcomes: make(map[consumer.Outcome]int64),
	}
}

type healthResponse struct {
	Status       string `json:"status"`
	QueueManager string `json:"queueManager"`
}

type depthResponse struct {
	Depth    int64                      `json:"depth"`
	Outcomes map[consumer.Outcome]int64 `json:"outcomes"`
}

// routes returns the instrumented HTTP handler.
func (h *handler) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /depth", h.handleDepth)
	return otelhttp.NewHandler(mux, "index-worker")
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", QueueManager: h.backlog.QueueManagerClass()}
	status := http.StatusOK
	if !h.running.Load() {
		resp.Status = "stopped"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *handler) handleDepth(w http.ResponseWriter, r *http.Request) {
	depth, err := h.backlog.QueueDepth(r.Context())
	if err != nil {
		logger.ErrorContext(r.Context(), "Failed to read queue depth", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	h.mu.Lock()
	outcomes := make(map[consumer.Outcome]int64, len(h.outcomes))
	for k, v := range h.outcomes {
		outcomes[k] = v
	}
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, depthResponse{Depth: depth, Outcomes: outcomes})
}

// recordBatch is the pool's batch callback.
func (h *handler) recordBatch(queueType asyncevent.QueueType, results []consumer.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range results {
		h.outcomes[r.Outcome]++
		if r.Outcome == consumer.OutcomeFailed {
			logger.Warn("Delivery left unsettled",
				slog.String("queue", string(queueType)),
				slog.String("envelope_id", r.EnvelopeID.String()),
				slog.String("error", errString(r.Err)),
			)
		}
	}
}

// run runs the pool until ctx is cancelled, marking the worker healthy meanwhile.
func (h *handler) run(ctx context.Context, pool *consumer.Pool) error {
	h.running.Store(true)
	defer h.running.Store(false)
	return pool.Run(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// activeLanes keeps the worker lanes that have a queue configured.
func activeLanes(workers []consumer.LaneConfig, lanes map[asyncevent.QueueType]queue.Lane) []consumer.LaneConfig {
	var out []consumer.LaneConfig
	for _, w := range workers {
		if _, ok := lanes[w.Queue]; ok && w.Workers > 0 {
			out = append(out, w)
		}
	}
	return out
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Error("FATAL: index worker failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	tp, err := tracing.Init(ctx)
	if err != nil {
		return err
	}
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	// Envelopes are acknowledged once written, so the index must be on disk.
	if err := config.Require(map[string]string{
		"ENTITY_TABLE_NAME": cfg.EntityTable,
		"SEARCH_INDEX_DIR":  cfg.SearchIndexDir,
	}); err != nil {
		return err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return err
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	reader := storage.NewReader(dynamoClient, cfg.EntityTable)

	bleveWriter := searchindex.NewBleveWriter(cfg.SearchIndexDir)
	defer func() {
		if err := bleveWriter.Close(); err != nil {
			logger.Error("Failed to close search index", slog.String("error", err.Error()))
		}
	}()
	writers := searchindex.Multi{bleveWriter}

	reporters := deadletter.Multi{deadletter.NewLogReporter(logger)}
	var tracker versions.Tracker
	if cfg.IndexTable != "" {
		tracker = versions.NewDynamoDB(dynamoClient, cfg.IndexTable)
		reporters = append(reporters, deadletter.NewRepository(dynamoClient, cfg.IndexTable, cfg.DeadLetterRetentionDays))
		if cfg.VectorBucket != "" {
			writers = append(writers, vectorindex.New(
				embeddings.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg)),
				vectorstore.NewClient(s3vectors.NewFromConfig(awsCfg), cfg.VectorBucket, cfg.ResourceTags),
				docregistry.New(dynamoClient, cfg.IndexTable),
			))
		}
	} else {
		// A single worker process can order versions in memory.
		memory, err := versions.NewMemory(cfg.VersionCacheSize)
		if err != nil {
			return err
		}
		tracker = memory
	}

	q := queue.NewSQS(sqs.NewFromConfig(awsCfg), cfg.Lanes)
	processor := consumer.NewProcessor(q, docbuilder.New(reader, reader), writers, consumer.Options{
		Versions: tracker,
		Reporter: reporters,
		Config:   cfg.Consumer,
	})
	pool := consumer.NewPool(q, processor, activeLanes(cfg.Workers, cfg.Lanes))

	h := newHandler(asyncevents.New(q, nil, asyncevents.Config{}))
	pool.OnBatch(h.recordBatch)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.run(gctx, pool)
	})
	g.Go(func() error {
		logger.Info("Status server listening", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
