// Package consumer drains queue lanes: each delivered envelope is checked for
// staleness, resolved into index operations, written to the index and only then
// acknowledged. An update's version mark is committed only after its write is
// confirmed.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevent"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/completion"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/deadletter"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/indexop"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/queue"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/versions"
)

var logger = logging.New()

const tracerName = "jmap-index-consumer"

// cleanupTimeout bounds queue calls made after ctx has been cancelled.
const cleanupTimeout = 5 * time.Second

// Builder resolves an envelope into index operation messages.
type Builder interface {
	Build(ctx context.Context, env asyncevent.Envelope) ([]*indexop.Message, error)
}

// Writer applies index operation messages. A nil error means the write is durable.
// Writers skip an index operation whose mark is older than the document they hold,
// so concurrent consumers cannot move a document backwards.
type Writer interface {
	Write(ctx context.Context, msgs []*indexop.Message) error
}

// Acker is the part of a queue the processor settles deliveries with.
type Acker interface {
	Ack(ctx context.Context, queueType asyncevent.QueueType, receipt string) error
	Release(ctx context.Context, queueType asyncevent.QueueType, receipt string) error
	DeadLetter(ctx context.Context, queueType asyncevent.QueueType, d queue.Delivery, reason string) error
}

// Completer receives the final status of tracked envelopes.
type Completer interface {
	Complete(id uuid.UUID, status completion.Status)
}

// Config bounds retries.
type Config struct {
	// MaxAttempts is how many times building or writing one envelope is tried
	// before it is dead-lettered.
	MaxAttempts int
	// MaxReceiveCount dead-letters an envelope delivered more often than this,
	// whatever the cause. Zero disables the check.
	MaxReceiveCount int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Concurrency bounds per-envelope fallback writes after a batch write fails.
	Concurrency int
}

// DefaultConfig returns the retry bounds used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		MaxReceiveCount: 10,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Concurrency:     4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = c.InitialInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	return c
}

// Outcome is the terminal state of one delivery within a Process call.
type Outcome string

const (
	// OutcomeAcked means the index write was confirmed and the envelope removed.
	OutcomeAcked Outcome = "acked"
	// OutcomeDiscarded means the envelope was stale and removed without a write.
	OutcomeDiscarded Outcome = "discarded"
	// OutcomeDeadLettered means the envelope moved to the dead-letter lane.
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeReleased means the envelope was handed back for redelivery.
	OutcomeReleased Outcome = "released"
	// OutcomeFailed means settling the delivery failed; the queue will redeliver it
	// once its visibility lapses.
	OutcomeFailed Outcome = "failed"
)

// Settled reports whether the delivery left the queue.
func (o Outcome) Settled() bool {
	return o == OutcomeAcked || o == OutcomeDiscarded || o == OutcomeDeadLettered
}

// Result describes what happened to one delivery.
type Result struct {
	Receipt    string
	EnvelopeID uuid.UUID
	Outcome    Outcome
	// Attempts is the number of build or write attempts the envelope used.
	Attempts int
	Err      error
}

// Options holds the optional collaborators of a Processor.
type Options struct {
	// Versions enables stale-update discards and delete tombstones.
	Versions versions.Tracker
	// Completions is signalled with the outcome of every envelope.
	Completions Completer
	// Reporter is told about every dead-lettered envelope.
	Reporter deadletter.Reporter
	Config   Config
}

// Processor runs the per-envelope state machine over a batch of deliveries.
type Processor struct {
	acker       Acker
	builder     Builder
	writer      Writer
	versions    versions.Tracker
	completions Completer
	reporter    deadletter.Reporter
	cfg         Config
}

// NewProcessor creates a Processor.
func NewProcessor(acker Acker, builder Builder, writer Writer, opts Options) *Processor {
	return &Processor{
		acker:       acker,
		builder:     builder,
		writer:      writer,
		versions:    opts.Versions,
		completions: opts.Completions,
		reporter:    opts.Reporter,
		cfg:         opts.Config.withDefaults(),
	}
}

// item is the in-flight state of one delivery.
type item struct {
	delivery queue.Delivery
	msgs     []*indexop.Message
	result   Result
	done     bool
	// cleanup marks an update of a deleted entity: msgs remove whatever of the
	// entity is still indexed and the envelope is discarded once they land.
	cleanup bool
	// supersededBy is a newer update of the same entity in the batch.
	supersededBy *item
	written      bool
}

func (it *item) settle(outcome Outcome, err error) {
	it.result.Outcome = outcome
	it.result.Err = err
	it.done = true
}

// Process handles a batch of deliveries from one lane and returns one Result per
// delivery, in order. A failure of one envelope never affects the others.
func (p *Processor) Process(ctx context.Context, queueType asyncevent.QueueType, deliveries []queue.Delivery) []Result {
	tracer := tracing.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "consumer.Process",
		trace.WithAttributes(
			attribute.String("queue", string(queueType)),
			attribute.Int("batch_size", len(deliveries)),
		))
	defer span.End()

	items := make([]*item, len(deliveries))
	for i, d := range deliveries {
		items[i] = &item{
			delivery: d,
			result:   Result{Receipt: d.Receipt, EnvelopeID: d.Envelope.ID},
		}
	}

	for _, it := range items {
		p.prepare(ctx, queueType, it)
	}
	supersede(items)
	p.submit(ctx, queueType, items)

	results := make([]Result, len(items))
	counts := make(map[Outcome]int)
	for i, it := range items {
		results[i] = it.result
		counts[it.result.Outcome]++
	}

	span.SetAttributes(
		attribute.Int("acked", counts[OutcomeAcked]),
		attribute.Int("discarded", counts[OutcomeDiscarded]),
		attribute.Int("dead_lettered", counts[OutcomeDeadLettered]),
		attribute.Int("released", counts[OutcomeReleased]),
		attribute.Int("failed", counts[OutcomeFailed]),
	)
	logger.InfoContext(ctx, "Index batch processed",
		slog.String("queue", string(queueType)),
		slog.Int("total", len(items)),
		slog.Int("acked", counts[OutcomeAcked]),
		slog.Int("discarded", counts[OutcomeDiscarded]),
		slog.Int("dead_lettered", counts[OutcomeDeadLettered]),
		slog.Int("released", counts[OutcomeReleased]),
		slog.Int("failed", counts[OutcomeFailed]),
	)
	return results
}

// prepare runs the ordering checks and builds the envelope's operations. On return
// either it is settled or it.msgs is ready for submission.
func (p *Processor) prepare(ctx context.Context, queueType asyncevent.QueueType, it *item) {
	if ctx.Err() != nil {
		p.release(ctx, queueType, it, ctx.Err())
		return
	}

	env := it.delivery.Envelope
	if p.cfg.MaxReceiveCount > 0 && it.delivery.ReceiveCount > p.cfg.MaxReceiveCount {
		p.deadLetter(ctx, queueType, it, fmt.Sprintf("delivered %d times", it.delivery.ReceiveCount))
		return
	}

	if p.versions != nil {
		switch env.Kind {
		case asyncevent.KindEntityIndexUpdate:
			state, err := p.versions.Check(ctx, env.Scope, env.Entity.ID, env.Mark())
			if err != nil {
				p.release(ctx, queueType, it, fmt.Errorf("check version: %w", err))
				return
			}
			switch state {
			case versions.StateStale:
				logger.InfoContext(ctx, "Discarding stale index update",
					slog.String("envelope_id", env.ID.String()),
					slog.String("entity_id", env.Entity.ID.Key()),
					slog.Int64("updated_after", env.UpdatedAfter),
				)
				p.settle(ctx, queueType, it, OutcomeDiscarded, completion.StatusDiscarded)
				return
			case versions.StateDeleted:
				logger.InfoContext(ctx, "Discarding update of deleted entity",
					slog.String("envelope_id", env.ID.String()),
					slog.String("entity_id", env.Entity.ID.Key()),
				)
				it.msgs = []*indexop.Message{removal(env)}
				it.cleanup = true
				return
			}
		case asyncevent.KindEntityDelete:
			if err := p.versions.RecordDelete(ctx, env.Scope, *env.EntityID); err != nil {
				p.release(ctx, queueType, it, fmt.Errorf("record delete: %w", err))
				return
			}
		}
	}

	msgs, err := retry(ctx, p.cfg, &it.result.Attempts, func() ([]*indexop.Message, error) {
		msgs, err := p.builder.Build(ctx, env)
		if errors.Is(err, indexop.ErrUnresolvable) {
			return nil, backoff.Permanent(err)
		}
		return msgs, err
	})
	if err != nil {
		if ctx.Err() != nil {
			p.release(ctx, queueType, it, err)
			return
		}
		it.result.Err = err
		p.deadLetter(ctx, queueType, it, "build: "+err.Error())
		return
	}

	if len(msgs) == 0 {
		p.settle(ctx, queueType, it, OutcomeAcked, completion.StatusCompleted)
		return
	}
	it.msgs = msgs
}

// removal builds the message that removes every document of env's entity.
func removal(env asyncevent.Envelope) *indexop.Message {
	return indexop.NewMessage(env.Scope, indexop.Operation{
		Type:     indexop.TypeDeleteByEntity,
		EntityID: env.Entity.ID.Key(),
	})
}

// supersede links each prepared update to a newer update of the same entity in
// the batch, if there is one. A superseded update is not written unless the newer
// one fails.
func supersede(items []*item) {
	newest := make(map[string]*item)
	for _, it := range items {
		env := it.delivery.Envelope
		if it.done || it.cleanup || env.Kind != asyncevent.KindEntityIndexUpdate {
			continue
		}
		key := env.Scope.Key() + "/" + env.Entity.ID.Key()
		if cur, ok := newest[key]; !ok || cur.delivery.Envelope.Mark().Before(env.Mark()) {
			newest[key] = it
		}
	}
	for _, it := range items {
		env := it.delivery.Envelope
		if it.done || it.cleanup || env.Kind != asyncevent.KindEntityIndexUpdate {
			continue
		}
		if n := newest[env.Scope.Key()+"/"+env.Entity.ID.Key()]; n != it {
			it.supersededBy = n
		}
	}
}

// submit writes every prepared envelope in one batch. If the batch fails, each
// envelope is retried on its own so one bad envelope cannot hold back the rest.
// Superseded updates are settled last: discarded when the newer update landed,
// written on their own otherwise.
func (p *Processor) submit(ctx context.Context, queueType asyncevent.QueueType, items []*item) {
	var pending, superseded []*item
	for _, it := range items {
		switch {
		case it.done:
		case it.supersededBy != nil:
			superseded = append(superseded, it)
		default:
			pending = append(pending, it)
		}
	}
	p.submitAll(ctx, queueType, pending)

	var retried []*item
	for _, it := range superseded {
		if it.supersededBy.written {
			logger.InfoContext(ctx, "Discarding superseded index update",
				slog.String("envelope_id", it.delivery.Envelope.ID.String()),
				slog.String("superseded_by", it.supersededBy.delivery.Envelope.ID.String()),
			)
			p.settle(ctx, queueType, it, OutcomeDiscarded, completion.StatusDiscarded)
			continue
		}
		retried = append(retried, it)
	}
	p.submitAll(ctx, queueType, retried)
}

func (p *Processor) submitAll(ctx context.Context, queueType asyncevent.QueueType, pending []*item) {
	if len(pending) == 0 {
		return
	}

	if len(pending) > 1 {
		var batch []*indexop.Message
		for _, it := range pending {
			batch = append(batch, it.msgs...)
		}
		err := p.writer.Write(ctx, batch)
		if err == nil {
			for _, it := range pending {
				p.finish(ctx, queueType, it)
			}
			return
		}
		logger.WarnContext(ctx, "Batch index write failed, retrying envelopes individually",
			slog.String("queue", string(queueType)),
			slog.Int("envelopes", len(pending)),
			slog.String("error", err.Error()),
		)
	}

	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Concurrency)
	for _, it := range pending {
		g.Go(func() error {
			p.submitOne(ctx, queueType, it)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Processor) submitOne(ctx context.Context, queueType asyncevent.QueueType, it *item) {
	it.result.Attempts = 0
	_, err := retry(ctx, p.cfg, &it.result.Attempts, func() (struct{}, error) {
		return struct{}{}, p.writer.Write(ctx, it.msgs)
	})
	if err == nil {
		p.finish(ctx, queueType, it)
		return
	}
	if ctx.Err() != nil {
		p.release(ctx, queueType, it, err)
		return
	}
	it.result.Err = err
	p.deadLetter(ctx, queueType, it, "write: "+err.Error())
}

// finish settles an envelope whose operations have been written. For an update the
// version mark is committed now, so a failed write never blocks an older update.
func (p *Processor) finish(ctx context.Context, queueType asyncevent.QueueType, it *item) {
	it.written = true
	if it.cleanup {
		p.settle(ctx, queueType, it, OutcomeDiscarded, completion.StatusDiscarded)
		return
	}

	env := it.delivery.Envelope
	if p.versions == nil || env.Kind != asyncevent.KindEntityIndexUpdate {
		p.settle(ctx, queueType, it, OutcomeAcked, completion.StatusCompleted)
		return
	}

	err := p.versions.Commit(ctx, env.Scope, env.Entity.ID, env.Mark())
	switch {
	case errors.Is(err, versions.ErrDeleted):
		// The entity was deleted while the update was being written.
		p.remove(ctx, queueType, it)
		return
	case err != nil:
		logger.WarnContext(ctx, "Failed to commit index version",
			slog.String("envelope_id", env.ID.String()),
			slog.String("entity_id", env.Entity.ID.Key()),
			slog.String("error", err.Error()),
		)
	}
	p.settle(ctx, queueType, it, OutcomeAcked, completion.StatusCompleted)
}

// remove takes a deleted entity's documents back out of the index after an update
// raced its delete. On failure the envelope is released; its redelivery finds the
// tombstone and retries the removal.
func (p *Processor) remove(ctx context.Context, queueType asyncevent.QueueType, it *item) {
	msgs := []*indexop.Message{removal(it.delivery.Envelope)}
	_, err := retry(ctx, p.cfg, &it.result.Attempts, func() (struct{}, error) {
		return struct{}{}, p.writer.Write(ctx, msgs)
	})
	if err != nil {
		p.release(ctx, queueType, it, fmt.Errorf("remove deleted entity: %w", err))
		return
	}
	p.settle(ctx, queueType, it, OutcomeDiscarded, completion.StatusDiscarded)
}

// settle removes a finished delivery from the queue and signals its waiter.
func (p *Processor) settle(ctx context.Context, queueType asyncevent.QueueType, it *item, outcome Outcome, status completion.Status) {
	ackCtx, cancel := cleanupContext(ctx)
	defer cancel()

	// The index already reflects the envelope, so the waiter is told even if the
	// ack fails and the envelope is delivered again.
	p.complete(it, status)

	if err := p.acker.Ack(ackCtx, queueType, it.delivery.Receipt); err != nil {
		logger.ErrorContext(ctx, "Failed to acknowledge envelope",
			slog.String("envelope_id", it.delivery.Envelope.ID.String()),
			slog.String("error", err.Error()),
		)
		it.settle(OutcomeFailed, err)
		return
	}
	it.settle(outcome, it.result.Err)
}

func (p *Processor) release(ctx context.Context, queueType asyncevent.QueueType, it *item, cause error) {
	relCtx, cancel := cleanupContext(ctx)
	defer cancel()

	if err := p.acker.Release(relCtx, queueType, it.delivery.Receipt); err != nil {
		logger.ErrorContext(ctx, "Failed to release envelope",
			slog.String("envelope_id", it.delivery.Envelope.ID.String()),
			slog.String("error", err.Error()),
		)
		it.settle(OutcomeFailed, errors.Join(cause, err))
		return
	}
	it.settle(OutcomeReleased, cause)
}

func (p *Processor) deadLetter(ctx context.Context, queueType asyncevent.QueueType, it *item, reason string) {
	dlCtx, cancel := cleanupContext(ctx)
	defer cancel()

	env := it.delivery.Envelope
	if err := p.acker.DeadLetter(dlCtx, queueType, it.delivery, reason); err != nil {
		logger.ErrorContext(ctx, "Failed to dead-letter envelope",
			slog.String("envelope_id", env.ID.String()),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		it.settle(OutcomeFailed, errors.Join(it.result.Err, err))
		return
	}

	if p.reporter != nil {
		rec := deadletter.Record{
			Envelope: env,
			Queue:    queueType,
			Reason:   reason,
			Attempts: it.result.Attempts,
			FailedAt: time.Now().UTC(),
		}
		if err := p.reporter.Report(dlCtx, rec); err != nil {
			logger.ErrorContext(ctx, "Failed to report dead letter",
				slog.String("envelope_id", env.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	p.complete(it, completion.StatusDeadLettered)
	it.settle(OutcomeDeadLettered, it.result.Err)
}

func (p *Processor) complete(it *item, status completion.Status) {
	if p.completions == nil || it.delivery.Envelope.Mode != asyncevent.ModeTracked {
		return
	}
	p.completions.Complete(it.delivery.Envelope.ID, status)
}

// cleanupContext keeps ctx's values but survives its cancellation, so a shutting
// down worker can still hand its deliveries back.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

// retry runs op with exponential backoff until it succeeds, returns a permanent
// error, or has been tried cfg.MaxAttempts times. attempts counts the calls.
func retry[T any](ctx context.Context, cfg Config, attempts *int, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval

	return backoff.Retry(ctx, func() (T, error) {
		*attempts++
		return op()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
}
