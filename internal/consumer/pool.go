package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevent"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/queue"
)

// Receiver is the part of a queue workers pull from.
type Receiver interface {
	Receive(ctx context.Context, queueType asyncevent.QueueType, limit int, wait time.Duration) ([]queue.Delivery, error)
}

// LaneConfig sizes the workers of one lane.
type LaneConfig struct {
	Queue     asyncevent.QueueType
	Workers   int
	BatchSize int
	Wait      time.Duration
}

// DefaultLanes returns one configuration per lane.
func DefaultLanes() []LaneConfig {
	return []LaneConfig{
		{Queue: asyncevent.QueueRegular, Workers: 4, BatchSize: 10, Wait: 20 * time.Second},
		{Queue: asyncevent.QueueIndex, Workers: 2, BatchSize: 10, Wait: 20 * time.Second},
		{Queue: asyncevent.QueueUtility, Workers: 1, BatchSize: 10, Wait: 20 * time.Second},
	}
}

// receiveErrorDelay is how long a worker pauses after a failed receive.
const receiveErrorDelay = time.Second

// Pool runs Workers goroutines per lane, each receiving batches and handing them to
// the Processor.
type Pool struct {
	receiver  Receiver
	processor *Processor
	lanes     []LaneConfig
	// onBatch, if set, is called after each processed batch.
	onBatch func(queueType asyncevent.QueueType, results []Result)
}

// NewPool creates a Pool. Lanes with no workers are skipped.
func NewPool(receiver Receiver, processor *Processor, lanes []LaneConfig) *Pool {
	return &Pool{receiver: receiver, processor: processor, lanes: lanes}
}

// OnBatch registers a callback invoked after every processed batch.
func (p *Pool) OnBatch(fn func(queueType asyncevent.QueueType, results []Result)) {
	p.onBatch = fn
}

// Run blocks until ctx is cancelled. Cancelling stops receiving; a batch already
// being processed is finished or released before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	for _, lane := range p.lanes {
		if !lane.Queue.Valid() {
			return fmt.Errorf("%w: %q", queue.ErrUnknownQueue, lane.Queue)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	started := 0
	for _, lane := range p.lanes {
		for i := 0; i < lane.Workers; i++ {
			started++
			g.Go(func() error {
				return p.work(ctx, lane, i)
			})
		}
	}
	if started == 0 {
		return errors.New("no workers configured")
	}

	logger.InfoContext(ctx, "Worker pool started", slog.Int("workers", started))
	err := g.Wait()
	logger.InfoContext(context.WithoutCancel(ctx), "Worker pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, lane LaneConfig, worker int) error {
	batchSize := lane.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		// A receive error may come with deliveries that were already taken off the
		// queue; they are processed before the error is handled.
		deliveries, err := p.receiver.Receive(ctx, lane.Queue, batchSize, lane.Wait)
		if len(deliveries) > 0 {
			results := p.processor.Process(ctx, lane.Queue, deliveries)
			if p.onBatch != nil {
				p.onBatch(lane.Queue, results)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.ErrorContext(ctx, "Failed to receive envelopes",
				slog.String("queue", string(lane.Queue)),
				slog.Int("worker", worker),
				slog.Int("delivered", len(deliveries)),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveErrorDelay):
			}
		}
	}
}
