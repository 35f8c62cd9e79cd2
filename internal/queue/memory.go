package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevent"
)

// MemoryName is the backend name reported by Memory.
const MemoryName = "memory"

// DefaultVisibilityTimeout is how long a delivered envelope stays hidden before it
// is redelivered if not acknowledged.
const DefaultVisibilityTimeout = 30 * time.Second

// MemoryConfig configures a Memory queue.
type MemoryConfig struct {
	// Capacity bounds the envelopes per lane (ready plus in flight). Zero is unbounded.
	Capacity          int
	VisibilityTimeout time.Duration
}

type memoryItem struct {
	env       asyncevent.Envelope
	receives  int
	visibleAt time.Time
}

type memoryLane struct {
	ready    []*memoryItem
	inflight map[string]*memoryItem
	dead     []DeadLetter
	// wake is closed and replaced whenever an envelope becomes ready.
	wake chan struct{}
}

// Memory is an in-process Queue with visibility timeouts and a dead-letter set.
// Completion tracking works because producers and consumers share the process.
type Memory struct {
	mu         sync.Mutex
	lanes      map[asyncevent.QueueType]*memoryLane
	capacity   int
	visibility time.Duration
	seq        uint64
	now        func() time.Time
}

// NewMemory creates a Memory queue with one lane per asyncevent.QueueTypes entry.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	m := &Memory{
		lanes:      make(map[asyncevent.QueueType]*memoryLane, len(asyncevent.QueueTypes)),
		capacity:   cfg.Capacity,
		visibility: cfg.VisibilityTimeout,
		now:        time.Now,
	}
	for _, qt := range asyncevent.QueueTypes {
		m.lanes[qt] = &memoryLane{
			inflight: make(map[string]*memoryItem),
			wake:     make(chan struct{}),
		}
	}
	return m
}

// Name implements Queue.
func (m *Memory) Name() string {
	return MemoryName
}

// Capabilities implements Queue.
func (m *Memory) Capabilities() asyncevent.Capabilities {
	return asyncevent.Capabilities{Tracking: true}
}

func (m *Memory) lane(queueType asyncevent.QueueType) (*memoryLane, error) {
	l, ok := m.lanes[queueType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, queueType)
	}
	return l, nil
}

// Send implements Queue.
func (m *Memory) Send(ctx context.Context, env asyncevent.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.lane(env.Queue)
	if err != nil {
		return err
	}
	if m.capacity > 0 && len(l.ready)+len(l.inflight) >= m.capacity {
		return ErrQueueFull
	}
	l.ready = append(l.ready, &memoryItem{env: env})
	l.signal()
	return nil
}

// Receive implements Queue. It blocks until an envelope is ready, wait elapses, or
// ctx is cancelled. Envelopes whose visibility timeout expired are redelivered.
func (m *Memory) Receive(ctx context.Context, queueType asyncevent.QueueType, limit int, wait time.Duration) ([]Delivery, error) {
	if limit <= 0 {
		limit = 1
	}
	deadline := m.now().Add(wait)

	for {
		m.mu.Lock()
		l, err := m.lane(queueType)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}

		now := m.now()
		nextExpiry := l.reclaim(now)
		deliveries := m.take(l, limit, now)
		wake := l.wake
		m.mu.Unlock()

		if len(deliveries) > 0 {
			return deliveries, nil
		}

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return nil, nil
		}
		if !nextExpiry.IsZero() && nextExpiry.Sub(now) < remaining {
			remaining = nextExpiry.Sub(now)
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// take moves up to limit ready items in flight. Caller holds m.mu.
func (m *Memory) take(l *memoryLane, limit int, now time.Time) []Delivery {
	n := min(limit, len(l.ready))
	if n == 0 {
		return nil
	}

	deliveries := make([]Delivery, 0, n)
	for _, item := range l.ready[:n] {
		m.seq++
		receipt := fmt.Sprintf("%s#%d", item.env.ID, m.seq)
		item.receives++
		item.visibleAt = now.Add(m.visibility)
		l.inflight[receipt] = item
		deliveries = append(deliveries, Delivery{
			Receipt:      receipt,
			Envelope:     item.env,
			ReceiveCount: item.receives,
		})
	}
	l.ready = append(l.ready[:0:0], l.ready[n:]...)
	return deliveries
}

// reclaim returns expired in-flight items to the ready list and reports the next
// expiry among those still in flight. Caller holds m.mu.
func (l *memoryLane) reclaim(now time.Time) time.Time {
	var next time.Time
	for receipt, item := range l.inflight {
		if !now.Before(item.visibleAt) {
			delete(l.inflight, receipt)
			l.ready = append(l.ready, item)
			continue
		}
		if next.IsZero() || item.visibleAt.Before(next) {
			next = item.visibleAt
		}
	}
	return next
}

func (l *memoryLane) signal() {
	close(l.wake)
	l.wake = make(chan struct{})
}

func (m *Memory) remove(queueType asyncevent.QueueType, receipt string) (*memoryLane, *memoryItem, error) {
	l, err := m.lane(queueType)
	if err != nil {
		return nil, nil, err
	}
	item, ok := l.inflight[receipt]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownReceipt, receipt)
	}
	delete(l.inflight, receipt)
	return l, item, nil
}

// Ack implements Queue.
func (m *Memory) Ack(ctx context.Context, queueType asyncevent.QueueType, receipt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, _, err := m.remove(queueType, receipt)
	return err
}

// Release implements Queue.
func (m *Memory) Release(ctx context.Context, queueType asyncevent.QueueType, receipt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, item, err := m.remove(queueType, receipt)
	if err != nil {
		return err
	}
	l.ready = append([]*memoryItem{item}, l.ready...)
	l.signal()
	return nil
}

// DeadLetter implements Queue.
func (m *Memory) DeadLetter(ctx context.Context, queueType asyncevent.QueueType, d Delivery, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, item, err := m.remove(queueType, d.Receipt)
	if err != nil {
		return err
	}
	l.dead = append(l.dead, DeadLetter{
		Envelope: item.env,
		Reason:   reason,
		FailedAt: m.now().UTC(),
	})
	return nil
}

// Depth implements Queue. It counts ready and in-flight envelopes.
func (m *Memory) Depth(ctx context.Context, queueType asyncevent.QueueType) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.lane(queueType)
	if err != nil {
		return 0, err
	}
	return int64(len(l.ready) + len(l.inflight)), nil
}

// DeadLetters returns a copy of the lane's dead-letter set.
func (m *Memory) DeadLetters(queueType asyncevent.QueueType) []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.lane(queueType)
	if err != nil {
		return nil
	}
	out := make([]DeadLetter, len(l.dead))
	copy(out, l.dead)
	return out
}
