// Package completion lets producers wait for the index write of a tracked envelope.
package completion

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome observed by a waiter.
type Status string

const (
	// StatusUntracked is reported by a nil handle (fire-and-forget delivery).
	StatusUntracked Status = "untracked"
	// StatusPending means the wait ended before the consumer confirmed anything.
	StatusPending Status = "pending"
	// StatusCompleted means the index write was confirmed and the envelope acked.
	StatusCompleted Status = "completed"
	// StatusDiscarded means the envelope was superseded by a newer write.
	StatusDiscarded Status = "discarded"
	// StatusDeadLettered means the envelope exhausted its retries.
	StatusDeadLettered Status = "dead_lettered"
)

// Handle is a waitable completion signal for one envelope.
type Handle struct {
	id      uuid.UUID
	tracker *Tracker
	done    chan struct{}
	once    sync.Once
	status  Status
}

// ID returns the envelope id the handle tracks.
func (h *Handle) ID() uuid.UUID {
	if h == nil {
		return uuid.Nil
	}
	return h.id
}

// Done is closed once the consumer reports an outcome. A nil handle returns nil,
// which blocks forever in a select.
func (h *Handle) Done() <-chan struct{} {
	if h == nil {
		return nil
	}
	return h.done
}

// Wait blocks until the envelope is resolved, the timeout passes, or ctx ends.
// A timeout returns StatusPending without error; the index write is not cancelled.
// A zero timeout waits until ctx ends.
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) (Status, error) {
	if h == nil {
		return StatusUntracked, nil
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-h.done:
		return h.status, nil
	case <-timer:
		return StatusPending, nil
	case <-ctx.Done():
		return StatusPending, ctx.Err()
	}
}

// Cancel stops tracking. Waiters see StatusPending; the submission continues.
func (h *Handle) Cancel() {
	if h == nil || h.tracker == nil {
		return
	}
	h.tracker.Forget(h.id)
}

func (h *Handle) resolve(status Status) {
	h.once.Do(func() {
		h.status = status
		close(h.done)
	})
}

// Tracker holds the handles of tracked envelopes in flight in this process.
type Tracker struct {
	mu      sync.Mutex
	pending map[uuid.UUID]*Handle
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[uuid.UUID]*Handle)}
}

// Track registers an envelope id and returns its handle. Tracking the same id
// twice returns the existing handle.
func (t *Tracker) Track(id uuid.UUID) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h, ok := t.pending[id]; ok {
		return h
	}
	h := &Handle{id: id, tracker: t, done: make(chan struct{})}
	t.pending[id] = h
	return h
}

// Complete resolves the handle for id. Untracked ids are ignored.
func (t *Tracker) Complete(id uuid.UUID, status Status) {
	if t == nil {
		return
	}
	t.mu.Lock()
	h, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()

	if ok {
		h.resolve(status)
	}
}

// Forget drops the handle for id without resolving it.
func (t *Tracker) Forget(id uuid.UUID) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Pending returns the number of unresolved handles.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
