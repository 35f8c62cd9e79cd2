// Package queue provides the durable or in-memory channel envelopes travel through
// between the event service and the index consumers.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevent"
)

// Error types for queue operations.
var (
	ErrQueueFull      = errors.New("queue is at capacity")
	ErrUnknownQueue   = errors.New("unknown queue type")
	ErrUnknownReceipt = errors.New("unknown or expired receipt")
)

// Delivery is one envelope handed to a consumer. The receipt identifies this
// delivery for Ack, Release and DeadLetter.
type Delivery struct {
	Receipt      string
	Envelope     asyncevent.Envelope
	ReceiveCount int
}

// DeadLetter is an envelope that exhausted its retries.
type DeadLetter struct {
	Envelope asyncevent.Envelope
	Reason   string
	FailedAt time.Time
}

// Queue is the abstraction the event service and consumers share. Implementations
// must be safe for concurrent producers and workers without external locking.
type Queue interface {
	// Send enqueues an envelope on the lane named by env.Queue.
	Send(ctx context.Context, env asyncevent.Envelope) error
	// Receive returns up to limit deliveries, blocking up to wait for the first one.
	Receive(ctx context.Context, queueType asyncevent.QueueType, limit int, wait time.Duration) ([]Delivery, error)
	// Ack removes a delivered envelope permanently.
	Ack(ctx context.Context, queueType asyncevent.QueueType, receipt string) error
	// Release makes a delivered envelope immediately available again.
	Release(ctx context.Context, queueType asyncevent.QueueType, receipt string) error
	// DeadLetter moves a delivered envelope to the lane's dead-letter storage.
	DeadLetter(ctx context.Context, queueType asyncevent.QueueType, d Delivery, reason string) error
	// Depth returns the approximate number of envelopes not yet acknowledged.
	Depth(ctx context.Context, queueType asyncevent.QueueType) (int64, error)
	// Name identifies the backend for diagnostics.
	Name() string
	// Capabilities reports optional features of the backend.
	Capabilities() asyncevent.Capabilities
}
