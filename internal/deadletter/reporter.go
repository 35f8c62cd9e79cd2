// Package deadletter reports envelopes that exhausted their retries so operators
// can inspect and replay them.
package deadletter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevent"
)

// Record describes one dead-lettered envelope.
type Record struct {
	Envelope asyncevent.Envelope
	Queue    asyncevent.QueueType
	Reason   string
	Attempts int
	FailedAt time.Time
}

// Reporter receives dead-letter records.
type Reporter interface {
	Report(ctx context.Context, rec Record) error
}

// LogReporter writes dead-letter records to a structured logger.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a LogReporter.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// Report implements Reporter.
func (r *LogReporter) Report(ctx context.Context, rec Record) error {
	r.logger.ErrorContext(ctx, "Envelope dead-lettered",
		slog.String("envelope_id", rec.Envelope.ID.String()),
		slog.String("kind", string(rec.Envelope.Kind)),
		slog.String("queue", string(rec.Queue)),
		slog.String("scope", rec.Envelope.Scope.Key()),
		slog.Int("attempts", rec.Attempts),
		slog.String("reason", rec.Reason),
	)
	return nil
}

// Multi fans a record out to several reporters, attempting all of them.
type Multi []Reporter

// Report implements Reporter.
func (m Multi) Report(ctx context.Context, rec Record) error {
	var errs []error
	for _, r := range m {
		if err := r.Report(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
