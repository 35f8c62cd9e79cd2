package searchindex

import (
	"context"
	"errors"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/indexop"
)

// Writer applies index operation messages to one index backend.
type Writer interface {
	Write(ctx context.Context, msgs []*indexop.Message) error
}

// Multi writes to every backend in turn. Every operation is idempotent, so a
// retry after one backend failed re-applies harmlessly to the others.
type Multi []Writer

// Write implements Writer.
func (m Multi) Write(ctx context.Context, msgs []*indexop.Message) error {
	var errs []error
	for _, w := range m {
		if err := w.Write(ctx, msgs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
