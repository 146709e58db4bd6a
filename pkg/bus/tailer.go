package bus

import (
	"context"
	"time"

	"github.com/benchwork/benchwork/pkg/core"
)

// DefaultTailInterval is how often a Tailer polls the store for new
// sequences.
const DefaultTailInterval = 250 * time.Millisecond

// Tailer reads the durable event log by polling for sequences beyond a
// cursor. It needs only read access to the store, so it works from a
// separate process that shares no memory with the publishing one.
type Tailer struct {
	storage  core.Storage
	filter   core.EventFilter
	interval time.Duration
	cursor   int64
}

// NewTailer creates a Tailer that yields events with sequence greater than
// since. A non-positive interval falls back to DefaultTailInterval.
func NewTailer(s core.Storage, since int64, filter core.EventFilter, interval time.Duration) *Tailer {
	if interval <= 0 {
		interval = DefaultTailInterval
	}
	return &Tailer{
		storage:  s,
		filter:   filter,
		interval: interval,
		cursor:   since,
	}
}

// Next blocks until at least one new event is stored or ctx ends, then
// returns the next batch in ascending sequence order and advances the
// cursor.
func (t *Tailer) Next(ctx context.Context) ([]*core.Event, error) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		page, err := t.storage.EventsSince(ctx, t.cursor, t.filter, replayPageSize)
		if err != nil {
			return nil, err
		}
		if len(page) > 0 {
			t.cursor = page[len(page)-1].Sequence
			return page, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cursor returns the sequence of the last event returned by Next.
func (t *Tailer) Cursor() int64 {
	return t.cursor
}
