// Package transactor consumes the Accumulator's event stream and applies
// it to the durable mirror in ordered, atomic transactions.
// Failure handling is crash-only: an apply that fails after one retry is
// surfaced as a fatal error rather than dropping events and letting the
// mirror diverge from the in-memory authority.
package transactor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/eykd/beliefc/internal/beliefset"
)

// Mirror is the durable store a Transactor writes to.
type Mirror interface {
	Apply(events []beliefset.Event) error
}

// Options tunes transaction batching.
type Options struct {
	// MaxBatch flushes a transaction once this many events accumulate.
	MaxBatch int
	// FlushInterval flushes whatever has accumulated on this tick.
	FlushInterval time.Duration
	Logger        *slog.Logger
}

const (
	defaultMaxBatch      = 256
	defaultFlushInterval = 250 * time.Millisecond
)

// Transactor batches one event stream into mirror transactions.
type Transactor struct {
	mirror Mirror
	in     <-chan beliefset.Event
	opts   Options
	log    *slog.Logger
}

// New returns a Transactor reading from in and writing to mirror.
func New(mirror Mirror, in <-chan beliefset.Event, opts Options) *Transactor {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = defaultMaxBatch
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Transactor{mirror: mirror, in: in, opts: opts, log: log}
}

// Run consumes the stream until the context is cancelled or the channel
// closes, then drains pending events and flushes to quiescence. The only
// non-nil return is a fatal mirror failure.
func (t *Transactor) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.opts.FlushInterval)
	defer ticker.Stop()

	var batch []beliefset.Event

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		txID := uuid.NewString()
		err := t.mirror.Apply(batch)
		if err != nil {
			t.log.Warn("mirror apply failed, retrying once", "tx", txID, "events", len(batch), "err", err)
			err = t.mirror.Apply(batch)
		}
		if err != nil {
			t.log.Error("mirror apply failed after retry", "tx", txID, "events", len(batch), "err", err)
			return fmt.Errorf("transactor: apply tx %s (%d events): %w", txID, len(batch), err)
		}
		t.log.Debug("transaction committed", "tx", txID, "events", len(batch))
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case ev, ok := <-t.in:
			if !ok {
				return flush()
			}
			batch = append(batch, ev)
			if len(batch) >= t.opts.MaxBatch {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		case <-ctx.Done():
			// Drain whatever the producer already enqueued, then flush to
			// quiescence before returning.
			for {
				select {
				case ev, ok := <-t.in:
					if !ok {
						return flush()
					}
					batch = append(batch, ev)
				default:
					return flush()
				}
			}
		}
	}
}
