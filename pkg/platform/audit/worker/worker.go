package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	audit "fiscalbridge/pkg/platform/audit"
)

// Source yields outbox entries that have not been relayed yet.
type Source interface {
	FetchUnpublished(ctx context.Context, limit int) ([]audit.OutboxEntry, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// Sink delivers a batch of entries downstream. A batch either fully succeeds
// or is retried on the next tick; consumers dedupe on the event id.
type Sink interface {
	Publish(ctx context.Context, entries []audit.OutboxEntry) error
}

// Worker relays the audit outbox to a sink on a fixed interval.
type Worker struct {
	source    Source
	sink      Sink
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

type Option func(*Worker)

func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

func NewWorker(source Source, sink Sink, opts ...Option) *Worker {
	w := &Worker{
		source:    source,
		sink:      sink,
		logger:    slog.Default(),
		interval:  2 * time.Second,
		batchSize: 100,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run relays until ctx is cancelled. Relay failures are logged and retried.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.WarnContext(ctx, "audit outbox relay failed", "error", err)
			}
		}
	}
}

// RunOnce relays a single batch and returns how many entries were published.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	entries, err := w.source.FetchUnpublished(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if err := w.sink.Publish(ctx, entries); err != nil {
		return 0, err
	}
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := w.source.MarkPublished(ctx, ids, time.Now()); err != nil {
		return 0, err
	}
	w.logger.DebugContext(ctx, "audit outbox relayed", "count", len(entries))
	return len(entries), nil
}
