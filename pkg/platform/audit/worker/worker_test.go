package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "fiscalbridge/pkg/platform/audit"
)

type fakeOutbox struct {
	mu        sync.Mutex
	entries   []audit.OutboxEntry
	published map[uuid.UUID]bool
}

func newFakeOutbox(n int) *fakeOutbox {
	o := &fakeOutbox{published: map[uuid.UUID]bool{}}
	for range n {
		o.entries = append(o.entries, audit.OutboxEntry{ID: uuid.New(), EventType: "remittance_sent"})
	}
	return o
}

func (o *fakeOutbox) FetchUnpublished(_ context.Context, limit int) ([]audit.OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []audit.OutboxEntry
	for _, e := range o.entries {
		if !o.published[e.ID] && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (o *fakeOutbox) MarkPublished(_ context.Context, ids []uuid.UUID, _ time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		o.published[id] = true
	}
	return nil
}

type recordingSink struct {
	batches [][]audit.OutboxEntry
	err     error
}

func (s *recordingSink) Publish(_ context.Context, entries []audit.OutboxEntry) error {
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, entries)
	return nil
}

func TestWorker_RunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("relays in batches", func(t *testing.T) {
		outbox := newFakeOutbox(5)
		sink := &recordingSink{}
		w := NewWorker(outbox, sink, WithBatchSize(3))

		n, err := w.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = w.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = w.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Len(t, sink.batches, 2)
	})

	t.Run("leaves entries unpublished on sink failure", func(t *testing.T) {
		outbox := newFakeOutbox(2)
		w := NewWorker(outbox, &recordingSink{err: errors.New("broker down")})

		_, err := w.RunOnce(ctx)
		require.Error(t, err)

		pending, _ := outbox.FetchUnpublished(ctx, 10)
		assert.Len(t, pending, 2)
	})
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	outbox := newFakeOutbox(1)
	sink := &recordingSink{}
	w := NewWorker(outbox, sink, WithInterval(5*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		pending, _ := outbox.FetchUnpublished(context.Background(), 10)
		return len(pending) == 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
