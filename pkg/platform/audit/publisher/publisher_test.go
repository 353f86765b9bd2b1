package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "fiscalbridge/pkg/platform/audit"
	"fiscalbridge/pkg/platform/audit/store/memory"
	"fiscalbridge/pkg/requestcontext"
)

func TestPublisher_SyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	ctx := requestcontext.WithRequestID(context.Background(), "req-1")
	err := pub.Emit(ctx, audit.Event{
		Subject: "rem-1",
		Action:  string(audit.EventRemittanceSent),
		ActorID: "op-1",
	})
	require.NoError(t, err)

	events, err := pub.List(ctx, "rem-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.CategoryCompliance, events[0].Category)
	assert.Equal(t, "req-1", events[0].RequestID)
}

func TestPublisher_AsyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(10))
	defer pub.Close()

	err := pub.Emit(context.Background(), audit.Event{
		Subject: "rem-1",
		Action:  string(audit.EventRemittanceValidating),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(store.Actions("rem-1")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(100))

	for range 10 {
		require.NoError(t, pub.Emit(context.Background(), audit.Event{
			Subject: "rem-1",
			Action:  string(audit.EventRemittanceReady),
		}))
	}
	pub.Close()
	pub.Close()

	assert.Len(t, store.Actions("rem-1"), 10)
}

func TestPublisher_ConcurrentEmit(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(1000))

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pub.Emit(context.Background(), audit.Event{Subject: "rem-1", Action: string(audit.EventRemittanceSending)})
		}()
	}
	wg.Wait()
	pub.Close()

	assert.Len(t, store.Actions("rem-1"), 50)
}

type brokenStore struct{ *memory.InMemoryStore }

func (brokenStore) Append(context.Context, audit.Event) error { return errors.New("down") }

func TestPublisher_FailureSemantics(t *testing.T) {
	pub := NewPublisher(brokenStore{memory.NewInMemoryStore()})
	defer pub.Close()
	ctx := context.Background()

	err := pub.Emit(ctx, audit.Event{Subject: "rem-1", Action: string(audit.EventRemittanceCancelled), ActorID: "op"})
	assert.Error(t, err, "compliance events fail closed")

	err = pub.Emit(ctx, audit.Event{Subject: "unit-1", Action: string(audit.EventUnitCredentialsSet), ActorID: "op"})
	assert.Error(t, err, "security events fail closed")

	err = pub.Emit(ctx, audit.Event{Subject: "rem-1", Action: string(audit.EventRemittanceReady)})
	assert.NoError(t, err, "operations events are best effort")
}
