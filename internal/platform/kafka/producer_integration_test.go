//go:build integration

package kafka_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"fiscalbridge/internal/platform/kafka"
	audit "fiscalbridge/pkg/platform/audit"
	"fiscalbridge/pkg/testutil/containers"
)

func TestProducer_PublishesOutboxEntries(t *testing.T) {
	ctx := context.Background()
	broker := containers.StartKafka(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	producer, err := kafka.NewProducer(ctx, []string{broker.Broker}, "fiscalbridge.audit.test", logger)
	require.NoError(t, err)
	defer producer.Close()

	require.NoError(t, producer.EnsureTopic(ctx, 1, 1))
	require.NoError(t, producer.EnsureTopic(ctx, 1, 1), "second call tolerates an existing topic")

	entry := audit.OutboxEntry{
		ID:          uuid.New(),
		AggregateID: uuid.NewString(),
		EventType:   string(audit.EventRemittanceSent),
		Payload:     []byte(`{"action":"remittance_sent"}`),
		CreatedAt:   time.Now(),
	}
	require.NoError(t, producer.Publish(ctx, []audit.OutboxEntry{entry}))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker.Broker),
		kgo.ConsumeTopics("fiscalbridge.audit.test"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	fetches := consumer.PollFetches(fetchCtx)
	require.Empty(t, fetches.Errors())

	records := fetches.Records()
	require.Len(t, records, 1)
	assert.Equal(t, entry.AggregateID, string(records[0].Key))
	assert.JSONEq(t, string(entry.Payload), string(records[0].Value))
}
