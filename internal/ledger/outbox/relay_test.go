package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbitguard/internal/ledger/ledgertest"
	"orbitguard/internal/ledger/store/memory"
	"orbitguard/internal/platform/kafka"
)

type recordingPublisher struct {
	batches [][]kafka.Message
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, msgs ...kafka.Message) error {
	if p.err != nil {
		return p.err
	}
	p.batches = append(p.batches, msgs)
	return nil
}

func seededStore(t *testing.T, n int) *memory.InMemoryStore {
	t.Helper()
	store := memory.NewInMemoryStore()
	for i := 1; i <= n; i++ {
		_, err := store.Append(context.Background(), ledgertest.Monitor(i))
		require.NoError(t, err)
	}
	return store
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRelayOnceDrainsInBatches(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, 5)
	pub := &recordingPublisher{}
	relay := NewRelay(store, pub, "decisions", WithBatchSize(2), WithLogger(quietLogger()))

	n, err := relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.Len(t, pub.batches, 3)
	assert.Len(t, pub.batches[0], 2)
	assert.Len(t, pub.batches[2], 1)

	first := pub.batches[0][0]
	assert.Equal(t, "decisions", first.Topic)
	assert.Equal(t, ledgertest.Monitor(1).EventID.String(), string(first.Key))
	assert.Equal(t, "decision_recorded", first.Headers["event_type"])

	n, err = relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "published entries are not sent twice")
}

func TestRelayKeepsEntriesWhenPublishFails(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, 2)
	pub := &recordingPublisher{err: errors.New("broker unavailable")}
	relay := NewRelay(store, pub, "decisions", WithLogger(quietLogger()))

	_, err := relay.RelayOnce(ctx)
	require.Error(t, err)

	pending, err := store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	pub.err = nil
	n, err := relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRelayCircuitOpensAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, 1)
	pub := &recordingPublisher{err: errors.New("broker unavailable")}
	m := NewMetrics(prometheus.NewRegistry())
	cb := NewCircuitBreaker(2, time.Hour)
	relay := NewRelay(store, pub, "decisions", WithCircuitBreaker(cb), WithMetrics(m), WithLogger(quietLogger()))

	_, err := relay.RelayOnce(ctx)
	require.Error(t, err)
	assert.False(t, cb.IsOpen())
	_, err = relay.RelayOnce(ctx)
	require.Error(t, err)
	assert.True(t, cb.IsOpen())

	pub.err = nil
	n, err := relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "open circuit skips the pass")
}

func TestCircuitBreakerHalfOpens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(1, time.Minute)
	cb.now = func() time.Time { return now }

	assert.True(t, cb.RecordFailure())
	assert.False(t, cb.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow(), "cooldown elapsed")
	assert.True(t, cb.RecordFailure(), "trial failure reopens")
	assert.False(t, cb.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow())
	cb.RecordSuccess()
	assert.False(t, cb.IsOpen())
}

func TestRunStopsOnCancel(t *testing.T) {
	store := seededStore(t, 1)
	pub := &recordingPublisher{}
	relay := NewRelay(store, pub, "decisions", WithInterval(time.Millisecond), WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		pending, _ := store.PendingOutbox(context.Background(), 1)
		return len(pending) == 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
