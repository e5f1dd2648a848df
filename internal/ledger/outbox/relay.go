// Package outbox relays committed ledger records to the decision topic. The
// ledger is the source of truth; delivery is at-least-once keyed by event id.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"orbitguard/internal/ledger"
	"orbitguard/internal/platform/kafka"
)

// Source is the store side of the outbox.
type Source interface {
	PendingOutbox(ctx context.Context, limit int) ([]ledger.OutboxEntry, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// Publisher delivers messages to the broker.
type Publisher interface {
	Publish(ctx context.Context, msgs ...kafka.Message) error
}

const (
	defaultBatch    = 100
	defaultInterval = time.Second
)

// Relay polls the outbox and publishes pending entries in creation order.
type Relay struct {
	source    Source
	publisher Publisher
	topic     string
	batch     int
	interval  time.Duration
	breaker   *CircuitBreaker
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
}

type Option func(*Relay)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(r *Relay) {
		r.breaker = cb
	}
}

func NewRelay(source Source, publisher Publisher, topic string, opts ...Option) *Relay {
	r := &Relay{
		source:    source,
		publisher: publisher,
		topic:     topic,
		batch:     defaultBatch,
		interval:  defaultInterval,
		breaker:   NewCircuitBreaker(5, 30*time.Second),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run relays until ctx is cancelled. Pass failures are logged, not returned.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.WarnContext(ctx, "outbox relay pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RelayOnce drains the outbox in batches until it is empty or a publish
// fails, returning the number of entries published.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	if !r.breaker.Allow() {
		return 0, nil
	}
	total := 0
	for {
		entries, err := r.source.PendingOutbox(ctx, r.batch)
		if err != nil {
			return total, fmt.Errorf("read outbox: %w", err)
		}
		if len(entries) == 0 {
			r.breaker.RecordSuccess()
			r.metrics.setOpen(false)
			return total, nil
		}

		msgs := make([]kafka.Message, 0, len(entries))
		ids := make([]uuid.UUID, 0, len(entries))
		for _, e := range entries {
			msgs = append(msgs, kafka.Message{
				Topic: r.topic,
				Key:   []byte(e.AggregateID),
				Value: e.Payload,
				Headers: map[string]string{
					"event_type": e.EventType,
					"outbox_id":  e.ID.String(),
				},
			})
			ids = append(ids, e.ID)
		}

		if err := r.publisher.Publish(ctx, msgs...); err != nil {
			r.metrics.incFailures()
			if r.breaker.RecordFailure() {
				r.metrics.setOpen(true)
				r.logger.ErrorContext(ctx, "outbox relay circuit opened", "error", err)
			}
			return total, fmt.Errorf("publish outbox batch: %w", err)
		}
		if err := r.source.MarkPublished(ctx, ids, r.now()); err != nil {
			return total, fmt.Errorf("mark outbox published: %w", err)
		}
		r.breaker.RecordSuccess()
		r.metrics.setOpen(false)
		r.metrics.addPublished(len(entries))
		total += len(entries)
		if len(entries) < r.batch {
			return total, nil
		}
	}
}
