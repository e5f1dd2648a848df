// Package ledger is the append-only audit ledger: one immutable record per
// conjunction event, durable counters, and a derived strategy index.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"orbitguard/internal/conjunction"
	"orbitguard/internal/ledger/metrics"
	"orbitguard/internal/risk"
	dErrors "orbitguard/pkg/domain-errors"
	"orbitguard/pkg/platform/sentinel"
)

// Append retry defaults, used unless WithRetry overrides them.
const (
	DefaultMaxRetries = 5
	DefaultRetryBase  = 50 * time.Millisecond
)

const exportPageSize = 256

// Ledger is safe for concurrent use; serialization of appends is the store's job.
type Ledger struct {
	store      Store
	index      Index
	logger     *slog.Logger
	metrics    *metrics.Metrics
	maxRetries uint64
	retryBase  time.Duration
	now        func() time.Time
}

// Option configures the Ledger.
type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// WithIndex enables FindSimilarStrategies.
func WithIndex(ix Index) Option {
	return func(l *Ledger) {
		l.index = ix
	}
}

// WithRetry bounds the exponential backoff applied to transient append failures.
func WithRetry(maxRetries int, base time.Duration) Option {
	return func(l *Ledger) {
		if maxRetries >= 0 {
			l.maxRetries = uint64(maxRetries)
		}
		if base > 0 {
			l.retryBase = base
		}
	}
}

// WithClock overrides the RecordedAt source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		logger:     slog.Default(),
		maxRetries: DefaultMaxRetries,
		retryBase:  DefaultRetryBase,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append durably records rec, assigning its RecordID, RecordedAt and Sequence.
// Transient store failures are retried with exponential backoff; when retries
// are exhausted the error carries CodeLedgerWriteFailure and the record is
// not persisted. A second record for the same event fails with CodeConflict.
func (l *Ledger) Append(ctx context.Context, rec AuditRecord) (AuditRecord, error) {
	if err := rec.Validate(); err != nil {
		return AuditRecord{}, err
	}
	if rec.RecordID == uuid.Nil {
		rec.RecordID = uuid.New()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = l.now().UTC()
	}

	start := time.Now()
	var seq int64
	op := func() error {
		s, err := l.store.Append(ctx, rec)
		if err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return backoff.Permanent(err)
			}
			return err
		}
		seq = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		l.metrics.IncAppendRetries()
		l.logger.WarnContext(ctx, "ledger append failed, retrying",
			"event_id", rec.EventID,
			"wait", wait,
			"error", err,
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(l.newBackOff(), l.maxRetries), ctx), notify)
	switch {
	case errors.Is(err, sentinel.ErrConflict):
		l.metrics.IncDuplicateAppends()
		return AuditRecord{}, dErrors.Wrap(err, dErrors.CodeConflict, "event already recorded")
	case err != nil:
		l.metrics.IncAppendFailures()
		l.logger.ErrorContext(ctx, "ledger append failed",
			"event_id", rec.EventID,
			"decision", rec.Decision,
			"error", err,
		)
		return AuditRecord{}, dErrors.Wrap(err, dErrors.CodeLedgerWriteFailure, "audit record not persisted")
	}

	rec.Sequence = seq
	l.metrics.ObserveRecorded(rec.Decision == DecisionExecute, rec.Decision == DecisionReject, time.Since(start).Seconds())
	return rec, nil
}

func (l *Ledger) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.retryBase
	b.MaxInterval = 32 * l.retryBase
	b.MaxElapsedTime = 0
	return b
}

// Get returns the record for id, or CodeNotFound.
func (l *Ledger) Get(ctx context.Context, id conjunction.EventID) (AuditRecord, error) {
	rec, err := l.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return AuditRecord{}, dErrors.Wrap(err, dErrors.CodeNotFound, "no record for event")
		}
		return AuditRecord{}, dErrors.Wrap(err, dErrors.CodeInternal, "read audit record")
	}
	return rec, nil
}

// Export streams every record in sequence order. A snapshot is not taken:
// records appended during the export are included if they land before the
// final page is read.
func (l *Ledger) Export(ctx context.Context, fn func(AuditRecord) error) error {
	var after int64
	for {
		page, err := l.store.List(ctx, after, exportPageSize)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "list audit records")
		}
		for _, rec := range page {
			if err := fn(rec); err != nil {
				return err
			}
			after = rec.Sequence
		}
		if len(page) < exportPageSize {
			return nil
		}
	}
}

func (l *Ledger) Counters(ctx context.Context) (Counters, error) {
	c, err := l.store.Counters(ctx)
	if err != nil {
		return Counters{}, dErrors.Wrap(err, dErrors.CodeInternal, "read ledger counters")
	}
	return c, nil
}

// FindSimilarStrategies returns up to k executed strategies nearest to g.
// Without an index it returns nothing; hints are advisory.
func (l *Ledger) FindSimilarStrategies(ctx context.Context, g risk.Geometry, k int) ([]StrategyMatch, error) {
	if l.index == nil || k <= 0 {
		return nil, nil
	}
	matches, err := l.index.Nearest(ctx, g, k)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "query strategy index")
	}
	return matches, nil
}
