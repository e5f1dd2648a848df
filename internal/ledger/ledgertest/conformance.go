package ledgertest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbitguard/internal/ledger"
	"orbitguard/internal/maneuver"
	"orbitguard/internal/safety"
	"orbitguard/pkg/platform/sentinel"
)

// OutboxStore is a ledger store that also feeds the outbox relay.
type OutboxStore interface {
	ledger.Store
	PendingOutbox(ctx context.Context, limit int) ([]ledger.OutboxEntry, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// RunStoreConformance checks the behaviour every ledger store must share.
// newStore must return an empty store.
func RunStoreConformance(t *testing.T, newStore func(t *testing.T) OutboxStore) {
	t.Run("append assigns increasing sequences and round-trips", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		recs := []ledger.AuditRecord{Monitor(1), Execute(2, 0.05, 0.5, 0.003, maneuver.InTrackPrograde), Reject(3)}
		for i, rec := range recs {
			rec.RecordID = uuid.New()
			rec.RecordedAt = BaseTCA.Add(time.Duration(i) * time.Second)
			seq, err := store.Append(ctx, rec)
			require.NoError(t, err)
			assert.Equal(t, int64(i+1), seq)
			recs[i] = rec
			recs[i].Sequence = seq
		}

		for _, want := range recs {
			got, err := store.Get(ctx, want.EventID)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("duplicate event conflicts and leaves state unchanged", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		rec := Execute(1, 0.05, 0.5, 0.003, maneuver.InTrackPrograde)
		rec.RecordID = uuid.New()
		rec.RecordedAt = BaseTCA
		_, err := store.Append(ctx, rec)
		require.NoError(t, err)

		dup := rec
		dup.RecordID = uuid.New()
		_, err = store.Append(ctx, dup)
		require.Error(t, err)
		assert.True(t, errors.Is(err, sentinel.ErrConflict))

		c, err := store.Counters(ctx)
		require.NoError(t, err)
		assert.Equal(t, ledger.Counters{CDMProcessed: 1, ManeuversExecuted: 1}, c)

		pending, err := store.PendingOutbox(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, pending, 1)

		got, err := store.Get(ctx, rec.EventID)
		require.NoError(t, err)
		assert.Equal(t, rec.RecordID, got.RecordID)
	})

	t.Run("stored records do not alias caller memory", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		rec := Reject(1)
		rec.RecordID = uuid.New()
		rec.RecordedAt = BaseTCA
		seq, err := store.Append(ctx, rec)
		require.NoError(t, err)
		want := rec.Clone()
		want.Sequence = seq

		rec.Plan.DeltaV.MagnitudeKmS = 42
		rec.Verdict.Violations[0].Reason = "edited after append"

		got, err := store.Get(ctx, want.EventID)
		require.NoError(t, err)
		got.Plan.Converged = true
		got.Verdict.Verdict = safety.VerdictExecute
		got.Verdict.Violations[0].Limit = 0

		again, err := store.Get(ctx, want.EventID)
		require.NoError(t, err)
		assert.Equal(t, want, again)

		page, err := store.List(ctx, 0, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		page[0].Plan.ProjectedPc = 0
		again, err = store.Get(ctx, want.EventID)
		require.NoError(t, err)
		assert.Equal(t, want, again)
	})

	t.Run("get unknown event is not found", func(t *testing.T) {
		_, err := newStore(t).Get(context.Background(), Monitor(99).EventID)
		assert.True(t, errors.Is(err, sentinel.ErrNotFound))
	})

	t.Run("list pages in sequence order", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		for i := 1; i <= 5; i++ {
			rec := Monitor(i)
			rec.RecordID = uuid.New()
			rec.RecordedAt = BaseTCA
			_, err := store.Append(ctx, rec)
			require.NoError(t, err)
		}

		page, err := store.List(ctx, 0, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, int64(1), page[0].Sequence)
		assert.Equal(t, int64(2), page[1].Sequence)

		page, err = store.List(ctx, 2, 10)
		require.NoError(t, err)
		require.Len(t, page, 3)
		assert.Equal(t, int64(3), page[0].Sequence)

		page, err = store.List(ctx, 5, 10)
		require.NoError(t, err)
		assert.Empty(t, page)
	})

	t.Run("counters track decisions", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		for i, rec := range []ledger.AuditRecord{
			Monitor(1), Monitor(2), Reject(3), Reject(4), Execute(5, 0.05, 0.5, 0.003, maneuver.RadialIn),
		} {
			rec.RecordID = uuid.New()
			rec.RecordedAt = BaseTCA.Add(time.Duration(i) * time.Second)
			_, err := store.Append(ctx, rec)
			require.NoError(t, err)
		}
		c, err := store.Counters(ctx)
		require.NoError(t, err)
		assert.Equal(t, ledger.Counters{CDMProcessed: 5, ManeuversExecuted: 1, Rejections: 2}, c)
	})

	t.Run("outbox entries are published once", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		for i := 1; i <= 3; i++ {
			rec := Monitor(i)
			rec.RecordID = uuid.New()
			rec.RecordedAt = BaseTCA.Add(time.Duration(i) * time.Second)
			_, err := store.Append(ctx, rec)
			require.NoError(t, err)
		}

		pending, err := store.PendingOutbox(ctx, 2)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, Monitor(1).EventID.String(), pending[0].AggregateID)
		assert.Equal(t, ledger.EventTypeDecisionRecorded, pending[0].EventType)
		assert.NotEmpty(t, pending[0].Payload)

		require.NoError(t, store.MarkPublished(ctx, []uuid.UUID{pending[0].ID, pending[1].ID}, time.Now()))

		pending, err = store.PendingOutbox(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, Monitor(3).EventID.String(), pending[0].AggregateID)
	})

	t.Run("concurrent appends of one event admit exactly one", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		rec := Monitor(1)
		rec.RecordedAt = BaseTCA

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			ok        int
			conflicts int
		)
		for range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r := rec
				r.RecordID = uuid.New()
				_, err := store.Append(ctx, r)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, sentinel.ErrConflict):
					conflicts++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, ok)
		assert.Equal(t, writers-1, conflicts)

		c, err := store.Counters(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), c.CDMProcessed)
	})
}
