package ledger_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"orbitguard/internal/conjunction"
	"orbitguard/internal/ledger"
	"orbitguard/internal/ledger/ledgertest"
	"orbitguard/internal/ledger/metrics"
	"orbitguard/internal/ledger/mocks"
	"orbitguard/internal/ledger/store/memory"
	"orbitguard/internal/maneuver"
	"orbitguard/internal/risk"
	dErrors "orbitguard/pkg/domain-errors"
	"orbitguard/pkg/platform/sentinel"
)

// =============================================================================
// Ledger Service Test Suite
// =============================================================================
// Store failures are driven through a mock; end-to-end ordering and counter
// behaviour runs against the in-memory store.

type LedgerSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	mockStore *mocks.MockStore
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	logger    *slog.Logger
	fixedNow  time.Time
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerSuite))
}

func (s *LedgerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.mockStore = mocks.NewMockStore(s.ctrl)
	s.registry = prometheus.NewRegistry()
	s.metrics = metrics.NewWith(s.registry)
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.fixedNow = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
}

func (s *LedgerSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *LedgerSuite) newLedger(store ledger.Store, opts ...ledger.Option) *ledger.Ledger {
	base := []ledger.Option{
		ledger.WithLogger(s.logger),
		ledger.WithMetrics(s.metrics),
		ledger.WithRetry(3, time.Millisecond),
		ledger.WithClock(func() time.Time { return s.fixedNow }),
	}
	return ledger.New(store, append(base, opts...)...)
}

func (s *LedgerSuite) counterValue(name string) float64 {
	families, err := s.registry.Gather()
	s.Require().NoError(err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

// =============================================================================
// Append
// =============================================================================

func (s *LedgerSuite) TestAppend() {
	s.Run("assigns identity, time and sequence", func() {
		rec := ledgertest.Execute(1, 0.05, 0.5, 0.003, maneuver.InTrackPrograde)
		s.mockStore.EXPECT().Append(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, got ledger.AuditRecord) (int64, error) {
				s.NotEqual([16]byte{}, [16]byte(got.RecordID))
				s.Equal(s.fixedNow, got.RecordedAt)
				return 7, nil
			})

		out, err := s.newLedger(s.mockStore).Append(context.Background(), rec)
		s.Require().NoError(err)
		s.Equal(int64(7), out.Sequence)
		s.Equal(s.fixedNow, out.RecordedAt)
		s.Equal(1.0, s.counterValue("orbitguard_ledger_maneuvers_executed_total"))
	})

	s.Run("retries transient failures then succeeds", func() {
		rec := ledgertest.Monitor(2)
		gomock.InOrder(
			s.mockStore.EXPECT().Append(gomock.Any(), gomock.Any()).Return(int64(0), errors.New("disk busy")),
			s.mockStore.EXPECT().Append(gomock.Any(), gomock.Any()).Return(int64(0), errors.New("disk busy")),
			s.mockStore.EXPECT().Append(gomock.Any(), gomock.Any()).Return(int64(1), nil),
		)

		out, err := s.newLedger(s.mockStore).Append(context.Background(), rec)
		s.Require().NoError(err)
		s.Equal(int64(1), out.Sequence)
		s.Equal(2.0, s.counterValue("orbitguard_ledger_append_retries_total"))
	})

	s.Run("exhausted retries surface a ledger write failure", func() {
		rec := ledgertest.Monitor(3)
		s.mockStore.EXPECT().Append(gomock.Any(), gomock.Any()).
			Return(int64(0), errors.New("connection reset")).Times(4)

		_, err := s.newLedger(s.mockStore).Append(context.Background(), rec)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeLedgerWriteFailure))
		s.Equal(1.0, s.counterValue("orbitguard_ledger_append_failures_total"))
	})

	s.Run("duplicate event is not retried", func() {
		rec := ledgertest.Monitor(4)
		s.mockStore.EXPECT().Append(gomock.Any(), gomock.Any()).
			Return(int64(0), sentinel.ErrConflict).Times(1)

		_, err := s.newLedger(s.mockStore).Append(context.Background(), rec)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("invalid record never reaches the store", func() {
		rec := ledgertest.Monitor(5)
		rec.Decision = ledger.DecisionExecute

		_, err := s.newLedger(s.mockStore).Append(context.Background(), rec)
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})

	s.Run("default retry budget applies when only the delay is set", func() {
		rec := ledgertest.Monitor(7)
		s.mockStore.EXPECT().Append(gomock.Any(), gomock.Any()).
			Return(int64(0), errors.New("connection reset")).Times(ledger.DefaultMaxRetries + 1)

		_, err := ledger.New(s.mockStore, ledger.WithLogger(s.logger), ledger.WithRetry(-1, time.Millisecond)).
			Append(context.Background(), rec)
		s.True(dErrors.HasCode(err, dErrors.CodeLedgerWriteFailure))
	})

	s.Run("cancelled context stops retrying", func() {
		rec := ledgertest.Monitor(6)
		ctx, cancel := context.WithCancel(context.Background())
		s.mockStore.EXPECT().Append(gomock.Any(), gomock.Any()).
			DoAndReturn(func(context.Context, ledger.AuditRecord) (int64, error) {
				cancel()
				return 0, errors.New("timeout")
			}).Times(1)

		_, err := s.newLedger(s.mockStore, ledger.WithRetry(5, time.Hour)).Append(ctx, rec)
		s.True(dErrors.HasCode(err, dErrors.CodeLedgerWriteFailure))
	})
}

func (s *LedgerSuite) TestRecordInvariants() {
	s.Run("high risk requires a plan", func() {
		rec := ledgertest.Execute(1, 0.05, 0.5, 0.003, maneuver.InTrackPrograde)
		rec.Plan = nil
		s.Error(rec.Validate())
	})

	s.Run("execute requires an execute verdict", func() {
		rec := ledgertest.Reject(1)
		rec.Decision = ledger.DecisionExecute
		s.Error(rec.Validate())
	})

	s.Run("low risk cannot be rejected", func() {
		rec := ledgertest.Monitor(1)
		rec.Decision = ledger.DecisionReject
		s.Error(rec.Validate())
	})

	s.Run("event id must match the event", func() {
		rec := ledgertest.Monitor(1)
		rec.EventID = ledgertest.Monitor(2).EventID
		s.Error(rec.Validate())
	})

	s.Run("fixtures are valid", func() {
		s.NoError(ledgertest.Monitor(1).Validate())
		s.NoError(ledgertest.Reject(1).Validate())
		s.NoError(ledgertest.Execute(1, 0.05, 0.5, 0.003, maneuver.RadialOut).Validate())
	})
}

// =============================================================================
// Reads
// =============================================================================

func (s *LedgerSuite) TestGet() {
	s.Run("unknown event maps to not found", func() {
		s.mockStore.EXPECT().Get(gomock.Any(), gomock.Any()).Return(ledger.AuditRecord{}, sentinel.ErrNotFound)
		_, err := s.newLedger(s.mockStore).Get(context.Background(), conjunction.EventID{})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("other store errors are internal", func() {
		s.mockStore.EXPECT().Get(gomock.Any(), gomock.Any()).Return(ledger.AuditRecord{}, errors.New("io"))
		_, err := s.newLedger(s.mockStore).Get(context.Background(), conjunction.EventID{})
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})
}

func (s *LedgerSuite) TestAppendGetExportCounters() {
	ctx := context.Background()
	store := memory.NewInMemoryStore()
	l := s.newLedger(store)

	inputs := []ledger.AuditRecord{
		ledgertest.Monitor(1),
		ledgertest.Execute(2, 0.05, 0.5, 0.003, maneuver.InTrackPrograde),
		ledgertest.Reject(3),
		ledgertest.Monitor(4),
	}
	for _, rec := range inputs {
		_, err := l.Append(ctx, rec)
		s.Require().NoError(err)
	}

	got, err := l.Get(ctx, inputs[1].EventID)
	s.Require().NoError(err)
	s.Equal(int64(2), got.Sequence)
	s.Equal(ledger.DecisionExecute, got.Decision)

	var seqs []int64
	s.Require().NoError(l.Export(ctx, func(rec ledger.AuditRecord) error {
		seqs = append(seqs, rec.Sequence)
		return nil
	}))
	s.Equal([]int64{1, 2, 3, 4}, seqs)

	c, err := l.Counters(ctx)
	s.Require().NoError(err)
	s.Equal(ledger.Counters{CDMProcessed: 4, ManeuversExecuted: 1, Rejections: 1}, c)

	_, err = l.Append(ctx, ledgertest.Monitor(1))
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	c, err = l.Counters(ctx)
	s.Require().NoError(err)
	s.Equal(int64(4), c.CDMProcessed, "duplicate append leaves counters untouched")
}

func (s *LedgerSuite) TestExportStopsOnCallbackError() {
	ctx := context.Background()
	store := memory.NewInMemoryStore()
	l := s.newLedger(store)
	for i := 1; i <= 3; i++ {
		_, err := l.Append(ctx, ledgertest.Monitor(i))
		s.Require().NoError(err)
	}

	stop := errors.New("stop")
	n := 0
	err := l.Export(ctx, func(ledger.AuditRecord) error {
		n++
		if n == 2 {
			return stop
		}
		return nil
	})
	s.ErrorIs(err, stop)
	s.Equal(2, n)
}

func (s *LedgerSuite) TestFindSimilarStrategies() {
	s.Run("no index yields no hints", func() {
		matches, err := s.newLedger(s.mockStore).FindSimilarStrategies(context.Background(), risk.Geometry{}, 3)
		s.NoError(err)
		s.Empty(matches)
	})

	s.Run("delegates to the index", func() {
		ix := mocks.NewMockIndex(s.ctrl)
		want := []ledger.StrategyMatch{{Distance: 0.1}}
		ix.EXPECT().Nearest(gomock.Any(), risk.Geometry{NormalizedMiss: 1}, 2).Return(want, nil)

		got, err := s.newLedger(s.mockStore, ledger.WithIndex(ix)).
			FindSimilarStrategies(context.Background(), risk.Geometry{NormalizedMiss: 1}, 2)
		s.NoError(err)
		s.Equal(want, got)
	})

	s.Run("index failure is internal", func() {
		ix := mocks.NewMockIndex(s.ctrl)
		ix.EXPECT().Nearest(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("boom"))

		_, err := s.newLedger(s.mockStore, ledger.WithIndex(ix)).
			FindSimilarStrategies(context.Background(), risk.Geometry{}, 2)
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})
}
