package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"orbitguard/internal/conjunction"
	"orbitguard/internal/ledger"
	"orbitguard/internal/ledger/mocks"
	"orbitguard/internal/ledger/store/memory"
	"orbitguard/internal/ledger/strategy"
	"orbitguard/internal/maneuver"
	"orbitguard/internal/pipeline"
	"orbitguard/internal/policy"
	"orbitguard/internal/safety"
	dErrors "orbitguard/pkg/domain-errors"
	"orbitguard/pkg/platform/sentinel"
	bdd "orbitguard/pkg/testutil"
)

var tca = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// scenarioA: 1 km miss in 200 m isotropic uncertainty.
func scenarioA(cdm string) conjunction.Record {
	return conjunction.Record{
		CDMID:             cdm,
		ObjectAID:         "SAT-1",
		ObjectBID:         "DEB-9",
		TCA:               tca,
		MissDistanceKm:    [2]float64{1.0, 0},
		Covariance:        conjunction.Covariance{VarX: 0.04, VarY: 0.04},
		HardBodyRadiusKm:  0.01,
		FuelBudgetKmS:     0.004,
		PerigeeAltitudeKm: 450,
	}
}

// scenarioB: 50 m miss in 500 m isotropic uncertainty.
func scenarioB(cdm string, fuel float64) conjunction.Record {
	return conjunction.Record{
		CDMID:             cdm,
		ObjectAID:         "SAT-1",
		ObjectBID:         "DEB-9",
		TCA:               tca,
		MissDistanceKm:    [2]float64{0.05, 0},
		Covariance:        conjunction.Covariance{VarX: 0.25, VarY: 0.25},
		HardBodyRadiusKm:  0.01,
		FuelBudgetKmS:     fuel,
		PerigeeAltitudeKm: 450,
	}
}

// scenarioC: 5 km uncertainty and a 500 m hard body that no budgeted burn clears.
func scenarioC(cdm string) conjunction.Record {
	r := scenarioB(cdm, 0.004)
	r.Covariance = conjunction.Covariance{VarX: 25, VarY: 25}
	r.HardBodyRadiusKm = 0.5
	return r
}

// =============================================================================
// Pipeline Test Suite
// =============================================================================

type PipelineSuite struct {
	suite.Suite
	store    *memory.InMemoryStore
	ledger   *ledger.Ledger
	registry *prometheus.Registry
	metrics  *pipeline.Metrics
	logger   *slog.Logger
	pipeline *pipeline.Pipeline
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	s.store = memory.NewInMemoryStore()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.ledger = ledger.New(s.store,
		ledger.WithLogger(s.logger),
		ledger.WithRetry(2, time.Millisecond),
		ledger.WithIndex(strategy.NewIndex(s.store)),
	)
	s.registry = prometheus.NewRegistry()
	s.metrics = pipeline.NewMetrics(s.registry)
	s.pipeline = s.newPipeline(s.ledger)
}

func (s *PipelineSuite) newPipeline(rec pipeline.Recorder) *pipeline.Pipeline {
	p, err := pipeline.New(policy.Default(), rec,
		pipeline.WithLogger(s.logger),
		pipeline.WithMetrics(s.metrics),
	)
	s.Require().NoError(err)
	return p
}

func (s *PipelineSuite) counters() ledger.Counters {
	c, err := s.ledger.Counters(context.Background())
	s.Require().NoError(err)
	return c
}

func (s *PipelineSuite) TestNew() {
	s.Run("rejects an invalid policy", func() {
		pol := policy.Default()
		pol.SafetyMargin = 1.5
		_, err := pipeline.New(pol, s.ledger)
		s.Error(err)
	})

	s.Run("requires a recorder", func() {
		_, err := pipeline.New(policy.Default(), nil)
		s.Error(err)
	})
}

func (s *PipelineSuite) TestScenarioALowRisk() {
	out, err := s.pipeline.Process(context.Background(), scenarioA("A-1"))
	s.Require().NoError(err)

	rec := out.Record
	s.False(out.Replayed)
	s.Equal(ledger.DecisionMonitor, rec.Decision)
	s.Less(rec.Assessment.Pc, 1e-4)
	s.Nil(rec.Plan)
	s.Nil(rec.Verdict)
	s.Equal(int64(1), rec.Sequence)
	s.Equal(s.pipeline.PolicyHash(), rec.PolicyHash)
	s.Equal([]pipeline.State{pipeline.StateIngested, pipeline.StateAssessed, pipeline.StateRecorded}, out.Trace)
	s.Equal(ledger.Counters{CDMProcessed: 1}, s.counters())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Outcomes.WithLabelValues(string(ledger.DecisionMonitor))))
}

func (s *PipelineSuite) TestScenarioBExecute() {
	out, err := s.pipeline.Process(context.Background(), scenarioB("B-1", 0.004))
	s.Require().NoError(err)

	rec := out.Record
	s.Equal(ledger.DecisionExecute, rec.Decision)
	s.Greater(rec.Assessment.Pc, 1e-4)
	s.Require().NotNil(rec.Plan)
	s.Require().NotNil(rec.Verdict)
	s.True(rec.Plan.Converged)
	s.Equal(maneuver.InTrackPrograde, rec.Plan.DeltaV.Direction)
	s.Greater(rec.Plan.DeltaV.MagnitudeKmS, 0.0)
	s.LessOrEqual(rec.Plan.DeltaV.MagnitudeKmS, 0.005)
	s.GreaterOrEqual(rec.Plan.PostPerigeeKm, 400.0)
	s.Equal(safety.VerdictExecute, rec.Verdict.Verdict)
	s.Equal([]pipeline.State{
		pipeline.StateIngested, pipeline.StateAssessed, pipeline.StatePlanned,
		pipeline.StateValidated, pipeline.StateRecorded,
	}, out.Trace)
	s.Equal(ledger.Counters{CDMProcessed: 1, ManeuversExecuted: 1}, s.counters())
}

func (s *PipelineSuite) TestScenarioBInsufficientFuel() {
	out, err := s.pipeline.Process(context.Background(), scenarioB("B-2", 0.001))
	s.Require().NoError(err)

	rec := out.Record
	s.Equal(ledger.DecisionReject, rec.Decision)
	s.Require().NotNil(rec.Verdict)
	s.Require().NotEmpty(rec.Verdict.Violations)
	s.Equal(safety.ConstraintInsufficient, rec.Verdict.Violations[0].Constraint)
	s.Contains(rec.Verdict.Violations[0].Reason, "insufficient Δv")
	s.Equal(ledger.Counters{CDMProcessed: 1, Rejections: 1}, s.counters())
}

func (s *PipelineSuite) TestScenarioCNonConvergence() {
	out, err := s.pipeline.Process(context.Background(), scenarioC("C-1"))
	s.Require().NoError(err)

	rec := out.Record
	s.Equal(ledger.DecisionReject, rec.Decision)
	s.Require().NotNil(rec.Plan)
	s.False(rec.Plan.Converged)
	s.NotEmpty(rec.Plan.Exhaustion)
	s.Require().NotNil(rec.Verdict)
	s.Contains(rec.Verdict.NonConvergence, "search stopped")
	for _, v := range rec.Verdict.Violations {
		s.NotContains(v.Reason, "search stopped")
	}
}

func (s *PipelineSuite) TestInvalidInput() {
	s.Run("non-PSD covariance is rejected before anything is recorded", func() {
		r := scenarioB("BAD-1", 0.004)
		r.Covariance = conjunction.Covariance{VarX: 0.25, VarY: 0.25, CovXY: 1}
		_, err := s.pipeline.Process(context.Background(), r)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidConjunctionData))
		s.Equal(ledger.Counters{}, s.counters())
		s.Equal(1.0, testutil.ToFloat64(s.metrics.Failures.WithLabelValues(string(dErrors.CodeInvalidConjunctionData))))
	})

	s.Run("missing object id is rejected", func() {
		r := scenarioA("BAD-2")
		r.ObjectBID = ""
		_, err := s.pipeline.Process(context.Background(), r)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidConjunctionData))
	})
}

func (s *PipelineSuite) TestReplay() {
	ctx := context.Background()
	first, err := s.pipeline.Process(ctx, scenarioB("B-R", 0.004))
	s.Require().NoError(err)

	s.Run("resubmission returns the stored record", func() {
		again, err := s.pipeline.Process(ctx, scenarioB("B-R", 0.004))
		s.Require().NoError(err)
		s.True(again.Replayed)
		s.Equal(first.Record.RecordID, again.Record.RecordID)
		s.Equal(first.Record.Sequence, again.Record.Sequence)
		s.Equal(first.Trace, again.Trace)
	})

	s.Run("counters move once", func() {
		s.Equal(ledger.Counters{CDMProcessed: 1, ManeuversExecuted: 1}, s.counters())
		s.Equal(1.0, testutil.ToFloat64(s.metrics.Replays))
	})

	s.Run("a lost race on append also replays", func() {
		p := s.newPipeline(&staleReads{Ledger: s.ledger})
		out, err := p.Process(ctx, scenarioB("B-R", 0.004))
		s.Require().NoError(err)
		s.True(out.Replayed)
		s.Equal(first.Record.RecordID, out.Record.RecordID)
		s.Equal(ledger.Counters{CDMProcessed: 1, ManeuversExecuted: 1}, s.counters())
	})
}

func (s *PipelineSuite) TestSimilarStrategiesSeedTheSearch() {
	ctx := context.Background()
	_, err := s.pipeline.Process(ctx, scenarioB("B-S1", 0.004))
	s.Require().NoError(err)

	r := scenarioB("B-S2", 0.004)
	r.MissDistanceKm = [2]float64{0.06, 0}
	out, err := s.pipeline.Process(ctx, r)
	s.Require().NoError(err)
	s.Require().NotNil(out.Record.Plan)
	s.True(out.Record.Plan.Seeded)
	s.Equal(ledger.DecisionExecute, out.Record.Decision)
}

func (s *PipelineSuite) TestLedgerFailure() {
	ctrl := gomock.NewController(s.T())
	store := mocks.NewMockStore(ctrl)
	failing := ledger.New(store, ledger.WithLogger(s.logger), ledger.WithRetry(2, time.Millisecond))
	p := s.newPipeline(failing)

	store.EXPECT().Get(gomock.Any(), gomock.Any()).Return(ledger.AuditRecord{}, sentinel.ErrNotFound)
	store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(int64(0), errors.New("disk full")).Times(3)

	_, err := p.Process(context.Background(), scenarioA("A-F"))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeLedgerWriteFailure))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Failures.WithLabelValues(string(dErrors.CodeLedgerWriteFailure))))
}

func (s *PipelineSuite) TestDeterminism() {
	ctx := context.Background()
	a, err := s.pipeline.Process(ctx, scenarioB("B-D", 0.004))
	s.Require().NoError(err)

	other := ledger.New(memory.NewInMemoryStore(), ledger.WithLogger(s.logger))
	b, err := s.newPipeline(other).Process(ctx, scenarioB("B-D", 0.004))
	s.Require().NoError(err)

	s.Equal(a.Record.EventID, b.Record.EventID)
	s.Equal(a.Record.Assessment, b.Record.Assessment)
	s.Equal(a.Record.Plan, b.Record.Plan)
	s.Equal(a.Record.Verdict, b.Record.Verdict)
	s.Equal(a.Record.Decision, b.Record.Decision)
}

// staleReads hides existing records from the first lookup, as if another
// writer appended between the pre-check and the append.
type staleReads struct {
	*ledger.Ledger
	once sync.Once
}

func (r *staleReads) Get(ctx context.Context, id conjunction.EventID) (ledger.AuditRecord, error) {
	stale := false
	r.once.Do(func() { stale = true })
	if stale {
		return ledger.AuditRecord{}, dErrors.New(dErrors.CodeNotFound, "no record for event")
	}
	return r.Ledger.Get(ctx, id)
}

// =============================================================================
// Batch
// =============================================================================

func TestProcessBatch(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	newPipeline := func(t *testing.T) (*pipeline.Pipeline, *ledger.Ledger) {
		l := ledger.New(memory.NewInMemoryStore(), ledger.WithLogger(logger))
		p, err := pipeline.New(policy.Default(), l, pipeline.WithLogger(logger))
		require.NoError(t, err)
		return p, l
	}

	bdd.Given(t, "a mixed batch with one invalid record", func(t *testing.T) {
		bad := scenarioA("BATCH-BAD")
		bad.HardBodyRadiusKm = -1
		records := []conjunction.Record{
			scenarioA("BATCH-0"),
			scenarioB("BATCH-1", 0.004),
			bad,
			scenarioB("BATCH-3", 0.001),
		}
		for i := 4; i < 12; i++ {
			records = append(records, scenarioA(fmt.Sprintf("BATCH-%d", i)))
		}

		bdd.When(t, "processed with limited parallelism", func(t *testing.T) {
			p, l := newPipeline(t)
			results, err := p.ProcessBatch(context.Background(), records, 3)
			require.NoError(t, err)

			bdd.Then(t, "results keep input order", func(t *testing.T) {
				require.Len(t, results, len(records))
				for i, r := range results {
					require.Equal(t, i, r.Index)
				}
				require.Equal(t, ledger.DecisionMonitor, results[0].Outcome.Record.Decision)
				require.Equal(t, ledger.DecisionExecute, results[1].Outcome.Record.Decision)
				require.Equal(t, ledger.DecisionReject, results[3].Outcome.Record.Decision)
			})

			bdd.Then(t, "the invalid record fails alone", func(t *testing.T) {
				require.Nil(t, results[2].Outcome)
				require.True(t, dErrors.HasCode(results[2].Err, dErrors.CodeInvalidConjunctionData))
				for i, r := range results {
					if i != 2 {
						require.NoError(t, r.Err)
					}
				}
			})

			bdd.And(t, "each valid record is appended once", func(t *testing.T) {
				c, err := l.Counters(context.Background())
				require.NoError(t, err)
				require.Equal(t, ledger.Counters{CDMProcessed: 11, ManeuversExecuted: 1, Rejections: 1}, c)
			})
		})
	})

	bdd.Given(t, "the same event submitted concurrently", func(t *testing.T) {
		p, l := newPipeline(t)
		records := make([]conjunction.Record, 8)
		for i := range records {
			records[i] = scenarioB("DUP", 0.004)
		}
		results, err := p.ProcessBatch(context.Background(), records, 8)
		require.NoError(t, err)

		bdd.Then(t, "exactly one submission is recorded and the rest replay it", func(t *testing.T) {
			fresh := 0
			for _, r := range results {
				require.NoError(t, r.Err)
				if !r.Outcome.Replayed {
					fresh++
				}
				require.Equal(t, results[0].Outcome.Record.RecordID, r.Outcome.Record.RecordID)
			}
			require.Equal(t, 1, fresh)
		})

		bdd.And(t, "the counters move once", func(t *testing.T) {
			c, err := l.Counters(context.Background())
			require.NoError(t, err)
			require.Equal(t, int64(1), c.CDMProcessed)
		})
	})

	bdd.Given(t, "a cancelled context", func(t *testing.T) {
		p, _ := newPipeline(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		results, err := p.ProcessBatch(ctx, []conjunction.Record{scenarioA("X-1"), scenarioA("X-2")}, 2)

		bdd.Then(t, "no record is processed", func(t *testing.T) {
			require.ErrorIs(t, err, context.Canceled)
			for _, r := range results {
				require.ErrorIs(t, r.Err, context.Canceled)
			}
		})
	})
}
