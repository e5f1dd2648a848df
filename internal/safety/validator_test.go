package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"orbitguard/internal/conjunction"
	"orbitguard/internal/maneuver"
	"orbitguard/internal/policy"
	"orbitguard/internal/risk"
	dErrors "orbitguard/pkg/domain-errors"
)

type ValidatorSuite struct {
	suite.Suite
	policy    policy.Policy
	validator *Validator
}

func TestValidatorSuite(t *testing.T) {
	suite.Run(t, new(ValidatorSuite))
}

func (s *ValidatorSuite) SetupTest() {
	s.policy = policy.Default()
	s.validator = NewValidator(s.policy)
}

func (s *ValidatorSuite) event(fuel float64) conjunction.Event {
	return conjunction.Event{
		Miss:              conjunction.Vec2{X: 0.05},
		Covariance:        conjunction.Covariance{VarX: 0.25, VarY: 0.25},
		HardBodyRadiusKm:  0.01,
		FuelBudgetKmS:     fuel,
		PerigeeAltitudeKm: 450,
		LeadTime:          time.Minute,
	}
}

func (s *ValidatorSuite) plan(dv float64, dir maneuver.Direction, pc float64, perigee float64) maneuver.Plan {
	return maneuver.Plan{
		DeltaV:        maneuver.DeltaV{MagnitudeKmS: dv, Direction: dir},
		ProjectedPc:   pc,
		TargetPc:      s.policy.TargetPc(),
		PostPerigeeKm: perigee,
		Converged:     pc <= s.policy.TargetPc(),
	}
}

func (s *ValidatorSuite) optimize(ev conjunction.Event) maneuver.Plan {
	assessor := risk.NewAssessor(s.policy.RiskThreshold)
	a, err := assessor.Assess(ev)
	s.Require().NoError(err)
	s.Require().Equal(risk.HighRisk, a.Classification)
	plan, err := maneuver.NewOptimizer(assessor, s.policy).Optimize(ev, a, nil)
	s.Require().NoError(err)
	return plan
}

func constraints(v SafetyVerdict) []Constraint {
	out := make([]Constraint, 0, len(v.Violations))
	for _, viol := range v.Violations {
		out = append(out, viol.Constraint)
	}
	return out
}

func (s *ValidatorSuite) TestExecute() {
	s.Run("converged plan within every limit", func() {
		v := s.validator.Validate(s.plan(0.003, maneuver.InTrackPrograde, 8e-5, 450), s.event(0.004))
		s.Equal(VerdictExecute, v.Verdict)
		s.Empty(v.Violations)
		s.Empty(v.NonConvergence)
		s.NoError(v.Err())
	})

	s.Run("limits are inclusive", func() {
		v := s.validator.Validate(s.plan(0.005, maneuver.InTrackPrograde, 8e-5, 400), s.event(0.005))
		s.Equal(VerdictExecute, v.Verdict)
	})

	s.Run("scenario B with enough fuel", func() {
		ev := s.event(0.004)
		v := s.validator.Validate(s.optimize(ev), ev)
		s.Equal(VerdictExecute, v.Verdict)
	})
}

func (s *ValidatorSuite) TestViolations() {
	s.Run("collects every violated constraint", func() {
		v := s.validator.Validate(s.plan(0.006, maneuver.InTrackRetrograde, 2e-4, 380), s.event(0.004))
		s.Equal(VerdictReject, v.Verdict)
		s.Equal([]Constraint{
			ConstraintFuelBudget,
			ConstraintMaxDeltaV,
			ConstraintInsufficient,
			ConstraintPerigee,
		}, constraints(v))
	})

	s.Run("fuel budget only", func() {
		v := s.validator.Validate(s.plan(0.003, maneuver.InTrackPrograde, 8e-5, 450), s.event(0.002))
		s.Equal([]Constraint{ConstraintFuelBudget}, constraints(v))
		s.Equal(0.003, v.Violations[0].Actual)
		s.Equal(0.002, v.Violations[0].Limit)
	})

	s.Run("perigee floor only", func() {
		v := s.validator.Validate(s.plan(0.003, maneuver.InTrackRetrograde, 8e-5, 399.9), s.event(0.004))
		s.Equal([]Constraint{ConstraintPerigee}, constraints(v))
	})

	s.Run("reject maps to a safety violation error", func() {
		v := s.validator.Validate(s.plan(0.003, maneuver.InTrackRetrograde, 8e-5, 399.9), s.event(0.004))
		err := v.Err()
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeSafetyViolation))
		s.Equal([]string{string(ConstraintPerigee)}, dErrors.FieldsOf(err))
	})
}

func (s *ValidatorSuite) TestScenarioBInsufficientFuel() {
	ev := s.event(0.001)
	plan := s.optimize(ev)
	s.Require().False(plan.Converged)

	v := s.validator.Validate(plan, ev)
	s.Equal(VerdictReject, v.Verdict)
	s.Equal([]Constraint{ConstraintInsufficient}, constraints(v))
	s.Contains(v.Violations[0].Reason, "insufficient Δv")
	s.NotEmpty(v.NonConvergence)
}

func (s *ValidatorSuite) TestScenarioCNonConvergence() {
	// 5 km sigma and a 500 m hard body: the margin needs a shift of ~14 km.
	ev := conjunction.Event{
		Miss:              conjunction.Vec2{X: 0.05},
		Covariance:        conjunction.Covariance{VarX: 25, VarY: 25},
		HardBodyRadiusKm:  0.5,
		FuelBudgetKmS:     0.004,
		PerigeeAltitudeKm: 450,
		LeadTime:          time.Minute,
	}
	plan := s.optimize(ev)
	s.Require().False(plan.Converged)
	s.LessOrEqual(plan.DeltaV.MagnitudeKmS, ev.FuelBudgetKmS)

	v := s.validator.Validate(plan, ev)
	s.Equal(VerdictReject, v.Verdict)
	s.Contains(v.NonConvergence, "search stopped")
	for _, viol := range v.Violations {
		s.NotContains(viol.Reason, "search stopped")
	}
}

func (s *ValidatorSuite) TestDeterminism() {
	p := s.plan(0.006, maneuver.RadialIn, 2e-4, 380)
	ev := s.event(0.004)
	s.Equal(s.validator.Validate(p, ev), s.validator.Validate(p, ev))
}
