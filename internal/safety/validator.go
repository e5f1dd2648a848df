// Package safety gates maneuver plans against the hard operational limits.
package safety

import (
	"fmt"
	"math"

	"orbitguard/internal/conjunction"
	"orbitguard/internal/maneuver"
	"orbitguard/internal/policy"
	dErrors "orbitguard/pkg/domain-errors"
)

// Verdict is the binary gate outcome.
type Verdict string

const (
	VerdictExecute Verdict = "EXECUTE"
	VerdictReject  Verdict = "REJECT"
)

// Constraint names a hard limit.
type Constraint string

const (
	ConstraintFuelBudget   Constraint = "exceeds_fuel_budget"
	ConstraintMaxDeltaV    Constraint = "exceeds_max_delta_v"
	ConstraintInsufficient Constraint = "insufficient_delta_v"
	ConstraintPerigee      Constraint = "perigee_below_floor"
)

// Violation is one failed constraint with the numbers behind it.
type Violation struct {
	Constraint Constraint `json:"constraint"`
	Reason     string     `json:"reason"`
	Actual     float64    `json:"actual"`
	Limit      float64    `json:"limit"`
}

// SafetyVerdict is immutable once produced. NonConvergence is kept apart from
// the violations so operators can tell an optimizer shortfall from a limit.
type SafetyVerdict struct {
	Verdict        Verdict     `json:"verdict"`
	Violations     []Violation `json:"violations"`
	NonConvergence string      `json:"non_convergence,omitempty"`
}

// Err returns a CodeSafetyViolation error summarising a REJECT, or nil.
func (v SafetyVerdict) Err() error {
	if v.Verdict == VerdictExecute {
		return nil
	}
	fields := make([]string, 0, len(v.Violations))
	for _, viol := range v.Violations {
		fields = append(fields, string(viol.Constraint))
	}
	return dErrors.New(dErrors.CodeSafetyViolation, "maneuver rejected").WithFields(fields...)
}

// Validator is stateless; it never short-circuits so every violation reaches
// the operator.
type Validator struct {
	maxDeltaVKmS float64
	minPerigeeKm float64
}

// NewValidator enforces p's maximum Δv and perigee floor.
func NewValidator(p policy.Policy) *Validator {
	return &Validator{maxDeltaVKmS: p.MaxDeltaVKmS, minPerigeeKm: p.MinPerigeeKm}
}

// Validate checks, in order, the Δv limits and the post-maneuver perigee.
func (v *Validator) Validate(plan maneuver.Plan, ev conjunction.Event) SafetyVerdict {
	dv := plan.DeltaV.MagnitudeKmS
	out := SafetyVerdict{Violations: []Violation{}}

	if dv > ev.FuelBudgetKmS {
		out.Violations = append(out.Violations, Violation{
			Constraint: ConstraintFuelBudget,
			Reason:     fmt.Sprintf("Δv %.6f km/s exceeds fuel budget %.6f km/s", dv, ev.FuelBudgetKmS),
			Actual:     dv,
			Limit:      ev.FuelBudgetKmS,
		})
	}
	if dv > v.maxDeltaVKmS {
		out.Violations = append(out.Violations, Violation{
			Constraint: ConstraintMaxDeltaV,
			Reason:     fmt.Sprintf("Δv %.6f km/s exceeds maximum %.6f km/s", dv, v.maxDeltaVKmS),
			Actual:     dv,
			Limit:      v.maxDeltaVKmS,
		})
	}
	if !plan.Converged || plan.ProjectedPc > plan.TargetPc {
		out.Violations = append(out.Violations, Violation{
			Constraint: ConstraintInsufficient,
			Reason: fmt.Sprintf("insufficient Δv: %.6f km/s within %.6f km/s leaves projected Pc %.3e above %.3e",
				dv, math.Min(ev.FuelBudgetKmS, v.maxDeltaVKmS), plan.ProjectedPc, plan.TargetPc),
			Actual: plan.ProjectedPc,
			Limit:  plan.TargetPc,
		})
	}
	if plan.PostPerigeeKm < v.minPerigeeKm {
		out.Violations = append(out.Violations, Violation{
			Constraint: ConstraintPerigee,
			Reason:     fmt.Sprintf("post-maneuver perigee %.2f km below floor %.2f km", plan.PostPerigeeKm, v.minPerigeeKm),
			Actual:     plan.PostPerigeeKm,
			Limit:      v.minPerigeeKm,
		})
	}
	if err := plan.NonConvergence(); err != nil {
		out.NonConvergence = err.Error()
	}

	out.Verdict = VerdictExecute
	if len(out.Violations) > 0 {
		out.Verdict = VerdictReject
	}
	return out
}
