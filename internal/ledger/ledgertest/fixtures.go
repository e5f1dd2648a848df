// Package ledgertest builds valid audit records for store and service tests.
package ledgertest

import (
	"fmt"
	"time"

	"orbitguard/internal/conjunction"
	"orbitguard/internal/ledger"
	"orbitguard/internal/maneuver"
	"orbitguard/internal/risk"
	"orbitguard/internal/safety"
)

// BaseTCA anchors fixture times.
var BaseTCA = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Event returns the n-th fixture event with the given miss and isotropic sigma.
func Event(n int, missKm, sigmaKm float64) conjunction.Event {
	tca := BaseTCA.Add(time.Duration(n) * time.Minute)
	a, b := fmt.Sprintf("SAT-%04d", n), "DEB-0001"
	cdm := fmt.Sprintf("CDM-%04d", n)
	return conjunction.Event{
		ID:                conjunction.DeriveEventID(a, b, tca, cdm),
		CDMID:             cdm,
		ObjectAID:         a,
		ObjectBID:         b,
		TCA:               tca,
		Miss:              conjunction.Vec2{X: missKm},
		Covariance:        conjunction.Covariance{VarX: sigmaKm * sigmaKm, VarY: sigmaKm * sigmaKm},
		HardBodyRadiusKm:  0.01,
		FuelBudgetKmS:     0.004,
		PerigeeAltitudeKm: 450,
		LeadTime:          time.Minute,
	}
}

// Monitor is a LOW_RISK record.
func Monitor(n int) ledger.AuditRecord {
	ev := Event(n, 1.0, 0.2)
	return ledger.AuditRecord{
		EventID:    ev.ID,
		Event:      ev,
		Assessment: risk.Assessment{EventID: ev.ID, Pc: 1e-9, Classification: risk.LowRisk, Threshold: 1e-4},
		Decision:   ledger.DecisionMonitor,
		PolicyHash: "sha256:test",
	}
}

// Execute is a HIGH_RISK record with a converged plan of dv km/s along dir.
func Execute(n int, missKm, sigmaKm, dv float64, dir maneuver.Direction) ledger.AuditRecord {
	ev := Event(n, missKm, sigmaKm)
	u := dir.Unit()
	plan := maneuver.Plan{
		DeltaV:        maneuver.DeltaV{MagnitudeKmS: dv, Direction: dir, Vector: conjunction.Vec2{X: u.X * dv, Y: u.Y * dv}},
		ProjectedPc:   8.9e-5,
		TargetPc:      9e-5,
		PostPerigeeKm: 450,
		Iterations:    24,
		Converged:     true,
		Search:        maneuver.SearchBisection,
	}
	verdict := safety.SafetyVerdict{Verdict: safety.VerdictExecute, Violations: []safety.Violation{}}
	return ledger.AuditRecord{
		EventID:    ev.ID,
		Event:      ev,
		Assessment: risk.Assessment{EventID: ev.ID, Pc: 2e-4, Classification: risk.HighRisk, Threshold: 1e-4},
		Plan:       &plan,
		Verdict:    &verdict,
		Decision:   ledger.DecisionExecute,
		PolicyHash: "sha256:test",
	}
}

// Reject is a HIGH_RISK record whose plan failed the fuel budget.
func Reject(n int) ledger.AuditRecord {
	rec := Execute(n, 0.05, 0.5, 0.001, maneuver.InTrackPrograde)
	plan := *rec.Plan
	plan.Converged = false
	plan.ProjectedPc = 1.8e-4
	plan.Exhaustion = maneuver.ExhaustionBracket
	verdict := safety.SafetyVerdict{
		Verdict: safety.VerdictReject,
		Violations: []safety.Violation{{
			Constraint: safety.ConstraintInsufficient,
			Reason:     "insufficient Δv",
			Actual:     1.8e-4,
			Limit:      9e-5,
		}},
		NonConvergence: "search stopped (bracket)",
	}
	rec.Plan = &plan
	rec.Verdict = &verdict
	rec.Decision = ledger.DecisionReject
	return rec
}
