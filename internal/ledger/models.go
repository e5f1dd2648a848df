package ledger

import (
	"time"

	"github.com/google/uuid"

	"orbitguard/internal/conjunction"
	"orbitguard/internal/maneuver"
	"orbitguard/internal/risk"
	"orbitguard/internal/safety"
	dErrors "orbitguard/pkg/domain-errors"
)

// Decision is the final operator-facing outcome for an event.
type Decision string

const (
	DecisionMonitor Decision = "MONITOR"
	DecisionExecute Decision = "EXECUTE"
	DecisionReject  Decision = "REJECT"
)

// AuditRecord is the immutable outcome of one pipeline run. Exactly one
// record exists per EventID.
type AuditRecord struct {
	RecordID   uuid.UUID             `json:"record_id"`
	EventID    conjunction.EventID   `json:"event_id"`
	Sequence   int64                 `json:"sequence"`
	RecordedAt time.Time             `json:"recorded_at"`
	Event      conjunction.Event     `json:"event"`
	Assessment risk.Assessment       `json:"assessment"`
	Plan       *maneuver.Plan        `json:"plan,omitempty"`
	Verdict    *safety.SafetyVerdict `json:"verdict,omitempty"`
	Decision   Decision              `json:"decision"`
	PolicyHash string                `json:"policy_hash"`
}

// Clone returns a copy that shares no pointers or slices with r.
func (r AuditRecord) Clone() AuditRecord {
	if r.Plan != nil {
		plan := *r.Plan
		r.Plan = &plan
	}
	if r.Verdict != nil {
		verdict := *r.Verdict
		if verdict.Violations != nil {
			verdict.Violations = append([]safety.Violation(nil), verdict.Violations...)
		}
		r.Verdict = &verdict
	}
	return r
}

// Validate enforces the cross-field invariants a record must satisfy before
// it is persisted.
func (r AuditRecord) Validate() error {
	if r.EventID.IsNil() || r.EventID != r.Event.ID {
		return dErrors.New(dErrors.CodeInternal, "record event id does not match event")
	}
	switch r.Assessment.Classification {
	case risk.LowRisk:
		if r.Decision != DecisionMonitor || r.Plan != nil || r.Verdict != nil {
			return dErrors.New(dErrors.CodeInternal, "low-risk record must be MONITOR without a plan")
		}
	case risk.HighRisk:
		if r.Plan == nil || r.Verdict == nil {
			return dErrors.New(dErrors.CodeInternal, "high-risk record must carry a plan and verdict")
		}
		switch r.Decision {
		case DecisionExecute:
			if r.Verdict.Verdict != safety.VerdictExecute {
				return dErrors.New(dErrors.CodeInternal, "EXECUTE record requires an EXECUTE verdict")
			}
		case DecisionReject:
			if r.Verdict.Verdict != safety.VerdictReject {
				return dErrors.New(dErrors.CodeInternal, "REJECT record requires a REJECT verdict")
			}
		default:
			return dErrors.Newf(dErrors.CodeInternal, "high-risk record cannot be %s", r.Decision)
		}
	default:
		return dErrors.Newf(dErrors.CodeInternal, "unknown classification %q", r.Assessment.Classification)
	}
	return nil
}

// Counters are the durable aggregate counts maintained alongside the records.
type Counters struct {
	CDMProcessed      int64 `json:"cdm_processed"`
	ManeuversExecuted int64 `json:"maneuvers_executed"`
	Rejections        int64 `json:"rejections"`
}

// Counter names as persisted.
const (
	CounterCDMProcessed      = "cdm_processed"
	CounterManeuversExecuted = "maneuvers_executed"
	CounterRejections        = "rejections"
)

// Delta is the counter increment appending a record with decision d causes.
func (d Decision) Delta() Counters {
	c := Counters{CDMProcessed: 1}
	switch d {
	case DecisionExecute:
		c.ManeuversExecuted = 1
	case DecisionReject:
		c.Rejections = 1
	}
	return c
}

// Add returns c + o.
func (c Counters) Add(o Counters) Counters {
	return Counters{
		CDMProcessed:      c.CDMProcessed + o.CDMProcessed,
		ManeuversExecuted: c.ManeuversExecuted + o.ManeuversExecuted,
		Rejections:        c.Rejections + o.Rejections,
	}
}

// OutboxEntry is a committed record awaiting publication to the decision topic.
type OutboxEntry struct {
	ID          uuid.UUID
	AggregateID string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
}

// EventTypeDecisionRecorded tags outbox entries written by Append.
const EventTypeDecisionRecorded = "decision_recorded"

// StrategyEntry is the similarity-index view of an executed maneuver: the
// prior plan together with the geometry it was planned for.
type StrategyEntry struct {
	EventID  conjunction.EventID `json:"event_id"`
	CDMID    string              `json:"cdm_id,omitempty"`
	Sequence int64               `json:"sequence"`
	Geometry risk.Geometry       `json:"geometry"`
	Plan     maneuver.Plan       `json:"plan"`
	Decision Decision            `json:"decision"`
}

// Hint converts the entry into an optimizer seed.
func (e StrategyEntry) Hint() maneuver.Hint {
	return maneuver.Hint{
		DeltaVKmS:    e.Plan.DeltaV.MagnitudeKmS,
		Direction:    e.Plan.DeltaV.Direction,
		SigmaMajorKm: e.Geometry.SigmaMajorKm,
	}
}

// StrategyMatch pairs an entry with its feature-space distance to the query.
type StrategyMatch struct {
	Entry    StrategyEntry `json:"entry"`
	Distance float64       `json:"distance"`
}
