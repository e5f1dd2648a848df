// Package risk scores conjunctions by probability of collision and classifies
// them against the fixed policy threshold.
package risk

import (
	"math"
	"slices"

	"orbitguard/internal/conjunction"
	dErrors "orbitguard/pkg/domain-errors"
)

// Classification is the binary risk level of an event.
type Classification string

const (
	HighRisk Classification = "HIGH_RISK"
	LowRisk  Classification = "LOW_RISK"
)

// Assessment is created once per event and never mutated.
type Assessment struct {
	EventID        conjunction.EventID `json:"event_id"`
	Pc             float64             `json:"pc"`
	Classification Classification      `json:"classification"`
	Threshold      float64             `json:"threshold"`
	Method         string              `json:"method"`
}

// Assessor computes Pc with a pluggable Method.
type Assessor struct {
	method    Method
	threshold float64
}

// Option configures the Assessor.
type Option func(*Assessor)

// WithMethod swaps the probability formula. The method name is recorded on
// every assessment so results stay attributable to a formula version.
func WithMethod(m Method) Option {
	return func(a *Assessor) {
		if m != nil {
			a.method = m
		}
	}
}

// NewAssessor builds an Assessor classifying against threshold.
func NewAssessor(threshold float64, opts ...Option) *Assessor {
	a := &Assessor{
		method:    GaussLegendre{Nodes: DefaultNodes},
		threshold: threshold,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Threshold returns the classification threshold.
func (a *Assessor) Threshold() float64 { return a.threshold }

// Assess scores ev. Events from conjunction.Ingest are already valid; the
// checks here guard callers that build events by hand.
func (a *Assessor) Assess(ev conjunction.Event) (Assessment, error) {
	if err := checkGeometry(ev.Miss, ev.Covariance, ev.HardBodyRadiusKm); err != nil {
		return Assessment{}, err
	}
	pc := a.method.Probability(ev.Miss, ev.Covariance, ev.HardBodyRadiusKm)
	return Assessment{
		EventID:        ev.ID,
		Pc:             pc,
		Classification: a.Classify(pc),
		Threshold:      a.threshold,
		Method:         a.method.Name(),
	}, nil
}

// Project recomputes Pc for ev with its miss vector replaced by miss.
func (a *Assessor) Project(ev conjunction.Event, miss conjunction.Vec2) float64 {
	return a.method.Probability(miss, ev.Covariance, ev.HardBodyRadiusKm)
}

// Classify applies the strict threshold: Pc equal to the threshold is LOW_RISK.
func (a *Assessor) Classify(pc float64) Classification {
	if pc > a.threshold {
		return HighRisk
	}
	return LowRisk
}

func checkGeometry(miss conjunction.Vec2, cov conjunction.Covariance, radius float64) error {
	var bad []string
	for name, v := range map[string]float64{
		"miss_distance_km[0]":   miss.X,
		"miss_distance_km[1]":   miss.Y,
		"covariance_km2.var_x":  cov.VarX,
		"covariance_km2.var_y":  cov.VarY,
		"covariance_km2.cov_xy": cov.CovXY,
		"hard_body_radius_km":   radius,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			bad = append(bad, name)
		}
	}
	if len(bad) == 0 {
		if radius < 0 {
			bad = append(bad, "hard_body_radius_km")
		}
		if !conjunction.IsPSD(cov) {
			bad = append(bad, "covariance_km2")
		}
	}
	if len(bad) > 0 {
		slices.Sort(bad)
		return dErrors.New(dErrors.CodeInvalidConjunctionData, "invalid geometry").WithFields(bad...)
	}
	return nil
}
