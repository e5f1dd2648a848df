package maneuver

import (
	"math"

	"orbitguard/internal/conjunction"
	dErrors "orbitguard/pkg/domain-errors"
)

// Direction is the burn axis expressed in the encounter plane.
type Direction string

const (
	InTrackPrograde   Direction = "in_track_prograde"
	InTrackRetrograde Direction = "in_track_retrograde"
	RadialOut         Direction = "radial_out"
	RadialIn          Direction = "radial_in"
)

// Directions lists every candidate axis in tie-break order.
var Directions = []Direction{InTrackPrograde, InTrackRetrograde, RadialOut, RadialIn}

// InTrack reports whether d is along the velocity vector.
func (d Direction) InTrack() bool {
	return d == InTrackPrograde || d == InTrackRetrograde
}

// Unit is the encounter-plane unit vector the miss distance moves along.
func (d Direction) Unit() conjunction.Vec2 {
	switch d {
	case InTrackPrograde:
		return conjunction.Vec2{X: 1}
	case InTrackRetrograde:
		return conjunction.Vec2{X: -1}
	case RadialOut:
		return conjunction.Vec2{Y: 1}
	case RadialIn:
		return conjunction.Vec2{Y: -1}
	}
	return conjunction.Vec2{}
}

func (d Direction) rank() int {
	for i, c := range Directions {
		if c == d {
			return i
		}
	}
	return len(Directions)
}

// Exhaustion explains why a search stopped short of the margin.
type Exhaustion string

const (
	ExhaustionNone Exhaustion = ""
	// ExhaustionBracket: even the full fuel budget cannot reach the margin.
	ExhaustionBracket Exhaustion = "bracket"
	// ExhaustionIterations: the iteration budget ran out first.
	ExhaustionIterations Exhaustion = "iterations"
)

// Search names the strategy a plan came from.
type Search string

const (
	SearchBisection Search = "bisection"
	SearchDescent   Search = "descent"
)

// DeltaV is a velocity change in km/s.
type DeltaV struct {
	MagnitudeKmS float64          `json:"magnitude_km_s"`
	Direction    Direction        `json:"direction"`
	Vector       conjunction.Vec2 `json:"vector_km_s"`
}

// Plan is the outcome of one optimization attempt. Re-attempts create new
// plans; a plan is never mutated.
type Plan struct {
	DeltaV          DeltaV           `json:"delta_v"`
	ShiftedMiss     conjunction.Vec2 `json:"shifted_miss_km"`
	ProjectedMissKm float64          `json:"projected_miss_km"`
	ProjectedPc     float64          `json:"projected_pc"`
	TargetPc        float64          `json:"target_pc"`
	PostPerigeeKm   float64          `json:"post_perigee_km"`
	// Iterations counts the chosen direction's search steps and never exceeds
	// the policy's MaxIterations, which caps each direction separately.
	Iterations int `json:"iterations"`
	// Evaluations counts every Pc projection across all directions,
	// monotonicity sampling included.
	Evaluations int        `json:"evaluations"`
	Converged   bool       `json:"converged"`
	Exhaustion  Exhaustion `json:"exhaustion,omitempty"`
	Search      Search     `json:"search"`
	Seeded      bool       `json:"seeded"`
}

// NonConvergence returns a CodeOptimizerNonConvergence error describing why
// the plan missed the margin, or nil when it converged.
func (p Plan) NonConvergence() error {
	if p.Converged {
		return nil
	}
	return dErrors.Newf(dErrors.CodeOptimizerNonConvergence,
		"search stopped (%s) at Δv %.6f km/s with projected Pc %.3e above target %.3e",
		p.Exhaustion, p.DeltaV.MagnitudeKmS, p.ProjectedPc, p.TargetPc)
}

// Hint is a prior successful strategy used to seed the search. Hints are
// advisory only.
type Hint struct {
	DeltaVKmS    float64   `json:"delta_v_km_s"`
	Direction    Direction `json:"direction"`
	SigmaMajorKm float64   `json:"sigma_major_km"`
}

// scaledSeed adapts a prior Δv to the current uncertainty scale; the required
// separation grows roughly linearly with sigma.
func (h Hint) scaledSeed(sigmaMajorKm float64) float64 {
	if h.SigmaMajorKm <= 0 || sigmaMajorKm <= 0 {
		return h.DeltaVKmS
	}
	return h.DeltaVKmS * sigmaMajorKm / h.SigmaMajorKm
}

func norm(v conjunction.Vec2) float64 { return math.Hypot(v.X, v.Y) }
