// Package maneuver searches for the smallest velocity change that brings the
// projected probability of collision under the safety margin.
package maneuver

import (
	"math"

	"orbitguard/internal/conjunction"
	"orbitguard/internal/policy"
	"orbitguard/internal/risk"
	dErrors "orbitguard/pkg/domain-errors"
)

// Projector recomputes Pc for an event with a shifted miss vector.
type Projector interface {
	Project(ev conjunction.Event, miss conjunction.Vec2) float64
}

const (
	// monotoneSamples is the number of probes used to decide whether Pc falls
	// monotonically with Δv along a direction.
	monotoneSamples = 17
	// minBracketKmS stops bisection once the bracket is narrower than this.
	minBracketKmS = 1e-12
	// tieKmS treats two Δv magnitudes as equal.
	tieKmS = 1e-12
)

// Optimizer is pure and deterministic: identical events, policy and hints
// always yield identical plans.
type Optimizer struct {
	projector Projector
	policy    policy.Policy
}

// NewOptimizer builds an Optimizer using p's margin, iteration cap and tolerance.
func NewOptimizer(projector Projector, p policy.Policy) *Optimizer {
	return &Optimizer{projector: projector, policy: p}
}

type candidate struct {
	direction  Direction
	dv         float64
	pc         float64
	iterations int
	evals      int
	converged  bool
	exhaustion Exhaustion
	search     Search
	seeded     bool
}

// Optimize runs only for HIGH_RISK assessments. It always returns a plan for
// them: when no direction reaches the margin the plan carries the best Δv
// found, clipped to the fuel budget, with Converged=false.
func (o *Optimizer) Optimize(ev conjunction.Event, assessment risk.Assessment, hints []Hint) (Plan, error) {
	if assessment.Classification != risk.HighRisk {
		return Plan{}, dErrors.New(dErrors.CodeInternal, "optimizer invoked for a low-risk event")
	}

	sigma := risk.GeometryOf(ev).SigmaMajorKm
	evals := 0
	var best *candidate
	for _, dir := range Directions {
		c := o.searchDirection(ev, dir, seedFor(dir, hints, sigma))
		evals += c.evals
		if best == nil || better(c, *best) {
			cc := c
			best = &cc
		}
	}

	dv := math.Min(best.dv, ev.FuelBudgetKmS)
	shifted := ShiftedMiss(ev.Miss, best.direction, dv, ev.LeadTime)
	u := best.direction.Unit()
	return Plan{
		DeltaV: DeltaV{
			MagnitudeKmS: dv,
			Direction:    best.direction,
			Vector:       conjunction.Vec2{X: u.X * dv, Y: u.Y * dv},
		},
		ShiftedMiss:     shifted,
		ProjectedMissKm: norm(shifted),
		ProjectedPc:     best.pc,
		TargetPc:        o.policy.TargetPc(),
		PostPerigeeKm:   PostManeuverPerigee(ev.PerigeeAltitudeKm, dv, best.direction),
		Iterations:      best.iterations,
		Evaluations:     evals,
		Converged:       best.converged,
		Exhaustion:      best.exhaustion,
		Search:          best.search,
		Seeded:          best.seeded,
	}, nil
}

// better orders candidates: converged before not; among converged the
// smaller Δv, with in-track preferred on ties; among unconverged the lower Pc.
func better(a, b candidate) bool {
	if a.converged != b.converged {
		return a.converged
	}
	if !a.converged {
		if a.pc != b.pc {
			return a.pc < b.pc
		}
	} else if math.Abs(a.dv-b.dv) > tieKmS {
		return a.dv < b.dv
	}
	if a.direction.InTrack() != b.direction.InTrack() {
		return a.direction.InTrack()
	}
	if a.dv != b.dv {
		return a.dv < b.dv
	}
	return a.direction.rank() < b.direction.rank()
}

// seedFor picks the nearest hint for dir. Hints arrive ordered by similarity.
func seedFor(dir Direction, hints []Hint, sigma float64) *float64 {
	for _, h := range hints {
		if h.Direction == dir && h.DeltaVKmS > 0 {
			s := h.scaledSeed(sigma)
			return &s
		}
	}
	return nil
}

func (o *Optimizer) searchDirection(ev conjunction.Event, dir Direction, seed *float64) candidate {
	target := o.policy.TargetPc()
	upper := ev.FuelBudgetKmS
	evals := 0
	pcAt := func(dv float64) float64 {
		evals++
		return o.projector.Project(ev, ShiftedMiss(ev.Miss, dir, dv, ev.LeadTime))
	}

	var c candidate
	switch {
	case upper <= 0:
		pc := pcAt(0)
		c = candidate{direction: dir, pc: pc, iterations: 1, converged: pc <= target, search: SearchBisection}
		if !c.converged {
			c.exhaustion = ExhaustionBracket
		}
	case isMonotone(pcAt, upper):
		c = o.bisect(dir, pcAt, upper, target, seed)
	default:
		c = o.descend(dir, pcAt, upper, target, seed)
	}
	c.evals = evals
	return c
}

// isMonotone probes Pc across [0, upper] and reports whether it never rises.
func isMonotone(pcAt func(float64) float64, upper float64) bool {
	prev := pcAt(0)
	for i := 1; i < monotoneSamples; i++ {
		pc := pcAt(upper * float64(i) / float64(monotoneSamples-1))
		if pc > prev*(1+1e-12) {
			return false
		}
		prev = pc
	}
	return true
}

// bisect keeps pc(lo) > target >= pc(hi) and shrinks the bracket until the
// feasible end is within tolerance of the target or the bracket collapses.
func (o *Optimizer) bisect(dir Direction, pcAt func(float64) float64, upper, target float64, seed *float64) candidate {
	c := candidate{direction: dir, search: SearchBisection}

	pHi := pcAt(upper)
	c.iterations = 1
	if pHi > target {
		c.dv, c.pc, c.exhaustion = upper, pHi, ExhaustionBracket
		return c
	}
	pLo := pcAt(0)
	c.iterations++
	if pLo <= target {
		c.dv, c.pc, c.converged = 0, pLo, true
		return c
	}

	lo, hi := 0.0, upper
	next := (lo + hi) / 2
	if seed != nil && *seed > lo && *seed < hi {
		next = *seed
		c.seeded = true
	}
	tol := o.policy.PcTolerance * target

	for c.iterations < o.policy.MaxIterations {
		c.iterations++
		p := pcAt(next)
		if p <= target {
			hi, pHi = next, p
		} else {
			lo = next
		}
		if target-pHi <= tol || hi-lo <= minBracketKmS {
			break
		}
		next = (lo + hi) / 2
	}

	c.dv, c.pc, c.converged = hi, pHi, true
	return c
}

// descend handles geometries where Pc is not monotone in Δv: a fixed-step
// walk that moves downhill in Pc until the margin is met, then walks back to
// the smallest feasible Δv and refines the final step by bisection.
func (o *Optimizer) descend(dir Direction, pcAt func(float64) float64, upper, target float64, seed *float64) candidate {
	c := candidate{direction: dir, search: SearchDescent}
	maxIter := o.policy.MaxIterations
	step := upper / float64(maxIter)

	v := upper / 2
	if seed != nil && *seed >= 0 && *seed <= upper {
		v = *seed
		c.seeded = true
	}

	bestDv, bestPc := v, math.Inf(1)
	feasible := false
	record := func(dv, pc float64) {
		switch {
		case pc <= target && (!feasible || dv < bestDv):
			bestDv, bestPc, feasible = dv, pc, true
		case !feasible && pc < bestPc:
			bestDv, bestPc = dv, pc
		}
	}

	p := pcAt(v)
	c.iterations = 1
	record(v, p)

	for c.iterations < maxIter {
		if p <= target {
			back := v - step
			if back < 0 {
				break
			}
			c.iterations++
			pb := pcAt(back)
			record(back, pb)
			if pb > target {
				lo, hi := back, v
				for c.iterations < maxIter && hi-lo > minBracketKmS {
					c.iterations++
					mid := (lo + hi) / 2
					pm := pcAt(mid)
					record(mid, pm)
					if pm <= target {
						hi = mid
						if target-pm <= o.policy.PcTolerance*target {
							break
						}
					} else {
						lo = mid
					}
				}
				break
			}
			v, p = back, pb
			continue
		}

		c.iterations++
		up := math.Min(v+step, upper)
		down := math.Max(v-step, 0)
		pUp, pDown := pcAt(up), pcAt(down)
		record(up, pUp)
		record(down, pDown)
		nv, np := up, pUp
		if pDown < pUp {
			nv, np = down, pDown
		}
		if np >= p && nv != v {
			// local minimum above the margin: no downhill step remains
			break
		}
		if nv == v {
			break
		}
		v, p = nv, np
	}

	c.dv, c.pc, c.converged = bestDv, bestPc, feasible
	if !feasible {
		if c.iterations >= maxIter {
			c.exhaustion = ExhaustionIterations
		} else {
			c.exhaustion = ExhaustionBracket
		}
	}
	return c
}
