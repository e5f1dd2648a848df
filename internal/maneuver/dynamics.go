package maneuver

import (
	"math"
	"time"

	"orbitguard/internal/conjunction"
)

const (
	muEarthKm3S2  = 398600.4418
	earthRadiusKm = 6378.137

	// in-track burns drift three times faster than radial ones over the same
	// lead time (linearised relative motion)
	inTrackDriftFactor = 3.0
	radialDriftFactor  = 1.0
)

// Sensitivity is the encounter-plane shift in km produced by 1 km/s of Δv
// along d, applied lead before TCA.
func Sensitivity(d Direction, lead time.Duration) float64 {
	t := lead.Seconds()
	if d.InTrack() {
		return inTrackDriftFactor * t
	}
	return radialDriftFactor * t
}

// ShiftedMiss moves miss by the displacement a burn of dv km/s along d produces.
func ShiftedMiss(miss conjunction.Vec2, d Direction, dv float64, lead time.Duration) conjunction.Vec2 {
	u := d.Unit()
	s := Sensitivity(d, lead) * dv
	return conjunction.Vec2{X: miss.X + u.X*s, Y: miss.Y + u.Y*s}
}

// PostManeuverPerigee estimates perigee altitude after the burn using a
// near-circular orbit at the current perigee. Prograde burns leave perigee
// unchanged; retrograde burns lower it by 4aΔv/v; radial burns by aΔv/v.
func PostManeuverPerigee(perigeeKm, dv float64, d Direction) float64 {
	a := earthRadiusKm + perigeeKm
	if a <= 0 {
		return perigeeKm
	}
	v := math.Sqrt(muEarthKm3S2 / a)
	switch d {
	case InTrackRetrograde:
		return perigeeKm - 4*a*dv/v
	case RadialOut, RadialIn:
		return perigeeKm - a*dv/v
	}
	return perigeeKm
}
