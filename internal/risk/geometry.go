package risk

import (
	"math"

	"orbitguard/internal/conjunction"
)

// Geometry summarises an encounter for similarity lookups: how many major-axis
// sigmas separate the objects and how elongated the uncertainty ellipse is.
type Geometry struct {
	NormalizedMiss float64 `json:"normalized_miss"`
	Shape          float64 `json:"shape"`
	SigmaMajorKm   float64 `json:"sigma_major_km"`
}

// GeometryOf derives the similarity features of ev.
func GeometryOf(ev conjunction.Event) Geometry {
	ax := PrincipalAxes(ev.Covariance)
	s1 := math.Sqrt(ax.Major)
	miss := math.Hypot(ev.Miss.X, ev.Miss.Y)
	g := Geometry{SigmaMajorKm: s1}
	if s1 > 0 {
		g.NormalizedMiss = miss / s1
		g.Shape = math.Sqrt(ax.Minor) / s1
	}
	return g
}

// Distance is the Euclidean distance between two geometries' features.
func (g Geometry) Distance(o Geometry) float64 {
	return math.Hypot(g.NormalizedMiss-o.NormalizedMiss, g.Shape-o.Shape)
}
