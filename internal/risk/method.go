package risk

import (
	"math"

	"gonum.org/v1/gonum/integrate/quad"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"orbitguard/internal/conjunction"
)

// Method computes the probability that the relative position, distributed as
// a zero-mean Gaussian with covariance cov, falls inside the disk of the given
// radius centred on miss. Implementations must be deterministic.
type Method interface {
	Name() string
	Probability(miss conjunction.Vec2, cov conjunction.Covariance, radius float64) float64
}

// degenerateRatio is the eigenvalue ratio below which the minor axis is
// treated as carrying no uncertainty.
const degenerateRatio = 1e-12

// Axes is the principal-axis decomposition of a 2×2 covariance.
type Axes struct {
	// Major and Minor are the eigenvalues, Major >= Minor >= 0.
	Major, Minor float64
	// MajorDir and MinorDir are the matching unit eigenvectors.
	MajorDir, MinorDir conjunction.Vec2
}

// PrincipalAxes decomposes cov. Tiny negative eigenvalues from rounding are
// clamped to zero.
func PrincipalAxes(cov conjunction.Covariance) Axes {
	sym := mat.NewSymDense(2, []float64{cov.VarX, cov.CovXY, cov.CovXY, cov.VarY})
	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		// fall back to the diagonal; only reachable for non-finite input
		return diagonalAxes(cov)
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// Values are ascending.
	ax := Axes{
		Major:    math.Max(vals[1], 0),
		Minor:    math.Max(vals[0], 0),
		MajorDir: canonicalDir(vecs.At(0, 1), vecs.At(1, 1)),
		MinorDir: canonicalDir(vecs.At(0, 0), vecs.At(1, 0)),
	}
	return ax
}

func diagonalAxes(cov conjunction.Covariance) Axes {
	if cov.VarX >= cov.VarY {
		return Axes{Major: math.Max(cov.VarX, 0), Minor: math.Max(cov.VarY, 0),
			MajorDir: conjunction.Vec2{X: 1}, MinorDir: conjunction.Vec2{Y: 1}}
	}
	return Axes{Major: math.Max(cov.VarY, 0), Minor: math.Max(cov.VarX, 0),
		MajorDir: conjunction.Vec2{Y: 1}, MinorDir: conjunction.Vec2{X: 1}}
}

// canonicalDir fixes the sign of an eigenvector so results do not depend on
// the decomposition's arbitrary orientation.
func canonicalDir(x, y float64) conjunction.Vec2 {
	if x < 0 || (x == 0 && y < 0) {
		x, y = -x, -y
	}
	return conjunction.Vec2{X: x, Y: y}
}

func dot(a, b conjunction.Vec2) float64 { return a.X*b.X + a.Y*b.Y }

// GaussLegendre integrates the encounter-plane Gaussian over the hard-body
// disk in the covariance principal frame. The inner chord integral is closed
// form (erf); the outer integral uses Gauss–Legendre panels with x = r·sinθ so
// the integrand stays smooth at the disk edge. Panels are bisected until the
// two halves agree with their parent to within Tolerance.
type GaussLegendre struct {
	// Nodes is the node count of each panel.
	Nodes int
	// Tolerance is the absolute error budget for the whole integral.
	Tolerance float64
}

const (
	DefaultNodes     = 24
	DefaultTolerance = 1e-10

	// maxDepth bounds panel bisection; 2^-maxDepth of the range is far below
	// any feature the chord term can produce in float64.
	maxDepth = 40
)

func (g GaussLegendre) Name() string { return "gauss-legendre-principal-v2" }

func (g GaussLegendre) Probability(miss conjunction.Vec2, cov conjunction.Covariance, radius float64) float64 {
	if radius <= 0 {
		return 0
	}
	ax := PrincipalAxes(cov)
	u := dot(miss, ax.MajorDir)
	v := dot(miss, ax.MinorDir)

	if ax.Major == 0 {
		if math.Hypot(miss.X, miss.Y) <= radius {
			return 1
		}
		return 0
	}
	if ax.Minor <= degenerateRatio*ax.Major {
		return clamp01(lineProbability(u, v, math.Sqrt(ax.Major), radius))
	}

	nodes := g.Nodes
	if nodes <= 0 {
		nodes = DefaultNodes
	}
	tol := g.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	s1 := math.Sqrt(ax.Major)
	s2 := math.Sqrt(ax.Minor)
	norm := 1 / (s1 * math.Sqrt(2*math.Pi))
	inv := 1 / (s2 * math.Sqrt2)

	f := func(theta float64) float64 {
		sin, cos := math.Sincos(theta)
		x := u + radius*sin
		h := radius * cos
		pdf := norm * math.Exp(-0.5*(x/s1)*(x/s1))
		chord := 0.5 * (math.Erf((v+h)*inv) - math.Erf((v-h)*inv))
		return pdf * chord * radius * cos
	}
	// Only the part of the disk within gaussWindow sigmas of the mean along the
	// major axis contributes.
	lo := math.Asin(clampUnit((-gaussWindow*s1 - u) / radius))
	hi := math.Asin(clampUnit((gaussWindow*s1 - u) / radius))
	if hi <= lo {
		return 0
	}

	// The chord term switches on where the half-chord reaches |v|, which is a
	// near-step in θ when the minor axis is narrow. Panel edges go there.
	edges := []float64{lo}
	if math.Abs(v) < radius {
		c := math.Acos(math.Abs(v) / radius)
		for _, b := range []float64{-c, c} {
			if b > edges[len(edges)-1] && b < hi {
				edges = append(edges, b)
			}
		}
	}
	edges = append(edges, hi)

	rule := panelRule{f: f, nodes: nodes}
	share := tol / float64(len(edges)-1)
	var total float64
	for i := 0; i+1 < len(edges); i++ {
		a, b := edges[i], edges[i+1]
		total += rule.adaptive(a, b, rule.fixed(a, b), share, maxDepth)
	}
	return clamp01(total)
}

type panelRule struct {
	f     func(float64) float64
	nodes int
}

func (p panelRule) fixed(a, b float64) float64 {
	return quad.Fixed(p.f, a, b, p.nodes, quad.Legendre{}, 0)
}

func (p panelRule) adaptive(a, b, whole, tol float64, depth int) float64 {
	m := 0.5 * (a + b)
	left, right := p.fixed(a, m), p.fixed(m, b)
	if depth == 0 || math.Abs(left+right-whole) <= tol {
		return left + right
	}
	return p.adaptive(a, m, left, tol/2, depth-1) + p.adaptive(m, b, right, tol/2, depth-1)
}

// gaussWindow bounds the integration range in major-axis sigmas.
const gaussWindow = 12

func clampUnit(x float64) float64 {
	return math.Max(-1, math.Min(1, x))
}

// lineProbability handles uncertainty confined to one axis: the relative
// position moves along the major axis only, so the collision set is the chord
// of the disk cut by that line.
func lineProbability(along, across, sigma, radius float64) float64 {
	if math.Abs(across) > radius {
		return 0
	}
	w := math.Sqrt(radius*radius - across*across)
	n := distuv.Normal{Mu: 0, Sigma: sigma}
	return n.CDF(along+w) - n.CDF(along-w)
}

func clamp01(p float64) float64 {
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}
