// Package report summarises past decisions from the ledger export. It only
// reads; nothing in the pipeline depends on it.
package report

import (
	"context"
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"orbitguard/internal/conjunction"
	"orbitguard/internal/ledger"
	"orbitguard/internal/risk"
)

// DefaultBins is the Pc histogram resolution.
const DefaultBins = 10

// Exporter is the ledger read surface a summary is built from.
type Exporter interface {
	Export(ctx context.Context, fn func(ledger.AuditRecord) error) error
	Counters(ctx context.Context) (ledger.Counters, error)
}

// Bin counts Pc values in [Lower, Upper). The last bin is closed.
type Bin struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Count int     `json:"count"`
}

// Point is one record in sequence order.
type Point struct {
	Sequence int64               `json:"sequence"`
	EventID  conjunction.EventID `json:"event_id"`
	TCA      time.Time           `json:"tca"`
	Pc       float64             `json:"pc"`
	HighRisk bool                `json:"high_risk"`
	// DeltaVKmS is zero when no maneuver was planned.
	DeltaVKmS float64         `json:"delta_v_km_s"`
	Decision  ledger.Decision `json:"decision"`
}

type Summary struct {
	Counters     ledger.Counters `json:"counters"`
	Records      int             `json:"records"`
	HighRisk     int             `json:"high_risk"`
	PcHistogram  []Bin           `json:"pc_histogram"`
	Series       []Point         `json:"series"`
	MaxDeltaVKmS float64         `json:"max_delta_v_km_s"`
}

// Summarize reads the whole ledger once. bins < 1 uses DefaultBins.
func Summarize(ctx context.Context, src Exporter, bins int) (Summary, error) {
	if bins < 1 {
		bins = DefaultBins
	}
	var s Summary
	err := src.Export(ctx, func(rec ledger.AuditRecord) error {
		p := Point{
			Sequence: rec.Sequence,
			EventID:  rec.EventID,
			TCA:      rec.Event.TCA,
			Pc:       rec.Assessment.Pc,
			HighRisk: rec.Assessment.Classification == risk.HighRisk,
			Decision: rec.Decision,
		}
		if rec.Plan != nil {
			p.DeltaVKmS = rec.Plan.DeltaV.MagnitudeKmS
		}
		if p.HighRisk {
			s.HighRisk++
		}
		s.MaxDeltaVKmS = max(s.MaxDeltaVKmS, p.DeltaVKmS)
		s.Series = append(s.Series, p)
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	counters, err := src.Counters(ctx)
	if err != nil {
		return Summary{}, err
	}
	s.Counters = counters
	s.Records = len(s.Series)

	pcs := make([]float64, 0, len(s.Series))
	for _, p := range s.Series {
		pcs = append(pcs, p.Pc)
	}
	s.PcHistogram = Histogram(pcs, bins)
	return s, nil
}

// Histogram splits [min, max] of values into n equal-width bins. Identical
// values land in a single bin of zero width.
func Histogram(values []float64, n int) []Bin {
	if len(values) == 0 {
		return []Bin{}
	}
	n = max(n, 1)
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	lo, hi := sorted[0], sorted[len(sorted)-1]
	if lo == hi {
		return []Bin{{Lower: lo, Upper: hi, Count: len(sorted)}}
	}

	dividers := floats.Span(make([]float64, n+1), lo, hi)
	// stat.Histogram treats the upper divider as exclusive.
	dividers[n] = math.Nextafter(hi, math.Inf(1))
	counts := stat.Histogram(nil, dividers, sorted, nil)

	out := make([]Bin, n)
	for i := range out {
		out[i] = Bin{Lower: dividers[i], Upper: dividers[i+1], Count: int(counts[i])}
	}
	out[n-1].Upper = hi
	return out
}
