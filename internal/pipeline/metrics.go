package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks pipeline outcomes and stage latency.
type Metrics struct {
	Outcomes      *prometheus.CounterVec
	Failures      *prometheus.CounterVec
	Replays       prometheus.Counter
	StageDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orbitguard_pipeline_outcomes_total",
			Help: "Conjunction events processed to a recorded decision",
		}, []string{"decision"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orbitguard_pipeline_failures_total",
			Help: "Conjunction events that failed before a decision was recorded",
		}, []string{"code"}),
		Replays: f.NewCounter(prometheus.CounterOpts{
			Name: "orbitguard_pipeline_replays_total",
			Help: "Submissions answered from an existing ledger record",
		}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orbitguard_pipeline_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"stage"}),
	}
}

func (m *Metrics) observeStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

func (m *Metrics) incOutcome(decision string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(decision).Inc()
}

func (m *Metrics) incFailure(code string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(code).Inc()
}

func (m *Metrics) incReplay() {
	if m == nil {
		return
	}
	m.Replays.Inc()
}
