package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics mirrors the ledger counters and tracks append health.
type Metrics struct {
	CDMProcessed      prometheus.Counter
	ManeuversExecuted prometheus.Counter
	Rejections        prometheus.Counter
	AppendRetries     prometheus.Counter
	AppendFailures    prometheus.Counter
	DuplicateAppends  prometheus.Counter
	AppendDuration    prometheus.Histogram
}

// New registers the ledger metrics with the default registerer.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the ledger metrics with reg.
func NewWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CDMProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "orbitguard_ledger_cdm_processed_total",
			Help: "Total number of conjunction events recorded in the ledger",
		}),
		ManeuversExecuted: f.NewCounter(prometheus.CounterOpts{
			Name: "orbitguard_ledger_maneuvers_executed_total",
			Help: "Total number of recorded EXECUTE decisions",
		}),
		Rejections: f.NewCounter(prometheus.CounterOpts{
			Name: "orbitguard_ledger_rejections_total",
			Help: "Total number of recorded REJECT decisions",
		}),
		AppendRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "orbitguard_ledger_append_retries_total",
			Help: "Total number of retried ledger appends after a transient failure",
		}),
		AppendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "orbitguard_ledger_append_failures_total",
			Help: "Total number of ledger appends that failed after exhausting retries",
		}),
		DuplicateAppends: f.NewCounter(prometheus.CounterOpts{
			Name: "orbitguard_ledger_duplicate_appends_total",
			Help: "Total number of appends refused because the event was already recorded",
		}),
		AppendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "orbitguard_ledger_append_duration_seconds",
			Help:    "Latency of successful ledger appends including retries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
}

// ObserveRecorded mirrors one committed record into the counters.
func (m *Metrics) ObserveRecorded(executed, rejected bool, seconds float64) {
	if m == nil {
		return
	}
	m.CDMProcessed.Inc()
	if executed {
		m.ManeuversExecuted.Inc()
	}
	if rejected {
		m.Rejections.Inc()
	}
	m.AppendDuration.Observe(seconds)
}

func (m *Metrics) IncAppendRetries() {
	if m == nil {
		return
	}
	m.AppendRetries.Inc()
}

func (m *Metrics) IncAppendFailures() {
	if m == nil {
		return
	}
	m.AppendFailures.Inc()
}

func (m *Metrics) IncDuplicateAppends() {
	if m == nil {
		return
	}
	m.DuplicateAppends.Inc()
}
