package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks relay throughput and broker health.
type Metrics struct {
	Published           prometheus.Counter
	PublishFailures     prometheus.Counter
	CircuitBreakerState prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Published: f.NewCounter(prometheus.CounterOpts{
			Name: "orbitguard_outbox_published_total",
			Help: "Total number of ledger decisions published from the outbox",
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "orbitguard_outbox_publish_failures_total",
			Help: "Total number of failed outbox relay passes",
		}),
		CircuitBreakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "orbitguard_outbox_circuit_breaker_state",
			Help: "Current relay circuit breaker state (0=closed, 1=open)",
		}),
	}
}

func (m *Metrics) addPublished(n int) {
	if m == nil {
		return
	}
	m.Published.Add(float64(n))
}

func (m *Metrics) incFailures() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

func (m *Metrics) setOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.CircuitBreakerState.Set(1)
	} else {
		m.CircuitBreakerState.Set(0)
	}
}
