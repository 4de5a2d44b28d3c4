package dispatcher

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the dispatcher.
type Metrics struct {
	Requests        prometheus.Counter
	Failures        *prometheus.CounterVec
	SandboxDuration prometheus.Histogram
	InFlight        prometheus.Gauge
}

// NewMetrics creates and registers dispatcher metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msaidizi",
			Subsystem: "dispatcher",
			Name:      "requests_total",
			Help:      "Total task requests processed.",
		}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "msaidizi",
			Subsystem: "dispatcher",
			Name:      "failures_total",
			Help:      "Total failed requests by pipeline stage.",
		}, []string{"stage"}),
		SandboxDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "msaidizi",
			Subsystem: "dispatcher",
			Name:      "sandbox_duration_seconds",
			Help:      "Wall-clock duration of sandbox executions.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "msaidizi",
			Subsystem: "dispatcher",
			Name:      "in_flight",
			Help:      "Requests currently holding a worker slot.",
		}),
	}

	reg.MustRegister(
		m.Requests,
		m.Failures,
		m.SandboxDuration,
		m.InFlight,
	)

	return m
}
