package heartbeat

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the heartbeat loop.
type Metrics struct {
	Runs       prometheus.Counter
	Suppressed prometheus.Counter
	Surfaced   prometheus.Counter
	Failures   prometheus.Counter
}

// NewMetrics creates and registers heartbeat metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msaidizi",
			Subsystem: "heartbeat",
			Name:      "runs_total",
			Help:      "Total heartbeat executions started.",
		}),
		Suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msaidizi",
			Subsystem: "heartbeat",
			Name:      "suppressed_total",
			Help:      "Total heartbeats suppressed by the ok sentinel.",
		}),
		Surfaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msaidizi",
			Subsystem: "heartbeat",
			Name:      "surfaced_total",
			Help:      "Total heartbeats that delivered findings to the user.",
		}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msaidizi",
			Subsystem: "heartbeat",
			Name:      "failures_total",
			Help:      "Total heartbeat executions that failed.",
		}),
	}

	reg.MustRegister(m.Runs, m.Suppressed, m.Surfaced, m.Failures)
	return m
}
