package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the task scheduler.
type Metrics struct {
	TasksFired      prometheus.Counter
	TasksSucceeded  prometheus.Counter
	TasksFailed     prometheus.Counter
	TasksSkipped    prometheus.Counter
	TasksMissed     prometheus.Counter
	PersistFailures prometheus.Counter
	TickDuration    prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		TasksFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msaidizi",
			Subsystem: "scheduler",
			Name:      "tasks_fired_total",
			Help:      "Total scheduled tasks fired.",
		}),
		TasksSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msaidizi",
			Subsystem: "scheduler",
			Name:      "tasks_succeeded_total",
			Help:      "Total scheduled task executions that succeeded.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msaidizi",
			Subsystem: "scheduler",
			Name:      "tasks_failed_total",
			Help:      "Total scheduled task executions that failed.",
		}),
		TasksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msaidizi",
			Subsystem: "scheduler",
			Name:      "tasks_skipped_total",
			Help:      "Total due tasks skipped because the user had a run in flight.",
		}),
		TasksMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msaidizi",
			Subsystem: "scheduler",
			Name:      "tasks_missed_total",
			Help:      "Total tasks skipped forward because they were outside the recovery window.",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msaidizi",
			Subsystem: "scheduler",
			Name:      "persist_failures_total",
			Help:      "Total fires withheld because advancing next_run could not be persisted.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "msaidizi",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each scheduler tick (poll + fire cycle).",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.TasksFired,
		m.TasksSucceeded,
		m.TasksFailed,
		m.TasksSkipped,
		m.TasksMissed,
		m.PersistFailures,
		m.TickDuration,
	)

	return m
}
