package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for task lifecycle activity.
type Metrics struct {
	submitted       prometheus.Counter
	transitions     *prometheus.CounterVec
	retries         prometheus.Counter
	executions      prometheus.Gauge
	attemptDuration *prometheus.HistogramVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics registers with the global registry once, so several
// orchestrators in one process share collectors.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the collectors with reg, reusing any that are
// already registered. Other registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	submitted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskorchestrator",
		Subsystem: "orchestrator",
		Name:      "tasks_submitted_total",
		Help:      "Tasks accepted for execution.",
	})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskorchestrator",
		Subsystem: "orchestrator",
		Name:      "transitions_total",
		Help:      "Recorded status transitions.",
	}, []string{"from", "to"})
	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskorchestrator",
		Subsystem: "orchestrator",
		Name:      "retries_total",
		Help:      "Failed attempts that were re-enqueued.",
	})
	executions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskorchestrator",
		Subsystem: "orchestrator",
		Name:      "executions_active",
		Help:      "Tasks with a live execution, parked ones included.",
	})
	attemptDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskorchestrator",
		Subsystem: "orchestrator",
		Name:      "attempt_duration_seconds",
		Help:      "Duration of worker attempts by outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"outcome"})

	collectors := []prometheus.Collector{submitted, transitions, retries, executions, attemptDuration}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			switch collector {
			case submitted:
				submitted = already.ExistingCollector.(prometheus.Counter)
			case transitions:
				transitions = already.ExistingCollector.(*prometheus.CounterVec)
			case retries:
				retries = already.ExistingCollector.(prometheus.Counter)
			case executions:
				executions = already.ExistingCollector.(prometheus.Gauge)
			case attemptDuration:
				attemptDuration = already.ExistingCollector.(*prometheus.HistogramVec)
			}
		}
	}

	return &Metrics{
		submitted:       submitted,
		transitions:     transitions,
		retries:         retries,
		executions:      executions,
		attemptDuration: attemptDuration,
	}
}

func (m *Metrics) incSubmitted() {
	if m == nil {
		return
	}
	m.submitted.Inc()
}

func (m *Metrics) incTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) incRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) executionStarted() {
	if m == nil {
		return
	}
	m.executions.Inc()
}

func (m *Metrics) executionFinished() {
	if m == nil {
		return
	}
	m.executions.Dec()
}

func (m *Metrics) observeAttempt(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.attemptDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
