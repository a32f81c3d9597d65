package broadcast

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics reports fan-out activity. A nil *Metrics is a no-op.
type Metrics struct {
	events        *prometheus.CounterVec
	subscriptions prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskorchestrator",
			Subsystem: "broadcast",
			Name:      "events_total",
			Help:      "Events handed to subscribers, by delivery result.",
		},
		[]string{"result"},
	)
	subscriptions := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskorchestrator",
			Subsystem: "broadcast",
			Name:      "subscriptions",
			Help:      "Live real-time subscriptions.",
		},
	)

	if err := reg.Register(events); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			panic(err)
		}
		events = already.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := reg.Register(subscriptions); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			panic(err)
		}
		subscriptions = already.ExistingCollector.(prometheus.Gauge)
	}

	return &Metrics{events: events, subscriptions: subscriptions}
}

func (m *Metrics) sent() {
	if m == nil {
		return
	}
	m.events.WithLabelValues("sent").Inc()
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.events.WithLabelValues("dropped").Inc()
}

func (m *Metrics) subscribed() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

func (m *Metrics) unsubscribed() {
	if m == nil {
		return
	}
	m.subscriptions.Dec()
}
