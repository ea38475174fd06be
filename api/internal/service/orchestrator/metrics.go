package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	steps      *prometheus.CounterVec
	activation prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "orchestrator",
			Name:      "steps_total",
			Help:      "Pipeline step outcomes by step name",
		}, []string{"step", "outcome"}),
		activation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "launchpad",
			Subsystem: "orchestrator",
			Name:      "activation_seconds",
			Help:      "Time from build trigger until the site is live or activation gives up",
			Buckets:   []float64{5, 10, 20, 30, 45, 60, 90, 120, 180, 300},
		}),
	}
	if reg == nil {
		return m
	}
	if err := reg.Register(m.steps); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				m.steps = existing
			}
		}
	}
	if err := reg.Register(m.activation); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				m.activation = existing
			}
		}
	}
	return m
}

func (m *metrics) step(step, outcome string) {
	if m == nil {
		return
	}
	m.steps.With(prometheus.Labels{"step": step, "outcome": outcome}).Inc()
}

func (m *metrics) observeActivation(seconds float64) {
	if m == nil {
		return
	}
	m.activation.Observe(seconds)
}
