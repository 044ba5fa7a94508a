// Package metrics exports Prometheus metrics derived from bus traffic.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"finesse/pkg/bus"
	"finesse/pkg/sequencer"
)

type Metrics struct {
	transitions  *prometheus.CounterVec
	deviceErrors *prometheus.CounterVec
	runs         *prometheus.CounterVec
	measurements prometheus.Counter
	messages     prometheus.Counter

	sub *bus.Subscription
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finesse_device_transitions_total",
			Help: "Device connection state changes by base type and new state.",
		}, []string{"base_type", "state"}),
		deviceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finesse_device_errors_total",
			Help: "Device errors by base type.",
		}, []string{"base_type"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finesse_sequence_runs_total",
			Help: "Finished measure script runs by outcome.",
		}, []string{"outcome"}),
		measurements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "finesse_sequence_measurements_total",
			Help: "Spectrometer measurements completed.",
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "finesse_bus_messages_total",
			Help: "Messages delivered on the bus.",
		}),
	}

	for _, c := range []prometheus.Collector{m.transitions, m.deviceErrors, m.runs, m.measurements, m.messages} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %v", err)
		}
	}
	return m, nil
}

// Attach starts counting messages on b.
func (m *Metrics) Attach(b *bus.Bus) {
	m.sub = b.Subscribe(bus.T(), m.observe)
}

func (m *Metrics) Detach() {
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
}

func (m *Metrics) observe(msg bus.Message) {
	m.messages.Inc()

	t := msg.Topic
	switch {
	case len(t) >= 3 && t[0] == "device" && isState(t[1]):
		m.transitions.WithLabelValues(t[2], t[1]).Inc()
		if t[1] == "error" {
			m.deviceErrors.WithLabelValues(t[2]).Inc()
		}

	case len(t) >= 3 && t[0] == "device" && t[len(t)-2] == "measure" && t[len(t)-1] == "end":
		m.measurements.Inc()

	case t.String() == bus.MeasureScriptEnd().String():
		if end, ok := msg.Payload.(sequencer.EndEvent); ok {
			m.runs.WithLabelValues(end.Status.String()).Inc()
		}
	}
}

func isState(token string) bool {
	switch token {
	case "opening", "opened", "error", "closed":
		return true
	}
	return false
}
