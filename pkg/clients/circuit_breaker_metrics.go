package clients

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CircuitBreakerMetrics records breaker state on a caller-supplied registry.
type CircuitBreakerMetrics struct {
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
}

// NewCircuitBreakerMetrics registers the breaker gauges on reg.
// Gauge values: 0=closed, 1=half-open, 2=open
func NewCircuitBreakerMetrics(reg prometheus.Registerer) *CircuitBreakerMetrics {
	m := &CircuitBreakerMetrics{
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_state_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"name", "from", "to"},
		),
	}
	reg.MustRegister(m.state, m.transitions)
	return m
}

// Callback returns a function suitable for CircuitBreakerConfig.OnStateChange.
func (m *CircuitBreakerMetrics) Callback() func(string, CircuitBreakerState, CircuitBreakerState) {
	return func(name string, from, to CircuitBreakerState) {
		m.transitions.WithLabelValues(name, from.String(), to.String()).Inc()
		m.state.WithLabelValues(name).Set(float64(to))
	}
}
