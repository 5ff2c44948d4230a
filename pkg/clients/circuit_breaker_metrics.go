package clients

import (
	"github.com/prometheus/client_golang/prometheus"

	"frameworks/pkg/monitoring"
)

// CircuitBreakerMetrics exports breaker state on a service's collector
type CircuitBreakerMetrics struct {
	// 0=closed, 1=half-open, 2=open
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
}

func NewCircuitBreakerMetrics(mc *monitoring.MetricsCollector) *CircuitBreakerMetrics {
	return &CircuitBreakerMetrics{
		state:       mc.NewGauge("circuit_breaker_state", "Current state of circuit breaker (0=closed, 1=half-open, 2=open)", []string{"name"}),
		transitions: mc.NewCounter("circuit_breaker_state_transitions_total", "Total number of circuit breaker state transitions", []string{"name", "from", "to"}),
	}
}

// OnStateChange matches CircuitBreakerConfig.OnStateChange
func (m *CircuitBreakerMetrics) OnStateChange(name string, from, to CircuitBreakerState) {
	m.transitions.WithLabelValues(name, from.String(), to.String()).Inc()
	m.state.WithLabelValues(name).Set(float64(to))
}
