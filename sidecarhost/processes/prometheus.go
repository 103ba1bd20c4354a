package processes

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector implements MetricsCollector using Prometheus metrics
type PrometheusMetricsCollector struct {
	stateTransitions *prometheus.CounterVec
	launches         *prometheus.CounterVec
	probeAttempts    *prometheus.CounterVec
	probeDuration    *prometheus.HistogramVec
	crashes          prometheus.Counter
	restarts         *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a new Prometheus metrics collector
// registered on its own registry.
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "sidecar"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of supervisor state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	pmc.launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Total number of backend launch attempts",
		},
		[]string{"status"},
	)

	pmc.probeAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probe_attempts_total",
			Help:      "Total number of individual health check attempts",
		},
		[]string{"result"},
	)

	pmc.probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_probe_duration_seconds",
			Help:      "Wall time from first health check attempt to outcome",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"status"},
	)

	pmc.crashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crashes_total",
			Help:      "Total number of unexpected backend terminations",
		},
	)

	pmc.restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Total number of restart requests",
		},
		[]string{"status"},
	)

	pmc.registry.MustRegister(
		pmc.stateTransitions,
		pmc.launches,
		pmc.probeAttempts,
		pmc.probeDuration,
		pmc.crashes,
		pmc.restarts,
	)

	return pmc
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// StateTransition records a state transition
func (pmc *PrometheusMetricsCollector) StateTransition(from, to SupervisorState) {
	pmc.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// Launch records a launch attempt
func (pmc *PrometheusMetricsCollector) Launch(err error) {
	pmc.launches.WithLabelValues(statusLabel(err)).Inc()
}

// ProbeAttempt records a single health check attempt
func (pmc *PrometheusMetricsCollector) ProbeAttempt(healthy bool) {
	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	pmc.probeAttempts.WithLabelValues(result).Inc()
}

// ProbeDuration records the duration of a whole probe cycle
func (pmc *PrometheusMetricsCollector) ProbeDuration(duration time.Duration, err error) {
	pmc.probeDuration.WithLabelValues(statusLabel(err)).Observe(duration.Seconds())
}

// Crash records an unexpected termination
func (pmc *PrometheusMetricsCollector) Crash() {
	pmc.crashes.Inc()
}

// Restart records a restart outcome
func (pmc *PrometheusMetricsCollector) Restart(err error) {
	pmc.restarts.WithLabelValues(statusLabel(err)).Inc()
}

// Registry returns the Prometheus registry for HTTP handler setup
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

// Compile-time interface compliance check
var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)
