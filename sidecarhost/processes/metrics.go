package processes

import (
	"time"
)

// MetricsCollector defines the interface for collecting supervisor metrics
type MetricsCollector interface {
	// StateTransition records a supervisor state change
	StateTransition(from, to SupervisorState)

	// Launch records a launch attempt; err is nil on success
	Launch(err error)

	// ProbeAttempt records a single health check attempt
	ProbeAttempt(healthy bool)

	// ProbeDuration records the wall time of a whole WaitForHealth call
	ProbeDuration(duration time.Duration, err error)

	// Crash records an unexpected backend termination
	Crash()

	// Restart records a restart request and its outcome
	Restart(err error)
}

// noopMetricsCollector is a no-op implementation of MetricsCollector
type noopMetricsCollector struct{}

func (n *noopMetricsCollector) StateTransition(from, to SupervisorState)        {}
func (n *noopMetricsCollector) Launch(err error)                                {}
func (n *noopMetricsCollector) ProbeAttempt(healthy bool)                       {}
func (n *noopMetricsCollector) ProbeDuration(duration time.Duration, err error) {}
func (n *noopMetricsCollector) Crash()                                          {}
func (n *noopMetricsCollector) Restart(err error)                               {}

// NewNoopMetricsCollector creates a no-op metrics collector
func NewNoopMetricsCollector() MetricsCollector {
	return &noopMetricsCollector{}
}
