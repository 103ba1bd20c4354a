package processes

import "fmt"

// SupervisorState represents the lifecycle state of the supervised backend.
type SupervisorState int

const (
	// StateEmpty means no backend has been launched yet.
	StateEmpty SupervisorState = iota
	// StateLaunching means a port is being allocated and the process started.
	StateLaunching
	// StateProbing means the process is running and health checks are in flight.
	StateProbing
	// StateReady means the backend answered a health check.
	StateReady
	// StateCrashed means the backend terminated without being asked to.
	StateCrashed
	// StateProbeFailed means the startup health probe exhausted its attempts.
	StateProbeFailed
	// StateRestartFailed means a restart could not bring the backend to health.
	StateRestartFailed
	// StateSpawnFailed means the backend executable could not be started.
	StateSpawnFailed
	// StateStopped means the supervisor shut the backend down.
	StateStopped
)

// String returns a string representation of the SupervisorState.
func (s SupervisorState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLaunching:
		return "launching"
	case StateProbing:
		return "probing"
	case StateReady:
		return "ready"
	case StateCrashed:
		return "crashed"
	case StateProbeFailed:
		return "probe_failed"
	case StateRestartFailed:
		return "restart_failed"
	case StateSpawnFailed:
		return "spawn_failed"
	case StateStopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// MarshalText lets the state appear by name in JSON status payloads.
func (s SupervisorState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name as produced by MarshalText.
func (s *SupervisorState) UnmarshalText(text []byte) error {
	for candidate := StateEmpty; candidate <= StateStopped; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown supervisor state %q", text)
}
