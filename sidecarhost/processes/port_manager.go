package processes

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// DefaultBackendPort is handed out when the OS cannot supply a free port.
const DefaultBackendPort uint16 = 8111

// PortAllocator picks the port a backend process will bind to.
// Implementations never fail; they fall back to a fixed default port instead.
type PortAllocator interface {
	AllocatePort() uint16
}

// PortManager handles the allocation of loopback TCP ports for the backend.
// With no range configured the OS picks an unused ephemeral port. With a range,
// candidates are scanned round-robin and checked by listening on them.
type PortManager struct {
	mu            sync.Mutex
	minPort       int
	maxPort       int
	fallbackPort  uint16
	allocated     map[int]bool // Tracks ports handed out from the range
	nextCandidate int          // Next port to try allocating
	logger        *slog.Logger
}

// NewPortManager creates a PortManager that asks the OS for free ports.
func NewPortManager(logger *slog.Logger) *PortManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PortManager{
		fallbackPort: DefaultBackendPort,
		allocated:    make(map[int]bool),
		logger:       logger.With("component", "PortManager"),
	}
}

// NewRangePortManager creates a PortManager restricted to [minPort, maxPort].
func NewRangePortManager(minPort, maxPort int, logger *slog.Logger) (*PortManager, error) {
	if minPort <= 0 || maxPort <= 0 || minPort > maxPort || maxPort > 65535 {
		return nil, fmt.Errorf("invalid port range: min %d, max %d", minPort, maxPort)
	}
	pm := NewPortManager(logger)
	pm.minPort = minPort
	pm.maxPort = maxPort
	pm.nextCandidate = minPort
	return pm, nil
}

// SetFallbackPort overrides the port returned when allocation fails.
func (pm *PortManager) SetFallbackPort(port uint16) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if port != 0 {
		pm.fallbackPort = port
	}
}

// AllocatePort returns an available port, or the fallback port if none could be found.
func (pm *PortManager) AllocatePort() uint16 {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var (
		port int
		err  error
	)
	if pm.minPort == 0 {
		port, err = pickUnusedPort()
	} else {
		port, err = pm.scanRange()
	}
	if err != nil {
		pm.logger.Warn("Port allocation failed, using fallback port", "fallbackPort", pm.fallbackPort, "error", err)
		return pm.fallbackPort
	}
	return uint16(port)
}

// ReleasePort marks a previously allocated range port as available again.
func (pm *PortManager) ReleasePort(port uint16) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	p := int(port)
	if pm.minPort == 0 || p < pm.minPort || p > pm.maxPort {
		return
	}
	delete(pm.allocated, p)
}

func pickUnusedPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to listen on ephemeral port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// scanRange must be called with pm.mu held.
func (pm *PortManager) scanRange() (int, error) {
	firstCandidate := pm.nextCandidate

	for {
		portToTry := pm.nextCandidate

		pm.nextCandidate++
		if pm.nextCandidate > pm.maxPort {
			pm.nextCandidate = pm.minPort
		}

		if !pm.allocated[portToTry] {
			l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", portToTry))
			if err == nil {
				l.Close()
				pm.allocated[portToTry] = true
				return portToTry, nil
			}
		}

		if pm.nextCandidate == firstCandidate {
			return 0, fmt.Errorf("no available ports in range [%d-%d]", pm.minPort, pm.maxPort)
		}
	}
}
