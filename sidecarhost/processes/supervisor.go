package processes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/pinup/sidecarhost/notify"
)

const (
	defaultStartupRetries      = 15
	defaultStartupDelay        = 500 * time.Millisecond
	defaultRestartRetries      = 10
	defaultRestartDelay        = 500 * time.Millisecond
	defaultSettleDelay         = 500 * time.Millisecond
	defaultShutdownGracePeriod = 5 * time.Second
	defaultLogBufferSize       = 1000
)

// ErrSupervisorStopped is returned by operations attempted after Shutdown.
var ErrSupervisorStopped = errors.New("supervisor is shut down")

// LifecycleEvent names an entry in the lifecycle journal.
type LifecycleEvent string

const (
	LifecycleLaunched         LifecycleEvent = "launched"
	LifecycleSpawnFailed      LifecycleEvent = "spawn_failed"
	LifecycleReady            LifecycleEvent = "ready"
	LifecycleProbeFailed      LifecycleEvent = "probe_failed"
	LifecycleCrashed          LifecycleEvent = "crashed"
	LifecycleRestartRequested LifecycleEvent = "restart_requested"
	LifecycleRestarted        LifecycleEvent = "restarted"
	LifecycleRestartFailed    LifecycleEvent = "restart_failed"
	LifecycleStopped          LifecycleEvent = "stopped"
)

// LifecycleRecorder persists lifecycle events. Recording failures are logged and never
// fail a supervisor operation.
type LifecycleRecorder interface {
	RecordLifecycle(event LifecycleEvent, launchID string, port uint16, pid int, message string) error
}

// TokenSource supplies the credential returned in bootstrap responses.
type TokenSource interface {
	Token(ctx context.Context, launchID string, port uint16) (string, error)
}

// BootstrapConfig is the connection information a client needs to talk to the backend.
type BootstrapConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`
	DataDir string `json:"data_dir"`
}

// Status is a snapshot of the supervisor for diagnostics.
type Status struct {
	State        SupervisorState `json:"state"`
	Port         uint16          `json:"port"`
	PID          int             `json:"pid,omitempty"`
	LaunchID     string          `json:"launch_id,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	RestartCount int             `json:"restart_count"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	Process      *ProcessStats   `json:"process,omitempty"`
}

// Config holds configuration options for the Supervisor.
type Config struct {
	Launcher            Launcher          // Required
	DataDir             string            // Required, reported by DataDir and Bootstrap
	Ports               PortAllocator     // Optional, defaults to an OS-assigned PortManager
	HealthChecker       HealthChecker     // Optional, defaults to HTTPHealthChecker
	HealthCheckTimeout  time.Duration     // Optional, for the default HTTPHealthChecker, defaults to 2s
	TokenSource         TokenSource       // Optional, bootstrap tokens are empty without one
	Journal             LifecycleRecorder // Optional
	Metrics             MetricsCollector  // Optional, defaults to a no-op collector
	Emitter             notify.Emitter    // Optional, receives backend-ready/error/crashed
	Logger              *slog.Logger      // Optional, defaults to slog.Default()
	StartupRetries      int               // Optional, defaults to 15
	StartupDelay        time.Duration     // Optional, defaults to 500ms
	RestartRetries      int               // Optional, defaults to 10
	RestartDelay        time.Duration     // Optional, defaults to 500ms
	SettleDelay         time.Duration     // Optional, pause between kill and relaunch, defaults to 500ms
	ShutdownGracePeriod time.Duration     // Optional, defaults to 5s
	LogBufferSize       int               // Optional, defaults to 1000
	// DevMode tolerates a missing backend at startup on the assumption that
	// the developer runs it externally.
	DevMode bool
}

// Supervisor owns the single backend process and the port it is bound to.
// Every read or write of the {port, process} pair happens under mu, which is
// never held across a launch, a probe, a kill or a sleep.
type Supervisor struct {
	mu           sync.Mutex
	port         uint16
	process      Process
	launchID     string
	state        SupervisorState
	lastError    string
	restartCount int
	startedAt    time.Time

	// restartMu serializes restarts so two callers never interleave kill and launch.
	restartMu sync.Mutex

	launcher  Launcher
	ports     PortAllocator
	prober    *HealthProber
	tokens    TokenSource
	journal   LifecycleRecorder
	metrics   MetricsCollector
	emitter   notify.Emitter
	logger    *slog.Logger
	logBuffer *LogBuffer
	dataDir   string
	devMode   bool

	startupRetries      int
	startupDelay        time.Duration
	restartRetries      int
	restartDelay        time.Duration
	settleDelay         time.Duration
	shutdownGracePeriod time.Duration

	outcomes chan outcome
	baseCtx  context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSupervisor creates a Supervisor and starts its notification dispatcher.
// Call Shutdown to stop the backend and release the dispatcher.
func NewSupervisor(config Config) (*Supervisor, error) {
	if config.Launcher == nil {
		return nil, fmt.Errorf("Launcher is required")
	}
	if config.DataDir == "" {
		return nil, fmt.Errorf("DataDir is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = NewNoopMetricsCollector()
	}
	ports := config.Ports
	if ports == nil {
		ports = NewPortManager(logger)
	}
	healthChecker := config.HealthChecker
	if healthChecker == nil {
		healthChecker = NewHTTPHealthChecker(config.HealthCheckTimeout)
	}
	emitter := config.Emitter
	if emitter == nil {
		emitter = notify.Multi()
	}

	startupRetries := config.StartupRetries
	if startupRetries == 0 {
		startupRetries = defaultStartupRetries
	}
	startupDelay := config.StartupDelay
	if startupDelay == 0 {
		startupDelay = defaultStartupDelay
	}
	restartRetries := config.RestartRetries
	if restartRetries == 0 {
		restartRetries = defaultRestartRetries
	}
	restartDelay := config.RestartDelay
	if restartDelay == 0 {
		restartDelay = defaultRestartDelay
	}
	settleDelay := config.SettleDelay
	if settleDelay == 0 {
		settleDelay = defaultSettleDelay
	}
	gracePeriod := config.ShutdownGracePeriod
	if gracePeriod == 0 {
		gracePeriod = defaultShutdownGracePeriod
	}
	logBufferSize := config.LogBufferSize
	if logBufferSize == 0 {
		logBufferSize = defaultLogBufferSize
	}

	logger = logger.With("component", "Supervisor")
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Supervisor{
		launcher:            config.Launcher,
		ports:               ports,
		prober:              NewHealthProber(healthChecker, logger, metrics),
		tokens:              config.TokenSource,
		journal:             config.Journal,
		metrics:             metrics,
		emitter:             emitter,
		logger:              logger,
		logBuffer:           NewLogBuffer(logBufferSize),
		dataDir:             config.DataDir,
		devMode:             config.DevMode,
		startupRetries:      startupRetries,
		startupDelay:        startupDelay,
		restartRetries:      restartRetries,
		restartDelay:        restartDelay,
		settleDelay:         settleDelay,
		shutdownGracePeriod: gracePeriod,
		outcomes:            make(chan outcome, 8),
		baseCtx:             baseCtx,
		cancel:              cancel,
		stopChan:            make(chan struct{}),
	}

	s.wg.Add(1)
	go s.dispatchLoop()

	return s, nil
}

// Start performs the initial launch. Health probing continues in the background
// and ends in a backend-ready or backend-error notification. A spawn failure is
// logged and returned; callers at startup treat it as non-fatal. Start is
// serialized with Restart, and cancelling ctx does not abort the launch.
func (s *Supervisor) Start(ctx context.Context) error {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	if s.stopped() {
		return ErrSupervisorStopped
	}

	port, launchID, err := s.launch(ctx)
	if err != nil {
		if !errors.Is(err, ErrSupervisorStopped) {
			s.logger.Error("Could not spawn sidecar", "error", err)
			if s.devMode {
				s.logger.Warn("Dev mode, assuming external backend")
			}
		}
		return err
	}

	// Shutdown closes stopChan under mu, so a wg.Add made here happens before its wg.Wait.
	s.mu.Lock()
	if s.stopped() {
		s.mu.Unlock()
		return ErrSupervisorStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.probeInBackground(launchID, port)
	return nil
}

// Bootstrap returns fresh connection information for the current backend.
// It fails only when no backend has ever been launched.
func (s *Supervisor) Bootstrap(ctx context.Context) (BootstrapConfig, error) {
	s.mu.Lock()
	port, launchID := s.port, s.launchID
	s.mu.Unlock()

	if port == 0 {
		return BootstrapConfig{}, ErrNotStarted
	}

	token := ""
	if s.tokens != nil {
		var err error
		token, err = s.tokens.Token(ctx, launchID, port)
		if err != nil {
			return BootstrapConfig{}, fmt.Errorf("failed to obtain backend token: %w", err)
		}
	}

	return BootstrapConfig{
		BaseURL: fmt.Sprintf("http://%s:%d/api", BackendHost, port),
		Token:   token,
		DataDir: s.dataDir,
	}, nil
}

// BackendPort returns the port of the last launched backend, or 0 if none was launched.
func (s *Supervisor) BackendPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// DataDir returns the backend's data directory.
func (s *Supervisor) DataDir() string {
	return s.dataDir
}

// State returns the current supervisor state.
func (s *Supervisor) State() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LogBuffer returns the buffer holding recent backend output.
func (s *Supervisor) LogBuffer() *LogBuffer {
	return s.logBuffer
}

// Logs returns buffered backend output with an id greater than fromID.
func (s *Supervisor) Logs(fromID int64) []LogEntry {
	return s.logBuffer.GetEntriesFromID(fromID)
}

// Status returns a diagnostic snapshot including process resource usage when available.
func (s *Supervisor) Status(ctx context.Context) Status {
	s.mu.Lock()
	status := Status{
		State:        s.state,
		Port:         s.port,
		LaunchID:     s.launchID,
		LastError:    s.lastError,
		RestartCount: s.restartCount,
	}
	proc := s.process
	if !s.startedAt.IsZero() {
		startedAt := s.startedAt
		status.StartedAt = &startedAt
	}
	s.mu.Unlock()

	if proc != nil {
		status.PID = proc.Pid()
		if reporter, ok := proc.(StatsReporter); ok {
			stats, err := reporter.Stats(ctx)
			if err != nil {
				s.logger.Debug("Failed to collect backend stats", "pid", status.PID, "error", err)
			}
			status.Process = stats
		}
	}
	return status
}

// Restart kills the current backend (if any), waits for the settle delay,
// launches a new one and probes it synchronously. It returns only after the
// probe succeeds or is exhausted. Once the old backend is killed the sequence
// runs to completion even if ctx is cancelled; only Shutdown interrupts it.
func (s *Supervisor) Restart(ctx context.Context) (string, error) {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	if s.stopped() {
		return "", ErrSupervisorStopped
	}

	s.mu.Lock()
	old, oldPort, oldLaunchID := s.process, s.port, s.launchID
	s.process = nil
	s.restartCount++
	s.mu.Unlock()

	s.record(LifecycleRestartRequested, oldLaunchID, oldPort, pidOf(old), "")

	if old != nil {
		s.logger.Info("Killing backend for restart", "pid", old.Pid(), "port", oldPort)
		if err := old.Kill(); err != nil {
			s.logger.Warn("Failed to kill backend", "pid", old.Pid(), "error", err)
		}
		s.releasePort(oldPort)
	}

	if err := s.sleep(s.settleDelay); err != nil {
		return "", err
	}

	port, launchID, err := s.launch(ctx)
	if errors.Is(err, ErrSupervisorStopped) {
		return "", err
	}
	if err != nil {
		s.metrics.Restart(err)
		s.record(LifecycleRestartFailed, "", 0, 0, err.Error())
		return "", err
	}

	if _, err := s.prober.WaitForHealth(s.baseCtx, port, s.restartRetries, s.restartDelay); err != nil {
		s.mu.Lock()
		// A crash reported by the dispatcher takes precedence.
		if s.launchID == launchID && s.state == StateProbing {
			s.setStateLocked(StateRestartFailed)
			s.lastError = err.Error()
		}
		s.mu.Unlock()
		s.logger.Error("Backend failed to become healthy after restart", "port", port, "error", err)
		s.metrics.Restart(err)
		s.record(LifecycleRestartFailed, launchID, port, 0, err.Error())
		return "", err
	}

	s.mu.Lock()
	if s.launchID == launchID && s.state == StateProbing {
		s.setStateLocked(StateReady)
	}
	s.mu.Unlock()

	s.metrics.Restart(nil)
	s.record(LifecycleRestarted, launchID, port, 0, "")
	s.logger.Info("Backend restarted", "port", port, "launchID", launchID)
	return fmt.Sprintf("backend restarted on port %d", port), nil
}

// Shutdown stops the backend with a grace period, stops the dispatcher and waits
// for background goroutines until ctx expires.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.stopOnce.Do(func() {
		s.logger.Info("Shutting down supervisor")

		s.mu.Lock()
		proc, port, launchID := s.process, s.port, s.launchID
		s.process = nil
		s.setStateLocked(StateStopped)
		close(s.stopChan)
		s.mu.Unlock()

		s.cancel()

		if proc != nil {
			s.logger.Info("Stopping backend", "pid", proc.Pid(), "gracePeriod", s.shutdownGracePeriod)
			if err := proc.Stop(s.shutdownGracePeriod); err != nil {
				s.logger.Error("Error stopping backend during shutdown", "pid", proc.Pid(), "error", err)
				shutdownErr = err
			}
			s.releasePort(port)
			s.record(LifecycleStopped, launchID, port, proc.Pid(), "")
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			s.logger.Info("Supervisor stopped")
		case <-ctx.Done():
			s.logger.Warn("Timed out waiting for supervisor goroutines", "error", ctx.Err())
			if shutdownErr == nil {
				shutdownErr = ctx.Err()
			}
		}
	})
	return shutdownErr
}

// launch allocates a port, starts the backend and installs it in the slot.
// Callers hold restartMu. A handle still in the slot is killed once the new one
// is installed, and a backend spawned after Shutdown is killed instead.
func (s *Supervisor) launch(ctx context.Context) (uint16, string, error) {
	s.mu.Lock()
	if s.stopped() {
		s.mu.Unlock()
		return 0, "", ErrSupervisorStopped
	}
	s.setStateLocked(StateLaunching)
	s.mu.Unlock()

	port := s.ports.AllocatePort()
	proc, events, err := s.launcher.Launch(context.WithoutCancel(ctx), port)
	s.metrics.Launch(err)
	if err != nil {
		s.mu.Lock()
		if !s.stopped() {
			s.setStateLocked(StateSpawnFailed)
			s.lastError = err.Error()
		}
		s.mu.Unlock()
		s.releasePort(port)
		s.record(LifecycleSpawnFailed, "", port, 0, err.Error())
		return 0, "", err
	}

	launchID := uuid.New().String()

	s.mu.Lock()
	if s.stopped() {
		s.mu.Unlock()
		s.logger.Warn("Supervisor stopped during launch, killing new backend", "pid", proc.Pid(), "port", port)
		if err := proc.Kill(); err != nil {
			s.logger.Warn("Failed to kill backend", "pid", proc.Pid(), "error", err)
		}
		s.releasePort(port)
		go func() {
			for range events {
			}
		}()
		return 0, "", ErrSupervisorStopped
	}
	displaced, displacedPort := s.process, s.port
	s.port = port
	s.process = proc
	s.launchID = launchID
	s.startedAt = time.Now()
	s.lastError = ""
	s.setStateLocked(StateProbing)
	s.wg.Add(1)
	s.mu.Unlock()

	if displaced != nil {
		s.logger.Warn("Killing displaced backend", "pid", displaced.Pid(), "port", displacedPort)
		if err := displaced.Kill(); err != nil {
			s.logger.Warn("Failed to kill backend", "pid", displaced.Pid(), "error", err)
		}
		if displacedPort != port {
			s.releasePort(displacedPort)
		}
	}

	go func() {
		defer s.wg.Done()
		drain(events, s.outcomes, s.stopChan, DrainConfig{
			Process:   proc,
			LaunchID:  launchID,
			LogBuffer: s.logBuffer,
			Logger:    s.logger,
		})
	}()

	s.record(LifecycleLaunched, launchID, port, proc.Pid(), "")
	return port, launchID, nil
}

func (s *Supervisor) probeInBackground(launchID string, port uint16) {
	defer s.wg.Done()

	body, err := s.prober.WaitForHealth(s.baseCtx, port, s.startupRetries, s.startupDelay)
	o := outcome{kind: outcomeReady, launchID: launchID, port: port, body: body}
	if err != nil {
		o.kind = outcomeProbeFailed
		o.err = err
	}

	select {
	case s.outcomes <- o:
	case <-s.stopChan:
	}
}

// dispatchLoop is the only place outcomes become state changes and notifications.
func (s *Supervisor) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopChan:
			return
		case o := <-s.outcomes:
			s.handleOutcome(o)
		}
	}
}

func (s *Supervisor) handleOutcome(o outcome) {
	switch o.kind {
	case outcomeReady:
		s.mu.Lock()
		current := s.launchID == o.launchID
		if current && s.state == StateProbing {
			s.setStateLocked(StateReady)
		}
		s.mu.Unlock()
		if !current {
			s.logger.Info("Ignoring readiness of a replaced backend", "launchID", o.launchID, "port", o.port)
			return
		}
		s.logger.Info("Backend ready, notifying shell", "port", o.port)
		s.record(LifecycleReady, o.launchID, o.port, 0, "")
		s.emitter.Emit(notify.Ready(o.port))

	case outcomeProbeFailed:
		s.mu.Lock()
		current := s.launchID == o.launchID
		if current && s.state == StateProbing {
			s.setStateLocked(StateProbeFailed)
			s.lastError = o.err.Error()
		}
		s.mu.Unlock()
		if !current {
			s.logger.Info("Ignoring probe failure of a replaced backend", "launchID", o.launchID, "port", o.port)
			return
		}
		s.logger.Error("Backend failed to start", "port", o.port, "error", o.err)
		s.record(LifecycleProbeFailed, o.launchID, o.port, 0, o.err.Error())
		s.emitter.Emit(notify.Error(o.err.Error()))

	case outcomeCrashed:
		s.mu.Lock()
		current := s.process != nil && s.process == o.process
		port := s.port
		if current {
			s.process = nil
			s.setStateLocked(StateCrashed)
			s.lastError = "backend terminated: " + o.exit.String()
		}
		s.mu.Unlock()
		if !current {
			s.logger.Info("Ignoring termination of a replaced backend", "launchID", o.launchID)
			return
		}
		s.metrics.Crash()
		s.releasePort(port)
		s.record(LifecycleCrashed, o.launchID, port, pidOf(o.process), o.exit.String())
		s.emitter.Emit(notify.Crashed())
	}
}

// setStateLocked must be called with s.mu held.
func (s *Supervisor) setStateLocked(state SupervisorState) {
	if s.state == state {
		return
	}
	prev := s.state
	s.state = state
	s.metrics.StateTransition(prev, state)
	s.logger.Debug("Supervisor state changed", "from", prev.String(), "to", state.String())
}

func (s *Supervisor) record(event LifecycleEvent, launchID string, port uint16, pid int, message string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.RecordLifecycle(event, launchID, port, pid, message); err != nil {
		s.logger.Warn("Failed to record lifecycle event", "event", string(event), "error", err)
	}
}

func (s *Supervisor) releasePort(port uint16) {
	if releaser, ok := s.ports.(interface{ ReleasePort(uint16) }); ok && port != 0 {
		releaser.ReleasePort(port)
	}
}

func (s *Supervisor) sleep(d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-s.stopChan:
		return ErrSupervisorStopped
	}
}

func (s *Supervisor) stopped() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

func pidOf(p Process) int {
	if p == nil {
		return 0
	}
	return p.Pid()
}
