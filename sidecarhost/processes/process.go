package processes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	psprocess "github.com/shirou/gopsutil/v3/process"
)

// EventKind classifies entries on a launched process's event stream.
type EventKind int

const (
	// EventStdout carries one line the backend wrote to stdout.
	EventStdout EventKind = iota
	// EventStderr carries one line the backend wrote to stderr.
	EventStderr
	// EventTerminated is the final event; Exit describes how the process ended.
	EventTerminated
)

// String returns a string representation of the EventKind.
func (k EventKind) String() string {
	switch k {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	case EventTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ExitStatus describes how a backend process ended.
type ExitStatus struct {
	Code   int    // Exit code, -1 when killed by a signal
	Signal string // Set when the process was terminated by a signal
	Err    error  // Error returned by Wait, if any
}

// String formats the exit status for logs and crash messages.
func (s ExitStatus) String() string {
	if s.Signal != "" {
		return s.Signal
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

// ProcessEvent is one entry on the stream returned by Launcher.Launch.
type ProcessEvent struct {
	Kind EventKind
	Line string      // Set for EventStdout and EventStderr
	Exit *ExitStatus // Set for EventTerminated
}

// Process is the owned handle of a running backend.
type Process interface {
	// Pid returns the OS process id.
	Pid() int
	// Kill terminates the process immediately and waits for it to exit.
	// It is safe to call more than once.
	Kill() error
	// Stop interrupts the process and kills it if it has not exited after grace.
	Stop(grace time.Duration) error
	// Intentional reports whether termination was requested through Kill or Stop.
	Intentional() bool
	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// ProcessStats is a point-in-time resource snapshot of the backend process.
type ProcessStats struct {
	PID        int       `json:"pid"`
	Running    bool      `json:"running"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	StartedAt  time.Time `json:"started_at"`
}

// StatsReporter is implemented by process handles that can report resource usage.
type StatsReporter interface {
	Stats(ctx context.Context) (*ProcessStats, error)
}

// execProcess is the Process implementation backed by os/exec.
type execProcess struct {
	cmd         *exec.Cmd
	pid         int
	killTimeout time.Duration
	done        chan struct{}

	mu          sync.Mutex
	intentional bool
	exit        ExitStatus
}

func newExecProcess(cmd *exec.Cmd, killTimeout time.Duration) *execProcess {
	return &execProcess{
		cmd:         cmd,
		pid:         cmd.Process.Pid, // Assumes cmd has been started
		killTimeout: killTimeout,
		done:        make(chan struct{}),
	}
}

func (p *execProcess) Pid() int { return p.pid }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Intentional() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.intentional
}

func (p *execProcess) markIntentional() {
	p.mu.Lock()
	p.intentional = true
	p.mu.Unlock()
}

func (p *execProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *execProcess) Kill() error {
	p.markIntentional()
	if p.exited() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill backend (PID %d): %w", p.pid, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(p.killTimeout):
		return fmt.Errorf("backend (PID %d) did not exit within %s after kill", p.pid, p.killTimeout)
	}
}

func (p *execProcess) Stop(grace time.Duration) error {
	p.markIntentional()
	if p.exited() {
		return nil
	}
	if grace <= 0 {
		return p.Kill()
	}
	// os.Interrupt is not supported on Windows; fall straight through to Kill there.
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		return p.Kill()
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		return p.Kill()
	}
}

func (p *execProcess) setExit(status ExitStatus) {
	p.mu.Lock()
	p.exit = status
	p.mu.Unlock()
	close(p.done)
}

// ExitStatus returns how the process ended. Only meaningful once Done is closed.
func (p *execProcess) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Stats reports CPU and memory usage of the backend through gopsutil.
func (p *execProcess) Stats(ctx context.Context) (*ProcessStats, error) {
	stats := &ProcessStats{PID: p.pid}
	if p.exited() {
		return stats, nil
	}

	proc, err := psprocess.NewProcessWithContext(ctx, int32(p.pid))
	if err != nil {
		return stats, fmt.Errorf("failed to inspect backend (PID %d): %w", p.pid, err)
	}
	if stats.Running, err = proc.IsRunningWithContext(ctx); err != nil {
		return stats, fmt.Errorf("failed to query backend state (PID %d): %w", p.pid, err)
	}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if created, err := proc.CreateTimeWithContext(ctx); err == nil {
		stats.StartedAt = time.UnixMilli(created)
	}
	return stats, nil
}

func exitStatusFrom(state *os.ProcessState, waitErr error) ExitStatus {
	status := ExitStatus{Code: -1, Err: waitErr}
	if state == nil {
		return status
	}
	status.Code = state.ExitCode()
	if status.Code == -1 {
		status.Signal = state.String()
	}
	return status
}

var (
	_ Process       = (*execProcess)(nil)
	_ StatsReporter = (*execProcess)(nil)
)
