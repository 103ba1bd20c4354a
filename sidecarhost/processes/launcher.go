package processes

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBackendExecutable is the sidecar binary name shipped next to the host.
	DefaultBackendExecutable = "pinup-backend"
	// DefaultDBFileName is the backend database file inside the data directory.
	DefaultDBFileName = "pinup.db"
	// BackendHost is the only interface the backend is asked to bind.
	BackendHost = "127.0.0.1"

	defaultKillTimeout = 5 * time.Second
	eventBufferSize    = 64
)

// Environment variables handed to the backend.
const (
	EnvBackendPort = "PINUP_PORT"
	EnvBackendDB   = "PINUP_DB"
	EnvBackendHost = "PINUP_HOST"
)

// Launcher starts a backend process bound to a given port.
type Launcher interface {
	// Launch starts the backend. The returned channel carries output lines followed by
	// exactly one EventTerminated, after which it is closed.
	Launch(ctx context.Context, port uint16) (Process, <-chan ProcessEvent, error)
}

// ExecLauncherConfig holds configuration options for the ExecLauncher.
type ExecLauncherConfig struct {
	Executable  string            // Optional, defaults to DefaultBackendExecutable
	DataDir     string            // Required, created on every launch if missing
	DBFileName  string            // Optional, defaults to DefaultDBFileName
	ExtraArgs   []string          // Optional, appended after --port
	ExtraEnv    map[string]string // Optional, added to the derived environment
	WorkDir     string            // Optional, defaults to the data directory
	KillTimeout time.Duration     // Optional, how long Kill waits for exit, defaults to 5s
	Logger      *slog.Logger      // Optional, defaults to slog.Default()
}

// ExecLauncher launches the backend as a child process with os/exec.
type ExecLauncher struct {
	executable  string
	dataDir     string
	dbFileName  string
	extraArgs   []string
	extraEnv    map[string]string
	workDir     string
	killTimeout time.Duration
	logger      *slog.Logger
}

// NewExecLauncher creates a new ExecLauncher.
func NewExecLauncher(config ExecLauncherConfig) (*ExecLauncher, error) {
	if config.DataDir == "" {
		return nil, fmt.Errorf("DataDir is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	executable := config.Executable
	if executable == "" {
		executable = DefaultBackendExecutable
	}
	dbFileName := config.DBFileName
	if dbFileName == "" {
		dbFileName = DefaultDBFileName
	}
	workDir := config.WorkDir
	if workDir == "" {
		workDir = config.DataDir
	}
	killTimeout := config.KillTimeout
	if killTimeout == 0 {
		killTimeout = defaultKillTimeout
	}

	return &ExecLauncher{
		executable:  executable,
		dataDir:     config.DataDir,
		dbFileName:  dbFileName,
		extraArgs:   config.ExtraArgs,
		extraEnv:    config.ExtraEnv,
		workDir:     workDir,
		killTimeout: killTimeout,
		logger:      logger.With("component", "Launcher"),
	}, nil
}

// DBPath returns the database path handed to the backend.
func (l *ExecLauncher) DBPath() string {
	return filepath.Join(l.dataDir, l.dbFileName)
}

// Launch starts the backend bound to port. The process is not tied to ctx: it
// outlives the request that launched it and is only ended through Kill or Stop.
func (l *ExecLauncher) Launch(ctx context.Context, port uint16) (Process, <-chan ProcessEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, NewSpawnError("failed to spawn sidecar", err)
	}

	binPath, err := ResolveExecutable(l.executable)
	if err != nil {
		return nil, nil, NewSpawnError("sidecar binary not found", err)
	}

	// Pre-existing directories are fine; a failure here surfaces from the backend itself.
	if err := os.MkdirAll(l.dataDir, 0755); err != nil {
		l.logger.Warn("Failed to create data directory", "dataDir", l.dataDir, "error", err)
	}

	dbPath := l.DBPath()
	cmdArgs := append([]string{"--port", strconv.Itoa(int(port))}, l.extraArgs...)
	l.logger.Info("Spawning sidecar", "executable", binPath, "port", port, "db", dbPath, "args", strings.Join(cmdArgs, " "))

	cmd := exec.Command(binPath, cmdArgs...)
	cmd.Env = l.buildEnv(port, dbPath)
	cmd.Dir = l.workDir

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, NewSpawnError("failed to spawn sidecar", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdoutPipe.Close()
		return nil, nil, NewSpawnError("failed to spawn sidecar", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, NewSpawnError("failed to spawn sidecar", err)
	}

	proc := newExecProcess(cmd, l.killTimeout)
	events := make(chan ProcessEvent, eventBufferSize)

	var outputWg sync.WaitGroup
	outputWg.Add(2)
	go l.scanOutput(&outputWg, stdoutPipe, EventStdout, events, proc.pid)
	go l.scanOutput(&outputWg, stderrPipe, EventStderr, events, proc.pid)

	go func() {
		// Wait must not be called before all reads from the pipes have completed.
		outputWg.Wait()
		waitErr := cmd.Wait()
		status := exitStatusFrom(cmd.ProcessState, waitErr)
		proc.setExit(status)
		events <- ProcessEvent{Kind: EventTerminated, Exit: &status}
		close(events)
	}()

	l.logger.Info("Sidecar started", "pid", proc.pid, "port", port)
	return proc, events, nil
}

func (l *ExecLauncher) scanOutput(wg *sync.WaitGroup, r io.Reader, kind EventKind, events chan<- ProcessEvent, pid int) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		events <- ProcessEvent{Kind: kind, Line: scanner.Text()}
	}
	if err := scanner.Err(); err != nil {
		l.logger.Error("Error reading sidecar output", "stream", kind.String(), "pid", pid, "error", err)
		// Keep draining so the child never blocks on a full pipe.
		io.Copy(io.Discard, r)
	}
}

func (l *ExecLauncher) buildEnv(port uint16, dbPath string) []string {
	env := os.Environ()
	env = append(env,
		fmt.Sprintf("%s=%d", EnvBackendPort, port),
		fmt.Sprintf("%s=%s", EnvBackendDB, dbPath),
		fmt.Sprintf("%s=%s", EnvBackendHost, BackendHost),
	)
	keys := make([]string, 0, len(l.extraEnv))
	for k := range l.extraEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, l.extraEnv[k]))
	}
	return env
}

// ResolveExecutable locates the backend binary. Paths are used as given; bare
// names are looked up next to the running executable (optionally suffixed with
// -GOOS-GOARCH) and then on $PATH.
func ResolveExecutable(name string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) || strings.ContainsRune(name, '/') {
		return statExecutable(name)
	}

	if self, err := os.Executable(); err == nil {
		dir := filepath.Dir(self)
		for _, candidate := range executableCandidates(name) {
			if path, err := statExecutable(filepath.Join(dir, candidate)); err == nil {
				return path, nil
			}
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return path, nil
}

func executableCandidates(name string) []string {
	candidates := []string{
		name,
		fmt.Sprintf("%s-%s-%s", name, runtime.GOOS, runtime.GOARCH),
	}
	if runtime.GOOS == "windows" && !strings.HasSuffix(name, ".exe") {
		for i := range candidates {
			candidates[i] += ".exe"
		}
	}
	return candidates
}

func statExecutable(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0111 == 0 {
		return "", fmt.Errorf("%s is not executable", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

var _ Launcher = (*ExecLauncher)(nil)
