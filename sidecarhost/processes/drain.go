package processes

import (
	"log/slog"
)

// outcomeKind classifies messages produced by background drain and probe goroutines.
type outcomeKind int

const (
	outcomeReady outcomeKind = iota
	outcomeProbeFailed
	outcomeCrashed
)

// outcome is the typed message background goroutines send to the supervisor's
// dispatcher. Only the dispatcher turns outcomes into state changes and notifications.
type outcome struct {
	kind     outcomeKind
	launchID string
	port     uint16
	process  Process
	body     string
	err      error
	exit     ExitStatus
}

// DrainConfig configures one output drain.
type DrainConfig struct {
	Process   Process
	LaunchID  string
	LogBuffer *LogBuffer   // Optional
	Logger    *slog.Logger // Optional, defaults to slog.Default()
}

// drain consumes a launched process's event stream until the stream ends or the
// process terminates. stdout lines are logged at info, stderr lines at warn. An
// unexpected termination produces one crash outcome; a termination requested
// through Kill or Stop does not. Sending stops early once stop is closed.
func drain(events <-chan ProcessEvent, outcomes chan<- outcome, stop <-chan struct{}, config DrainConfig) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pid := 0
	if config.Process != nil {
		pid = config.Process.Pid()
	}
	logger = logger.With("pid", pid, "launchID", config.LaunchID)

	for event := range events {
		switch event.Kind {
		case EventStdout:
			logger.Info("Backend stdout", "output", event.Line)
			if config.LogBuffer != nil {
				config.LogBuffer.AddEntry("info", "stdout", event.Line, pid)
			}
		case EventStderr:
			logger.Warn("Backend stderr", "output", event.Line)
			if config.LogBuffer != nil {
				config.LogBuffer.AddEntry("warn", "stderr", event.Line, pid)
			}
		case EventTerminated:
			exit := ExitStatus{Code: -1}
			if event.Exit != nil {
				exit = *event.Exit
			}
			if config.Process != nil && config.Process.Intentional() {
				logger.Info("Backend terminated after supervisor request", "exit", exit.String())
				return
			}
			logger.Error("Backend terminated", "exit", exit.String(), "error", exit.Err)
			select {
			case outcomes <- outcome{kind: outcomeCrashed, launchID: config.LaunchID, process: config.Process, exit: exit}:
			case <-stop:
			}
			return
		default:
			// Unrecognized event kinds are ignored.
		}
	}
}
