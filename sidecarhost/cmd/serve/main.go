package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tomyedwab/pinup/sidecarhost/auth"
	"github.com/tomyedwab/pinup/sidecarhost/config"
	"github.com/tomyedwab/pinup/sidecarhost/internal/handlers"
	"github.com/tomyedwab/pinup/sidecarhost/journal"
	"github.com/tomyedwab/pinup/sidecarhost/notify"
	"github.com/tomyedwab/pinup/sidecarhost/processes"
)

const notificationBufferSize = 32

var (
	v          = config.NewViper()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "pinup-supervisor",
	Short: "Supervise the Pin-Up AI backend sidecar",
	Long: `pinup-supervisor launches the local backend on a free loopback port, waits
for it to become healthy and serves a small control API the desktop shell uses
to discover the backend, restart it and receive readiness and crash notifications.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v, configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return run(cfg)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "Config file (default: <data_dir>/supervisor.yaml)")
	flags.String("data-dir", "", "Application data directory")
	flags.Int("control-port", 0, "Port for the local control API")
	flags.String("backend", "", "Backend executable name or path")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("dev", false, "Tolerate a missing backend binary")

	v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	v.BindPFlag("control.port", flags.Lookup("control-port"))
	v.BindPFlag("backend.executable", flags.Lookup("backend"))
	v.BindPFlag("logging.level", flags.Lookup("log-level"))
	v.BindPFlag("dev", flags.Lookup("dev"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	// 1. Setup logger
	logger, closeLog := newLogger(cfg)
	defer closeLog()
	slog.SetDefault(logger)

	logger.Info("Starting sidecar supervisor", "dataDir", cfg.DataDir, "dev", cfg.Dev)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("Failed to create data directory", "dataDir", cfg.DataDir, "error", err)
		return err
	}

	// 2. Bootstrap token issuer
	var issuer *auth.Issuer
	backendEnv := make(map[string]string, len(cfg.Backend.Env)+1)
	for k, val := range cfg.Backend.Env {
		backendEnv[k] = val
	}
	if cfg.Auth.Enabled {
		var err error
		issuer, err = auth.NewIssuer(auth.IssuerConfig{
			SecretPath:  filepath.Join(cfg.DataDir, auth.SecretFileName),
			TTL:         cfg.Auth.TokenTTL,
			OverrideEnv: cfg.Auth.OverrideEnv,
			Logger:      logger,
		})
		if err != nil {
			logger.Error("Failed to initialize token issuer", "error", err)
			return err
		}
		backendEnv[auth.EnvTokenSecret] = issuer.SecretHex()
	}

	// 3. Lifecycle journal
	var lifecycleJournal *journal.Journal
	if cfg.Journal.Enabled {
		var err error
		lifecycleJournal, err = journal.Open(filepath.Join(cfg.DataDir, journal.DefaultFileName))
		if err != nil {
			logger.Error("Failed to open lifecycle journal", "error", err)
			return err
		}
		defer lifecycleJournal.Close()
		if cfg.Journal.Retention > 0 {
			if n, err := lifecycleJournal.DeleteOlderThan(cfg.Journal.Retention); err != nil {
				logger.Warn("Failed to prune lifecycle journal", "error", err)
			} else if n > 0 {
				logger.Info("Pruned lifecycle journal", "deleted", n)
			}
		}
	}

	// 4. Port allocation
	var portManager *processes.PortManager
	if cfg.Backend.PortMin != 0 {
		var err error
		portManager, err = processes.NewRangePortManager(cfg.Backend.PortMin, cfg.Backend.PortMax, logger)
		if err != nil {
			logger.Error("Failed to create PortManager", "error", err)
			return err
		}
	} else {
		portManager = processes.NewPortManager(logger)
	}
	portManager.SetFallbackPort(uint16(cfg.Backend.FallbackPort))

	// 5. Launcher and supervisor
	launcher, err := processes.NewExecLauncher(processes.ExecLauncherConfig{
		Executable:  cfg.Backend.Executable,
		DataDir:     cfg.DataDir,
		ExtraArgs:   cfg.Backend.Args,
		ExtraEnv:    backendEnv,
		KillTimeout: cfg.Backend.KillTimeout,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("Failed to create launcher", "error", err)
		return err
	}

	metrics := processes.NewPrometheusMetricsCollector(cfg.Metrics.Namespace)
	hub := notify.NewHub(notificationBufferSize, logger)

	supConfig := processes.Config{
		Launcher:            launcher,
		DataDir:             cfg.DataDir,
		Ports:               portManager,
		HealthCheckTimeout:  cfg.Health.Timeout,
		Metrics:             metrics,
		Emitter:             hub,
		Logger:              logger,
		StartupRetries:      cfg.Health.StartupRetries,
		StartupDelay:        cfg.Health.StartupDelay,
		RestartRetries:      cfg.Health.RestartRetries,
		RestartDelay:        cfg.Health.RestartDelay,
		SettleDelay:         cfg.Health.SettleDelay,
		ShutdownGracePeriod: cfg.Backend.ShutdownGrace,
		LogBufferSize:       cfg.Backend.LogBufferSize,
		DevMode:             cfg.Dev,
	}
	// Interface fields stay nil when the optional component is disabled.
	if issuer != nil {
		supConfig.TokenSource = issuer
	}
	if lifecycleJournal != nil {
		supConfig.Journal = lifecycleJournal
	}
	supervisor, err := processes.NewSupervisor(supConfig)
	if err != nil {
		logger.Error("Failed to create Supervisor", "error", err)
		return err
	}

	// 6. Control API
	handlerConfig := handlers.Config{
		Supervisor: supervisor,
		Hub:        hub,
		Gatherer:   metrics.Registry(),
		Logger:     logger,
	}
	if issuer != nil {
		handlerConfig.Verifier = issuer
	}
	if lifecycleJournal != nil {
		handlerConfig.Journal = lifecycleJournal
	}
	handler, err := handlers.New(handlerConfig)
	if err != nil {
		logger.Error("Failed to create control API", "error", err)
		return err
	}

	controlAddr := net.JoinHostPort(cfg.Control.Host, strconv.Itoa(cfg.Control.Port))
	server := &http.Server{
		Addr:              controlAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting control API server...", "address", controlAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// 7. Launch the backend. A failed launch leaves the supervisor running so the
	// shell can still read diagnostics and ask for a restart.
	if err := supervisor.Start(ctx); err != nil {
		logger.Warn("Backend did not start", "error", err)
	}

	logger.Info("Supervisor running... Press Ctrl+C to exit.")
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received signal, initiating graceful shutdown...")
	case err, ok := <-serverErr:
		if ok {
			logger.Error("Control API server failed", "error", err)
			runErr = err
		}
	}

	// 8. Shutdown: stop accepting requests, end notification streams, then stop the backend.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Backend.ShutdownGrace+5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping control API server", "error", err)
	}
	hub.Close()
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping supervisor", "error", err)
	}

	logger.Info("Supervisor has completed its shutdown sequence. Exiting.")
	return runErr
}

// newLogger writes to stdout and to a size-rotated file under the data directory.
func newLogger(cfg *config.Config) (*slog.Logger, func()) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}

	var logWriter io.Writer = os.Stdout
	closer := func() {}
	logFile := cfg.LogFilePath()
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err == nil {
		rotator := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
			Compress:   true,
		}
		logWriter = io.MultiWriter(os.Stdout, rotator)
		closer = func() { rotator.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Logging.Format) == "text" {
		return slog.New(slog.NewTextHandler(logWriter, opts)), closer
	}
	return slog.New(slog.NewJSONHandler(logWriter, opts)), closer
}
