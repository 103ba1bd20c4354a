// Package handlers implements the supervisor's local control API: bootstrap
// information for the shell, restart, diagnostics and the notification stream.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomyedwab/pinup/sidecarhost/journal"
	"github.com/tomyedwab/pinup/sidecarhost/notify"
	"github.com/tomyedwab/pinup/sidecarhost/processes"
)

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 1000
	defaultKeepalive    = 30 * time.Second
)

// Supervisor is the part of *processes.Supervisor the control API uses.
type Supervisor interface {
	Bootstrap(ctx context.Context) (processes.BootstrapConfig, error)
	BackendPort() uint16
	DataDir() string
	Restart(ctx context.Context) (string, error)
	Status(ctx context.Context) processes.Status
	Logs(fromID int64) []processes.LogEntry
	LogBuffer() *processes.LogBuffer
}

// JournalReader lists recorded lifecycle events.
type JournalReader interface {
	Recent(limit int) ([]journal.Event, error)
}

// Config holds configuration options for the Handler.
type Config struct {
	Supervisor Supervisor          // Required
	Hub        *notify.Hub         // Optional, /events is unavailable without it
	Journal    JournalReader       // Optional, /journal is unavailable without it
	Verifier   TokenVerifier       // Optional, /restart is unauthenticated without it
	Gatherer   prometheus.Gatherer // Optional, /metrics is unavailable without it
	Logger     *slog.Logger        // Optional, defaults to slog.Default()
	// Keepalive is the SSE keepalive interval, defaults to 30s.
	Keepalive time.Duration
}

// Handler serves the control API.
type Handler struct {
	supervisor Supervisor
	hub        *notify.Hub
	journal    JournalReader
	verifier   TokenVerifier
	gatherer   prometheus.Gatherer
	keepalive  time.Duration
	logger     *slog.Logger
}

// New creates a Handler.
func New(config Config) (*Handler, error) {
	if config.Supervisor == nil {
		return nil, fmt.Errorf("Supervisor is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keepalive := config.Keepalive
	if keepalive == 0 {
		keepalive = defaultKeepalive
	}
	return &Handler{
		supervisor: config.Supervisor,
		hub:        config.Hub,
		journal:    config.Journal,
		verifier:   config.Verifier,
		gatherer:   config.Gatherer,
		keepalive:  keepalive,
		logger:     logger.With("component", "ControlAPI"),
	}, nil
}

// Routes returns the control API mux wrapped in request logging.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /bootstrap", h.HandleBootstrap)
	mux.HandleFunc("GET /port", h.HandlePort)
	mux.HandleFunc("GET /data-dir", h.HandleDataDir)
	mux.HandleFunc("POST /restart", RequireToken(h.verifier, h.HandleRestart))
	mux.HandleFunc("GET /status", h.HandleStatus)
	mux.HandleFunc("GET /logs", h.HandleLogs)
	mux.HandleFunc("GET /logs/stream", h.HandleLogStream)
	if h.hub != nil {
		mux.HandleFunc("GET /events", h.HandleEvents)
	}
	if h.journal != nil {
		mux.HandleFunc("GET /journal", h.HandleJournal)
	}
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return LogRequests(h.logger, mux)
}

// HandleBootstrap handles GET /bootstrap
func (h *Handler) HandleBootstrap(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.supervisor.Bootstrap(r.Context())
	status := http.StatusInternalServerError
	if processes.IsNotStarted(err) {
		status = http.StatusServiceUnavailable
	}
	HandleAPIResponse(h.logger, w, r, cfg, err, status)
}

// HandlePort handles GET /port
func (h *Handler) HandlePort(w http.ResponseWriter, r *http.Request) {
	HandleAPIResponse(h.logger, w, r, map[string]uint16{"port": h.supervisor.BackendPort()}, nil, http.StatusOK)
}

// HandleDataDir handles GET /data-dir
func (h *Handler) HandleDataDir(w http.ResponseWriter, r *http.Request) {
	HandleAPIResponse(h.logger, w, r, map[string]string{"data_dir": h.supervisor.DataDir()}, nil, http.StatusOK)
}

// HandleRestart handles POST /restart. It blocks until the new backend is healthy
// or the restart has failed.
func (h *Handler) HandleRestart(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("Restart requested", "remoteAddr", r.RemoteAddr)
	msg, err := h.supervisor.Restart(r.Context())
	status := http.StatusInternalServerError
	if processes.IsSpawnError(err) || processes.IsHealthTimeout(err) {
		status = http.StatusBadGateway
	}
	HandleAPIResponse(h.logger, w, r, map[string]string{"message": msg}, err, status)
}

// HandleStatus handles GET /status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	HandleAPIResponse(h.logger, w, r, h.supervisor.Status(r.Context()), nil, http.StatusOK)
}

// HandleLogs handles GET /logs?from=<id>
func (h *Handler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	var fromID int64
	if from := r.URL.Query().Get("from"); from != "" {
		var err error
		fromID, err = strconv.ParseInt(from, 10, 64)
		if err != nil || fromID < 0 {
			http.Error(w, "Invalid 'from' parameter", http.StatusBadRequest)
			return
		}
	}
	HandleAPIResponse(h.logger, w, r, h.supervisor.Logs(fromID), nil, http.StatusOK)
}

// HandleJournal handles GET /journal?limit=<n>
func (h *Handler) HandleJournal(w http.ResponseWriter, r *http.Request) {
	limit := defaultJournalLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid 'limit' parameter", http.StatusBadRequest)
			return
		}
		limit = min(n, maxJournalLimit)
	}
	events, err := h.journal.Recent(limit)
	HandleAPIResponse(h.logger, w, r, events, err, http.StatusInternalServerError)
}
