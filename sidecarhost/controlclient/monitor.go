package controlclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomyedwab/pinup/sidecarhost/notify"
	"github.com/tomyedwab/pinup/sidecarhost/processes"
)

const (
	defaultRetryDelay    = 2 * time.Second
	defaultMaxRetryDelay = 30 * time.Second
)

// MonitorConfig holds configuration options for the Monitor.
type MonitorConfig struct {
	RetryDelay    time.Duration // Optional, first reconnect delay, defaults to 2s
	MaxRetryDelay time.Duration // Optional, backoff cap, defaults to 30s
	Logger        *slog.Logger  // Optional, defaults to slog.Default()
}

// Monitor follows the supervisor's log stream, reconnecting with exponential
// backoff whenever the stream drops. Entries replayed after a reconnect are
// skipped so each ID is delivered once.
type Monitor struct {
	client        *Client
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	logger        *slog.Logger
	lastID        int64
}

// NewMonitor creates a Monitor for client.
func NewMonitor(client *Client, config MonitorConfig) *Monitor {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retryDelay := config.RetryDelay
	if retryDelay == 0 {
		retryDelay = defaultRetryDelay
	}
	maxRetryDelay := config.MaxRetryDelay
	if maxRetryDelay == 0 {
		maxRetryDelay = defaultMaxRetryDelay
	}
	return &Monitor{
		client:        client,
		retryDelay:    retryDelay,
		maxRetryDelay: maxRetryDelay,
		logger:        logger.With("component", "Monitor"),
	}
}

// TailLogs streams log entries into the returned channel until ctx is done.
// The channel is closed when tailing stops.
func (m *Monitor) TailLogs(ctx context.Context) <-chan processes.LogEntry {
	entries := make(chan processes.LogEntry, 100)
	go func() {
		defer close(entries)
		retryDelay := m.retryDelay
		for {
			err := m.readLogStream(ctx, entries)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				m.logger.Warn("Log stream failed", "error", err, "retryIn", retryDelay)
			} else {
				retryDelay = m.retryDelay
				m.logger.Info("Log stream closed, reconnecting", "retryIn", retryDelay)
			}

			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return
			}
			if err != nil {
				retryDelay = min(retryDelay*2, m.maxRetryDelay)
			}
		}
	}()
	return entries
}

// readLogStream reads one SSE connection until it ends. A nil error means the
// server closed a stream that had connected successfully.
func (m *Monitor) readLogStream(ctx context.Context, entries chan<- processes.LogEntry) error {
	resp, err := m.client.makeRequest(ctx, http.MethodGet, "/logs/stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: "log stream unavailable"}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if event == "log" {
				m.deliver(ctx, data, entries)
			}
			event, data = "", ""
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("error reading log stream: %w", err)
	}
	return nil
}

func (m *Monitor) deliver(ctx context.Context, data string, entries chan<- processes.LogEntry) {
	var entry processes.LogEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		m.logger.Debug("Skipping malformed log event", "error", err)
		return
	}
	if entry.ID <= m.lastID {
		return
	}
	m.lastID = entry.ID
	select {
	case entries <- entry:
	case <-ctx.Done():
	}
}

// WatchNotifications connects to the notification stream and forwards every
// notification until ctx is done or the supervisor closes the stream. There is
// no reconnect: notifications missed while disconnected are gone anyway.
func (c *Client) WatchNotifications(ctx context.Context) (<-chan notify.Notification, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/events"
	header := http.Header{}
	if token := c.getToken(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to notification stream: %w", err)
	}

	out := make(chan notify.Notification, 16)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var n notify.Notification
			if err := conn.ReadJSON(&n); err != nil {
				return
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// FormatLogEntry formats a log entry for terminal display.
func FormatLogEntry(entry processes.LogEntry) string {
	source := ""
	if entry.Source != "" {
		source = fmt.Sprintf("[%s] ", entry.Source)
	}
	processInfo := ""
	if entry.PID > 0 {
		processInfo = fmt.Sprintf("(PID %d) ", entry.PID)
	}
	return fmt.Sprintf("%s %-5s %s%s%s",
		entry.Timestamp.Local().Format("15:04:05"), strings.ToUpper(entry.Level), source, processInfo, entry.Message)
}

// FormatStatus formats a supervisor status for terminal display.
func FormatStatus(status processes.Status) string {
	parts := []string{fmt.Sprintf("State: %s", status.State)}
	if status.Port > 0 {
		parts = append(parts, fmt.Sprintf("Port: %d", status.Port))
	}
	if status.PID > 0 {
		parts = append(parts, fmt.Sprintf("PID: %d", status.PID))
	}
	if status.RestartCount > 0 {
		parts = append(parts, fmt.Sprintf("Restarts: %d", status.RestartCount))
	}
	if status.LastError != "" {
		parts = append(parts, fmt.Sprintf("Error: %s", status.LastError))
	}
	return strings.Join(parts, " | ")
}
