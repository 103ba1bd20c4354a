package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tomyedwab/pinup/sidecarhost/processes"
)

const (
	logStreamBacklog    = 50
	logStreamBufferSize = 256
)

// HandleLogStream handles GET /logs/stream, streaming backend output as
// Server-Sent Events. Recent entries are replayed first.
func (h *Handler) HandleLogStream(w http.ResponseWriter, r *http.Request) {
	// Check if the response writer supports flushing
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("Response writer does not support flushing")
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// Set up Server-Sent Events headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	logBuffer := h.supervisor.LogBuffer()
	send := make(chan processes.LogEntry, logStreamBufferSize)
	removeCallback := logBuffer.AddCallback(func(entry processes.LogEntry) {
		select {
		case send <- entry:
		default:
			// Client's send channel is full, skip this log entry
			h.logger.Debug("Skipping log entry for slow client", "id", entry.ID)
		}
	})
	defer removeCallback()

	h.logger.Info("Log stream client connected", "remoteAddr", r.RemoteAddr)
	defer h.logger.Info("Log stream client disconnected", "remoteAddr", r.RemoteAddr)

	if err := writeSSEEvent(w, flusher, "connected", ""); err != nil {
		return
	}

	// The callback is already registered, so entries may show up both in the
	// backlog and on the channel; lastID drops the duplicates.
	var lastID int64
	writeEntry := func(entry processes.LogEntry) error {
		if entry.ID <= lastID {
			return nil
		}
		data, err := json.Marshal(entry)
		if err != nil {
			h.logger.Error("Failed to marshal log entry to JSON", "error", err)
			return nil
		}
		lastID = entry.ID
		return writeSSEEvent(w, flusher, "log", string(data))
	}

	for _, entry := range logBuffer.GetLatestEntries(logStreamBacklog) {
		if err := writeEntry(entry); err != nil {
			return
		}
	}

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case entry := <-send:
			if err := writeEntry(entry); err != nil {
				h.logger.Debug("Failed to write SSE event", "error", err)
				return
			}
		case <-ticker.C:
			if err := writeSSEEvent(w, flusher, "keepalive", ""); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent writes a Server-Sent Event to the client
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType, data string) error {
	if eventType != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
			return err
		}
	}
	if data != "" {
		if _, err := fmt.Fprintf(w, "data: %s\n", data); err != nil {
			return err
		}
	}
	// Write empty line to complete the event
	if _, err := fmt.Fprintf(w, "\n"); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
