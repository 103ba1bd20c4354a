package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// HandleAPIResponse writes resp as JSON, or err as a plain-text error with status.
func HandleAPIResponse(logger *slog.Logger, w http.ResponseWriter, r *http.Request, resp interface{}, err error, status int) {
	if err != nil {
		logger.Error("Request failed", "remoteAddr", r.RemoteAddr, "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		http.Error(w, err.Error(), status)
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		logger.Error("Failed to encode response", "remoteAddr", r.RemoteAddr, "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
