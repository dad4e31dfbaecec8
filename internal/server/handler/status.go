package handler

import (
	"net/http"
	"time"
)

// StatusHandler serves the process mode and storage backend.
type StatusHandler struct {
	Mode      string
	Storage   string
	StartedAt time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode, storage string, startedAt time.Time) *StatusHandler {
	return &StatusHandler{Mode: mode, Storage: storage, StartedAt: startedAt}
}

// GetStatus responds with the current mode, storage driver and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"storage":        h.Storage,
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	})
}
