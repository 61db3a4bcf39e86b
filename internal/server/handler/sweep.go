package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// SweepHandler lets operators request an immediate sweeper pass.
type SweepHandler struct {
	logger    *slog.Logger
	triggerCh chan<- struct{}
}

// NewSweepHandler creates a SweepHandler.
func NewSweepHandler(logger *slog.Logger) *SweepHandler {
	return &SweepHandler{logger: logger}
}

// WithTriggerChannel sets the channel the sweeper loop receives from.
func (h *SweepHandler) WithTriggerChannel(ch chan<- struct{}) *SweepHandler {
	h.triggerCh = ch
	return h
}

// TriggerSweep enqueues one sweep pass.
// POST /api/sweep/trigger
func (h *SweepHandler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.triggerCh == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sweeper is not running in this mode")
		return
	}
	h.logger.InfoContext(r.Context(), "handler: sweep trigger requested")
	select {
	case h.triggerCh <- struct{}{}:
	default:
		// already queued
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}
