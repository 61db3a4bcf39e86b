package handler

import (
	"net/http"
	"time"
)

// StatusHandler reports how this instance is deployed.
type StatusHandler struct {
	Mode      string
	ReadOnly  bool
	Signers   []string
	StartedAt time.Time
	Pending   func() int
	// WSClients reports connected WebSocket clients; nil when no hub runs.
	WSClients func() int
}

// NewStatusHandler creates a StatusHandler. pending may be nil.
func NewStatusHandler(mode string, readOnly bool, signers []string, pending func() int) *StatusHandler {
	return &StatusHandler{
		Mode:      mode,
		ReadOnly:  readOnly,
		Signers:   signers,
		StartedAt: time.Now().UTC(),
		Pending:   pending,
	}
}

// GetStatus responds with mode, signing accounts, the number of catalog
// writes awaiting retry and connected WebSocket clients.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	pending := 0
	if h.Pending != nil {
		pending = h.Pending()
	}
	wsClients := 0
	if h.WSClients != nil {
		wsClients = h.WSClients()
	}
	signers := h.Signers
	if signers == nil {
		signers = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":                   h.Mode,
		"read_only":              h.ReadOnly,
		"signers":                signers,
		"uptime_seconds":         int64(time.Since(h.StartedAt).Seconds()),
		"pending_catalog_writes": pending,
		"ws_clients":             wsClients,
	})
}
