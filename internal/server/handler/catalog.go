package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

// CatalogRepairer retries catalog writes stranded after a ledger write.
type CatalogRepairer interface {
	PendingCatalogWrites() []domain.ListingRecord
	RetryCatalogWrite(ctx context.Context, listingID int64) error
}

// CatalogHandler serves operator endpoints for catalog repair and the
// audit trail.
type CatalogHandler struct {
	repair CatalogRepairer
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewCatalogHandler creates a CatalogHandler. Either dependency may be nil.
func NewCatalogHandler(repair CatalogRepairer, audit domain.AuditStore, logger *slog.Logger) *CatalogHandler {
	return &CatalogHandler{repair: repair, audit: audit, logger: logHandler(logger, "catalog")}
}

type pendingWrite struct {
	ListingID    int64  `json:"listingId"`
	Title        string `json:"title"`
	OwnerAddress string `json:"ownerAddress"`
	DisplayPrice string `json:"price"`
}

// ListPending returns catalog writes awaiting retry.
// GET /api/catalog/pending
func (h *CatalogHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	out := []pendingWrite{}
	if h.repair != nil {
		for _, rec := range h.repair.PendingCatalogWrites() {
			out = append(out, pendingWrite{
				ListingID:    rec.ListingID,
				Title:        rec.Title,
				OwnerAddress: rec.OwnerAddress,
				DisplayPrice: rec.DisplayPrice,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": out})
}

// RetryPending replays the catalog half of a stranded write.
// POST /api/catalog/pending/{id}/retry
func (h *CatalogHandler) RetryPending(w http.ResponseWriter, r *http.Request) {
	if h.repair == nil {
		writeError(w, http.StatusServiceUnavailable, "read_only", "this deployment is read-only")
		return
	}
	id, err := listingID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "retry catalog write", err)
		return
	}
	if err := h.repair.RetryCatalogWrite(r.Context(), id); err != nil {
		writeServiceError(w, r, h.logger, "retry catalog write", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "written", "listingId": id})
}

type auditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt string         `json:"createdAt"`
}

// ListAudit pages through the audit log, optionally for one event or listing.
// GET /api/audit?event=&listing=&since=&limit=50&offset=0
func (h *CatalogHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []auditEntry{}})
		return
	}
	entries, err := h.audit.List(r.Context(), parseAuditQuery(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list audit", err)
		return
	}
	out := make([]auditEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntry{
			ID:        e.ID,
			Event:     e.Event,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
