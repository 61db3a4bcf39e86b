package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

// ArchiveReader returns the snapshot kept for a completed listing.
type ArchiveReader interface {
	Archived(ctx context.Context, listingID int64) (domain.ArchivedListing, error)
}

// ArchiveHandler serves completed listings, which no longer exist in the
// catalog.
type ArchiveHandler struct {
	archive ArchiveReader
	logger  *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler. archive may be nil when no
// object storage is configured.
func NewArchiveHandler(archive ArchiveReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{archive: archive, logger: logHandler(logger, "archive")}
}

// GetArchived returns the archived snapshot of a completed listing.
// GET /api/archive/{id}
func (h *ArchiveHandler) GetArchived(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "listing archive is not configured")
		return
	}
	id, err := listingID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "get archived listing", err)
		return
	}
	doc, err := h.archive.Archived(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get archived listing", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
