package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
	"github.com/alanyoungcy/p2pmarket/internal/service"
)

const maxBodyBytes = 64 << 10

// writeJSON marshals v as JSON and writes it with the given status. If
// marshaling fails it falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// errorResponse is the body of every non-2xx answer. ListingID and TxHash
// are set when a ledger transaction already landed.
type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	ListingID int64  `json:"listingId,omitempty"`
	TxHash    string `json:"txHash,omitempty"`
}

// writeError sends a JSON error with an explicit kind.
func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPreconditionFailed),
		errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrLockHeld):
		return http.StatusConflict
	case errors.Is(err, domain.ErrLedgerRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrCatalogWriteFailed),
		errors.Is(err, domain.ErrListingIDUnresolved):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError answers with the status and kind for err. Partial
// successes carry the listing id and tx hash so the caller can retry the
// catalog half.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, action string, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error(), Kind: service.ErrorKind(err)}

	var cwe *domain.CatalogWriteError
	var uerr *domain.ListingIDUnresolvedError
	switch {
	case errors.As(err, &cwe):
		resp.ListingID, resp.TxHash = cwe.ListingID, cwe.TxHash
	case errors.As(err, &uerr):
		resp.TxHash = uerr.TxHash
	}

	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+action+" failed",
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		if status == http.StatusInternalServerError {
			resp.Error = "internal server error"
		}
	}
	writeJSON(w, status, resp)
}

// decodeBody reads a size-capped JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %v: %w", err, domain.ErrInvalidInput)
	}
	return nil
}

// listingID parses the {id} path value. Draft ids are negative.
func listingID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid listing id %q: %w", raw, domain.ErrInvalidInput)
	}
	return id, nil
}

// requesterFrom takes the acting address from the body value, then the
// X-Requester header, then the requester query parameter.
func requesterFrom(r *http.Request, fromBody string) string {
	if v := strings.TrimSpace(fromBody); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Header.Get("X-Requester")); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("requester"))
}

// parseAuditQuery reads event, listing, since (RFC 3339), limit and offset.
// Defaults: limit=50 (max 500), offset=0. Malformed values are ignored.
func parseAuditQuery(r *http.Request) domain.AuditQuery {
	q := r.URL.Query()
	aq := domain.AuditQuery{
		Event: strings.TrimSpace(q.Get("event")),
		Limit: 50,
	}
	if v := q.Get("listing"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			aq.ListingID = id
		}
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			aq.Since = &t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			aq.Limit = min(n, 500)
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			aq.Offset = n
		}
	}
	return aq
}

// wantsWait reports whether the caller asked to block until the write is
// finished instead of receiving an operation id.
func wantsWait(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return v
}
