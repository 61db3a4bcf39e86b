package domain

import (
	"context"
	"time"
)

// AuditQuery selects audit entries. Zero fields do not filter.
type AuditQuery struct {
	Event     string
	ListingID int64 // matches detail.listing_id
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// AuditEntry is a single audit log row. Detail always carries listing_id
// when the event concerns one listing.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AuditStore persists the append-only trail of ledger submissions, catalog
// failures and cleanups.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, q AuditQuery) ([]AuditEntry, error)
}
