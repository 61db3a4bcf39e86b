package domain

import "context"

// FilterKind selects the cheap catalog-side predicate for a list query.
type FilterKind int

const (
	FilterAll FilterKind = iota
	FilterTitle
	FilterParticipant
)

// ListingFilter narrows a catalog list query. For FilterParticipant the
// catalog returns a superset of candidates; callers re-check against
// reconciled ledger fields.
type ListingFilter struct {
	Kind        FilterKind
	Title       string
	Participant string
	Limit       int
}

// CatalogStore persists listing records.
type CatalogStore interface {
	Get(ctx context.Context, listingID int64) (ListingRecord, error)
	List(ctx context.Context, filter ListingFilter) ([]ListingRecord, error)
	Insert(ctx context.Context, rec ListingRecord) error
	UpsertDescriptiveFields(ctx context.Context, listingID int64, fields DescriptiveFields) error
	CacheTradeState(ctx context.Context, listingID int64, snap TradeSnapshot) error
	Delete(ctx context.Context, listingID int64) error
	NextDraftID(ctx context.Context) (int64, error)
}
