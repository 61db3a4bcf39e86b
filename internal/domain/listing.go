package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ZeroAddress is the ledger's "no buyer yet" value.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// IsDraftID reports whether id belongs to a ledger-less buy order. Ledger ids
// are never negative, so drafts are numbered from -1 downwards.
func IsDraftID(id int64) bool { return id < 0 }

// NormalizeAddress maps the zero address and blanks to "".
func NormalizeAddress(addr string) string {
	a := strings.TrimSpace(addr)
	if a == "" || strings.EqualFold(a, ZeroAddress) {
		return ""
	}
	return a
}

// SameAddress compares two addresses case-insensitively. Empty never matches.
func SameAddress(a, b string) bool {
	a, b = NormalizeAddress(a), NormalizeAddress(b)
	return a != "" && strings.EqualFold(a, b)
}

// ContactLinks are optional seller contact handles.
type ContactLinks struct {
	Twitter  string `json:"twitter,omitempty"`
	Telegram string `json:"telegram,omitempty"`
}

// DescriptiveFields are the catalog-owned, freely editable listing fields.
type DescriptiveFields struct {
	Title        *string
	Description  *string
	DisplayPrice *string
	ContactLinks *ContactLinks
}

// TradeSnapshot is the best-effort copy of ledger fields kept on a catalog
// record. It is never authoritative.
type TradeSnapshot struct {
	Buyer       string
	Delivered   bool
	Completed   bool
	LedgerPrice string
	CachedAt    time.Time
}

// ListingRecord is the off-chain catalog document for one listing.
type ListingRecord struct {
	ListingID    int64
	Title        string
	Description  string
	DisplayPrice string
	ContactLinks ContactLinks
	CreatedAt    time.Time
	IsBuyOrder   bool
	OwnerAddress string
	Cached       TradeSnapshot
}

// TradeState is the ledger's view of a listing.
type TradeState struct {
	Seller      string
	Buyer       string
	Price       decimal.Decimal
	IsDelivered bool
	IsCompleted bool
}

// HasBuyer reports whether a real buyer is attached.
func (t TradeState) HasBuyer() bool { return NormalizeAddress(t.Buyer) != "" }

// Status is the ledger lifecycle position of a listing.
type Status string

const (
	StatusListed    Status = "listed"
	StatusSold      Status = "sold"
	StatusDelivered Status = "delivered"
	StatusCompleted Status = "completed"
	StatusBuyOrder  Status = "buy_order"
)

// StatusOf derives the lifecycle status from ledger fields.
func StatusOf(t TradeState) Status {
	switch {
	case t.IsCompleted:
		return StatusCompleted
	case t.IsDelivered:
		return StatusDelivered
	case t.HasBuyer():
		return StatusSold
	default:
		return StatusListed
	}
}

// MergedListing is the read-facing view of a listing. It is never persisted.
type MergedListing struct {
	ListingID    int64        `json:"listingId"`
	Title        string       `json:"title"`
	Description  string       `json:"description"`
	Price        string       `json:"price"`
	ContactLinks ContactLinks `json:"contactLinks"`
	CreatedAt    time.Time    `json:"createdAt"`
	IsBuyOrder   bool         `json:"isBuyOrder"`
	OwnerAddress string       `json:"ownerAddress"`
	Seller       string       `json:"seller"`
	Buyer        string       `json:"buyer,omitempty"`
	IsDelivered  bool         `json:"isDelivered"`
	IsCompleted  bool         `json:"isCompleted"`
	Status       Status       `json:"status"`
	Stale        bool         `json:"stale,omitempty"`
}

// IsParticipant reports whether addr is the listing's seller or buyer.
func (m MergedListing) IsParticipant(addr string) bool {
	return SameAddress(m.Seller, addr) || SameAddress(m.Buyer, addr)
}
