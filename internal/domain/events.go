package domain

import "time"

// Bus channels.
const (
	ChannelListingEvents = "listing:events"
	ChannelOperations    = "listing:ops"
)

// Lifecycle event types published on ChannelListingEvents.
const (
	EventListingCreated      = "listing.created"
	EventBuyOrderCreated     = "listing.buy_order_created"
	EventListingPriceUpdated = "listing.price_updated"
	EventListingTransitioned = "listing.transitioned"
	EventListingCompleted    = "listing.completed"
	EventListingDeleted      = "listing.deleted"
)

// ListingEvent is the JSON payload on ChannelListingEvents.
type ListingEvent struct {
	Type      string    `json:"type"`
	ListingID int64     `json:"listingId"`
	TxHash    string    `json:"txHash,omitempty"`
	Price     string    `json:"price,omitempty"`
	At        time.Time `json:"at"`
}

// Phase is the progress of a cross-store write.
type Phase string

const (
	PhaseSubmitting          Phase = "submitting"
	PhasePendingConfirmation Phase = "pending_confirmation"
	PhaseConfirmed           Phase = "confirmed"
	PhaseCatalogWrite        Phase = "catalog_write"
	PhaseDone                Phase = "done"
	PhaseFailed              Phase = "failed"
)
