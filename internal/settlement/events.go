package settlement

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aleksmv/tradehall/internal/listing"
)

// EventType represents the type of domain event written to the outbox.
type EventType string

const (
	EventTypeListingOpened    EventType = "listing.opened"
	EventTypeBidAccepted      EventType = "bid.accepted"
	EventTypeListingSettled   EventType = "listing.settled"
	EventTypeSettlementFailed EventType = "listing.settlement_failed"
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	return string(e)
}

// IsValid checks if the event type is valid.
func (e EventType) IsValid() bool {
	switch e {
	case EventTypeListingOpened, EventTypeBidAccepted, EventTypeListingSettled, EventTypeSettlementFailed:
		return true
	default:
		return false
	}
}

// ListingOpenedEvent is the payload for listing.opened.
type ListingOpenedEvent struct {
	ListingID  uuid.UUID    `json:"listing_id"`
	SellerID   uuid.UUID    `json:"seller_id"`
	Kind       listing.Kind `json:"kind"`
	SubjectID  uuid.UUID    `json:"subject_id"`
	StartPrice int64        `json:"start_price"`
	CloseAt    time.Time    `json:"close_at"`
	OpenedAt   time.Time    `json:"opened_at"`
}

// BidAcceptedEvent is the payload for bid.accepted. External notifiers
// (e.g. outbid push) subscribe to this; the engine itself never
// contacts the previous high bidder.
type BidAcceptedEvent struct {
	BidID     uuid.UUID `json:"bid_id"`
	ListingID uuid.UUID `json:"listing_id"`
	BidderID  uuid.UUID `json:"bidder_id"`
	Amount    int64     `json:"amount"`
	PlacedAt  time.Time `json:"placed_at"`
}

// ListingSettledEvent is the payload for listing.settled. Covers both
// terminal outcomes; WinnerID is nil when the listing was cancelled.
type ListingSettledEvent struct {
	ListingID uuid.UUID      `json:"listing_id"`
	Status    listing.Status `json:"status"`
	WinnerID  *uuid.UUID     `json:"winner_id,omitempty"`
	SalePrice int64          `json:"sale_price"`
	ClosedAt  time.Time      `json:"closed_at"`
	Note      string         `json:"note,omitempty"`
}

// SettlementFailedEvent is the payload for listing.settlement_failed,
// recorded for administrative follow-up when a winner could not pay.
type SettlementFailedEvent struct {
	ListingID uuid.UUID `json:"listing_id"`
	BidderID  uuid.UUID `json:"bidder_id"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failed_at"`
}

// Cache keys the engine invalidates after mutations. The read-side
// cache and any other subscriber key off these same strings.
const ActiveViewCacheKey = "listings:active"

// ListingCacheKey returns the cache key for a single listing view.
func ListingCacheKey(id uuid.UUID) string {
	return fmt.Sprintf("listing:%s", id)
}
