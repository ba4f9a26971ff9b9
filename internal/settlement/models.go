package settlement

import (
	"time"

	"github.com/google/uuid"

	"github.com/aleksmv/tradehall/internal/listing"
)

// Bid represents one bidder's accepted offer against a listing.
// Bids are append-only and immutable once placed.
type Bid struct {
	ID        uuid.UUID `db:"id" json:"id"`
	ListingID uuid.UUID `db:"listing_id" json:"listing_id"`
	BidderID  uuid.UUID `db:"bidder_id" json:"bidder_id"`
	Amount    int64     `db:"amount" json:"amount"` // in base currency units
	PlacedAt  time.Time `db:"placed_at" json:"placed_at"`
}

// SettlementResult is the terminal outcome of a listing. It is
// persisted on the listing row so that repeated Close calls return the
// same result without repeating the transfer.
type SettlementResult struct {
	ListingID uuid.UUID
	Status    listing.Status
	WinnerID  *uuid.UUID
	SalePrice int64 // 0 when the listing settled without a sale
	ClosedAt  time.Time
	Note      string
}

// Settlement notes recorded on cancelled listings.
const (
	NoteNoBids            = "no bids"
	NoteInsufficientFunds = "winner had insufficient funds"
)

// OpenCommand represents the command to open a new listing.
type OpenCommand struct {
	SellerID   uuid.UUID
	Kind       listing.Kind
	SubjectID  uuid.UUID
	StartPrice int64
	Duration   time.Duration
}

// PlaceBidCommand represents the command to place a bid.
type PlaceBidCommand struct {
	ListingID uuid.UUID
	BidderID  uuid.UUID
	Amount    int64
}
