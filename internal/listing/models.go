package listing

import (
	"time"

	"github.com/google/uuid"
)

// MaxDuration is the longest window a listing may stay open. Requested
// durations above it are clamped, not rejected.
const MaxDuration = 24 * time.Hour

// DefaultCurrency is the unit all prices are denominated in.
const DefaultCurrency = "gold"

// Kind distinguishes what is being sold.
type Kind string

const (
	KindItem      Kind = "item"
	KindCharacter Kind = "character"
)

// IsValid checks if the kind is a known value.
func (k Kind) IsValid() bool {
	switch k {
	case KindItem, KindCharacter:
		return true
	default:
		return false
	}
}

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// Status represents the lifecycle state of a listing.
// Transitions are one-way: active -> closed (sold) or
// active -> cancelled (no sale). Terminal states are final.
type Status string

const (
	StatusActive    Status = "active"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

// IsValid checks if the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusClosed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Listing represents one item or character offered for sale.
// CloseAt is fixed at creation and never extended.
type Listing struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Kind         Kind       `db:"kind" json:"kind"`
	SellerID     uuid.UUID  `db:"seller_id" json:"seller_id"`
	SubjectID    uuid.UUID  `db:"subject_id" json:"subject_id"`
	StartPrice   int64      `db:"start_price" json:"start_price"` // in base currency units
	CurrentPrice int64      `db:"current_price" json:"current_price"`
	Currency     string     `db:"currency" json:"currency"`
	Status       Status     `db:"status" json:"status"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	CloseAt      time.Time  `db:"close_at" json:"close_at"`
	ClosedAt     *time.Time `db:"closed_at" json:"closed_at,omitempty"`
	WinnerID     *uuid.UUID `db:"winner_id" json:"winner_id,omitempty"`
	SettleNote   string     `db:"settle_note" json:"settle_note,omitempty"`
}

// IsOwnedBy checks if the listing belongs to the given seller.
func (l *Listing) IsOwnedBy(userID uuid.UUID) bool {
	return l.SellerID == userID
}

// Expired reports whether the listing's close time has passed.
// An expired-but-not-yet-swept listing must not accept new bids.
func (l *Listing) Expired(now time.Time) bool {
	return !now.Before(l.CloseAt)
}

// AcceptsBids reports whether a bid may be placed against the listing
// at the given instant.
func (l *Listing) AcceptsBids(now time.Time) bool {
	return l.Status == StatusActive && !l.Expired(now)
}

// View is the read-side projection of a listing served to display
// layers. Tolerant of slight staleness; the listings table remains the
// source of truth.
type View struct {
	ID           uuid.UUID  `json:"id"`
	Kind         Kind       `json:"kind"`
	SellerID     uuid.UUID  `json:"seller_id"`
	SubjectID    uuid.UUID  `json:"subject_id"`
	StartPrice   int64      `json:"start_price"`
	CurrentPrice int64      `json:"current_price"`
	Currency     string     `json:"currency"`
	Status       Status     `json:"status"`
	CloseAt      time.Time  `json:"close_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	// LeaderID is the bidder holding the highest accepted bid so far,
	// or the final winner once the listing is closed.
	LeaderID *uuid.UUID `json:"leader_id,omitempty"`
	BidCount int64      `json:"bid_count"`
}
