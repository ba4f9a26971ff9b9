package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aleksmv/tradehall/internal/listing"
	"github.com/aleksmv/tradehall/pkg/events"
)

// TransactionManager starts the database transactions every mutating
// operation runs in.
type TransactionManager interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
}

// ListingRepository defines the interface for listing persistence.
type ListingRepository interface {
	// CreateListing inserts a new listing within a transaction.
	CreateListing(ctx context.Context, tx pgx.Tx, l *listing.Listing) error

	// GetListingByID retrieves a listing by its ID (non-transactional read).
	GetListingByID(ctx context.Context, listingID uuid.UUID) (*listing.Listing, error)

	// GetListingByIDForUpdate retrieves a listing and locks its row.
	// This is the per-listing exclusive lock that serializes all
	// mutating operations on one listing. Must be called within a
	// transaction; subject to the transaction's lock timeout.
	GetListingByIDForUpdate(ctx context.Context, tx pgx.Tx, listingID uuid.UUID) (*listing.Listing, error)

	// UpdateCurrentPrice bumps the current price within a transaction.
	UpdateCurrentPrice(ctx context.Context, tx pgx.Tx, listingID uuid.UUID, amount int64) error

	// MarkSettled flips a listing to a terminal status and records the
	// settlement outcome within a transaction.
	MarkSettled(ctx context.Context, tx pgx.Tx, listingID uuid.UUID, status listing.Status, closedAt time.Time, winnerID *uuid.UUID, note string) error

	// ListExpiredForUpdate returns ids of active listings whose close
	// time has passed, skipping rows already locked by a concurrent
	// closer. Must be called within a transaction.
	ListExpiredForUpdate(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]uuid.UUID, error)

	// GetView returns the read-side projection of a listing.
	GetView(ctx context.Context, listingID uuid.UUID) (*listing.View, error)

	// ListActiveViews returns active listing projections with pagination.
	ListActiveViews(ctx context.Context, limit, offset int) ([]*listing.View, error)
}

// BidRepository defines the interface for the append-only bid ledger.
type BidRepository interface {
	// SaveBid saves a bid within a transaction.
	SaveBid(ctx context.Context, tx pgx.Tx, bid *Bid) error

	// GetBidByID retrieves a bid by its ID.
	GetBidByID(ctx context.Context, bidID uuid.UUID) (*Bid, error)

	// GetHighestBid returns the winning bid for a listing within a
	// transaction, or nil when the listing has no bids.
	GetHighestBid(ctx context.Context, tx pgx.Tx, listingID uuid.UUID) (*Bid, error)

	// GetBidsByListingID retrieves the bid history for a listing,
	// most recent first.
	GetBidsByListingID(ctx context.Context, listingID uuid.UUID) ([]*Bid, error)
}

// LedgerPort is the exclusive-locking balance adjustment primitive.
// Both methods participate in the engine's enclosing transaction; a
// Debit that fails the balance check returns ErrInsufficientFunds and
// leaves the transaction usable.
type LedgerPort interface {
	Debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) error
	Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) error
}

// CustodyPort is the exclusive-locking ownership-transfer primitive for
// the traded subject. All methods participate in the engine's
// enclosing transaction.
type CustodyPort interface {
	// Hold moves the subject into escrow. Fails with ErrInvalidSubject
	// when the subject does not exist or is not owned by the seller,
	// and ErrAlreadyEscrowed when it is already held.
	Hold(ctx context.Context, tx pgx.Tx, subjectID, sellerID uuid.UUID) error

	// Release transfers the escrowed subject to its new owner.
	Release(ctx context.Context, tx pgx.Tx, subjectID, newOwnerID uuid.UUID) error

	// Return hands the escrowed subject back to the original seller.
	Return(ctx context.Context, tx pgx.Tx, subjectID, originalOwnerID uuid.UUID) error
}

// OutboxRepository defines the interface for outbox event persistence.
type OutboxRepository interface {
	// SaveEvent saves an outbox event within a transaction.
	SaveEvent(ctx context.Context, tx pgx.Tx, event *events.OutboxEvent) error
}

// Invalidator announces that cached read-side data derived from a
// listing is stale. Delivery is best-effort and fire-and-forget; a
// missed invalidation only means a cache serves stale data until its
// own expiry.
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...string)
}
