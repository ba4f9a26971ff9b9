package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aleksmv/tradehall/internal/settlement"
)

// PostgresBidRepository implements settlement.BidRepository using pgx.
// The bids table is append-only; rows are never updated or deleted.
type PostgresBidRepository struct {
	pool *pgxpool.Pool // kept for read-only operations
}

// NewPostgresBidRepository creates a new PostgreSQL bid repository.
func NewPostgresBidRepository(pool *pgxpool.Pool) *PostgresBidRepository {
	return &PostgresBidRepository{pool: pool}
}

// SaveBid saves a bid within a transaction.
func (r *PostgresBidRepository) SaveBid(ctx context.Context, tx pgx.Tx, bid *settlement.Bid) error {
	query := `
		INSERT INTO bids (id, listing_id, bidder_id, amount, placed_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := tx.Exec(ctx, query,
		bid.ID,
		bid.ListingID,
		bid.BidderID,
		bid.Amount,
		bid.PlacedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bid: %w", err)
	}
	return nil
}

// GetBidByID retrieves a bid by its ID.
func (r *PostgresBidRepository) GetBidByID(ctx context.Context, bidID uuid.UUID) (*settlement.Bid, error) {
	query := `
		SELECT id, listing_id, bidder_id, amount, placed_at
		FROM bids
		WHERE id = $1
	`
	var bid settlement.Bid
	err := r.pool.QueryRow(ctx, query, bidID).Scan(
		&bid.ID,
		&bid.ListingID,
		&bid.BidderID,
		&bid.Amount,
		&bid.PlacedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("bid not found")
		}
		return nil, fmt.Errorf("failed to get bid: %w", err)
	}
	return &bid, nil
}

// GetHighestBid returns the winning bid for a listing within a
// transaction, or nil when the listing has no bids. Amount is the
// primary order; accepted amounts are strictly increasing so this is
// also the most recent bid.
func (r *PostgresBidRepository) GetHighestBid(ctx context.Context, tx pgx.Tx, listingID uuid.UUID) (*settlement.Bid, error) {
	query := `
		SELECT id, listing_id, bidder_id, amount, placed_at
		FROM bids
		WHERE listing_id = $1
		ORDER BY amount DESC, placed_at DESC
		LIMIT 1
	`
	var bid settlement.Bid
	err := tx.QueryRow(ctx, query, listingID).Scan(
		&bid.ID,
		&bid.ListingID,
		&bid.BidderID,
		&bid.Amount,
		&bid.PlacedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get highest bid: %w", err)
	}
	return &bid, nil
}

// GetBidsByListingID retrieves the bid history for a listing, most
// recent first.
func (r *PostgresBidRepository) GetBidsByListingID(ctx context.Context, listingID uuid.UUID) ([]*settlement.Bid, error) {
	query := `
		SELECT id, listing_id, bidder_id, amount, placed_at
		FROM bids
		WHERE listing_id = $1
		ORDER BY placed_at DESC
	`
	rows, err := r.pool.Query(ctx, query, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var result []*settlement.Bid
	for rows.Next() {
		var bid settlement.Bid
		if scanErr := rows.Scan(
			&bid.ID,
			&bid.ListingID,
			&bid.BidderID,
			&bid.Amount,
			&bid.PlacedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", scanErr)
		}
		result = append(result, &bid)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("error iterating bids: %w", rowsErr)
	}
	return result, nil
}
