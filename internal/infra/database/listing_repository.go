package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aleksmv/tradehall/internal/listing"
	"github.com/aleksmv/tradehall/internal/settlement"
)

// PostgresListingRepository implements settlement.ListingRepository
// using pgx.
type PostgresListingRepository struct {
	pool *pgxpool.Pool // kept for non-transactional reads
}

// NewPostgresListingRepository creates a new PostgreSQL listing
// repository.
func NewPostgresListingRepository(pool *pgxpool.Pool) *PostgresListingRepository {
	return &PostgresListingRepository{pool: pool}
}

const listingColumns = `id, kind, seller_id, subject_id, start_price, current_price, currency, status, created_at, close_at, closed_at, winner_id, settle_note`

// CreateListing inserts a new listing within a transaction.
func (r *PostgresListingRepository) CreateListing(ctx context.Context, tx pgx.Tx, l *listing.Listing) error {
	query := `
		INSERT INTO listings (id, kind, seller_id, subject_id, start_price, current_price, currency, status, created_at, close_at, settle_note)
		VALUES ($1, $2::listing_kind, $3, $4, $5, $6, $7, $8::listing_status, $9, $10, $11)
	`
	_, err := tx.Exec(ctx, query,
		l.ID,
		l.Kind,
		l.SellerID,
		l.SubjectID,
		l.StartPrice,
		l.CurrentPrice,
		l.Currency,
		l.Status,
		l.CreatedAt,
		l.CloseAt,
		l.SettleNote,
	)
	if err != nil {
		return fmt.Errorf("failed to insert listing: %w", err)
	}
	return nil
}

// GetListingByID retrieves a listing by its ID (non-transactional read).
func (r *PostgresListingRepository) GetListingByID(ctx context.Context, listingID uuid.UUID) (*listing.Listing, error) {
	return r.getListing(ctx, r.pool, listingID, false)
}

// GetListingByIDForUpdate retrieves a listing and locks its row. This
// is the per-listing exclusive lock serializing concurrent bidders and
// closers.
func (r *PostgresListingRepository) GetListingByIDForUpdate(ctx context.Context, tx pgx.Tx, listingID uuid.UUID) (*listing.Listing, error) {
	return r.getListing(ctx, tx, listingID, true)
}

func (r *PostgresListingRepository) getListing(ctx context.Context, db DBTX, listingID uuid.UUID, forUpdate bool) (*listing.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var l listing.Listing
	err := db.QueryRow(ctx, query, listingID).Scan(
		&l.ID,
		&l.Kind,
		&l.SellerID,
		&l.SubjectID,
		&l.StartPrice,
		&l.CurrentPrice,
		&l.Currency,
		&l.Status,
		&l.CreatedAt,
		&l.CloseAt,
		&l.ClosedAt,
		&l.WinnerID,
		&l.SettleNote,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, settlement.ErrListingNotFound
		}
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return &l, nil
}

// UpdateCurrentPrice bumps the current price within a transaction.
func (r *PostgresListingRepository) UpdateCurrentPrice(ctx context.Context, tx pgx.Tx, listingID uuid.UUID, amount int64) error {
	query := `
		UPDATE listings
		SET current_price = $1
		WHERE id = $2
	`
	result, err := tx.Exec(ctx, query, amount, listingID)
	if err != nil {
		return fmt.Errorf("failed to update current price: %w", err)
	}
	if result.RowsAffected() == 0 {
		return settlement.ErrListingNotFound
	}
	return nil
}

// MarkSettled flips a listing to a terminal status and records the
// settlement outcome.
func (r *PostgresListingRepository) MarkSettled(ctx context.Context, tx pgx.Tx, listingID uuid.UUID, status listing.Status, closedAt time.Time, winnerID *uuid.UUID, note string) error {
	query := `
		UPDATE listings
		SET status = $1::listing_status, closed_at = $2, winner_id = $3, settle_note = $4
		WHERE id = $5 AND status = 'active'::listing_status
	`
	result, err := tx.Exec(ctx, query, status, closedAt, winnerID, note, listingID)
	if err != nil {
		return fmt.Errorf("failed to mark listing settled: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("listing %s is not active", listingID)
	}
	return nil
}

// ListExpiredForUpdate returns ids of active listings whose close time
// has passed. SKIP LOCKED omits rows a concurrent closer already
// holds; they converge on a later pass.
func (r *PostgresListingRepository) ListExpiredForUpdate(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id
		FROM listings
		WHERE status = 'active'::listing_status AND close_at <= $1
		ORDER BY close_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired listings: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, fmt.Errorf("failed to scan listing id: %w", scanErr)
		}
		ids = append(ids, id)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("error iterating expired listings: %w", rowsErr)
	}
	return ids, nil
}

const viewQuery = `
	SELECT l.id, l.kind, l.seller_id, l.subject_id, l.start_price, l.current_price, l.currency, l.status, l.close_at, l.closed_at,
	       COALESCE(l.winner_id, top.bidder_id) AS leader_id,
	       COALESCE(cnt.bid_count, 0) AS bid_count
	FROM listings l
	LEFT JOIN LATERAL (
		SELECT b.bidder_id
		FROM bids b
		WHERE b.listing_id = l.id
		ORDER BY b.amount DESC, b.placed_at DESC
		LIMIT 1
	) top ON true
	LEFT JOIN LATERAL (
		SELECT COUNT(*) AS bid_count
		FROM bids b
		WHERE b.listing_id = l.id
	) cnt ON true
`

// GetView returns the read-side projection of a listing, including the
// leading bidder and bid count.
func (r *PostgresListingRepository) GetView(ctx context.Context, listingID uuid.UUID) (*listing.View, error) {
	row := r.pool.QueryRow(ctx, viewQuery+` WHERE l.id = $1`, listingID)
	view, err := scanView(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, settlement.ErrListingNotFound
		}
		return nil, fmt.Errorf("failed to get listing view: %w", err)
	}
	return view, nil
}

// ListActiveViews returns active listing projections with pagination,
// closing soonest first.
func (r *PostgresListingRepository) ListActiveViews(ctx context.Context, limit, offset int) ([]*listing.View, error) {
	query := viewQuery + `
		WHERE l.status = 'active'::listing_status
		ORDER BY l.close_at ASC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query active listings: %w", err)
	}
	defer rows.Close()

	var views []*listing.View
	for rows.Next() {
		view, scanErr := scanView(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan listing view: %w", scanErr)
		}
		views = append(views, view)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("error iterating listing views: %w", rowsErr)
	}
	return views, nil
}

func scanView(row pgx.Row) (*listing.View, error) {
	var v listing.View
	err := row.Scan(
		&v.ID,
		&v.Kind,
		&v.SellerID,
		&v.SubjectID,
		&v.StartPrice,
		&v.CurrentPrice,
		&v.Currency,
		&v.Status,
		&v.CloseAt,
		&v.ClosedAt,
		&v.LeaderID,
		&v.BidCount,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
