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

// PostgresCustodyRepository implements settlement.CustodyPort against
// the assets table. The escrowed flag marks system custody while a
// listing is active; ownership only changes at settlement.
type PostgresCustodyRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresCustodyRepository creates a new PostgreSQL custody
// repository.
func NewPostgresCustodyRepository(pool *pgxpool.Pool) *PostgresCustodyRepository {
	return &PostgresCustodyRepository{pool: pool}
}

// Hold moves the subject into escrow within the caller's transaction.
// The asset row lock serializes concurrent Open attempts on the same
// subject; ownership and escrow checks run before any mutation.
func (r *PostgresCustodyRepository) Hold(ctx context.Context, tx pgx.Tx, subjectID, sellerID uuid.UUID) error {
	var ownerID uuid.UUID
	var escrowed bool
	err := tx.QueryRow(ctx, `SELECT owner_id, escrowed FROM assets WHERE id = $1 FOR UPDATE`, subjectID).Scan(&ownerID, &escrowed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return settlement.ErrInvalidSubject
		}
		return fmt.Errorf("failed to lock asset %s: %w", subjectID, err)
	}

	if ownerID != sellerID {
		return settlement.ErrInvalidSubject
	}
	if escrowed {
		return settlement.ErrAlreadyEscrowed
	}

	_, err = tx.Exec(ctx, `UPDATE assets SET escrowed = true, updated_at = NOW() WHERE id = $1`, subjectID)
	if err != nil {
		return fmt.Errorf("failed to escrow asset %s: %w", subjectID, err)
	}
	return nil
}

// Release transfers the escrowed subject to its new owner within the
// caller's transaction.
func (r *PostgresCustodyRepository) Release(ctx context.Context, tx pgx.Tx, subjectID, newOwnerID uuid.UUID) error {
	return r.handOver(ctx, tx, subjectID, newOwnerID)
}

// Return hands the escrowed subject back to the original seller within
// the caller's transaction.
func (r *PostgresCustodyRepository) Return(ctx context.Context, tx pgx.Tx, subjectID, originalOwnerID uuid.UUID) error {
	return r.handOver(ctx, tx, subjectID, originalOwnerID)
}

func (r *PostgresCustodyRepository) handOver(ctx context.Context, tx pgx.Tx, subjectID, ownerID uuid.UUID) error {
	result, err := tx.Exec(ctx,
		`UPDATE assets SET owner_id = $1, escrowed = false, updated_at = NOW() WHERE id = $2 AND escrowed = true`,
		ownerID, subjectID,
	)
	if err != nil {
		return fmt.Errorf("failed to transfer asset %s: %w", subjectID, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("asset %s is not in escrow", subjectID)
	}
	return nil
}

// GetOwner reads the current owner and escrow state of an asset. Used
// by tests and operator tooling.
func (r *PostgresCustodyRepository) GetOwner(ctx context.Context, subjectID uuid.UUID) (uuid.UUID, bool, error) {
	var ownerID uuid.UUID
	var escrowed bool
	err := r.pool.QueryRow(ctx, `SELECT owner_id, escrowed FROM assets WHERE id = $1`, subjectID).Scan(&ownerID, &escrowed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, false, settlement.ErrInvalidSubject
		}
		return uuid.Nil, false, fmt.Errorf("failed to get asset owner: %w", err)
	}
	return ownerID, escrowed, nil
}
