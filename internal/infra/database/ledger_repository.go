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

// PostgresLedgerRepository implements settlement.LedgerPort against
// the accounts table. Each balance mutation locks the account row, so
// concurrent settlements touching the same account serialize.
type PostgresLedgerRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresLedgerRepository creates a new PostgreSQL ledger
// repository.
func NewPostgresLedgerRepository(pool *pgxpool.Pool) *PostgresLedgerRepository {
	return &PostgresLedgerRepository{pool: pool}
}

// Debit removes amount from the user's balance within the caller's
// transaction. Returns settlement.ErrInsufficientFunds when the
// balance check fails; the check runs before any mutation so the
// transaction stays usable.
func (r *PostgresLedgerRepository) Debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) error {
	var balance int64
	err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return settlement.ErrInsufficientFunds
		}
		return fmt.Errorf("failed to lock account %s: %w", userID, err)
	}

	if balance < amount {
		return settlement.ErrInsufficientFunds
	}

	_, err = tx.Exec(ctx, `UPDATE accounts SET balance = balance - $1, updated_at = NOW() WHERE id = $2`, amount, userID)
	if err != nil {
		return fmt.Errorf("failed to debit account %s: %w", userID, err)
	}
	return nil
}

// Credit adds amount to the user's balance within the caller's
// transaction, creating the account row if it does not exist yet.
func (r *PostgresLedgerRepository) Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) error {
	query := `
		INSERT INTO accounts (id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET balance = accounts.balance + $2, updated_at = NOW()
	`
	_, err := tx.Exec(ctx, query, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit account %s: %w", userID, err)
	}
	return nil
}

// GetBalance reads an account balance outside any transaction. Used by
// tests and operator tooling, not by the settlement path.
func (r *PostgresLedgerRepository) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}
