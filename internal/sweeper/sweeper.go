// Package sweeper settles listings whose close time has passed. One
// pass runs at process startup so downtime never leaves expired
// listings active, then a recurring pass runs on a fixed interval.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aleksmv/tradehall/internal/settlement"
)

// DefaultInterval is how often a sweep pass runs.
const DefaultInterval = 60 * time.Second

// DefaultBatchSize caps how many expired listings one pass settles.
const DefaultBatchSize = 100

// Closer settles a single listing. Implemented by the settlement
// engine.
type Closer interface {
	Close(ctx context.Context, listingID uuid.UUID) (*settlement.SettlementResult, error)
}

// ExpiredLister finds expired listings eligible for settlement.
type ExpiredLister interface {
	ListExpiredForUpdate(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]uuid.UUID, error)
}

// TransactionManager starts the snapshot transactions candidate
// selection runs in.
type TransactionManager interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
}

// Sweeper is the long-lived expiration task. It is started once by the
// process lifecycle and stops only when its context is cancelled.
type Sweeper struct {
	engine    Closer
	listings  ExpiredLister
	txManager TransactionManager
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// New creates a sweeper. Zero interval and batch size fall back to the
// defaults.
func New(engine Closer, listings ExpiredLister, txManager TransactionManager, interval time.Duration, batchSize int, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Sweeper{
		engine:    engine,
		listings:  listings,
		txManager: txManager,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run performs the startup repair pass and then sweeps on every tick
// until the context is cancelled. The loop never terminates on a
// transient error; failed passes are logged and retried on the next
// tick.
func (s *Sweeper) Run(ctx context.Context) error {
	if err := s.Sweep(ctx); err != nil {
		s.logger.Error("startup sweep failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass: snapshot the expired candidates, then settle
// each independently. A listing already being closed elsewhere is
// skipped by SKIP LOCKED or resolved by Close's idempotency; one
// listing's failure never aborts the rest of the batch.
func (s *Sweeper) Sweep(ctx context.Context) error {
	ids, err := s.expiredCandidates(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	s.logger.Info("sweeping expired listings", "count", len(ids))

	for _, id := range ids {
		result, closeErr := s.engine.Close(ctx, id)
		switch {
		case closeErr == nil:
			s.logger.Info("listing settled",
				"listing_id", id,
				"status", result.Status,
				"sale_price", result.SalePrice,
			)
		case errors.Is(closeErr, settlement.ErrBusy):
			// A concurrent closer holds the lock; it will finish the job.
			s.logger.Debug("listing busy, skipping", "listing_id", id)
		case errors.Is(closeErr, settlement.ErrNotYetExpired):
			s.logger.Warn("listing no longer expired, skipping", "listing_id", id)
		case errors.Is(closeErr, settlement.ErrInsufficientFunds):
			s.logger.Warn("settlement degraded to cancellation",
				"listing_id", id,
				"reason", "insufficient funds",
			)
		default:
			s.logger.Error("failed to settle listing", "listing_id", id, "error", closeErr)
		}
	}

	return nil
}

// expiredCandidates snapshots ids of expired active listings in a
// short transaction. The row locks are released as soon as the
// snapshot transaction ends; Close re-acquires them one at a time.
func (s *Sweeper) expiredCandidates(ctx context.Context) ([]uuid.UUID, error) {
	tx, err := s.txManager.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ids, err := s.listings.ListExpiredForUpdate(ctx, tx, time.Now(), s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired listings: %w", err)
	}
	return ids, nil
}
