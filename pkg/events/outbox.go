package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// OutboxStatus defines the status of an event in the outbox.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusPublished  OutboxStatus = "published"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// OutboxEvent represents a domain event persisted in the same
// transaction as the state change it describes, waiting to be relayed
// to the broker.
type OutboxEvent struct {
	ID          uuid.UUID    `db:"id"`
	EventType   string       `db:"event_type"`
	Payload     []byte       `db:"payload"`
	Status      OutboxStatus `db:"status"`
	CreatedAt   time.Time    `db:"created_at"`
	ProcessedAt *time.Time   `db:"processed_at"`
}

// TransactionManager starts database transactions for relay batches.
type TransactionManager interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
}

// OutboxRepository defines the outbox table access the relay needs.
type OutboxRepository interface {
	// GetPendingEvents fetches pending events with FOR UPDATE SKIP
	// LOCKED so concurrent relay workers never double-publish.
	GetPendingEvents(ctx context.Context, tx pgx.Tx, limit int) ([]*OutboxEvent, error)
	UpdateEventStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status OutboxStatus) error
}

// Publisher defines the interface for publishing events to a broker.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// OutboxRelay polls the outbox for pending events and publishes them
// to the broker, marking them published in the same transaction.
type OutboxRelay struct {
	outboxRepo OutboxRepository
	publisher  Publisher
	txManager  TransactionManager
	batchSize  int
	interval   time.Duration
	exchange   string
	logger     *slog.Logger
}

// NewOutboxRelay creates a new outbox relay.
func NewOutboxRelay(
	outboxRepo OutboxRepository,
	publisher Publisher,
	txManager TransactionManager,
	batchSize int,
	interval time.Duration,
	exchange string,
	logger *slog.Logger,
) *OutboxRelay {
	return &OutboxRelay{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		txManager:  txManager,
		batchSize:  batchSize,
		interval:   interval,
		exchange:   exchange,
		logger:     logger,
	}
}

// Run starts the polling loop. It processes one batch immediately and
// then on every tick until the context is cancelled; batch errors are
// logged, never fatal.
func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	if err := r.processBatch(ctx); err != nil {
		r.logger.Error("outbox batch failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.processBatch(ctx); err != nil {
				r.logger.Error("outbox batch failed", "error", err)
			}
		}
	}
}

func (r *OutboxRelay) processBatch(ctx context.Context) error {
	tx, err := r.txManager.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	pending, err := r.outboxRepo.GetPendingEvents(ctx, tx, r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch pending events: %w", err)
	}

	if len(pending) == 0 {
		return nil
	}

	r.logger.Info("relaying outbox events", "count", len(pending))

	for _, event := range pending {
		// Routing key is the event type. A publish failure rolls the
		// batch back; the events stay pending and are retried on the
		// next tick.
		if pubErr := r.publisher.Publish(ctx, r.exchange, event.EventType, event.Payload); pubErr != nil {
			return fmt.Errorf("failed to publish event %s: %w", event.ID, pubErr)
		}

		if updErr := r.outboxRepo.UpdateEventStatus(ctx, tx, event.ID, OutboxStatusPublished); updErr != nil {
			return fmt.Errorf("failed to update event status %s: %w", event.ID, updErr)
		}
	}

	return tx.Commit(ctx)
}
