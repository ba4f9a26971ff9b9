package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/aleksmv/tradehall/internal/infra/cache"
	"github.com/aleksmv/tradehall/internal/infra/database"
	infraevents "github.com/aleksmv/tradehall/internal/infra/events"
	"github.com/aleksmv/tradehall/internal/settlement"
	"github.com/aleksmv/tradehall/internal/sweeper"
	pkgevents "github.com/aleksmv/tradehall/pkg/events"
)

// Standalone worker running the outbox relay and the expiration
// sweeper, for deployments that keep background settlement off the API
// instances. Either process may sweep; Close's idempotency and SKIP
// LOCKED keep them from stepping on each other.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL is not set")
		os.Exit(1)
	}

	dbConfig, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		logger.Error("Unable to parse database config", "error", err)
		os.Exit(1)
	}

	pool, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		logger.Error("Unable to create connection pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if pingErr := pool.Ping(ctx); pingErr != nil {
		logger.Error("Unable to ping database", "error", pingErr)
		os.Exit(1)
	}
	logger.Info("Postgres Connected")

	rabbitURL := os.Getenv("RABBITMQ_URL")
	if rabbitURL == "" {
		logger.Error("RABBITMQ_URL is not set")
		os.Exit(1)
	}

	amqpConn, err := amqp091.Dial(rabbitURL)
	if err != nil {
		logger.Error("Failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer amqpConn.Close()
	logger.Info("RabbitMQ Connected")

	rabbitPublisher, err := infraevents.NewRabbitMQPublisher(amqpConn)
	if err != nil {
		logger.Error("Failed to create RabbitMQ publisher", "error", err)
		os.Exit(1)
	}
	defer rabbitPublisher.Close()

	// Invalidation still matters when the worker settles a listing;
	// fall back to a no-op when no cache is deployed.
	var invalidator settlement.Invalidator = cache.NoopInvalidator{}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		if pingErr := rdb.Ping(ctx).Err(); pingErr != nil {
			logger.Warn("Redis connection failed, invalidations disabled", "error", pingErr)
		} else {
			invalidator = cache.NewRedisInvalidator(rdb, logger)
			logger.Info("Redis Connected")
		}
	}

	txManager := database.NewPostgresTransactionManager(pool, 3*time.Second)
	listingRepo := database.NewPostgresListingRepository(pool)
	bidRepo := database.NewPostgresBidRepository(pool)
	ledgerRepo := database.NewPostgresLedgerRepository(pool)
	custodyRepo := database.NewPostgresCustodyRepository(pool)
	outboxRepo := database.NewPostgresOutboxRepository(pool)

	engine := settlement.NewEngine(txManager, listingRepo, bidRepo, ledgerRepo, custodyRepo, outboxRepo, invalidator)
	expSweeper := sweeper.New(engine, listingRepo, txManager, sweeper.DefaultInterval, sweeper.DefaultBatchSize, logger)

	outboxRelay := pkgevents.NewOutboxRelay(
		outboxRepo,
		rabbitPublisher,
		txManager,
		10,                   // batch size
		500*time.Millisecond, // polling interval
		infraevents.Exchange,
		logger,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting Expiration Sweeper...")
		return expSweeper.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("Starting Outbox Relay...")
		return outboxRelay.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Worker failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Worker stopped")
}
