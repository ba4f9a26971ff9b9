package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/aleksmv/tradehall/internal/api"
	"github.com/aleksmv/tradehall/internal/infra/cache"
	"github.com/aleksmv/tradehall/internal/infra/database"
	infraevents "github.com/aleksmv/tradehall/internal/infra/events"
	"github.com/aleksmv/tradehall/internal/settlement"
	"github.com/aleksmv/tradehall/internal/sweeper"
	"github.com/aleksmv/tradehall/pkg/auth"
	pkgevents "github.com/aleksmv/tradehall/pkg/events"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load environment variables (local overrides .env)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Postgres
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

	// 2. RabbitMQ
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

	// 3. Redis
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		logger.Error("REDIS_ADDR is not set")
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if pingErr := rdb.Ping(ctx).Err(); pingErr != nil {
		logger.Error("Redis connection failed", "error", pingErr)
		os.Exit(1)
	}
	logger.Info("Redis Connected")

	// 4. Session token verifier
	publicKeyPath := os.Getenv("JWT_PUBLIC_KEY_FILE")
	if publicKeyPath == "" {
		logger.Error("JWT_PUBLIC_KEY_FILE is not set")
		os.Exit(1)
	}
	publicKeyPEM, err := os.ReadFile(publicKeyPath)
	if err != nil {
		logger.Error("Failed to read JWT public key", "error", err)
		os.Exit(1)
	}
	verifier, err := auth.NewVerifier(publicKeyPEM, os.Getenv("JWT_ISSUER"))
	if err != nil {
		logger.Error("Failed to create token verifier", "error", err)
		os.Exit(1)
	}

	// 5. Repositories and engine
	txManager := database.NewPostgresTransactionManager(pool, 3*time.Second)
	listingRepo := database.NewPostgresListingRepository(pool)
	bidRepo := database.NewPostgresBidRepository(pool)
	ledgerRepo := database.NewPostgresLedgerRepository(pool)
	custodyRepo := database.NewPostgresCustodyRepository(pool)
	outboxRepo := database.NewPostgresOutboxRepository(pool)
	invalidator := cache.NewRedisInvalidator(rdb, logger)

	engine := settlement.NewEngine(txManager, listingRepo, bidRepo, ledgerRepo, custodyRepo, outboxRepo, invalidator)

	// 6. Background tasks
	expSweeper := sweeper.New(engine, listingRepo, txManager, sweeper.DefaultInterval, sweeper.DefaultBatchSize, logger)

	outboxRelay := pkgevents.NewOutboxRelay(
		outboxRepo,
		rabbitPublisher,
		txManager,
		10,            // batch size
		1*time.Second, // polling interval
		infraevents.Exchange,
		logger,
	)

	// Repair listings that expired while the process was down before
	// accepting traffic.
	logger.Info("Running startup sweep...")
	if sweepErr := expSweeper.Sweep(ctx); sweepErr != nil {
		logger.Error("Startup sweep failed", "error", sweepErr)
	}

	// 7. HTTP server
	listingCache := cache.NewListingCache(rdb, cache.DefaultViewTTL)
	handler := api.NewHandler(engine, listingCache, logger)
	router := api.NewRouter(handler, verifier)

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting Marketplace API", "addr", addr)
		if serveErr := srv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("Starting Expiration Sweeper...")
		return expSweeper.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("Starting Outbox Relay...")
		return outboxRelay.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Server stopped")
}
