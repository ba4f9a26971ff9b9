package testhelpers

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestDatabase is a disposable PostgreSQL instance with migrations
// applied, for integration tests.
type TestDatabase struct {
	Pool    *pgxpool.Pool
	ConnStr string
	cleanup func()
}

// Close terminates the container and releases the pool.
func (db *TestDatabase) Close() {
	if db.cleanup != nil {
		db.cleanup()
	}
}

// NewTestDatabase starts a PostgreSQL container, runs the goose
// migrations from migrationsDir, and returns a ready-to-use pool.
func NewTestDatabase(t *testing.T, migrationsDir string) *TestDatabase {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "Failed to start postgres container")

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err, "Failed to create connection pool")

	require.NoError(t, pool.Ping(ctx), "Failed to ping database")

	runMigrations(t, connStr, migrationsDir)

	return &TestDatabase{
		Pool:    pool,
		ConnStr: connStr,
		cleanup: func() {
			pool.Close()
			if termErr := pgContainer.Terminate(ctx); termErr != nil {
				t.Logf("failed to terminate postgres container: %s", termErr)
			}
		},
	}
}

func runMigrations(t *testing.T, connStr, migrationsDir string) {
	t.Helper()

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err, "Failed to open sql db for migrations")
	defer db.Close()

	require.NoError(t, goose.SetDialect("postgres"), "Failed to set goose dialect")

	absPath, err := filepath.Abs(migrationsDir)
	require.NoError(t, err, "Failed to resolve migrations path")

	require.NoError(t, goose.Up(db, absPath), "Failed to run migrations")
}
