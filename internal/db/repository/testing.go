package repository

import (
	"context"
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/tsangh5/BacktestGPT/internal/config"
	"github.com/tsangh5/BacktestGPT/internal/db"
)

// setupTestDB creates a PostgreSQL pool for integration tests, skipping the
// test when TEST_DATABASE_URL is not set.
func setupTestDB(t *testing.T) *db.Pool {
	t.Helper()

	if os.Getenv("TEST_DATABASE_URL") == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	cfg := config.Default().Database
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Password = v
	}
	cfg.Name = "backtestgpt_test"
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Name = v
	}

	pool, err := db.NewPool(context.Background(), &cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create test database pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := EnsurePostgresSchema(context.Background(), pool); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	if _, err := pool.Exec(context.Background(), "TRUNCATE TABLE backtest_runs"); err != nil {
		t.Logf("warning: failed to truncate backtest_runs: %v", err)
	}

	return pool
}
