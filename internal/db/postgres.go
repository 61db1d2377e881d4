// Package db opens the PostgreSQL pool used for run history.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tsangh5/BacktestGPT/internal/config"
)

// Startup ping attempts. The database is often still starting when the
// service comes up next to it.
const (
	connectAttempts = 5
	connectBackoff  = time.Second
)

// Pool is the history database pool.
type Pool struct {
	*pgxpool.Pool
	logger *zap.Logger
}

// NewPool opens a pool and waits until the database answers a ping.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if err := applyLimits(poolConfig, cfg); err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	logger = logger.With(zap.String("component", "history_db"))
	if err := waitForPing(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("History database connected",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Name),
		zap.Int32("max_connections", poolConfig.MaxConns),
	)
	return &Pool{Pool: pool, logger: logger}, nil
}

func applyLimits(pc *pgxpool.Config, cfg *config.DatabaseConfig) error {
	if cfg.MaxConnections > 0 {
		pc.MaxConns = int32(cfg.MaxConnections)
	}
	if cfg.MaxIdleConnections > 0 && int32(cfg.MaxIdleConnections) <= pc.MaxConns {
		pc.MinConns = int32(cfg.MaxIdleConnections)
	}
	if cfg.ConnMaxLifetime != "" {
		lifetime, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			return fmt.Errorf("invalid conn_max_lifetime: %w", err)
		}
		pc.MaxConnLifetime = lifetime
	}
	pc.ConnConfig.ConnectTimeout = 10 * time.Second
	return nil
}

func waitForPing(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	backoff := connectBackoff
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = pool.Ping(ctx); err == nil {
			return nil
		}
		if attempt == connectAttempts {
			break
		}
		logger.Warn("Database not ready, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("failed to ping database after %d attempts: %w", connectAttempts, err)
}

// Close closes all connections in the pool.
func (p *Pool) Close() {
	p.Pool.Close()
	p.logger.Info("History database closed")
}

// HealthCheck pings the database and fails when every connection is busy.
func (p *Pool) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	if st := p.Pool.Stat(); st.MaxConns() > 0 && st.AcquiredConns() >= st.MaxConns() {
		return fmt.Errorf("database pool exhausted (%d/%d connections in use)", st.AcquiredConns(), st.MaxConns())
	}
	return nil
}
