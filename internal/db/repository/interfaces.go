// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tsangh5/BacktestGPT/internal/domain"
)

// RunRepository stores the history of backtest requests.
type RunRepository interface {
	// Create records a finished run.
	Create(ctx context.Context, run *domain.BacktestRun) error

	// GetByID retrieves a run by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.BacktestRun, error)

	// List returns one page of runs, newest first, and the total match count.
	List(ctx context.Context, query domain.RunQuery) ([]*domain.BacktestRun, int, error)

	// DeleteOlderThan removes runs created before cutoff and reports how many.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// NoOpRunRepository discards history. It backs the "none" history driver.
type NoOpRunRepository struct{}

func (NoOpRunRepository) Create(ctx context.Context, run *domain.BacktestRun) error { return nil }

func (NoOpRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.BacktestRun, error) {
	return nil, domain.NewNotFoundError("backtest run", id.String())
}

func (NoOpRunRepository) List(ctx context.Context, query domain.RunQuery) ([]*domain.BacktestRun, int, error) {
	return nil, 0, nil
}

func (NoOpRunRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

var _ RunRepository = NoOpRunRepository{}
