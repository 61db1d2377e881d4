package repository

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsangh5/BacktestGPT/internal/domain"
)

func newRun(ticker string, status domain.RunStatus, age time.Duration) *domain.BacktestRun {
	run := domain.NewBacktestRun(domain.RunModeStructured, ticker)
	run.CreatedAt = time.Now().UTC().Add(-age).Truncate(time.Microsecond)
	run.Strategy = []byte(`{"ticker":"` + ticker + `"}`)
	if status == domain.RunStatusCompleted {
		run.Metrics = &domain.Metrics{TotalReturn: 0.12, TotalTrades: 3, ProfitFactor: domain.ProfitFactorNoLosses}
	} else {
		run.Fail(status, errors.New("strategy has 1 defect(s)"))
	}
	run.DurationMs = 42
	return run
}

// exerciseRunRepository checks the contract shared by every driver.
func exerciseRunRepository(t *testing.T, repo RunRepository) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		run := newRun("AAPL", domain.RunStatusCompleted, time.Minute)
		require.NoError(t, repo.Create(ctx, run))

		got, err := repo.GetByID(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.ID, got.ID)
		assert.Equal(t, domain.RunModeStructured, got.Mode)
		assert.Equal(t, domain.RunStatusCompleted, got.Status)
		assert.Equal(t, "AAPL", got.Ticker)
		assert.JSONEq(t, `{"ticker":"AAPL"}`, string(got.Strategy))
		require.NotNil(t, got.Metrics)
		assert.Equal(t, 3, got.Metrics.TotalTrades)
		assert.Equal(t, domain.ProfitFactorNoLosses, got.Metrics.ProfitFactor)
		assert.Nil(t, got.ErrorMessage)
		assert.Equal(t, int64(42), got.DurationMs)
		assert.True(t, run.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.GetByID(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("ListFiltersAndPages", func(t *testing.T) {
		for i, ticker := range []string{"MSFT", "MSFT", "MSFT", "SPY"} {
			status := domain.RunStatusCompleted
			if i == 1 {
				status = domain.RunStatusRejected
			}
			require.NoError(t, repo.Create(ctx, newRun(ticker, status, time.Duration(i+2)*time.Hour)))
		}

		runs, total, err := repo.List(ctx, domain.RunQuery{Ticker: "msft", PageSize: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, runs, 2)
		assert.True(t, runs[0].CreatedAt.After(runs[1].CreatedAt))

		page2, _, err := repo.List(ctx, domain.RunQuery{Ticker: "MSFT", Page: 2, PageSize: 2})
		require.NoError(t, err)
		assert.Len(t, page2, 1)

		rejected, total, err := repo.List(ctx, domain.RunQuery{Status: domain.RunStatusRejected})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, rejected, 1)
		require.NotNil(t, rejected[0].ErrorMessage)
		assert.Nil(t, rejected[0].Metrics)
	})

	t.Run("DeleteOlderThan", func(t *testing.T) {
		old := newRun("QQQ", domain.RunStatusFailed, 100*24*time.Hour)
		require.NoError(t, repo.Create(ctx, old))

		n, err := repo.DeleteOlderThan(ctx, time.Now().Add(-90*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = repo.GetByID(ctx, old.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestSQLiteRunRepository(t *testing.T) {
	repo, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	exerciseRunRepository(t, repo)
}

func TestPostgresRunRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	pool := setupTestDB(t)

	exerciseRunRepository(t, NewRunRepository(pool))
}

func TestSQLiteRunRepository_CreateError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewSQLiteRunRepository(db)
	mock.ExpectExec("INSERT INTO backtest_runs").WillReturnError(sql.ErrConnDone)

	err = repo.Create(context.Background(), newRun("AAPL", domain.RunStatusCompleted, 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create backtest run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteRunRepository_ListQueryShape(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewSQLiteRunRepository(db)
	id := uuid.New()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM backtest_runs WHERE ticker = \? AND status = \?`).
		WithArgs("SPY", "completed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`FROM backtest_runs WHERE ticker = \? AND status = \? ORDER BY created_at DESC LIMIT \? OFFSET \?`).
		WithArgs("SPY", "completed", 20, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "mode", "status", "ticker", "strategy", "metrics", "error_message", "duration_ms", "created_at",
		}).AddRow(id.String(), "conversational", "completed", "SPY", nil, `{"total_trades":2}`, nil, int64(7), int64(1700000000000000000)))

	runs, total, err := repo.List(context.Background(), domain.RunQuery{Ticker: "spy", Status: domain.RunStatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)
	assert.Equal(t, domain.RunModeConversational, runs[0].Mode)
	assert.Nil(t, runs[0].Strategy)
	assert.Equal(t, 2, runs[0].Metrics.TotalTrades)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNoOpRunRepository(t *testing.T) {
	repo := NoOpRunRepository{}
	assert.NoError(t, repo.Create(context.Background(), newRun("AAPL", domain.RunStatusCompleted, 0)))
	_, err := repo.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
