package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tsangh5/BacktestGPT/internal/db"
	"github.com/tsangh5/BacktestGPT/internal/domain"
)

// runRepo implements RunRepository using PostgreSQL.
type runRepo struct {
	pool *db.Pool
}

// NewRunRepository creates a new PostgreSQL run repository.
func NewRunRepository(pool *db.Pool) RunRepository {
	return &runRepo{pool: pool}
}

// EnsurePostgresSchema creates the history table if it does not exist.
func EnsurePostgresSchema(ctx context.Context, pool *db.Pool) error {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create history schema: %w", err)
	}
	return nil
}

// Create records a finished run.
func (r *runRepo) Create(ctx context.Context, run *domain.BacktestRun) error {
	metrics, err := marshalMetrics(run.Metrics)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO backtest_runs (
			id, mode, status, ticker, strategy, metrics, error_message, duration_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.pool.Exec(ctx, query,
		run.ID,
		string(run.Mode),
		string(run.Status),
		run.Ticker,
		nullJSON(run.Strategy),
		nullJSON(metrics),
		run.ErrorMessage,
		run.DurationMs,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create backtest run: %w", err)
	}

	return nil
}

// GetByID retrieves a run by ID.
func (r *runRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.BacktestRun, error) {
	query := `
		SELECT id, mode, status, ticker, strategy, metrics, error_message, duration_ms, created_at
		FROM backtest_runs
		WHERE id = $1
	`

	run, err := scanPostgresRun(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("backtest run", id.String())
		}
		return nil, fmt.Errorf("failed to get backtest run: %w", err)
	}
	return run, nil
}

// List returns one page of runs, newest first.
func (r *runRepo) List(ctx context.Context, q domain.RunQuery) ([]*domain.BacktestRun, int, error) {
	q.SetDefaults()

	var (
		conds []string
		args  []any
	)
	if q.Ticker != "" {
		args = append(args, strings.ToUpper(q.Ticker))
		conds = append(conds, fmt.Sprintf("ticker = $%d", len(args)))
	}
	if q.Status != "" {
		args = append(args, string(q.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM backtest_runs "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count backtest runs: %w", err)
	}

	args = append(args, q.PageSize, q.Offset())
	query := fmt.Sprintf(`
		SELECT id, mode, status, ticker, strategy, metrics, error_message, duration_ms, created_at
		FROM backtest_runs
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list backtest runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.BacktestRun
	for rows.Next() {
		run, err := scanPostgresRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan backtest run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating backtest runs: %w", err)
	}

	return runs, total, nil
}

// DeleteOlderThan removes runs created before cutoff.
func (r *runRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, "DELETE FROM backtest_runs WHERE created_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old backtest runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanPostgresRun(row pgx.Row) (*domain.BacktestRun, error) {
	var (
		run             domain.BacktestRun
		mode, status    string
		strategy, mjson []byte
	)
	err := row.Scan(
		&run.ID,
		&mode,
		&status,
		&run.Ticker,
		&strategy,
		&mjson,
		&run.ErrorMessage,
		&run.DurationMs,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return finishRun(&run, mode, status, strategy, mjson)
}

// finishRun converts the raw column values shared by both drivers.
func finishRun(run *domain.BacktestRun, mode, status string, strategy, metrics []byte) (*domain.BacktestRun, error) {
	run.Mode = domain.RunMode(mode)
	run.Status = domain.RunStatusFromString(status)
	if len(strategy) > 0 {
		run.Strategy = strategy
	}
	if len(metrics) > 0 {
		var m domain.Metrics
		if err := json.Unmarshal(metrics, &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
		run.Metrics = &m
	}
	run.CreatedAt = run.CreatedAt.UTC()
	return run, nil
}

func marshalMetrics(m *domain.Metrics) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metrics: %w", err)
	}
	return data, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
