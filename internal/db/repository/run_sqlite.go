package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/tsangh5/BacktestGPT/internal/domain"
)

// SQLiteRunRepository implements RunRepository on a single SQLite file.
type SQLiteRunRepository struct {
	db *sql.DB
}

var _ RunRepository = (*SQLiteRunRepository)(nil)

// OpenSQLite opens (or creates) the database at path and ensures the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRunRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}
	return NewSQLiteRunRepository(db), nil
}

// NewSQLiteRunRepository wraps an already open database.
func NewSQLiteRunRepository(db *sql.DB) *SQLiteRunRepository {
	return &SQLiteRunRepository{db: db}
}

// HealthCheck checks the database is reachable.
func (r *SQLiteRunRepository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite health check failed: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (r *SQLiteRunRepository) Close() error {
	return r.db.Close()
}

// Create records a finished run.
func (r *SQLiteRunRepository) Create(ctx context.Context, run *domain.BacktestRun) error {
	metrics, err := marshalMetrics(run.Metrics)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO backtest_runs (
			id, mode, status, ticker, strategy, metrics, error_message, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(),
		string(run.Mode),
		string(run.Status),
		run.Ticker,
		nullString(run.Strategy),
		nullString(metrics),
		run.ErrorMessage,
		run.DurationMs,
		run.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create backtest run: %w", err)
	}
	return nil
}

// GetByID retrieves a run by ID.
func (r *SQLiteRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.BacktestRun, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, mode, status, ticker, strategy, metrics, error_message, duration_ms, created_at
		FROM backtest_runs
		WHERE id = ?`, id.String())

	run, err := scanSQLiteRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("backtest run", id.String())
		}
		return nil, fmt.Errorf("failed to get backtest run: %w", err)
	}
	return run, nil
}

// List returns one page of runs, newest first.
func (r *SQLiteRunRepository) List(ctx context.Context, q domain.RunQuery) ([]*domain.BacktestRun, int, error) {
	q.SetDefaults()

	var (
		conds []string
		args  []any
	)
	if q.Ticker != "" {
		conds = append(conds, "ticker = ?")
		args = append(args, strings.ToUpper(q.Ticker))
	}
	if q.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(q.Status))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM backtest_runs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count backtest runs: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT id, mode, status, ticker, strategy, metrics, error_message, duration_ms, created_at FROM backtest_runs"+
			where+" ORDER BY created_at DESC LIMIT ? OFFSET ?",
		append(args, q.PageSize, q.Offset())...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list backtest runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.BacktestRun
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
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
func (r *SQLiteRunRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM backtest_runs WHERE created_at < ?", cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old backtest runs: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row rowScanner) (*domain.BacktestRun, error) {
	var (
		run               domain.BacktestRun
		id, mode, status  string
		strategy, metrics sql.NullString
		errMsg            sql.NullString
		created           int64
	)
	if err := row.Scan(&id, &mode, &status, &run.Ticker, &strategy, &metrics, &errMsg, &run.DurationMs, &created); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid run id %q: %w", id, err)
	}
	run.ID = parsed
	run.CreatedAt = time.Unix(0, created)
	if errMsg.Valid {
		msg := errMsg.String
		run.ErrorMessage = &msg
	}
	return finishRun(&run, mode, status, []byte(strategy.String), []byte(metrics.String))
}

func nullString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
