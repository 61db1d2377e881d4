package repository

const postgresSchema = `
CREATE TABLE IF NOT EXISTS backtest_runs (
	id            UUID PRIMARY KEY,
	mode          TEXT NOT NULL,
	status        TEXT NOT NULL,
	ticker        TEXT NOT NULL DEFAULT '',
	strategy      JSONB,
	metrics       JSONB,
	error_message TEXT,
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_backtest_runs_created_at ON backtest_runs (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_backtest_runs_ticker ON backtest_runs (ticker);
`

// created_at holds Unix nanoseconds so ordering and range deletes stay numeric.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS backtest_runs (
	id            TEXT PRIMARY KEY,
	mode          TEXT NOT NULL,
	status        TEXT NOT NULL,
	ticker        TEXT NOT NULL DEFAULT '',
	strategy      TEXT,
	metrics       TEXT,
	error_message TEXT,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_backtest_runs_created_at ON backtest_runs (created_at DESC);
`
