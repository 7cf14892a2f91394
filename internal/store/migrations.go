package store

import (
	"context"
	"database/sql"
)

// sqliteSchema contains the DDL for the SQLite store.
// Each statement uses IF NOT EXISTS for idempotency.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'PENDING',
		priority       INTEGER NOT NULL DEFAULT 0,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		max_retries    INTEGER NOT NULL DEFAULT 3,
		last_error     TEXT NOT NULL DEFAULT '',
		last_error_at  TEXT,
		queued_at      TEXT,
		scheduled_for  TEXT,
		launched_at    TEXT,
		completed_at   TEXT,
		executor_type  TEXT NOT NULL DEFAULT 'docker',
		execution_id   TEXT NOT NULL DEFAULT '',
		target_id      TEXT NOT NULL DEFAULT '',
		routing_reason TEXT NOT NULL DEFAULT '',
		spec           TEXT NOT NULL DEFAULT '{}',
		metadata       TEXT NOT NULL DEFAULT '{}',
		exit_code      INTEGER,
		stdout         TEXT NOT NULL DEFAULT '',
		stderr         TEXT NOT NULL DEFAULT '',
		created_at     TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	// Compound index for the claim query (ready scan ordered by
	// priority DESC, queued_at ASC).
	`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority DESC, queued_at ASC)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_executor_type ON jobs(executor_type)`,
}

// postgresSchema mirrors the SQLite DDL with native timestamp and jsonb
// columns.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'PENDING',
		priority       INTEGER NOT NULL DEFAULT 0,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		max_retries    INTEGER NOT NULL DEFAULT 3,
		last_error     TEXT NOT NULL DEFAULT '',
		last_error_at  TIMESTAMPTZ,
		queued_at      TIMESTAMPTZ,
		scheduled_for  TIMESTAMPTZ,
		launched_at    TIMESTAMPTZ,
		completed_at   TIMESTAMPTZ,
		executor_type  TEXT NOT NULL DEFAULT 'docker',
		execution_id   TEXT NOT NULL DEFAULT '',
		target_id      TEXT NOT NULL DEFAULT '',
		routing_reason TEXT NOT NULL DEFAULT '',
		spec           JSONB NOT NULL DEFAULT '{}',
		metadata       JSONB NOT NULL DEFAULT '{}',
		exit_code      INTEGER,
		stdout         TEXT NOT NULL DEFAULT '',
		stderr         TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority DESC, queued_at ASC)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_executor_type ON jobs(executor_type)`,
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
