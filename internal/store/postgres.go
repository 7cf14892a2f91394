package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/me/stevedore/pkg/model"
)

// PostgresStore implements Store on PostgreSQL via pgx. This is the
// production store: the claim uses the engine's native
// FOR UPDATE SKIP LOCKED so a busy worker never stalls its peers.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects a pool to dsn and returns a Store.
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{
		pool:   pool,
		logger: logger.With("component", "store"),
	}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const pgJobColumns = `id, name, status, priority, retry_count, max_retries,
	last_error, last_error_at, queued_at, scheduled_for, launched_at, completed_at,
	executor_type, execution_id, target_id, routing_reason, spec, metadata,
	exit_code, stdout, stderr, created_at`

// pgReadyWhere mirrors readyWhere with positional parameters:
// $1 = now, $2 = excluded ids.
const pgReadyWhere = `status IN ('QUEUED', 'RETRYING')
	AND queued_at IS NOT NULL
	AND (scheduled_for IS NULL OR scheduled_for <= $1)
	AND (retry_count = 0 OR retry_count < max_retries)
	AND NOT (id = ANY($2))`

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("sql", "op", "insert", "table", "jobs", "id", job.ID)

	specJSON, metaJSON, err := marshalJobDocs(job)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (`+pgJobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		job.ID, job.Name, job.Status, job.Priority, job.RetryCount, job.MaxRetries,
		job.LastError, job.LastErrorAt, job.QueuedAt, job.ScheduledFor, job.LaunchedAt, job.CompletedAt,
		job.ExecutorType, job.ExecutionID, job.TargetID, job.RoutingReason,
		specJSON, metaJSON, job.ExitCode, job.Stdout, job.Stderr, job.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrJobNotFound
	}
	return job, err
}

// UpdateJob persists the job inside a transaction, re-reading the
// stored status under lock and rejecting unreachable status writes.
func (s *PostgresStore) UpdateJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("sql", "op", "update", "table", "jobs", "id", job.ID, "status", job.Status)

	specJSON, metaJSON, err := marshalJobDocs(job)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var stored model.JobStatus
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, job.ID).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrJobNotFound
	}
	if err != nil {
		return err
	}
	if stored != job.Status && !model.CanReach(stored, job.Status) {
		return &model.InvalidTransitionError{
			JobID: job.ID,
			From:  stored,
			To:    job.Status,
			Legal: model.ValidJobTransitions[stored],
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE jobs SET name = $2, status = $3, priority = $4, retry_count = $5, max_retries = $6,
			last_error = $7, last_error_at = $8, queued_at = $9, scheduled_for = $10,
			launched_at = $11, completed_at = $12, executor_type = $13, execution_id = $14,
			target_id = $15, routing_reason = $16, spec = $17, metadata = $18,
			exit_code = $19, stdout = $20, stderr = $21
		 WHERE id = $1`,
		job.ID, job.Name, job.Status, job.Priority, job.RetryCount, job.MaxRetries,
		job.LastError, job.LastErrorAt, job.QueuedAt, job.ScheduledFor,
		job.LaunchedAt, job.CompletedAt, job.ExecutorType, job.ExecutionID,
		job.TargetID, job.RoutingReason, specJSON, metaJSON,
		job.ExitCode, job.Stdout, job.Stderr,
	)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error) {
	opts.Clamp()

	where := ""
	countArgs := []any{}
	if opts.Status != "" {
		where = ` WHERE status = $1`
		countArgs = append(countArgs, opts.Status)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`+where, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	var rows pgx.Rows
	var err error
	if opts.Status != "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+pgJobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			opts.Status, opts.Limit, opts.Offset)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+pgJobColumns+` FROM jobs ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
			opts.Limit, opts.Offset)
	}
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs, err := collectPgJobs(rows)
	return jobs, total, err
}

func (s *PostgresStore) ReadyJobs(ctx context.Context, now time.Time, limit int, exclude []string) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	if exclude == nil {
		exclude = []string{}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+pgJobColumns+` FROM jobs WHERE `+pgReadyWhere+`
		 ORDER BY priority DESC, queued_at ASC LIMIT $3`,
		now, exclude, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPgJobs(rows)
}

// ClaimNextReady selects the highest-priority ready row with
// FOR UPDATE SKIP LOCKED, so rows claimed by concurrent transactions
// are passed over instead of waited on. The outer UPDATE re-evaluates
// eligibility against the locked row version, defending against the
// race between selection and lock acquisition.
func (s *PostgresStore) ClaimNextReady(ctx context.Context, now time.Time, exclude []string) (*model.Job, error) {
	if exclude == nil {
		exclude = []string{}
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'RUNNING', launched_at = $1
		 WHERE id = (
			SELECT id FROM jobs WHERE `+pgReadyWhere+`
			ORDER BY priority DESC, queued_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 AND status IN ('QUEUED', 'RETRYING')
		 AND queued_at IS NOT NULL
		 AND (scheduled_for IS NULL OR scheduled_for <= $1)
		 AND (retry_count = 0 OR retry_count < max_retries)
		 RETURNING `+pgJobColumns,
		now, exclude)

	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNoJobAvailable
	}
	if err != nil {
		return nil, err
	}

	s.logger.Debug("claimed job", "id", job.ID, "priority", job.Priority)
	return job, nil
}

func (s *PostgresStore) JobsByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgJobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPgJobs(rows)
}

func (s *PostgresStore) RunningCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'RUNNING'`).Scan(&n)
	return n, err
}

func (s *PostgresStore) Stats(ctx context.Context, now time.Time) (*model.QueueStats, error) {
	var st model.QueueStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('QUEUED', 'RETRYING')),
			COUNT(*) FILTER (WHERE status IN ('QUEUED', 'RETRYING') AND queued_at IS NOT NULL
				AND (scheduled_for IS NULL OR scheduled_for <= $1)
				AND (retry_count = 0 OR retry_count < max_retries)),
			COUNT(*) FILTER (WHERE status IN ('QUEUED', 'RETRYING') AND scheduled_for > $1),
			COUNT(*) FILTER (WHERE status = 'RUNNING'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status = 'CANCELLED')
		FROM jobs`, now,
	).Scan(&st.Depth, &st.ReadyNow, &st.ScheduledLater, &st.Running, &st.Failed, &st.Completed, &st.Cancelled)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// isPostgresConflict reports a serialization failure or deadlock
// (SQLSTATE 40001 / 40P01), which the caller should retry with backoff.
func isPostgresConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func scanPgJob(row pgx.Row) (*model.Job, error) {
	var (
		j                  model.Job
		specJSON, metaJSON []byte
	)

	err := row.Scan(
		&j.ID, &j.Name, &j.Status, &j.Priority, &j.RetryCount, &j.MaxRetries,
		&j.LastError, &j.LastErrorAt, &j.QueuedAt, &j.ScheduledFor, &j.LaunchedAt, &j.CompletedAt,
		&j.ExecutorType, &j.ExecutionID, &j.TargetID, &j.RoutingReason,
		&specJSON, &metaJSON, &j.ExitCode, &j.Stdout, &j.Stderr, &j.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(specJSON, &j.Spec); err != nil {
		return nil, fmt.Errorf("unmarshal spec: %w", err)
	}
	if len(metaJSON) > 0 && string(metaJSON) != "{}" {
		if err := json.Unmarshal(metaJSON, &j.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	return &j, nil
}

func collectPgJobs(rows pgx.Rows) ([]*model.Job, error) {
	var jobs []*model.Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
