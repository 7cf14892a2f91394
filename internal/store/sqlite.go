package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/stevedore/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite. Suitable for single-node
// deployments and tests; the claim is a single conditional UPDATE,
// which SQLite's writer lock makes atomic (the engine has no
// SKIP LOCKED, so this is the claimed-row equivalent).
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and
// returns a Store. Use ":memory:" for an in-memory database (useful in
// tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrateSQLite(ctx, s.db)
}

const jobColumns = `id, name, status, priority, retry_count, max_retries,
	last_error, last_error_at, queued_at, scheduled_for, launched_at, completed_at,
	executor_type, execution_id, target_id, routing_reason, spec, metadata,
	exit_code, stdout, stderr, created_at`

// readyWhere is the eligibility predicate for a launch claim. A fresh
// job with max_retries=0 runs once (retry_count=0); after that the
// budget check excludes it.
const readyWhere = `status IN ('QUEUED', 'RETRYING')
	AND queued_at IS NOT NULL
	AND (scheduled_for IS NULL OR scheduled_for <= ?)
	AND (retry_count = 0 OR retry_count < max_retries)`

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("sql", "op", "insert", "table", "jobs", "id", job.ID)

	specJSON, metaJSON, err := marshalJobDocs(job)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.Status, job.Priority, job.RetryCount, job.MaxRetries,
		job.LastError, formatTimePtr(job.LastErrorAt), formatTimePtr(job.QueuedAt),
		formatTimePtr(job.ScheduledFor), formatTimePtr(job.LaunchedAt), formatTimePtr(job.CompletedAt),
		job.ExecutorType, job.ExecutionID, job.TargetID, job.RoutingReason,
		specJSON, metaJSON, job.ExitCode, job.Stdout, job.Stderr,
		formatTime(job.CreatedAt),
	)
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrJobNotFound
	}
	return job, err
}

// UpdateJob persists the job, rejecting status writes unreachable from
// the stored status. This is the last line of defense against callers
// that mutated fields without going through Transition. Validation and
// write share one transaction so a concurrent status change cannot
// slip between them.
func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("sql", "op", "update", "table", "jobs", "id", job.ID, "status", job.Status)

	specJSON, metaJSON, err := marshalJobDocs(job)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var stored model.JobStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, job.ID).Scan(&stored)
	if err == sql.ErrNoRows {
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

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET name = ?, status = ?, priority = ?, retry_count = ?, max_retries = ?,
			last_error = ?, last_error_at = ?, queued_at = ?, scheduled_for = ?,
			launched_at = ?, completed_at = ?, executor_type = ?, execution_id = ?,
			target_id = ?, routing_reason = ?, spec = ?, metadata = ?,
			exit_code = ?, stdout = ?, stderr = ?
		 WHERE id = ?`,
		job.Name, job.Status, job.Priority, job.RetryCount, job.MaxRetries,
		job.LastError, formatTimePtr(job.LastErrorAt), formatTimePtr(job.QueuedAt),
		formatTimePtr(job.ScheduledFor), formatTimePtr(job.LaunchedAt), formatTimePtr(job.CompletedAt),
		job.ExecutorType, job.ExecutionID, job.TargetID, job.RoutingReason,
		specJSON, metaJSON, job.ExitCode, job.Stdout, job.Stderr,
		job.ID,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error) {
	opts.Clamp()

	where := ""
	args := []any{}
	if opts.Status != "" {
		where = " WHERE status = ?"
		args = append(args, opts.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	return jobs, total, err
}

func (s *SQLiteStore) ReadyJobs(ctx context.Context, now time.Time, limit int, exclude []string) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 100
	}

	where := readyWhere
	args := []any{formatTime(now)}
	if len(exclude) > 0 {
		where += ` AND id NOT IN (` + placeholders(len(exclude)) + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE `+where+`
		 ORDER BY priority DESC, queued_at ASC LIMIT ?`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ClaimNextReady claims the highest-priority ready job in one UPDATE.
// The inner SELECT picks the candidate and the outer WHERE re-checks
// eligibility against the current row, so a concurrent claim makes
// this statement match zero rows instead of double-launching.
func (s *SQLiteStore) ClaimNextReady(ctx context.Context, now time.Time, exclude []string) (*model.Job, error) {
	nowStr := formatTime(now)

	innerWhere := readyWhere
	innerArgs := []any{nowStr}
	if len(exclude) > 0 {
		innerWhere += ` AND id NOT IN (` + placeholders(len(exclude)) + `)`
		for _, id := range exclude {
			innerArgs = append(innerArgs, id)
		}
	}

	args := []any{nowStr}
	args = append(args, innerArgs...)
	args = append(args, nowStr)

	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = 'RUNNING', launched_at = ?
		 WHERE id = (
			SELECT id FROM jobs WHERE `+innerWhere+`
			ORDER BY priority DESC, queued_at ASC LIMIT 1
		 )
		 AND `+readyWhere+`
		 RETURNING `+jobColumns,
		args...)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrNoJobAvailable
	}
	if err != nil {
		return nil, err
	}

	s.logger.Debug("claimed job", "id", job.ID, "priority", job.Priority)
	return job, nil
}

func (s *SQLiteStore) JobsByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectJobs(rows)
}

func (s *SQLiteStore) RunningCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = 'RUNNING'`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Stats(ctx context.Context, now time.Time) (*model.QueueStats, error) {
	nowStr := formatTime(now)
	var st model.QueueStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('QUEUED', 'RETRYING')),
			COUNT(*) FILTER (WHERE status IN ('QUEUED', 'RETRYING') AND queued_at IS NOT NULL
				AND (scheduled_for IS NULL OR scheduled_for <= ?)
				AND (retry_count = 0 OR retry_count < max_retries)),
			COUNT(*) FILTER (WHERE status IN ('QUEUED', 'RETRYING') AND scheduled_for > ?),
			COUNT(*) FILTER (WHERE status = 'RUNNING'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status = 'CANCELLED')
		FROM jobs`, nowStr, nowStr,
	).Scan(&st.Depth, &st.ReadyNow, &st.ScheduledLater, &st.Running, &st.Failed, &st.Completed, &st.Cancelled)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// isSQLiteBusy reports a writer-lock conflict worth retrying.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		j                                        model.Job
		lastErrorAt, queuedAt, scheduledFor      *string
		launchedAt, completedAt                  *string
		specJSON, metaJSON, createdAt            string
	)

	err := row.Scan(
		&j.ID, &j.Name, &j.Status, &j.Priority, &j.RetryCount, &j.MaxRetries,
		&j.LastError, &lastErrorAt, &queuedAt, &scheduledFor, &launchedAt, &completedAt,
		&j.ExecutorType, &j.ExecutionID, &j.TargetID, &j.RoutingReason,
		&specJSON, &metaJSON, &j.ExitCode, &j.Stdout, &j.Stderr, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	j.LastErrorAt = parseTimePtr(lastErrorAt)
	j.QueuedAt = parseTimePtr(queuedAt)
	j.ScheduledFor = parseTimePtr(scheduledFor)
	j.LaunchedAt = parseTimePtr(launchedAt)
	j.CompletedAt = parseTimePtr(completedAt)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		j.CreatedAt = t
	}

	if err := json.Unmarshal([]byte(specJSON), &j.Spec); err != nil {
		return nil, fmt.Errorf("unmarshal spec: %w", err)
	}
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &j.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*model.Job, error) {
	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func marshalJobDocs(job *model.Job) (spec, meta string, err error) {
	specJSON, err := json.Marshal(job.Spec)
	if err != nil {
		return "", "", fmt.Errorf("marshal spec: %w", err)
	}
	metadata := job.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(specJSON), string(metaJSON), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
