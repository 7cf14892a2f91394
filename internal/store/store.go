package store

import (
	"context"
	"time"

	"github.com/me/stevedore/pkg/model"
)

// Store defines the persistence layer for stevedore jobs.
//
// Implementations must provide atomic claims: ClaimNextReady may never
// hand the same job to two concurrent callers. The Postgres store uses
// FOR UPDATE SKIP LOCKED; the SQLite store relies on a single
// conditional UPDATE, which is atomic under SQLite's writer lock.
type Store interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)

	// UpdateJob persists the job. As a last line of defense it rejects
	// writes whose status is unreachable from the stored status through
	// legal transitions.
	UpdateJob(ctx context.Context, job *model.Job) error

	ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error)

	// ReadyJobs returns jobs eligible for launch at now, ordered by
	// priority descending then queued_at ascending (FIFO tie-break).
	// exclude removes specific job ids from the view.
	ReadyJobs(ctx context.Context, now time.Time, limit int, exclude []string) ([]*model.Job, error)

	// ClaimNextReady atomically claims the single highest-priority
	// ready job: it transitions the row to RUNNING with launched_at
	// stamped and returns it. Returns model.ErrNoJobAvailable when no
	// unclaimed ready job exists.
	ClaimNextReady(ctx context.Context, now time.Time, exclude []string) (*model.Job, error)

	JobsByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error)
	RunningCount(ctx context.Context) (int, error)
	Stats(ctx context.Context, now time.Time) (*model.QueueStats, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// IsRetryableConflict reports whether err is a transient store-level
// conflict (deadlock, serialization failure, locked database) that the
// caller should retry with backoff. Implemented per store; the package
// function dispatches on the concrete error.
func IsRetryableConflict(err error) bool {
	return isPostgresConflict(err) || isSQLiteBusy(err)
}

// sortableTime is a fixed-width UTC layout for columns used in ORDER BY
// and range comparisons. RFC3339Nano trims trailing zeros, which breaks
// lexicographic ordering of TEXT columns.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sortableTime)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}
