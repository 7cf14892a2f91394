package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/me/stevedore/internal/logging"
	"github.com/me/stevedore/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(":memory:", logging.Discard())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newQueuedJob(id string, priority int, queuedAt time.Time) *model.Job {
	return &model.Job{
		ID:           id,
		Name:         "job-" + id,
		Status:       model.JobStatusQueued,
		Priority:     priority,
		MaxRetries:   3,
		QueuedAt:     &queuedAt,
		ExecutorType: model.ExecutorTypeMock,
		Spec:         model.JobSpec{Image: "busybox:latest", Command: []string{"true"}},
		CreatedAt:    queuedAt,
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := newQueuedJob("job_1", 50, now)
	job.Metadata = map[string]any{"note": "hello"}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := st.GetJob(ctx, "job_1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != model.JobStatusQueued || got.Priority != 50 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Spec.Image != "busybox:latest" {
		t.Errorf("spec image = %q", got.Spec.Image)
	}
	if got.QueuedAt == nil || !got.QueuedAt.Equal(now) {
		t.Errorf("queued_at = %v, want %v", got.QueuedAt, now)
	}
	if got.Metadata["note"] != "hello" {
		t.Errorf("metadata = %v", got.Metadata)
	}
}

func TestGetJobNotFound(t *testing.T) {
	st := testStore(t)
	_, err := st.GetJob(context.Background(), "job_missing")
	if !errors.Is(err, model.ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestReadyJobsOrdering(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// A (50) and B (80) queued at the same instant: B first.
	if err := st.CreateJob(ctx, newQueuedJob("job_a", 50, now)); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateJob(ctx, newQueuedJob("job_b", 80, now)); err != nil {
		t.Fatal(err)
	}
	// C shares A's priority but queued earlier: FIFO tie-break.
	if err := st.CreateJob(ctx, newQueuedJob("job_c", 50, now.Add(-time.Minute))); err != nil {
		t.Fatal(err)
	}

	jobs, err := st.ReadyJobs(ctx, now, 10, nil)
	if err != nil {
		t.Fatalf("ReadyJobs: %v", err)
	}

	want := []string{"job_b", "job_c", "job_a"}
	if len(jobs) != len(want) {
		t.Fatalf("got %d jobs, want %d", len(jobs), len(want))
	}
	for i, id := range want {
		if jobs[i].ID != id {
			t.Errorf("jobs[%d] = %s, want %s", i, jobs[i].ID, id)
		}
	}
}

func TestReadyJobsFiltersGatedAndExhausted(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	future := now.Add(time.Hour)
	gated := newQueuedJob("job_gated", 90, now)
	gated.ScheduledFor = &future
	if err := st.CreateJob(ctx, gated); err != nil {
		t.Fatal(err)
	}

	exhausted := newQueuedJob("job_spent", 90, now)
	exhausted.RetryCount = 3
	if err := st.CreateJob(ctx, exhausted); err != nil {
		t.Fatal(err)
	}

	if err := st.CreateJob(ctx, newQueuedJob("job_ok", 10, now)); err != nil {
		t.Fatal(err)
	}

	jobs, err := st.ReadyJobs(ctx, now, 10, nil)
	if err != nil {
		t.Fatalf("ReadyJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job_ok" {
		t.Errorf("ready = %v, want only job_ok", ids(jobs))
	}

	// The gate opens once now passes scheduled_for.
	jobs, err = st.ReadyJobs(ctx, now.Add(2*time.Hour), 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Errorf("after gate: ready = %v, want job_gated and job_ok", ids(jobs))
	}
}

func TestReadyJobsExclude(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	st.CreateJob(ctx, newQueuedJob("job_x", 50, now))
	st.CreateJob(ctx, newQueuedJob("job_y", 50, now))

	jobs, err := st.ReadyJobs(ctx, now, 10, []string{"job_x"})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job_y" {
		t.Errorf("ready = %v, want only job_y", ids(jobs))
	}
}

func TestClaimNextReady(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	st.CreateJob(ctx, newQueuedJob("job_lo", 10, now))
	st.CreateJob(ctx, newQueuedJob("job_hi", 90, now))

	job, err := st.ClaimNextReady(ctx, now, nil)
	if err != nil {
		t.Fatalf("ClaimNextReady: %v", err)
	}
	if job.ID != "job_hi" {
		t.Errorf("claimed %s, want job_hi", job.ID)
	}
	if job.Status != model.JobStatusRunning {
		t.Errorf("claimed status = %s, want RUNNING", job.Status)
	}
	if job.LaunchedAt == nil {
		t.Error("launched_at not stamped on claim")
	}

	// The claimed job left the ready view.
	jobs, err := st.ReadyJobs(ctx, now, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job_lo" {
		t.Errorf("ready after claim = %v, want only job_lo", ids(jobs))
	}
}

func TestClaimNextReadyEmpty(t *testing.T) {
	st := testStore(t)
	_, err := st.ClaimNextReady(context.Background(), time.Now().UTC(), nil)
	if !errors.Is(err, model.ErrNoJobAvailable) {
		t.Errorf("err = %v, want ErrNoJobAvailable", err)
	}
}

// TestClaimNextReadyConcurrent races many claimers against a queue
// holding exactly as many ready jobs; every job must be claimed exactly
// once and the excess claimers must see ErrNoJobAvailable.
func TestClaimNextReadyConcurrent(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const jobs = 5
	const claimers = 20

	for i := 0; i < jobs; i++ {
		if err := st.CreateJob(ctx, newQueuedJob(fmt.Sprintf("job_%d", i), 50, now.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	claimed := make(map[string]int)
	var misses int

	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := st.ClaimNextReady(ctx, now.Add(time.Hour), nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				claimed[job.ID]++
			case errors.Is(err, model.ErrNoJobAvailable):
				misses++
			default:
				t.Errorf("ClaimNextReady: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Errorf("claimed %d distinct jobs, want %d", len(claimed), jobs)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
	if misses != claimers-jobs {
		t.Errorf("misses = %d, want %d", misses, claimers-jobs)
	}
}

func TestUpdateJobRejectsUnreachableStatus(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := newQueuedJob("job_u", 50, now)
	job.Status = model.JobStatusCompleted
	job.CreatedAt = now
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	// Terminal rows never mutate again, even via direct field writes.
	job.Status = model.JobStatusQueued
	err := st.UpdateJob(ctx, job)
	var invalid *model.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}

	stored, err := st.GetJob(ctx, "job_u")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != model.JobStatusCompleted {
		t.Errorf("rejected update mutated the row: status = %s", stored.Status)
	}
}

func TestUpdateJobAcceptsMultiEdgePath(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := newQueuedJob("job_m", 50, now)
	job.Status = model.JobStatusRunning
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	// RUNNING→FAILED→RETRYING happens in-memory as two edges; the
	// store sees only the end state and must accept the path.
	if err := job.MarkFailed(now, "connection refused", true); err != nil {
		t.Fatal(err)
	}
	if job.Status != model.JobStatusRetrying {
		t.Fatalf("status = %s", job.Status)
	}
	if err := st.UpdateJob(ctx, job); err != nil {
		t.Errorf("UpdateJob: %v", err)
	}
}

func TestStats(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	future := now.Add(time.Hour)

	st.CreateJob(ctx, newQueuedJob("job_1", 50, now))

	gated := newQueuedJob("job_2", 50, now)
	gated.ScheduledFor = &future
	st.CreateJob(ctx, gated)

	running := newQueuedJob("job_3", 50, now)
	running.Status = model.JobStatusRunning
	st.CreateJob(ctx, running)

	failed := newQueuedJob("job_4", 50, now)
	failed.Status = model.JobStatusFailed
	failed.QueuedAt = nil
	st.CreateJob(ctx, failed)

	stats, err := st.Stats(ctx, now)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if stats.Depth != 2 {
		t.Errorf("depth = %d, want 2", stats.Depth)
	}
	if stats.ReadyNow != 1 {
		t.Errorf("ready_now = %d, want 1", stats.ReadyNow)
	}
	if stats.ScheduledLater != 1 {
		t.Errorf("scheduled_later = %d, want 1", stats.ScheduledLater)
	}
	if stats.Running != 1 {
		t.Errorf("running = %d, want 1", stats.Running)
	}
	if stats.Failed != 1 {
		t.Errorf("failed = %d, want 1", stats.Failed)
	}
}

func ids(jobs []*model.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
