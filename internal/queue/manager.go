package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/me/stevedore/internal/config"
	"github.com/me/stevedore/internal/metrics"
	"github.com/me/stevedore/internal/reliability"
	"github.com/me/stevedore/internal/retry"
	"github.com/me/stevedore/internal/router"
	"github.com/me/stevedore/internal/store"
	"github.com/me/stevedore/internal/tracker"
	"github.com/me/stevedore/pkg/model"
)

// Claim conflict retry bounds. Contention retries grow exponentially
// from claimBackoffBase, capped at claimBackoffCap, with jitter.
const (
	claimMaxAttempts = 5
	claimBackoffBase = 50 * time.Millisecond
	claimBackoffCap  = time.Second
)

// Manager orchestrates the job queue: enqueue, atomic claims, launch
// with retry policy, manual retries, and cancellation. Many worker
// processes may run a Manager against the same store; the store's
// atomic claim is the only coordination between them.
type Manager struct {
	store    store.Store
	router   *router.Router
	fallback *reliability.FallbackManager
	breaker  *reliability.CircuitBreaker
	degrade  *reliability.DegradationManager
	tracker  *tracker.CompletionTracker
	metrics  *metrics.Metrics
	cfg      config.QueueConfig
	now      func() time.Time
	rand     func() float64
	logger   *slog.Logger

	launched       atomic.Int64
	launchFailures atomic.Int64
	retried        atomic.Int64
	harvested      atomic.Int64
	claimConflicts atomic.Int64
}

// Options carries the Manager's injected collaborators. Store, Router,
// and Logger are required; nil Now/Rand default to the real sources.
type Options struct {
	Store    store.Store
	Router   *router.Router
	Fallback *reliability.FallbackManager
	Breaker  *reliability.CircuitBreaker
	Degrade  *reliability.DegradationManager
	Tracker  *tracker.CompletionTracker
	Metrics  *metrics.Metrics
	Config   config.QueueConfig
	Now      func() time.Time
	Rand     func() float64
	Logger   *slog.Logger
}

// NewManager wires a Manager from its dependencies.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("queue: store is required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("queue: router is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Tracker == nil {
		opts.Tracker = tracker.NewCompletionTracker()
	}
	return &Manager{
		store:    opts.Store,
		router:   opts.Router,
		fallback: opts.Fallback,
		breaker:  opts.Breaker,
		degrade:  opts.Degrade,
		tracker:  opts.Tracker,
		metrics:  opts.Metrics,
		cfg:      opts.Config,
		now:      opts.Now,
		rand:     opts.Rand,
		logger:   opts.Logger.With("component", "queue"),
	}, nil
}

// Tracker exposes the completion tracker for the shutdown coordinator.
func (m *Manager) Tracker() *tracker.CompletionTracker {
	return m.tracker
}

// Enqueue accepts a job into the queue. A job without an id gets one
// assigned; an existing job must not already be queued or terminal.
// scheduleFor, when set, gates the launch until it has passed.
func (m *Manager) Enqueue(ctx context.Context, job *model.Job, scheduleFor *time.Time) error {
	now := m.now()

	exists := false
	if job.ID == "" {
		job.ID = "job_" + uuid.NewString()
		job.Status = model.JobStatusPending
		job.CreatedAt = now
	} else {
		stored, err := m.store.GetJob(ctx, job.ID)
		switch {
		case errors.Is(err, model.ErrJobNotFound):
			job.Status = model.JobStatusPending
			job.CreatedAt = now
		case err != nil:
			return err
		default:
			exists = true
			if stored.Status.IsTerminal() {
				return fmt.Errorf("job %s: %w", job.ID, model.ErrJobTerminal)
			}
			if stored.Status == model.JobStatusQueued || stored.Status == model.JobStatusRetrying {
				return fmt.Errorf("job %s: %w", job.ID, model.ErrJobAlreadyQueued)
			}
			// Re-enqueue keeps the stored record; the caller may bump the
			// priority.
			if job.Priority != 0 {
				stored.Priority = job.Priority
			}
			*job = *stored
		}
	}

	if err := job.MarkQueued(now); err != nil {
		return err
	}
	job.ScheduledFor = scheduleFor

	var err error
	if exists {
		err = m.store.UpdateJob(ctx, job)
	} else {
		err = m.store.CreateJob(ctx, job)
	}
	if err != nil {
		return err
	}

	if m.metrics != nil {
		m.metrics.JobsEnqueued.Inc()
	}
	m.logger.Info("job enqueued",
		"job_id", job.ID,
		"priority", job.Priority,
		"scheduled_for", job.ScheduledFor,
	)
	return nil
}

// Dequeue parks a queued job: clears queued_at, scheduled_for, and the
// retry counter so the polling view never returns it. Fails with
// ErrJobNotQueued if the job is not currently waiting.
func (m *Manager) Dequeue(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.JobStatusQueued && job.Status != model.JobStatusRetrying {
		return fmt.Errorf("job %s (status %s): %w", jobID, job.Status, model.ErrJobNotQueued)
	}

	job.QueuedAt = nil
	job.ScheduledFor = nil
	job.RetryCount = 0
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	m.logger.Info("job dequeued", "job_id", jobID)
	return nil
}

// ReadyJobs returns the ordered launch-eligible view.
func (m *Manager) ReadyJobs(ctx context.Context, limit int, exclude []string) ([]*model.Job, error) {
	return m.store.ReadyJobs(ctx, m.now(), limit, exclude)
}

// AcquireNext claims the single highest-priority ready job. Store-level
// lock conflicts are retried with capped exponential backoff and
// jitter; ErrNoJobAvailable passes through untouched.
func (m *Manager) AcquireNext(ctx context.Context, exclude []string) (*model.Job, error) {
	var lastErr error
	for attempt := 0; attempt < claimMaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := claimBackoffBase << (attempt - 1)
			if backoff > claimBackoffCap {
				backoff = claimBackoffCap
			}
			backoff += time.Duration(m.rand() * float64(backoff) * 0.5)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		job, err := m.store.ClaimNextReady(ctx, m.now(), exclude)
		if err == nil {
			return job, nil
		}
		if errors.Is(err, model.ErrNoJobAvailable) {
			return nil, err
		}
		if !store.IsRetryableConflict(err) {
			return nil, err
		}

		lastErr = err
		m.claimConflicts.Add(1)
		if m.metrics != nil {
			m.metrics.ClaimConflicts.Inc()
		}
		m.logger.Debug("claim conflict, backing off", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("claim failed after %d attempts: %w", claimMaxAttempts, lastErr)
}

// Launch resolves an executor for a claimed job and starts it. The job
// must already be claimed (RUNNING with launched_at stamped). On
// success the execution id, target, and routing reason are persisted
// and the job is tracked; on failure the error is returned for the
// caller's retry policy without touching job state.
func (m *Manager) Launch(ctx context.Context, job *model.Job) error {
	if job.Status != model.JobStatusRunning {
		return fmt.Errorf("job %s (status %s): launch requires a claimed job", job.ID, job.Status)
	}

	if job.ExecutorType == "" {
		dec := m.router.RouteToBackendType(job)
		job.ExecutorType = dec.Backend
		job.RoutingReason = dec.Reason
	}

	exec, target, err := m.router.ExecutorFor(job.ExecutorType)
	if err != nil {
		return err
	}

	// usedTarget tracks where the execution actually landed; a fallback
	// launch moves it off the primary target.
	usedTarget := target
	var execID string
	launch := func(ctx context.Context) error {
		var lerr error
		if m.fallback != nil {
			fallbacks := m.fallbackCandidates(job.ExecutorType)
			if len(fallbacks) > 0 {
				var used reliability.LaunchCandidate
				execID, used, lerr = m.fallback.ExecuteWithFallback(ctx, job,
					reliability.LaunchCandidate{Exec: exec, Target: target}, fallbacks)
				if lerr == nil {
					usedTarget = used.Target
				}
				return lerr
			}
		}
		execID, lerr = exec.LaunchJob(ctx, job)
		return lerr
	}

	start := m.now()
	if m.breaker != nil {
		err = m.breaker.Call(ctx, string(job.ExecutorType), launch)
	} else {
		err = launch(ctx)
	}
	if err != nil {
		m.router.ReleaseTarget(target)
		m.launchFailures.Add(1)
		if m.metrics != nil {
			m.metrics.LaunchFailures.WithLabelValues(string(job.ExecutorType), string(retry.ClassifyErr(err))).Inc()
		}
		return err
	}

	// The slot taken by ExecutorFor belongs to the primary target; when
	// the launch landed elsewhere, move it so monitoring and capacity
	// both point at the backend holding the execution.
	if usedTarget != target {
		m.router.ReleaseTarget(target)
		m.router.ClaimTarget(usedTarget)
	}

	job.ExecutionID = execID
	job.TargetID = ""
	if usedTarget != nil {
		job.TargetID = usedTarget.ID
	}
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	m.tracker.AddRunning(job.ID)
	m.launched.Add(1)
	if m.metrics != nil {
		m.metrics.JobsLaunched.WithLabelValues(string(job.ExecutorType)).Inc()
		m.metrics.LaunchDuration.Observe(m.now().Sub(start).Seconds())
	}
	m.logger.Info("job launched",
		"job_id", job.ID,
		"backend", job.ExecutorType,
		"target_id", job.TargetID,
		"execution_id", execID,
	)
	return nil
}

// fallbackCandidates resolves executor/target pairs for the configured
// fallback chain of a backend type, skipping chain entries with no
// available target.
func (m *Manager) fallbackCandidates(backend model.ExecutorType) []reliability.LaunchCandidate {
	chain := m.router.Fallbacks(backend)
	out := make([]reliability.LaunchCandidate, 0, len(chain))
	for _, fb := range chain {
		target, err := m.router.SelectTarget(fb)
		if err != nil {
			continue
		}
		exec, err := m.router.Executor(target)
		if err != nil {
			m.logger.Warn("fallback executor unavailable",
				"backend", fb, "target_id", target.ID, "error", err)
			continue
		}
		out = append(out, reliability.LaunchCandidate{Exec: exec, Target: target})
	}
	return out
}

// LaunchWithRetry launches a claimed job and, on failure, applies the
// retry policy: transient and unknown errors reschedule the job with
// backoff while budget remains; permanent errors and an exhausted
// budget terminate it as FAILED.
func (m *Manager) LaunchWithRetry(ctx context.Context, job *model.Job) error {
	err := m.Launch(ctx, job)
	if err == nil {
		return nil
	}

	// Capacity pressure is not the job's fault: degrade instead of
	// burning retry budget.
	if m.degrade != nil && errors.Is(err, model.ErrNoTargetAvailable) {
		return m.degradeAndRequeue(ctx, job, err)
	}

	now := m.now()
	kind := retry.ClassifyErr(err)
	strategy := retry.ForPriority(job.Priority)
	shouldRetry := strategy.ShouldRetry(job.RetryCount+1, kind)

	if kind == retry.ErrorKindUnknown {
		m.logger.Warn("unclassified launch failure, treating as retryable",
			"job_id", job.ID, "error", err)
	}

	if ferr := job.MarkFailed(now, err.Error(), shouldRetry); ferr != nil {
		return fmt.Errorf("recording launch failure for job %s: %w (launch error: %v)", job.ID, ferr, err)
	}

	if job.Status == model.JobStatusRetrying {
		delay := strategy.Delay(job.RetryCount, m.rand)
		next := now.Add(delay)
		job.ScheduledFor = &next
		m.retried.Add(1)
		if m.metrics != nil {
			m.metrics.JobsRetried.Inc()
		}
		m.logger.Info("job rescheduled after launch failure",
			"job_id", job.ID,
			"retry_count", job.RetryCount,
			"delay", delay,
			"kind", kind,
			"error", err,
		)
	} else {
		m.logger.Error("job failed permanently",
			"job_id", job.ID,
			"retry_count", job.RetryCount,
			"kind", kind,
			"error", err,
		)
	}

	if uerr := m.store.UpdateJob(ctx, job); uerr != nil {
		return fmt.Errorf("persisting launch failure for job %s: %w", job.ID, uerr)
	}
	return err
}

// degradeAndRequeue applies a degradation strategy to a job that could
// not be placed and returns it to the queue. The retry counter is left
// untouched; the degradation (redirect, delay) decides when and where
// the next attempt happens.
func (m *Manager) degradeAndRequeue(ctx context.Context, job *model.Job, launchErr error) error {
	action := m.degrade.Degrade(job)

	if terr := job.Transition(model.JobStatusFailed); terr != nil {
		return fmt.Errorf("recording degradation for job %s: %w (launch error: %v)", job.ID, terr, launchErr)
	}
	if terr := job.Transition(model.JobStatusRetrying); terr != nil {
		return fmt.Errorf("recording degradation for job %s: %w (launch error: %v)", job.ID, terr, launchErr)
	}
	now := m.now()
	job.LastError = launchErr.Error()
	job.LastErrorAt = &now

	if uerr := m.store.UpdateJob(ctx, job); uerr != nil {
		return fmt.Errorf("persisting degradation for job %s: %w", job.ID, uerr)
	}

	if m.metrics != nil {
		m.metrics.DegradationsUsed.WithLabelValues(action).Inc()
	}
	m.logger.Warn("job degraded, no target available",
		"job_id", job.ID,
		"action", action,
		"backend", job.ExecutorType,
		"scheduled_for", job.ScheduledFor,
	)
	return launchErr
}

// BatchResult summarizes one LaunchNextBatch pass. Per-job failures are
// reported as strings, never raised.
type BatchResult struct {
	Launched int      `json:"launched"`
	Errors   []string `json:"errors,omitempty"`
}

// LaunchNextBatch fills available launch slots: it claims and launches
// ready jobs until maxConcurrent running jobs exist, no ready job
// remains, or the timeout elapses. Systemic errors (store failures)
// abort the batch; per-job launch failures are collected and the loop
// continues.
func (m *Manager) LaunchNextBatch(ctx context.Context, maxConcurrent int, timeout time.Duration) (*BatchResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	running, err := m.store.RunningCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting running jobs: %w", err)
	}
	slots := maxConcurrent - running
	if slots < 0 {
		slots = 0
	}

	result := &BatchResult{}
	for i := 0; i < slots; i++ {
		if ctx.Err() != nil {
			break
		}

		job, err := m.AcquireNext(ctx, nil)
		if errors.Is(err, model.ErrNoJobAvailable) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return result, fmt.Errorf("acquiring next job: %w", err)
		}

		if err := m.LaunchWithRetry(ctx, job); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("job %s: %v", job.ID, err))
			continue
		}
		result.Launched++
	}
	return result, nil
}

// RetryFailedJob is the manual override for a permanently failed job:
// it clears the error bookkeeping and puts the job back in the queue
// for immediate launch. resetCount additionally zeroes retry_count.
// Only FAILED and RETRYING jobs qualify; TIMEOUT is terminal. A job
// whose retry budget is spent must be requeued with resetCount, or it
// would sit in the queue without ever becoming claimable.
func (m *Manager) RetryFailedJob(ctx context.Context, jobID string, resetCount bool) (*model.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusFailed && job.Status != model.JobStatusRetrying {
		return nil, &model.InvalidTransitionError{
			JobID: job.ID,
			From:  job.Status,
			To:    model.JobStatusQueued,
			Legal: model.ValidJobTransitions[job.Status],
		}
	}
	if !resetCount && job.RetryCount > 0 && job.RetryCount >= job.MaxRetries {
		return nil, fmt.Errorf("job %s: %d of %d retries used: %w",
			jobID, job.RetryCount, job.MaxRetries, model.ErrRetryBudgetSpent)
	}

	now := m.now()
	if job.Status == model.JobStatusFailed {
		if err := job.Transition(model.JobStatusRetrying); err != nil {
			return nil, err
		}
	}
	if err := job.Transition(model.JobStatusQueued); err != nil {
		return nil, err
	}

	if resetCount {
		job.RetryCount = 0
	}
	job.QueuedAt = &now
	job.ScheduledFor = nil
	job.LastError = ""
	job.LastErrorAt = nil
	job.CompletedAt = nil

	if err := m.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	m.logger.Info("failed job requeued", "job_id", jobID, "reset_count", resetCount)
	return job, nil
}

// Cancel transitions the job to CANCELLED. A running job's backend
// execution is cleaned up best-effort: a cleanup failure is logged, not
// surfaced, because the cancellation itself already took effect.
func (m *Manager) Cancel(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	wasRunning := job.Status == model.JobStatusRunning
	if err := job.MarkCancelled(m.now()); err != nil {
		return nil, err
	}
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}

	if wasRunning {
		m.router.ReleaseTargetID(job.TargetID)
		if job.ExecutionID != "" {
			if exec, eerr := m.router.ExecutorForJob(job); eerr == nil {
				if cerr := exec.Cleanup(ctx, job.ExecutionID); cerr != nil {
					m.logger.Warn("cleanup after cancel failed",
						"job_id", jobID, "execution_id", job.ExecutionID, "error", cerr)
				}
			}
		}
	}
	m.tracker.MarkCompleted(jobID)

	m.logger.Info("job cancelled", "job_id", jobID)
	return job, nil
}

// QueueStats returns store-level aggregates.
func (m *Manager) QueueStats(ctx context.Context) (*model.QueueStats, error) {
	stats, err := m.store.Stats(ctx, m.now())
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.QueueDepth.Set(float64(stats.Depth))
		m.metrics.RunningJobs.Set(float64(stats.Running))
	}
	return stats, nil
}

// WorkerMetrics returns this process's counters since startup.
func (m *Manager) WorkerMetrics() model.WorkerMetrics {
	return model.WorkerMetrics{
		Launched:       m.launched.Load(),
		LaunchFailures: m.launchFailures.Load(),
		Retried:        m.retried.Load(),
		Harvested:      m.harvested.Load(),
		ClaimConflicts: m.claimConflicts.Load(),
	}
}

// RouteDryRun previews the routing decision for a job without touching
// any state.
func (m *Manager) RouteDryRun(job *model.Job) router.Decision {
	return m.router.RouteToBackendType(job)
}

// RecordHarvest bumps the harvest counters. Called by the monitor loop
// after it collects a finished job.
func (m *Manager) RecordHarvest(status model.JobStatus, duration time.Duration) {
	m.harvested.Add(1)
	if m.metrics != nil {
		m.metrics.JobsHarvested.WithLabelValues(string(status)).Inc()
		if duration > 0 {
			m.metrics.JobDuration.Observe(duration.Seconds())
		}
	}
}
