package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/stevedore/internal/config"
	"github.com/me/stevedore/internal/queue"
	"github.com/me/stevedore/internal/retry"
	"github.com/me/stevedore/internal/router"
	"github.com/me/stevedore/internal/store"
	"github.com/me/stevedore/pkg/model"
)

// Monitor is the scheduler's main loop: every tick it fills free launch
// slots, polls running executions, harvests finished ones, reaps jobs
// past their timeout, and recovers claims whose worker died mid-launch.
type Monitor struct {
	manager *queue.Manager
	store   store.Store
	router  *router.Router
	cfg     config.QueueConfig
	now     func() time.Time
	logger  *slog.Logger
}

// NewMonitor wires a Monitor. A nil now defaults to time.Now.
func NewMonitor(manager *queue.Manager, st store.Store, r *router.Router, cfg config.QueueConfig, now func() time.Time, logger *slog.Logger) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		manager: manager,
		store:   st,
		router:  r,
		cfg:     cfg,
		now:     now,
		logger:  logger.With("component", "monitor"),
	}
}

// Run ticks until ctx is cancelled. Cancellation stops new claims; the
// shutdown coordinator drains in-flight jobs separately.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("monitor loop started",
		"poll_interval", m.cfg.PollInterval,
		"max_concurrent", m.cfg.MaxConcurrent,
	)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor loop stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// DrainLoop polls in-flight executions without claiming new work. The
// shutdown path runs it while the coordinator waits on the tracker, so
// running jobs can still be harvested after the main loop stopped.
func (m *Monitor) DrainLoop(ctx context.Context) {
	m.logger.Info("drain loop started", "poll_interval", m.cfg.PollInterval)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("drain loop stopped")
			return
		case <-ticker.C:
			m.pollRunning(ctx)
		}
	}
}

// Tick runs one full pass. Exported so tests drive the loop
// deterministically.
func (m *Monitor) Tick(ctx context.Context) {
	if result, err := m.manager.LaunchNextBatch(ctx, m.cfg.MaxConcurrent, m.cfg.BatchTimeout); err != nil {
		m.logger.Error("batch launch failed", "error", err)
	} else if result.Launched > 0 || len(result.Errors) > 0 {
		m.logger.Info("batch launched", "launched", result.Launched, "errors", len(result.Errors))
		for _, e := range result.Errors {
			m.logger.Warn("launch error", "detail", e)
		}
	}

	m.pollRunning(ctx)
	m.recoverStaleClaims(ctx)
}

// pollRunning checks every RUNNING job's backend state and harvests,
// fails, or times out as appropriate.
func (m *Monitor) pollRunning(ctx context.Context) {
	jobs, err := m.store.JobsByStatus(ctx, model.JobStatusRunning)
	if err != nil {
		m.logger.Error("listing running jobs", "error", err)
		return
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if job.ExecutionID == "" {
			continue // claim without a launch yet; stale-claim pass handles it
		}
		m.pollJob(ctx, job)
	}
}

func (m *Monitor) pollJob(ctx context.Context, job *model.Job) {
	exec, err := m.router.ExecutorForJob(job)
	if err != nil {
		m.logger.Error("no executor for running job", "job_id", job.ID, "error", err)
		return
	}

	state, err := exec.CheckStatus(ctx, job.ExecutionID)
	if err != nil {
		m.logger.Warn("status check failed", "job_id", job.ID, "error", err)
		return
	}

	switch state {
	case model.ExecutionStateRunning:
		m.reapIfTimedOut(ctx, job, exec)
	case model.ExecutionStateExited:
		m.harvestCompleted(ctx, job, exec)
	case model.ExecutionStateFailed:
		m.harvestFailed(ctx, job, exec)
	case model.ExecutionStateNotFound:
		m.failJob(ctx, job, "execution disappeared from backend", true)
	}
}

// reapIfTimedOut kills and times out a job running past its limit.
func (m *Monitor) reapIfTimedOut(ctx context.Context, job *model.Job, exec executorIface) {
	if job.Spec.TimeoutSeconds <= 0 || job.LaunchedAt == nil {
		return
	}
	deadline := job.LaunchedAt.Add(time.Duration(job.Spec.TimeoutSeconds) * time.Second)
	now := m.now()
	if now.Before(deadline) {
		return
	}

	if err := exec.Cleanup(ctx, job.ExecutionID); err != nil {
		m.logger.Warn("cleanup of timed-out execution failed", "job_id", job.ID, "error", err)
	}
	if err := job.MarkTimeout(now); err != nil {
		m.logger.Error("timeout transition rejected", "job_id", job.ID, "error", err)
		return
	}
	job.LastError = fmt.Sprintf("execution exceeded %ds timeout", job.Spec.TimeoutSeconds)
	job.LastErrorAt = &now
	if err := m.store.UpdateJob(ctx, job); err != nil {
		m.logger.Error("persisting timeout", "job_id", job.ID, "error", err)
		return
	}

	m.finishJob(job, model.JobStatusTimeout)
	m.logger.Warn("job timed out", "job_id", job.ID, "timeout_seconds", job.Spec.TimeoutSeconds)
}

func (m *Monitor) harvestCompleted(ctx context.Context, job *model.Job, exec executorIface) {
	now := m.now()
	if err := exec.HarvestJob(ctx, job); err != nil {
		m.logger.Warn("harvest failed, will retry next tick", "job_id", job.ID, "error", err)
		return
	}
	if err := job.MarkCompleted(now); err != nil {
		m.logger.Error("completion transition rejected", "job_id", job.ID, "error", err)
		return
	}
	if err := m.store.UpdateJob(ctx, job); err != nil {
		m.logger.Error("persisting completion", "job_id", job.ID, "error", err)
		return
	}

	m.finishJob(job, model.JobStatusCompleted)
	m.logger.Info("job completed",
		"job_id", job.ID,
		"duration", job.Duration(),
		"exit_code", job.ExitCode,
	)
}

func (m *Monitor) harvestFailed(ctx context.Context, job *model.Job, exec executorIface) {
	if err := exec.HarvestJob(ctx, job); err != nil {
		m.logger.Warn("harvest of failed execution", "job_id", job.ID, "error", err)
	}

	errMsg := "execution failed"
	if job.ExitCode != nil {
		errMsg = fmt.Sprintf("execution exited with code %d", *job.ExitCode)
	}
	if tail := lastLine(job.Stderr); tail != "" {
		errMsg += ": " + tail
	}

	kind := retry.Classify(errMsg)
	m.failJob(ctx, job, errMsg, kind != retry.ErrorKindPermanent)
}

// failJob moves a running job down the failure path, scheduling a
// retry when policy allows.
func (m *Monitor) failJob(ctx context.Context, job *model.Job, errMsg string, shouldRetry bool) {
	now := m.now()
	strategy := retry.ForPriority(job.Priority)

	if err := job.MarkFailed(now, errMsg, shouldRetry); err != nil {
		m.logger.Error("failure transition rejected", "job_id", job.ID, "error", err)
		return
	}
	if job.Status == model.JobStatusRetrying {
		next := now.Add(strategy.Delay(job.RetryCount, nil))
		job.ScheduledFor = &next
	}
	job.ExecutionID = ""

	if err := m.store.UpdateJob(ctx, job); err != nil {
		m.logger.Error("persisting failure", "job_id", job.ID, "error", err)
		return
	}

	m.finishJob(job, model.JobStatusFailed)
	m.logger.Warn("job execution failed",
		"job_id", job.ID,
		"status", job.Status,
		"retry_count", job.RetryCount,
		"error", errMsg,
	)
}

// recoverStaleClaims fails RUNNING jobs that never received an
// execution id within the cutoff: their worker died between claim and
// launch. The failure path puts them back in the queue.
func (m *Monitor) recoverStaleClaims(ctx context.Context) {
	if m.cfg.StaleClaimCutoff <= 0 {
		return
	}
	jobs, err := m.store.JobsByStatus(ctx, model.JobStatusRunning)
	if err != nil {
		return
	}

	cutoff := m.now().Add(-m.cfg.StaleClaimCutoff)
	for _, job := range jobs {
		if job.ExecutionID != "" || job.LaunchedAt == nil || job.LaunchedAt.After(cutoff) {
			continue
		}
		m.logger.Warn("recovering stale claim",
			"job_id", job.ID,
			"claimed_at", job.LaunchedAt,
		)
		m.failJob(ctx, job, "claim abandoned before launch", true)
	}
}

// finishJob releases the job's target slot and tracker entry and bumps
// the harvest counters.
func (m *Monitor) finishJob(job *model.Job, status model.JobStatus) {
	m.router.ReleaseTargetID(job.TargetID)
	m.manager.Tracker().MarkCompleted(job.ID)
	m.manager.RecordHarvest(status, job.Duration())
}

// executorIface is the slice of the executor contract the monitor
// needs; keeps pollJob testable against narrow fakes.
type executorIface interface {
	CheckStatus(ctx context.Context, executionID string) (model.ExecutionState, error)
	HarvestJob(ctx context.Context, job *model.Job) error
	Cleanup(ctx context.Context, executionID string) error
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	const max = 200
	if len(s) > max {
		s = s[:max]
	}
	return s
}
