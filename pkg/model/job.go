package model

import (
	"time"
)

// Job is the persisted unit of containerized work.
type Job struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Status   JobStatus `json:"status"`
	Priority int       `json:"priority"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	LastError   string     `json:"last_error,omitempty"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`

	QueuedAt     *time.Time `json:"queued_at,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	LaunchedAt   *time.Time `json:"launched_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	ExecutorType ExecutorType `json:"executor_type"`

	// ExecutionID is the backend-assigned handle (e.g. a container id).
	// Empty until the executor accepts the launch.
	ExecutionID string `json:"execution_id,omitempty"`

	// TargetID references the backend target the job was routed to.
	TargetID string `json:"target_id,omitempty"`

	// RoutingReason is a human-readable note of why the job landed on its
	// backend (rule name, fallback, degradation action).
	RoutingReason string `json:"routing_reason,omitempty"`

	Spec JobSpec `json:"spec"`

	// Metadata carries free-form annotations (degradation actions,
	// operator notes). Never interpreted by the state machine.
	Metadata map[string]any `json:"metadata,omitempty"`

	ExitCode *int   `json:"exit_code,omitempty"`
	Stdout   string `json:"-"`
	Stderr   string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// JobSpec describes the workload: what to run and within which limits.
// Config data only — the scheduler core never inspects it beyond routing.
type JobSpec struct {
	Image     string            `json:"image"`
	Command   []string          `json:"command,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Resources ResourceLimits    `json:"resources"`

	// TimeoutSeconds bounds a single execution. Zero means no limit.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// ResourceLimits are the requested resource caps for one execution.
type ResourceLimits struct {
	Cores    int   `json:"cores,omitempty"`
	MemoryMB int64 `json:"memory_mb,omitempty"`
	DiskMB   int64 `json:"disk_mb,omitempty"`
	GPUs     int   `json:"gpus,omitempty"`
}

// Transition moves the job to next if the state machine allows it.
// All status writes must go through here; stores re-validate as a last
// line of defense before persisting.
func (j *Job) Transition(next JobStatus) error {
	if !j.Status.CanTransitionTo(next) {
		return &InvalidTransitionError{
			JobID: j.ID,
			From:  j.Status,
			To:    next,
			Legal: ValidJobTransitions[j.Status],
		}
	}
	j.Status = next
	return nil
}

// IsFinished returns true if the job reached a terminal status.
func (j *Job) IsFinished() bool {
	return j.Status.IsTerminal()
}

// Duration returns how long the last execution ran, or 0 if unknown.
func (j *Job) Duration() time.Duration {
	if j.LaunchedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.LaunchedAt)
}

// IsReady reports whether the job is eligible for a claim at now:
// queued (or waiting on a retry slot), schedule gate passed, retry
// budget not exhausted.
func (j *Job) IsReady(now time.Time) bool {
	if j.Status != JobStatusQueued && j.Status != JobStatusRetrying {
		return false
	}
	if j.QueuedAt == nil {
		return false
	}
	if j.RetryCount >= j.MaxRetries && j.RetryCount > 0 {
		return false
	}
	if j.ScheduledFor != nil && j.ScheduledFor.After(now) {
		return false
	}
	return true
}

// MarkQueued transitions the job to QUEUED and stamps queued_at.
func (j *Job) MarkQueued(now time.Time) error {
	if err := j.Transition(JobStatusQueued); err != nil {
		return err
	}
	j.QueuedAt = &now
	return nil
}

// MarkRunning transitions the job to RUNNING and stamps launched_at.
// A RETRYING job passes through QUEUED first so the state machine is
// never bypassed.
func (j *Job) MarkRunning(now time.Time) error {
	if j.Status == JobStatusRetrying {
		if err := j.Transition(JobStatusQueued); err != nil {
			return err
		}
	}
	if err := j.Transition(JobStatusRunning); err != nil {
		return err
	}
	j.LaunchedAt = &now
	return nil
}

// MarkCompleted transitions the job to COMPLETED and stamps completed_at.
func (j *Job) MarkCompleted(now time.Time) error {
	if err := j.Transition(JobStatusCompleted); err != nil {
		return err
	}
	j.CompletedAt = &now
	return nil
}

// MarkFailed records the error and advances the job along the failure
// path: RUNNING→FAILED, then — when shouldRetry is set and budget
// remains after incrementing retry_count — onward to RETRYING. A job
// that stays FAILED has its queued_at cleared so polling never sees it
// again without manual intervention.
func (j *Job) MarkFailed(now time.Time, errMsg string, shouldRetry bool) error {
	if err := j.Transition(JobStatusFailed); err != nil {
		return err
	}
	j.LastError = errMsg
	j.LastErrorAt = &now
	j.RetryCount++

	if shouldRetry && j.RetryCount < j.MaxRetries {
		return j.Transition(JobStatusRetrying)
	}

	j.QueuedAt = nil
	j.CompletedAt = &now
	return nil
}

// MarkCancelled transitions the job to CANCELLED and stamps completed_at.
func (j *Job) MarkCancelled(now time.Time) error {
	if err := j.Transition(JobStatusCancelled); err != nil {
		return err
	}
	j.CompletedAt = &now
	return nil
}

// MarkTimeout transitions a running job to TIMEOUT.
func (j *Job) MarkTimeout(now time.Time) error {
	if err := j.Transition(JobStatusTimeout); err != nil {
		return err
	}
	j.CompletedAt = &now
	return nil
}

// SetMetadata stores a key on the job's metadata map, allocating it on
// first use.
func (j *Job) SetMetadata(key string, value any) {
	if j.Metadata == nil {
		j.Metadata = make(map[string]any)
	}
	j.Metadata[key] = value
}
