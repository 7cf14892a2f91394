package executor

import (
	"context"
	"time"

	"github.com/me/stevedore/pkg/model"
)

// Executor is a pluggable backend that launches and tracks Jobs.
// Implementations must be safe for concurrent use: one cached instance
// serves every worker routing jobs at its target.
type Executor interface {
	// Type returns the executor type identifier.
	Type() model.ExecutorType

	// LaunchJob starts the job on the backend and returns the
	// backend-assigned execution id (e.g. a container id). Launch is
	// asynchronous: completion is observed via CheckStatus.
	LaunchJob(ctx context.Context, job *model.Job) (executionID string, err error)

	// CheckStatus reports the normalized state of an execution.
	CheckStatus(ctx context.Context, executionID string) (model.ExecutionState, error)

	// GetLogs retrieves stdout and stderr for an execution.
	GetLogs(ctx context.Context, executionID string) (stdout, stderr string, err error)

	// HarvestJob collects the exit code, logs, and resource usage of a
	// finished execution onto the job and releases backend-side
	// resources.
	HarvestJob(ctx context.Context, job *model.Job) error

	// Cleanup force-releases backend resources for an execution.
	Cleanup(ctx context.Context, executionID string) error

	// ValidateJob checks whether this backend can run the job at all
	// (image present/acceptable, limits within capability).
	ValidateJob(job *model.Job) error

	// Capabilities describes what the backend supports.
	Capabilities() Capabilities

	// EstimateCost returns an approximate cost for the job in
	// arbitrary units, or 0 when the backend cannot estimate.
	EstimateCost(job *model.Job) float64

	// HealthStatus pings the backend.
	HealthStatus(ctx context.Context) HealthStatus
}

// Capabilities are the feature flags a backend advertises.
type Capabilities struct {
	ResourceLimits bool `json:"resource_limits"`
	Networking     bool `json:"networking"`
	Secrets        bool `json:"secrets"`
	GPU            bool `json:"gpu"`
	AutoScaling    bool `json:"auto_scaling"`

	// MaxMemoryMB caps a single job's memory request; 0 means no cap.
	MaxMemoryMB int64 `json:"max_memory_mb,omitempty"`
}

// HealthStatus is the result of one backend health probe.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Error     string        `json:"error,omitempty"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency"`
}
