package model

import "time"

// Target weight bounds for routing preference.
const (
	MinTargetWeight = 1
	MaxTargetWeight = 1000
)

// BackendTarget is one host/endpoint of a backend kind that executors
// connect to. Owned by configuration; health checks and capacity
// accounting mutate the counters.
type BackendTarget struct {
	ID           string       `json:"id"`
	ExecutorType ExecutorType `json:"executor_type"`

	// Connection is the backend-specific connection descriptor
	// (docker host socket, serverless API base URL, ...).
	Connection string `json:"connection"`

	IsActive bool `json:"is_active"`

	// Weight biases weighted-random selection among targets of the same
	// type. Clamped to [MinTargetWeight, MaxTargetWeight] at load time.
	Weight int `json:"weight"`

	MaxConcurrentJobs int `json:"max_concurrent_jobs"`
	CurrentJobCount   int `json:"current_job_count"`

	HealthCheckFailures int        `json:"health_check_failures"`
	LastHealthCheck     *time.Time `json:"last_health_check,omitempty"`
}

// HasCapacity returns true if the target can accept another job.
// A zero MaxConcurrentJobs means unlimited.
func (t *BackendTarget) HasCapacity() bool {
	if t.MaxConcurrentJobs <= 0 {
		return true
	}
	return t.CurrentJobCount < t.MaxConcurrentJobs
}

// ClampWeight normalizes the configured weight into the valid range.
// A zero weight is preserved: all-zero pools degrade to uniform selection.
func (t *BackendTarget) ClampWeight() {
	if t.Weight < 0 {
		t.Weight = 0
	}
	if t.Weight > MaxTargetWeight {
		t.Weight = MaxTargetWeight
	}
}
