package model

// JobStatus represents the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRetrying  JobStatus = "RETRYING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
	JobStatusTimeout   JobStatus = "TIMEOUT"
)

// String returns the string representation of the job status.
func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the job is in a final state.
// Terminal jobs never mutate again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCancelled, JobStatusTimeout:
		return true
	}
	return false
}

// ValidJobTransitions defines the allowed state transitions for Jobs.
// COMPLETED and CANCELLED are sinks with no outgoing edges. FAILED may
// only re-enter the queue through RETRYING (manual or automatic retry).
var ValidJobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:  {JobStatusQueued, JobStatusCancelled},
	JobStatusQueued:   {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning:  {JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout},
	JobStatusFailed:   {JobStatusRetrying},
	JobStatusRetrying: {JobStatusQueued, JobStatusCancelled},
}

// CanTransitionTo returns true if moving from the current status to next is valid.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CanReach returns true if to is reachable from from through some
// sequence of legal transitions. Stores use this as a last line of
// defense before persisting a status that was mutated through the mark
// helpers (which may take several edges, e.g. RUNNING→FAILED→RETRYING).
func CanReach(from, to JobStatus) bool {
	if from == to {
		return true
	}
	seen := map[JobStatus]bool{from: true}
	frontier := []JobStatus{from}
	for len(frontier) > 0 {
		var next []JobStatus
		for _, s := range frontier {
			for _, n := range ValidJobTransitions[s] {
				if n == to {
					return true
				}
				if !seen[n] {
					seen[n] = true
					next = append(next, n)
				}
			}
		}
		frontier = next
	}
	return false
}

// ExecutorType identifies which executor backend runs a Job.
type ExecutorType string

const (
	ExecutorTypeDocker     ExecutorType = "docker"
	ExecutorTypeServerless ExecutorType = "serverless"
	ExecutorTypeMock       ExecutorType = "mock"
)

// ExecutionState is the normalized status an executor reports for a
// backend-side execution. It is deliberately coarser than JobStatus:
// the queue manager maps it onto the job state machine.
type ExecutionState string

const (
	ExecutionStateRunning  ExecutionState = "running"
	ExecutionStateExited   ExecutionState = "exited"
	ExecutionStateFailed   ExecutionState = "failed"
	ExecutionStateNotFound ExecutionState = "not-found"
)
