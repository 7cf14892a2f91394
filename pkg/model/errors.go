package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Queue error kinds.
var (
	ErrJobNotQueued      = errors.New("job is not queued")
	ErrJobAlreadyQueued  = errors.New("job is already queued")
	ErrJobTerminal       = errors.New("job is in a terminal state")
	ErrQueueAtCapacity   = errors.New("queue is at capacity")
	ErrNoJobAvailable    = errors.New("no ready job available")
	ErrJobNotFound       = errors.New("job not found")
	ErrNoTargetAvailable = errors.New("no active target with capacity")
	ErrRetryBudgetSpent  = errors.New("retry budget spent, requeue requires a counter reset")
)

// InvalidTransitionError is returned when a job state transition is not
// allowed by the state machine. It names the current state, the
// requested state, and the legal set.
type InvalidTransitionError struct {
	JobID string
	From  JobStatus
	To    JobStatus
	Legal []JobStatus
}

func (e *InvalidTransitionError) Error() string {
	legal := make([]string, len(e.Legal))
	for i, s := range e.Legal {
		legal[i] = string(s)
	}
	allowed := "none"
	if len(legal) > 0 {
		allowed = strings.Join(legal, ", ")
	}
	return fmt.Sprintf("invalid job state transition: %s → %s (job %s, allowed: %s)",
		e.From, e.To, e.JobID, allowed)
}

// ExecutorErrorKind classifies executor failures at the boundary.
type ExecutorErrorKind string

const (
	ExecutorErrConnection    ExecutorErrorKind = "connection"
	ExecutorErrConfiguration ExecutorErrorKind = "configuration"
	ExecutorErrResources     ExecutorErrorKind = "resources"
	ExecutorErrAuth          ExecutorErrorKind = "auth"
	ExecutorErrTimeout       ExecutorErrorKind = "timeout"
)

// ExecutorError is a failure reported by an executor backend.
type ExecutorError struct {
	Kind    ExecutorErrorKind
	Backend string
	Err     error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("executor %s: %s: %v", e.Backend, e.Kind, e.Err)
}

func (e *ExecutorError) Unwrap() error {
	return e.Err
}

// NewExecutorError wraps err as an ExecutorError of the given kind.
func NewExecutorError(kind ExecutorErrorKind, backend string, err error) *ExecutorError {
	return &ExecutorError{Kind: kind, Backend: backend, Err: err}
}

// CircuitOpenError is returned when a call is rejected because the
// circuit breaker for the backend is open.
type CircuitOpenError struct {
	Backend    string
	OpenedAt   time.Time
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for backend %s (retry after %s)", e.Backend, e.RetryAfter)
}
