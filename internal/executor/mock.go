package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/me/stevedore/pkg/model"
)

// MockExecutor is a scriptable in-memory backend for tests. Every
// failure mode is injectable and every call is counted.
type MockExecutor struct {
	mu sync.Mutex

	// LaunchErr, when set, fails every LaunchJob call.
	LaunchErr error
	// CheckErr, when set, fails every CheckStatus call.
	CheckErr error
	// HarvestErr, when set, fails every HarvestJob call.
	HarvestErr error
	// Unhealthy makes HealthStatus report a failure.
	Unhealthy bool
	// ExitCode is stamped on harvested jobs.
	ExitCode int

	states   map[string]model.ExecutionState
	launched int
	checks   int
	harvests int
	cleanups int
	seq      int
}

// NewMockExecutor creates an empty mock.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{states: make(map[string]model.ExecutionState)}
}

// Type returns model.ExecutorTypeMock.
func (e *MockExecutor) Type() model.ExecutorType {
	return model.ExecutorTypeMock
}

// LaunchJob registers a new running execution and returns its id.
func (e *MockExecutor) LaunchJob(_ context.Context, job *model.Job) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.launched++
	if e.LaunchErr != nil {
		return "", e.LaunchErr
	}
	e.seq++
	id := fmt.Sprintf("mock-%s-%d", job.ID, e.seq)
	e.states[id] = model.ExecutionStateRunning
	return id, nil
}

// CheckStatus reports the scripted state for the execution.
func (e *MockExecutor) CheckStatus(_ context.Context, executionID string) (model.ExecutionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checks++
	if e.CheckErr != nil {
		return "", e.CheckErr
	}
	state, ok := e.states[executionID]
	if !ok {
		return model.ExecutionStateNotFound, nil
	}
	return state, nil
}

// SetState scripts the state an execution will report.
func (e *MockExecutor) SetState(executionID string, state model.ExecutionState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[executionID] = state
}

// Finish marks every tracked execution exited, simulating all work
// completing between monitor ticks.
func (e *MockExecutor) Finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.states {
		e.states[id] = model.ExecutionStateExited
	}
}

// GetLogs returns canned output.
func (e *MockExecutor) GetLogs(_ context.Context, executionID string) (string, string, error) {
	return "mock stdout for " + executionID, "", nil
}

// HarvestJob stamps the scripted exit code and removes the execution.
func (e *MockExecutor) HarvestJob(_ context.Context, job *model.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.harvests++
	if e.HarvestErr != nil {
		return e.HarvestErr
	}
	code := e.ExitCode
	job.ExitCode = &code
	job.Stdout = "mock stdout for " + job.ExecutionID
	delete(e.states, job.ExecutionID)
	return nil
}

// Cleanup removes the execution.
func (e *MockExecutor) Cleanup(_ context.Context, executionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleanups++
	delete(e.states, executionID)
	return nil
}

// ValidateJob accepts anything with an image.
func (e *MockExecutor) ValidateJob(job *model.Job) error {
	if job.Spec.Image == "" {
		return model.NewExecutorError(model.ExecutorErrConfiguration, "mock",
			fmt.Errorf("job %s: image is required", job.ID))
	}
	return nil
}

// Capabilities claims everything.
func (e *MockExecutor) Capabilities() Capabilities {
	return Capabilities{ResourceLimits: true, Networking: true, Secrets: true, GPU: true, AutoScaling: true}
}

// EstimateCost is always free.
func (e *MockExecutor) EstimateCost(_ *model.Job) float64 {
	return 0
}

// HealthStatus reports the scripted health.
func (e *MockExecutor) HealthStatus(_ context.Context) HealthStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	hs := HealthStatus{LastCheck: time.Now(), Healthy: !e.Unhealthy}
	if e.Unhealthy {
		hs.Error = "mock backend unhealthy"
	}
	return hs
}

// LaunchCount returns how many launches were attempted.
func (e *MockExecutor) LaunchCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.launched
}

// HarvestCount returns how many harvests were attempted.
func (e *MockExecutor) HarvestCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.harvests
}

// CleanupCount returns how many cleanups ran.
func (e *MockExecutor) CleanupCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cleanups
}
