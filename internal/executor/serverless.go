package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/me/stevedore/pkg/model"
)

// serverlessMaxMemoryMB is the largest memory grant the managed
// platform sells per invocation.
const serverlessMaxMemoryMB = 10240

// ServerlessExecutor submits jobs to a managed container platform over
// its REST API. Submission is asynchronous: the platform returns an
// execution id immediately and the monitor loop polls it to completion.
type ServerlessExecutor struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewServerlessExecutor creates an executor against the given API base
// URL (the target's connection descriptor).
func NewServerlessExecutor(baseURL, apiKey string, logger *slog.Logger) *ServerlessExecutor {
	return &ServerlessExecutor{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With("component", "serverless-executor"),
	}
}

// Type returns model.ExecutorTypeServerless.
func (e *ServerlessExecutor) Type() model.ExecutorType {
	return model.ExecutorTypeServerless
}

type submitRequest struct {
	Name           string            `json:"name"`
	Image          string            `json:"image"`
	Command        []string          `json:"command,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	MemoryMB       int64             `json:"memory_mb,omitempty"`
	Cores          int               `json:"cores,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

type executionResponse struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
}

type logsResponse struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// LaunchJob POSTs the job spec to /v1/executions and returns the
// platform-assigned execution id.
func (e *ServerlessExecutor) LaunchJob(ctx context.Context, job *model.Job) (string, error) {
	if err := e.ValidateJob(job); err != nil {
		return "", err
	}

	req := submitRequest{
		Name:           job.Name,
		Image:          job.Spec.Image,
		Command:        job.Spec.Command,
		Env:            job.Spec.Env,
		MemoryMB:       job.Spec.Resources.MemoryMB,
		Cores:          job.Spec.Resources.Cores,
		TimeoutSeconds: job.Spec.TimeoutSeconds,
	}

	var resp executionResponse
	if err := e.do(ctx, http.MethodPost, "/v1/executions", req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", model.NewExecutorError(model.ExecutorErrConfiguration, "serverless",
			fmt.Errorf("platform accepted job %s without an execution id", job.ID))
	}

	e.logger.Debug("execution submitted", "job_id", job.ID, "execution_id", resp.ID)
	return resp.ID, nil
}

// CheckStatus polls the execution resource and maps the platform state
// onto the normalized states.
func (e *ServerlessExecutor) CheckStatus(ctx context.Context, executionID string) (model.ExecutionState, error) {
	var resp executionResponse
	err := e.do(ctx, http.MethodGet, "/v1/executions/"+executionID, nil, &resp)
	if err != nil {
		var httpErr *httpStatusError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return model.ExecutionStateNotFound, nil
		}
		return "", err
	}

	switch resp.State {
	case "pending", "provisioning", "running":
		return model.ExecutionStateRunning, nil
	case "succeeded":
		return model.ExecutionStateExited, nil
	case "failed", "killed", "timed_out":
		return model.ExecutionStateFailed, nil
	default:
		return "", fmt.Errorf("serverless: unexpected execution state %q", resp.State)
	}
}

// GetLogs fetches the captured output of an execution.
func (e *ServerlessExecutor) GetLogs(ctx context.Context, executionID string) (string, string, error) {
	var resp logsResponse
	if err := e.do(ctx, http.MethodGet, "/v1/executions/"+executionID+"/logs", nil, &resp); err != nil {
		return "", "", err
	}
	return resp.Stdout, resp.Stderr, nil
}

// HarvestJob records the exit code and logs, then deletes the
// execution resource.
func (e *ServerlessExecutor) HarvestJob(ctx context.Context, job *model.Job) error {
	if job.ExecutionID == "" {
		return fmt.Errorf("job %s: no execution id to harvest", job.ID)
	}

	var resp executionResponse
	if err := e.do(ctx, http.MethodGet, "/v1/executions/"+job.ExecutionID, nil, &resp); err != nil {
		return err
	}
	job.ExitCode = resp.ExitCode

	stdout, stderr, err := e.GetLogs(ctx, job.ExecutionID)
	if err != nil {
		e.logger.Warn("harvest: logs unavailable", "job_id", job.ID, "error", err)
	} else {
		job.Stdout = stdout
		job.Stderr = stderr
	}

	return e.Cleanup(ctx, job.ExecutionID)
}

// Cleanup deletes the execution resource; a missing resource is not an
// error.
func (e *ServerlessExecutor) Cleanup(ctx context.Context, executionID string) error {
	if executionID == "" {
		return nil
	}
	err := e.do(ctx, http.MethodDelete, "/v1/executions/"+executionID, nil, nil)
	var httpErr *httpStatusError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// ValidateJob enforces the platform's per-invocation limits.
func (e *ServerlessExecutor) ValidateJob(job *model.Job) error {
	if job.Spec.Image == "" {
		return model.NewExecutorError(model.ExecutorErrConfiguration, "serverless",
			fmt.Errorf("job %s: image is required", job.ID))
	}
	if job.Spec.Resources.MemoryMB > serverlessMaxMemoryMB {
		return model.NewExecutorError(model.ExecutorErrResources, "serverless",
			fmt.Errorf("job %s: memory request %d MB exceeds platform limit %d MB",
				job.ID, job.Spec.Resources.MemoryMB, serverlessMaxMemoryMB))
	}
	if job.Spec.Resources.GPUs > 0 {
		return model.NewExecutorError(model.ExecutorErrConfiguration, "serverless",
			fmt.Errorf("job %s: gpu scheduling not supported", job.ID))
	}
	return nil
}

// Capabilities: managed platform with secrets and scale-out, no GPUs.
func (e *ServerlessExecutor) Capabilities() Capabilities {
	return Capabilities{
		ResourceLimits: true,
		Networking:     true,
		Secrets:        true,
		GPU:            false,
		AutoScaling:    true,
		MaxMemoryMB:    serverlessMaxMemoryMB,
	}
}

// EstimateCost is a rough GB-second price assuming the job runs to its
// timeout (or one minute when unbounded).
func (e *ServerlessExecutor) EstimateCost(job *model.Job) float64 {
	const perGBSecond = 0.0000166667

	seconds := float64(job.Spec.TimeoutSeconds)
	if seconds <= 0 {
		seconds = 60
	}
	memGB := float64(job.Spec.Resources.MemoryMB) / 1024
	if memGB <= 0 {
		memGB = 0.5
	}
	return seconds * memGB * perGBSecond
}

// HealthStatus probes the platform's health endpoint.
func (e *ServerlessExecutor) HealthStatus(ctx context.Context) HealthStatus {
	start := time.Now()
	err := e.do(ctx, http.MethodGet, "/v1/healthz", nil, nil)
	hs := HealthStatus{
		LastCheck: start,
		Latency:   time.Since(start),
	}
	if err != nil {
		hs.Error = err.Error()
	} else {
		hs.Healthy = true
	}
	return hs
}

// httpStatusError carries a non-2xx platform response.
type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("serverless: HTTP %d: %s", e.StatusCode, e.Body)
}

// do performs one JSON request against the platform API.
func (e *ServerlessExecutor) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return model.NewExecutorError(model.ExecutorErrConnection, "serverless", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return model.NewExecutorError(model.ExecutorErrAuth, "serverless",
			&httpStatusError{StatusCode: resp.StatusCode, Body: string(respBody)})
	case resp.StatusCode >= 300:
		return &httpStatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshaling response: %w", err)
		}
	}
	return nil
}
