package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/me/stevedore/pkg/model"
)

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// osCommandRunner is the real implementation using os/exec.
type osCommandRunner struct{}

func (r *osCommandRunner) Run(ctx context.Context, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()

	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()

	switch e := runErr.(type) {
	case nil:
		return stdout, stderr, 0, nil
	case *exec.ExitError:
		return stdout, stderr, e.ExitCode(), nil
	default:
		return stdout, stderr, -1, runErr
	}
}

// DockerExecutor runs jobs as detached containers through the Docker
// CLI. Launch starts the container with `docker run -d`; the monitor
// loop polls CheckStatus (`docker inspect`) until the container exits,
// then HarvestJob collects logs and exit code and removes it.
type DockerExecutor struct {
	host   string // DOCKER_HOST value; empty uses the ambient daemon
	logger *slog.Logger
	runner CommandRunner
}

// NewDockerExecutor creates a DockerExecutor against the given daemon
// host (the target's connection descriptor; empty for the local socket).
func NewDockerExecutor(host string, logger *slog.Logger) *DockerExecutor {
	return &DockerExecutor{
		host:   host,
		logger: logger.With("component", "docker-executor"),
		runner: &osCommandRunner{},
	}
}

// newDockerExecutorWithRunner is used by tests to inject a mock CommandRunner.
func newDockerExecutorWithRunner(host string, logger *slog.Logger, runner CommandRunner) *DockerExecutor {
	return &DockerExecutor{
		host:   host,
		logger: logger.With("component", "docker-executor"),
		runner: runner,
	}
}

// Type returns model.ExecutorTypeDocker.
func (e *DockerExecutor) Type() model.ExecutorType {
	return model.ExecutorTypeDocker
}

// args prepends the --host flag when a remote daemon is configured.
func (e *DockerExecutor) args(rest ...string) []string {
	if e.host == "" {
		return rest
	}
	return append([]string{"--host", e.host}, rest...)
}

// LaunchJob starts the job's container detached and returns the
// container id Docker prints on stdout.
func (e *DockerExecutor) LaunchJob(ctx context.Context, job *model.Job) (string, error) {
	if err := e.ValidateJob(job); err != nil {
		return "", err
	}

	run := []string{"run", "-d", "--name", "stevedore-" + job.ID}
	if job.Spec.Resources.MemoryMB > 0 {
		run = append(run, "--memory", fmt.Sprintf("%dm", job.Spec.Resources.MemoryMB))
	}
	if job.Spec.Resources.Cores > 0 {
		run = append(run, "--cpus", strconv.Itoa(job.Spec.Resources.Cores))
	}
	for k, v := range job.Spec.Env {
		run = append(run, "-e", k+"="+v)
	}
	run = append(run, job.Spec.Image)
	run = append(run, job.Spec.Command...)

	stdout, stderr, exitCode, runErr := e.runner.Run(ctx, "docker", e.args(run...)...)
	if runErr != nil {
		return "", model.NewExecutorError(model.ExecutorErrConnection, "docker", runErr)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("docker run: %s", strings.TrimSpace(stderr))
	}

	containerID := strings.TrimSpace(stdout)
	e.logger.Debug("container launched",
		"job_id", job.ID,
		"container_id", containerID,
		"image", job.Spec.Image,
	)
	return containerID, nil
}

// CheckStatus maps `docker inspect` output onto the normalized
// execution states.
func (e *DockerExecutor) CheckStatus(ctx context.Context, executionID string) (model.ExecutionState, error) {
	stdout, stderr, exitCode, runErr := e.runner.Run(ctx, "docker",
		e.args("inspect", "--format", "{{.State.Status}} {{.State.ExitCode}}", executionID)...)
	if runErr != nil {
		return "", model.NewExecutorError(model.ExecutorErrConnection, "docker", runErr)
	}
	if exitCode != 0 {
		if strings.Contains(stderr, "No such object") || strings.Contains(stderr, "No such container") {
			return model.ExecutionStateNotFound, nil
		}
		return "", fmt.Errorf("docker inspect: %s", strings.TrimSpace(stderr))
	}

	fields := strings.Fields(strings.TrimSpace(stdout))
	if len(fields) == 0 {
		return "", fmt.Errorf("docker inspect: empty output")
	}

	switch fields[0] {
	case "running", "created", "restarting", "paused":
		return model.ExecutionStateRunning, nil
	case "exited", "dead":
		if len(fields) > 1 && fields[1] != "0" {
			return model.ExecutionStateFailed, nil
		}
		return model.ExecutionStateExited, nil
	default:
		return "", fmt.Errorf("docker inspect: unexpected state %q", fields[0])
	}
}

// GetLogs returns the container's captured stdout and stderr.
func (e *DockerExecutor) GetLogs(ctx context.Context, executionID string) (string, string, error) {
	// docker logs writes the container's stdout/stderr to the matching
	// process streams.
	stdout, stderr, exitCode, runErr := e.runner.Run(ctx, "docker", e.args("logs", executionID)...)
	if runErr != nil {
		return "", "", model.NewExecutorError(model.ExecutorErrConnection, "docker", runErr)
	}
	if exitCode != 0 {
		return "", "", fmt.Errorf("docker logs: %s", strings.TrimSpace(stderr))
	}
	return stdout, stderr, nil
}

// HarvestJob records the exit code and logs on the job, then removes
// the container.
func (e *DockerExecutor) HarvestJob(ctx context.Context, job *model.Job) error {
	if job.ExecutionID == "" {
		return fmt.Errorf("job %s: no execution id to harvest", job.ID)
	}

	stdout, _, exitCode, runErr := e.runner.Run(ctx, "docker",
		e.args("inspect", "--format", "{{.State.ExitCode}}", job.ExecutionID)...)
	if runErr != nil {
		return model.NewExecutorError(model.ExecutorErrConnection, "docker", runErr)
	}
	if exitCode == 0 {
		if code, err := strconv.Atoi(strings.TrimSpace(stdout)); err == nil {
			job.ExitCode = &code
		}
	}

	out, errOut, err := e.GetLogs(ctx, job.ExecutionID)
	if err != nil {
		e.logger.Warn("harvest: logs unavailable", "job_id", job.ID, "error", err)
	} else {
		job.Stdout = out
		job.Stderr = errOut
	}

	return e.Cleanup(ctx, job.ExecutionID)
}

// Cleanup force-removes the container.
func (e *DockerExecutor) Cleanup(ctx context.Context, executionID string) error {
	if executionID == "" {
		return nil
	}
	_, stderr, exitCode, runErr := e.runner.Run(ctx, "docker", e.args("rm", "-f", executionID)...)
	if runErr != nil {
		return model.NewExecutorError(model.ExecutorErrConnection, "docker", runErr)
	}
	if exitCode != 0 && !strings.Contains(stderr, "No such container") {
		return fmt.Errorf("docker rm: %s", strings.TrimSpace(stderr))
	}
	return nil
}

// ValidateJob requires an image and rejects GPU requests (not exposed
// through this executor).
func (e *DockerExecutor) ValidateJob(job *model.Job) error {
	if job.Spec.Image == "" {
		return model.NewExecutorError(model.ExecutorErrConfiguration, "docker",
			fmt.Errorf("job %s: image is required", job.ID))
	}
	if job.Spec.Resources.GPUs > 0 {
		return model.NewExecutorError(model.ExecutorErrConfiguration, "docker",
			fmt.Errorf("job %s: gpu scheduling not supported", job.ID))
	}
	return nil
}

// Capabilities: local daemon, full limits, no scaling.
func (e *DockerExecutor) Capabilities() Capabilities {
	return Capabilities{
		ResourceLimits: true,
		Networking:     true,
		Secrets:        false,
		GPU:            false,
		AutoScaling:    false,
	}
}

// EstimateCost is 0: local capacity is sunk cost.
func (e *DockerExecutor) EstimateCost(_ *model.Job) float64 {
	return 0
}

// HealthStatus pings the daemon with `docker version`.
func (e *DockerExecutor) HealthStatus(ctx context.Context) HealthStatus {
	start := time.Now()
	_, stderr, exitCode, runErr := e.runner.Run(ctx, "docker", e.args("version", "--format", "{{json .Server.Version}}")...)
	hs := HealthStatus{
		LastCheck: start,
		Latency:   time.Since(start),
	}
	switch {
	case runErr != nil:
		hs.Error = runErr.Error()
	case exitCode != 0:
		hs.Error = strings.TrimSpace(stderr)
	default:
		hs.Healthy = true
	}
	return hs
}
