package reliability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/me/stevedore/internal/executor"
	"github.com/me/stevedore/internal/logging"
	"github.com/me/stevedore/internal/retry"
	"github.com/me/stevedore/pkg/model"
)

func fallbackManager(t *testing.T) (*FallbackManager, *[]time.Duration) {
	t.Helper()
	m := NewFallbackManager(retry.Strategy{
		Name:        "test",
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
	}, nil, logging.Discard())

	var slept []time.Duration
	m.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return m, &slept
}

func fallbackJob() *model.Job {
	return &model.Job{
		ID:           "job_fb",
		Name:         "fb",
		ExecutorType: model.ExecutorTypeDocker,
		Spec:         model.JobSpec{Image: "busybox:latest"},
	}
}

func TestExecuteWithFallbackPrimarySucceeds(t *testing.T) {
	m, slept := fallbackManager(t)
	primary := executor.NewMockExecutor()
	backup := executor.NewMockExecutor()

	primaryTarget := &model.BackendTarget{ID: "t_primary", ExecutorType: model.ExecutorTypeMock}
	job := fallbackJob()
	id, used, err := m.ExecuteWithFallback(context.Background(), job,
		LaunchCandidate{Exec: primary, Target: primaryTarget},
		[]LaunchCandidate{{Exec: backup}})
	if err != nil {
		t.Fatalf("ExecuteWithFallback: %v", err)
	}
	if id == "" {
		t.Error("no execution id returned")
	}
	if used.Target != primaryTarget {
		t.Errorf("used target = %+v, want the primary's", used.Target)
	}
	if backup.LaunchCount() != 0 {
		t.Error("fallback executor was invoked although primary succeeded")
	}
	if len(*slept) != 0 {
		t.Errorf("slept %v before any failure", *slept)
	}
}

func TestExecuteWithFallbackFailsOver(t *testing.T) {
	m, slept := fallbackManager(t)
	primary := executor.NewMockExecutor()
	primary.LaunchErr = errors.New("connection refused")
	backup := executor.NewMockExecutor()

	backupTarget := &model.BackendTarget{ID: "t_backup", ExecutorType: model.ExecutorTypeMock}
	job := fallbackJob()
	id, used, err := m.ExecuteWithFallback(context.Background(), job,
		LaunchCandidate{Exec: primary},
		[]LaunchCandidate{{Exec: backup, Target: backupTarget}})
	if err != nil {
		t.Fatalf("ExecuteWithFallback: %v", err)
	}
	if id == "" {
		t.Error("no execution id from fallback")
	}
	if used.Target != backupTarget {
		t.Errorf("used target = %+v, want the fallback's", used.Target)
	}
	if job.ExecutorType != model.ExecutorTypeMock {
		t.Errorf("executor type not updated: %s", job.ExecutorType)
	}
	if !strings.Contains(job.RoutingReason, "fallback to") {
		t.Errorf("routing reason = %q", job.RoutingReason)
	}
	if len(*slept) != 1 {
		t.Errorf("slept %d times, want 1 (between attempts)", len(*slept))
	}
}

func TestExecuteWithFallbackExhausted(t *testing.T) {
	m, _ := fallbackManager(t)
	primary := executor.NewMockExecutor()
	primary.LaunchErr = errors.New("first failure")
	backup := executor.NewMockExecutor()
	backup.LaunchErr = errors.New("second failure")

	_, _, err := m.ExecuteWithFallback(context.Background(), fallbackJob(),
		LaunchCandidate{Exec: primary}, []LaunchCandidate{{Exec: backup}})
	if err == nil || !strings.Contains(err.Error(), "second failure") {
		t.Errorf("err = %v, want last error surfaced", err)
	}
}

func TestRetryWithBackoff(t *testing.T) {
	m, slept := fallbackManager(t)
	exec := executor.NewMockExecutor()
	exec.LaunchErr = errors.New("i/o timeout")

	_, err := m.RetryWithBackoff(context.Background(), fallbackJob(), exec, 3)
	if err == nil {
		t.Fatal("expected failure after retries")
	}
	if exec.LaunchCount() != 3 {
		t.Errorf("attempts = %d, want 3", exec.LaunchCount())
	}
	if len(*slept) != 2 {
		t.Errorf("slept %d times, want 2", len(*slept))
	}
	// Backoff grows between attempts.
	if len(*slept) == 2 && (*slept)[1] <= (*slept)[0] {
		t.Errorf("backoff not growing: %v", *slept)
	}
}

func TestRetryWithBackoffStopsOnPermanent(t *testing.T) {
	m, _ := fallbackManager(t)
	exec := executor.NewMockExecutor()
	exec.LaunchErr = errors.New("image not found")

	_, err := m.RetryWithBackoff(context.Background(), fallbackJob(), exec, 5)
	if err == nil {
		t.Fatal("expected failure")
	}
	if exec.LaunchCount() != 1 {
		t.Errorf("attempts = %d, want 1 (permanent errors do not retry)", exec.LaunchCount())
	}
}

func TestFallbackSleepHonorsCancellation(t *testing.T) {
	m := NewFallbackManager(retry.Default(), nil, logging.Discard())
	exec := executor.NewMockExecutor()
	exec.LaunchErr = errors.New("connection refused")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.RetryWithBackoff(ctx, fallbackJob(), exec, 3)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
