package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/stevedore/internal/executor"
	"github.com/me/stevedore/internal/retry"
	"github.com/me/stevedore/pkg/model"
)

// FallbackManager tries executors in order when a launch fails,
// sleeping a growing backoff between attempts and recording on the job
// why it ended up where it did.
type FallbackManager struct {
	strategy retry.Strategy
	rand     func() float64
	sleep    func(context.Context, time.Duration) error
	logger   *slog.Logger
}

// NewFallbackManager creates a manager using the given backoff
// strategy. rand may be nil (no jitter).
func NewFallbackManager(strategy retry.Strategy, rand func() float64, logger *slog.Logger) *FallbackManager {
	return &FallbackManager{
		strategy: strategy,
		rand:     rand,
		sleep:    sleepCtx,
		logger:   logger.With("component", "fallback"),
	}
}

// sleepCtx blocks for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// LaunchCandidate pairs an executor with the target whose capacity slot
// a successful launch occupies. Target is nil for targetless backends.
type LaunchCandidate struct {
	Exec   executor.Executor
	Target *model.BackendTarget
}

// ExecuteWithFallback launches the job on the primary candidate, then
// on each fallback in order, returning the first successful execution
// id together with the candidate that produced it, so the caller can
// record the target actually holding the execution. Every attempt
// stamps the job's routing reason so operators can see the path it
// took. The last error is returned after exhausting the chain.
func (m *FallbackManager) ExecuteWithFallback(ctx context.Context, job *model.Job, primary LaunchCandidate, fallbacks []LaunchCandidate) (string, LaunchCandidate, error) {
	chain := append([]LaunchCandidate{primary}, fallbacks...)

	var lastErr error
	for attempt, cand := range chain {
		if attempt > 0 {
			job.RoutingReason = fmt.Sprintf("fallback to %s after %s failed", cand.Exec.Type(), chain[attempt-1].Exec.Type())
			if err := m.sleep(ctx, m.strategy.Delay(attempt+1, m.rand)); err != nil {
				return "", LaunchCandidate{}, err
			}
		}

		execID, err := cand.Exec.LaunchJob(ctx, job)
		if err == nil {
			job.ExecutorType = cand.Exec.Type()
			return execID, cand, nil
		}
		lastErr = err
		m.logger.Warn("launch attempt failed",
			"job_id", job.ID,
			"backend", cand.Exec.Type(),
			"attempt", attempt+1,
			"error", err,
		)
	}

	return "", LaunchCandidate{}, fmt.Errorf("all %d executors failed: %w", len(chain), lastErr)
}

// RetryWithBackoff retries a single executor up to maxAttempts with the
// manager's backoff between tries.
func (m *FallbackManager) RetryWithBackoff(ctx context.Context, job *model.Job, exec executor.Executor, maxAttempts int) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := m.sleep(ctx, m.strategy.Delay(attempt, m.rand)); err != nil {
				return "", err
			}
		}

		execID, err := exec.LaunchJob(ctx, job)
		if err == nil {
			return execID, nil
		}
		lastErr = err

		// A permanent failure will not get better with repetition.
		if retry.ClassifyErr(err) == retry.ErrorKindPermanent {
			break
		}
	}
	return "", fmt.Errorf("launch on %s failed after retries: %w", exec.Type(), lastErr)
}
