package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CompletionTracker is a concurrency-safe set of currently launched job
// ids. The monitor loop adds jobs on launch and removes them on
// harvest; shutdown drains against it.
type CompletionTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

// NewCompletionTracker creates an empty tracker.
func NewCompletionTracker() *CompletionTracker {
	return &CompletionTracker{running: make(map[string]struct{})}
}

// AddRunning records a launched job.
func (t *CompletionTracker) AddRunning(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running[jobID] = struct{}{}
}

// MarkCompleted removes a job; unknown ids are a no-op.
func (t *CompletionTracker) MarkCompleted(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.running, jobID)
}

// RunningCount returns how many launched jobs have not completed.
func (t *CompletionTracker) RunningCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.running)
}

// RunningIDs returns a snapshot of the in-flight job ids.
func (t *CompletionTracker) RunningIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.running))
	for id := range t.running {
		out = append(out, id)
	}
	return out
}

// WaitForCompletion polls until every tracked job completed or the
// timeout elapses. Returns true if the tracker drained in time.
func (t *CompletionTracker) WaitForCompletion(ctx context.Context, timeout, pollInterval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if t.RunningCount() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return t.RunningCount() == 0
		case <-ticker.C:
		}
	}
}

// ShutdownCoordinator turns process termination into a cancellation
// signal and bounds the drain phase.
type ShutdownCoordinator struct {
	cancel    context.CancelFunc
	timeout   time.Duration
	logger    *slog.Logger
	mu        sync.Mutex
	startedAt time.Time
}

// NewShutdownCoordinator derives a cancellable context from parent.
// Cancelling it (via Trigger or the returned context's parent dying)
// tells every loop to stop claiming new work.
func NewShutdownCoordinator(parent context.Context, timeout time.Duration, logger *slog.Logger) (*ShutdownCoordinator, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &ShutdownCoordinator{
		cancel:  cancel,
		timeout: timeout,
		logger:  logger.With("component", "shutdown"),
	}, ctx
}

// Trigger starts the shutdown: cancels the derived context and stamps
// the drain deadline. Safe to call more than once.
func (s *ShutdownCoordinator) Trigger() {
	s.mu.Lock()
	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
		s.logger.Info("shutdown triggered", "drain_timeout", s.timeout)
	}
	s.mu.Unlock()
	s.cancel()
}

// Triggered reports whether shutdown has started.
func (s *ShutdownCoordinator) Triggered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.startedAt.IsZero()
}

// CheckTimeout reports whether the drain ceiling has passed since
// shutdown started. Always false before Trigger.
func (s *ShutdownCoordinator) CheckTimeout() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return false
	}
	return time.Since(s.startedAt) > s.timeout
}

// Drain blocks until the tracker empties or the drain timeout elapses.
// Jobs still running at the deadline are reported as interrupted, never
// force-failed.
func (s *ShutdownCoordinator) Drain(tracker *CompletionTracker, pollInterval time.Duration) bool {
	s.mu.Lock()
	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}
	s.mu.Unlock()

	drained := tracker.WaitForCompletion(context.Background(), s.timeout, pollInterval)
	if !drained {
		s.logger.Warn("shutdown timeout: jobs still in flight",
			"interrupted", tracker.RunningIDs(),
		)
	} else {
		s.logger.Info("all in-flight jobs drained")
	}
	return drained
}
