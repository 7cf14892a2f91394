package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/me/stevedore/internal/logging"
)

func TestTrackerAddMarkCount(t *testing.T) {
	tr := NewCompletionTracker()

	tr.AddRunning("job_1")
	tr.AddRunning("job_2")
	if got := tr.RunningCount(); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}

	tr.MarkCompleted("job_1")
	if got := tr.RunningCount(); got != 1 {
		t.Errorf("count = %d, want 1", got)
	}

	// Unknown id is a no-op.
	tr.MarkCompleted("job_ghost")
	if got := tr.RunningCount(); got != 1 {
		t.Errorf("count after ghost = %d, want 1", got)
	}
}

func TestTrackerConcurrent(t *testing.T) {
	tr := NewCompletionTracker()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%26))
			tr.AddRunning(id)
			tr.MarkCompleted(id)
		}(i)
	}
	wg.Wait()
	if got := tr.RunningCount(); got != 0 {
		t.Errorf("count = %d, want 0", got)
	}
}

func TestWaitForCompletionDrains(t *testing.T) {
	tr := NewCompletionTracker()
	tr.AddRunning("job_1")

	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.MarkCompleted("job_1")
	}()

	if !tr.WaitForCompletion(context.Background(), time.Second, 5*time.Millisecond) {
		t.Error("tracker did not report drained")
	}
}

func TestWaitForCompletionTimesOut(t *testing.T) {
	tr := NewCompletionTracker()
	tr.AddRunning("job_stuck")

	start := time.Now()
	if tr.WaitForCompletion(context.Background(), 30*time.Millisecond, 5*time.Millisecond) {
		t.Error("reported drained with a stuck job")
	}
	if time.Since(start) > time.Second {
		t.Error("wait did not respect the timeout")
	}
}

func TestShutdownCoordinatorCancelsContext(t *testing.T) {
	coord, ctx := NewShutdownCoordinator(context.Background(), time.Second, logging.Discard())

	if coord.Triggered() {
		t.Error("triggered before Trigger")
	}
	coord.Trigger()
	coord.Trigger() // idempotent

	select {
	case <-ctx.Done():
	default:
		t.Error("derived context not cancelled")
	}
	if !coord.Triggered() {
		t.Error("Triggered() = false after Trigger")
	}
}

func TestShutdownCheckTimeout(t *testing.T) {
	coord, _ := NewShutdownCoordinator(context.Background(), 10*time.Millisecond, logging.Discard())

	if coord.CheckTimeout() {
		t.Error("timeout before trigger")
	}
	coord.Trigger()
	time.Sleep(20 * time.Millisecond)
	if !coord.CheckTimeout() {
		t.Error("timeout not detected after ceiling passed")
	}
}

func TestDrainReportsInterrupted(t *testing.T) {
	coord, _ := NewShutdownCoordinator(context.Background(), 20*time.Millisecond, logging.Discard())
	tr := NewCompletionTracker()
	tr.AddRunning("job_slow")

	if coord.Drain(tr, 5*time.Millisecond) {
		t.Error("drain reported success with a job in flight")
	}
	// The job was not force-failed: it is still tracked.
	if tr.RunningCount() != 1 {
		t.Errorf("running = %d, want 1", tr.RunningCount())
	}
}
