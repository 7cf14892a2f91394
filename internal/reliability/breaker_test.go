package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/me/stevedore/internal/logging"
	"github.com/me/stevedore/pkg/model"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

var errBoom = errors.New("backend exploded")

func failing(context.Context) error    { return errBoom }
func succeeding(context.Context) error { return nil }

// Two consecutive failures open the circuit; the third call fails fast
// without touching the backend; after the recovery timeout one trial
// call is allowed.
func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := NewCircuitBreaker(2, 30*time.Second, clock.Now, logging.Discard())
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) error {
		calls++
		return errBoom
	}

	for i := 0; i < 2; i++ {
		if err := b.Call(ctx, "docker", fn); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if got := b.State("docker"); got != BreakerOpen {
		t.Fatalf("state = %s, want open", got)
	}

	err := b.Call(ctx, "docker", fn)
	var open *model.CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("err = %v, want CircuitOpenError", err)
	}
	if open.Backend != "docker" || open.RetryAfter <= 0 {
		t.Errorf("open error fields: %+v", open)
	}
	if calls != 2 {
		t.Errorf("underlying fn called %d times, want 2 (fail-fast skipped it)", calls)
	}

	clock.Advance(31 * time.Second)
	if err := b.Call(ctx, "docker", fn); !errors.Is(err, errBoom) {
		t.Fatalf("trial call: %v", err)
	}
	if calls != 3 {
		t.Errorf("trial call did not reach the backend (calls = %d)", calls)
	}
	// Failed trial reopens immediately.
	if got := b.State("docker"); got != BreakerOpen {
		t.Errorf("state after failed trial = %s, want open", got)
	}
}

func TestBreakerTrialSuccessCloses(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := NewCircuitBreaker(2, 30*time.Second, clock.Now, logging.Discard())
	ctx := context.Background()

	b.Call(ctx, "docker", failing)
	b.Call(ctx, "docker", failing)
	clock.Advance(time.Minute)

	if err := b.Call(ctx, "docker", succeeding); err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if got := b.State("docker"); got != BreakerClosed {
		t.Errorf("state = %s, want closed", got)
	}

	// Failure counter was reset: one new failure does not reopen.
	b.Call(ctx, "docker", failing)
	if got := b.State("docker"); got != BreakerClosed {
		t.Errorf("state after single failure = %s, want closed", got)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewCircuitBreaker(2, time.Minute, nil, logging.Discard())
	ctx := context.Background()

	b.Call(ctx, "docker", failing)
	b.Call(ctx, "docker", succeeding)
	b.Call(ctx, "docker", failing)

	if got := b.State("docker"); got != BreakerClosed {
		t.Errorf("state = %s, want closed (failures never consecutive)", got)
	}
}

func TestBreakerIsolatesBackends(t *testing.T) {
	b := NewCircuitBreaker(1, time.Minute, nil, logging.Discard())
	ctx := context.Background()

	b.Call(ctx, "docker", failing)
	if got := b.State("docker"); got != BreakerOpen {
		t.Fatalf("docker state = %s, want open", got)
	}
	if err := b.Call(ctx, "serverless", succeeding); err != nil {
		t.Errorf("serverless call blocked by docker circuit: %v", err)
	}
}

func TestBreakerReset(t *testing.T) {
	b := NewCircuitBreaker(1, time.Hour, nil, logging.Discard())
	ctx := context.Background()

	b.Call(ctx, "docker", failing)
	b.Reset("docker")
	if err := b.Call(ctx, "docker", succeeding); err != nil {
		t.Errorf("call after reset: %v", err)
	}
}

func TestBreakerOnOpenCallback(t *testing.T) {
	b := NewCircuitBreaker(2, time.Minute, nil, logging.Discard())
	ctx := context.Background()

	var opened []string
	b.OnOpen(func(backend string) { opened = append(opened, backend) })

	b.Call(ctx, "docker", failing)
	if len(opened) != 0 {
		t.Fatalf("callback fired below threshold: %v", opened)
	}
	b.Call(ctx, "docker", failing)
	if len(opened) != 1 || opened[0] != "docker" {
		t.Errorf("opened = %v, want [docker]", opened)
	}
}
