package reliability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/me/stevedore/pkg/model"
)

// BreakerState is the per-backend circuit position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

type backendCircuit struct {
	state       BreakerState
	failures    int
	openedAt    time.Time
	trialActive bool
}

// CircuitBreaker guards executor calls per backend name. After
// failureThreshold consecutive failures the circuit opens and calls
// fail fast until recoveryTimeout elapses, then exactly one trial call
// probes the backend.
type CircuitBreaker struct {
	mu               sync.Mutex
	failureThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time
	circuits         map[string]*backendCircuit
	onOpen           func(backend string)
	logger           *slog.Logger
}

// NewCircuitBreaker creates a breaker with all circuits closed. A nil
// now defaults to time.Now; tests inject a fake clock.
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration, now func() time.Time, logger *slog.Logger) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              now,
		circuits:         make(map[string]*backendCircuit),
		logger:           logger.With("component", "circuit-breaker"),
	}
}

// OnOpen registers a callback invoked each time a circuit opens, e.g.
// to bump a metric. Must be set before the breaker is shared.
func (b *CircuitBreaker) OnOpen(fn func(backend string)) {
	b.onOpen = fn
}

// Call runs fn through the circuit for backend. An open circuit fails
// fast with CircuitOpenError; once the recovery timeout has elapsed a
// single trial call is let through and its outcome decides whether the
// circuit closes again.
func (b *CircuitBreaker) Call(ctx context.Context, backend string, fn func(context.Context) error) error {
	if err := b.before(backend); err != nil {
		return err
	}

	err := fn(ctx)
	b.after(backend, err == nil)
	return err
}

// State reports the circuit position for a backend (closed if never
// seen).
func (b *CircuitBreaker) State(backend string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[backend]
	if !ok {
		return BreakerClosed
	}
	return c.state
}

// Reset force-closes the circuit for a backend.
func (b *CircuitBreaker) Reset(backend string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.circuits, backend)
}

func (b *CircuitBreaker) before(backend string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[backend]
	if !ok {
		c = &backendCircuit{state: BreakerClosed}
		b.circuits[backend] = c
	}

	switch c.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		elapsed := b.now().Sub(c.openedAt)
		if elapsed < b.recoveryTimeout {
			return &model.CircuitOpenError{
				Backend:    backend,
				OpenedAt:   c.openedAt,
				RetryAfter: b.recoveryTimeout - elapsed,
			}
		}
		c.state = BreakerHalfOpen
		c.trialActive = true
		b.logger.Info("circuit half-open, trial call allowed", "backend", backend)
		return nil
	case BreakerHalfOpen:
		if c.trialActive {
			return &model.CircuitOpenError{
				Backend:    backend,
				OpenedAt:   c.openedAt,
				RetryAfter: b.recoveryTimeout,
			}
		}
		c.trialActive = true
		return nil
	}
	return nil
}

func (b *CircuitBreaker) after(backend string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[backend]
	if c == nil {
		return
	}
	c.trialActive = false

	if success {
		if c.state != BreakerClosed {
			b.logger.Info("circuit closed", "backend", backend)
		}
		c.state = BreakerClosed
		c.failures = 0
		return
	}

	c.failures++
	if c.state == BreakerHalfOpen || c.failures >= b.failureThreshold {
		c.state = BreakerOpen
		c.openedAt = b.now()
		b.logger.Warn("circuit opened",
			"backend", backend,
			"failures", c.failures,
			"recovery_timeout", b.recoveryTimeout,
		)
		if b.onOpen != nil {
			b.onOpen(backend)
		}
	}
}
