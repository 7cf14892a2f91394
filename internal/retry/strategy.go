package retry

import (
	"math"
	"time"
)

// Priority cutoffs for strategy selection.
const (
	highPriorityMin = 80
	lowPriorityMax  = 20
)

// Strategy is a value object describing the retry policy for one job:
// how many attempts, how long to wait between them, and which error
// kinds are worth retrying at all.
type Strategy struct {
	Name         string
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// Delay returns the backoff before retry attempt n (1-based).
// The first retry is immediate; after that the delay doubles per
// attempt, capped at MaxDelay, plus bounded random jitter:
//
//	delay(n) = min(base * 2^(n-1), max) * (1 + jitter * rand())
//
// rand must return a value in [0, 1); pass a seeded source in tests.
func (s Strategy) Delay(attempt int, rand func() float64) time.Duration {
	if attempt <= 1 {
		return 0
	}

	d := time.Duration(float64(s.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if d > s.MaxDelay || d < 0 { // overflow guard
		d = s.MaxDelay
	}

	if s.JitterFactor > 0 && rand != nil {
		d = time.Duration(float64(d) * (1 + s.JitterFactor*rand()))
	}
	return d
}

// ShouldRetry reports whether attempt (1-based) of an error of the
// given kind deserves another try under this strategy. Permanent
// errors never retry; unknown errors are treated as retryable.
func (s Strategy) ShouldRetry(attempt int, kind ErrorKind) bool {
	if kind == ErrorKindPermanent {
		return false
	}
	return attempt < s.MaxAttempts
}

// Default is the baseline strategy for mid-priority jobs.
func Default() Strategy {
	return Strategy{
		Name:         "default",
		MaxAttempts:  3,
		BaseDelay:    5 * time.Second,
		MaxDelay:     5 * time.Minute,
		JitterFactor: 0.2,
	}
}

// Aggressive retries more often with shorter delays. Used for
// high-priority jobs.
func Aggressive() Strategy {
	return Strategy{
		Name:         "aggressive",
		MaxAttempts:  5,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.2,
	}
}

// Conservative retries less with longer delays. Used for low-priority
// jobs.
func Conservative() Strategy {
	return Strategy{
		Name:         "conservative",
		MaxAttempts:  2,
		BaseDelay:    30 * time.Second,
		MaxDelay:     15 * time.Minute,
		JitterFactor: 0.2,
	}
}

// ForPriority selects a named strategy from the job's priority:
// priority >= 80 gets the aggressive strategy, priority <= 20 the
// conservative one, everything else the default.
func ForPriority(priority int) Strategy {
	switch {
	case priority >= highPriorityMin:
		return Aggressive()
	case priority <= lowPriorityMax:
		return Conservative()
	default:
		return Default()
	}
}
