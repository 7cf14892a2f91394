package retry

import (
	"testing"
	"time"
)

func TestDelayFirstRetryIsImmediate(t *testing.T) {
	s := Default()
	if d := s.Delay(1, nil); d != 0 {
		t.Errorf("Delay(1) = %s, want 0", d)
	}
}

func TestDelayGrowsExponentiallyAndCaps(t *testing.T) {
	s := Strategy{BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // capped
		{20, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := s.Delay(tc.attempt, nil); got != tc.want {
			t.Errorf("Delay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayJitterIsBounded(t *testing.T) {
	s := Strategy{BaseDelay: time.Second, MaxDelay: time.Minute, JitterFactor: 0.5}

	// rand pinned to its extremes.
	low := s.Delay(3, func() float64 { return 0 })
	high := s.Delay(3, func() float64 { return 0.999999 })

	if low != 4*time.Second {
		t.Errorf("zero jitter Delay(3) = %s, want 4s", low)
	}
	if high < low || high >= 6*time.Second {
		t.Errorf("jittered Delay(3) = %s, want [4s, 6s)", high)
	}
}

func TestShouldRetry(t *testing.T) {
	s := Strategy{MaxAttempts: 3}

	if s.ShouldRetry(1, ErrorKindPermanent) {
		t.Error("permanent errors must never retry")
	}
	if !s.ShouldRetry(1, ErrorKindTransient) {
		t.Error("transient error within budget should retry")
	}
	if !s.ShouldRetry(2, ErrorKindUnknown) {
		t.Error("unknown errors are treated as retryable")
	}
	if s.ShouldRetry(3, ErrorKindTransient) {
		t.Error("attempt at MaxAttempts must not retry")
	}
}

func TestForPriority(t *testing.T) {
	cases := []struct {
		priority int
		want     string
	}{
		{100, "aggressive"},
		{80, "aggressive"},
		{79, "default"},
		{50, "default"},
		{21, "default"},
		{20, "conservative"},
		{0, "conservative"},
	}
	for _, tc := range cases {
		if got := ForPriority(tc.priority); got.Name != tc.want {
			t.Errorf("ForPriority(%d) = %s, want %s", tc.priority, got.Name, tc.want)
		}
	}
}
