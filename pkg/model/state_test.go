package model

import (
	"errors"
	"testing"
)

func TestJobStatusIsTerminal(t *testing.T) {
	terminal := []JobStatus{JobStatusCompleted, JobStatusCancelled, JobStatusTimeout}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	nonTerminal := []JobStatus{JobStatusPending, JobStatusQueued, JobStatusRetrying, JobStatusRunning, JobStatusFailed}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestCanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusPending, JobStatusQueued, true},
		{JobStatusPending, JobStatusCancelled, true},
		{JobStatusPending, JobStatusRunning, false},
		{JobStatusQueued, JobStatusRunning, true},
		{JobStatusQueued, JobStatusCancelled, true},
		{JobStatusQueued, JobStatusCompleted, false},
		{JobStatusRunning, JobStatusCompleted, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusRunning, JobStatusCancelled, true},
		{JobStatusRunning, JobStatusTimeout, true},
		{JobStatusFailed, JobStatusRetrying, true},
		{JobStatusFailed, JobStatusQueued, false},
		{JobStatusRetrying, JobStatusQueued, true},
		{JobStatusRetrying, JobStatusCancelled, true},
		// Sinks: no outgoing edges.
		{JobStatusCompleted, JobStatusQueued, false},
		{JobStatusCompleted, JobStatusFailed, false},
		{JobStatusCancelled, JobStatusQueued, false},
		{JobStatusCancelled, JobStatusRetrying, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("CanTransitionTo(%s → %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

// TestTransitionsFormDAGToSinks verifies that no sequence of legal
// transitions revisits COMPLETED or CANCELLED: the sinks have no
// outgoing edges at all.
func TestTransitionsFormDAGToSinks(t *testing.T) {
	for _, sink := range []JobStatus{JobStatusCompleted, JobStatusCancelled} {
		if edges := ValidJobTransitions[sink]; len(edges) != 0 {
			t.Errorf("terminal state %s has outgoing transitions: %v", sink, edges)
		}
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	j := &Job{ID: "job_x", Status: JobStatusPending}

	err := j.Transition(JobStatusRunning)
	if err == nil {
		t.Fatal("expected error for PENDING → RUNNING")
	}

	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %T", err)
	}
	if invalid.From != JobStatusPending || invalid.To != JobStatusRunning {
		t.Errorf("error fields = %s → %s, want PENDING → RUNNING", invalid.From, invalid.To)
	}
	if len(invalid.Legal) == 0 {
		t.Error("error should carry the legal transition set")
	}
	if j.Status != JobStatusPending {
		t.Errorf("status mutated on rejected transition: %s", j.Status)
	}
}
