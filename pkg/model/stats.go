package model

// QueueStats are read-only aggregates over the job table, used by
// operators and by degradation heuristics.
type QueueStats struct {
	// Depth counts jobs waiting in the queue (QUEUED + RETRYING).
	Depth int `json:"depth"`

	// ReadyNow counts queued jobs whose schedule gate has passed.
	ReadyNow int `json:"ready_now"`

	// ScheduledLater counts queued jobs gated on a future scheduled_for.
	ScheduledLater int `json:"scheduled_later"`

	Running   int `json:"running"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
}

// WorkerMetrics are per-process counters maintained by the queue
// manager since startup.
type WorkerMetrics struct {
	Launched       int64 `json:"launched"`
	LaunchFailures int64 `json:"launch_failures"`
	Retried        int64 `json:"retried"`
	Harvested      int64 `json:"harvested"`
	ClaimConflicts int64 `json:"claim_conflicts"`
}

// ListOptions controls pagination for list endpoints.
type ListOptions struct {
	Limit  int
	Offset int

	// Status filters to one status when set.
	Status JobStatus
}

// Clamp normalizes limit/offset to sane bounds.
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 50
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}
