package reliability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/me/stevedore/internal/executor"
	"github.com/me/stevedore/internal/router"
	"github.com/me/stevedore/pkg/model"
)

// HealthChecker periodically pings every backend target and maintains
// its consecutive-failure counter. A target crossing the failure
// threshold is pulled out of routing until it answers again.
type HealthChecker struct {
	router           *router.Router
	interval         time.Duration
	failureThreshold int
	now              func() time.Time
	logger           *slog.Logger

	mu       sync.Mutex
	disabled map[string]bool // target ids this checker deactivated
}

// NewHealthChecker creates a checker over the router's target pool.
func NewHealthChecker(r *router.Router, interval time.Duration, failureThreshold int, now func() time.Time, logger *slog.Logger) *HealthChecker {
	if now == nil {
		now = time.Now
	}
	return &HealthChecker{
		router:           r,
		interval:         interval,
		failureThreshold: failureThreshold,
		now:              now,
		logger:           logger.With("component", "health-checker"),
		disabled:         make(map[string]bool),
	}
}

// Run pings all targets every interval until ctx is cancelled.
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.CheckAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.CheckAll(ctx)
		}
	}
}

// CheckAll probes every target once.
func (h *HealthChecker) CheckAll(ctx context.Context) {
	for _, target := range h.router.Targets() {
		h.Check(ctx, target)
	}
}

// Check probes one target and updates its health counters. On crossing
// the failure threshold the target is deactivated; a later successful
// ping from this checker reactivates it. Targets disabled by
// configuration are never touched.
func (h *HealthChecker) Check(ctx context.Context, target *model.BackendTarget) executor.HealthStatus {
	exec, err := h.router.Executor(target)
	if err != nil {
		h.logger.Error("health check: executor unavailable", "target_id", target.ID, "error", err)
		return executor.HealthStatus{Error: err.Error(), LastCheck: h.now()}
	}

	hs := exec.HealthStatus(ctx)
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	target.LastHealthCheck = &now
	if hs.Healthy {
		// Decay, not reset: one good ping after a flapping streak should
		// not fully restore confidence.
		if target.HealthCheckFailures > 0 {
			target.HealthCheckFailures--
		}
		if h.disabled[target.ID] && target.HealthCheckFailures < h.failureThreshold {
			target.IsActive = true
			delete(h.disabled, target.ID)
			h.logger.Info("target recovered", "target_id", target.ID)
		}
		return hs
	}

	target.HealthCheckFailures++
	h.logger.Warn("health check failed",
		"target_id", target.ID,
		"failures", target.HealthCheckFailures,
		"error", hs.Error,
	)
	if target.IsActive && target.HealthCheckFailures >= h.failureThreshold {
		target.IsActive = false
		h.disabled[target.ID] = true
		h.logger.Error("target deactivated after repeated failures",
			"target_id", target.ID,
			"failures", target.HealthCheckFailures,
		)
	}
	return hs
}

// Unhealthy reports whether the target currently sits above the
// failure threshold.
func (h *HealthChecker) Unhealthy(target *model.BackendTarget) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return target.HealthCheckFailures >= h.failureThreshold
}
