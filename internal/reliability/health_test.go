package reliability

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/me/stevedore/internal/config"
	"github.com/me/stevedore/internal/executor"
	"github.com/me/stevedore/internal/logging"
	"github.com/me/stevedore/internal/router"
	"github.com/me/stevedore/pkg/model"
)

func healthFixture(t *testing.T, targets []model.BackendTarget) (*HealthChecker, *router.Router, *executor.MockExecutor) {
	t.Helper()

	r, err := router.New(config.RoutingConfig{
		DefaultBackend: model.ExecutorTypeMock,
		Targets:        targets,
	}, "", rand.New(rand.NewSource(1)), logging.Discard())
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}

	mock := executor.NewMockExecutor()
	for _, target := range targets {
		r.RegisterExecutor(target.ExecutorType, target.ID, mock)
	}

	now := time.Now()
	h := NewHealthChecker(r, time.Minute, 3, func() time.Time { return now }, logging.Discard())
	return h, r, mock
}

func TestCheckDeactivatesAfterThreshold(t *testing.T) {
	h, r, mock := healthFixture(t, []model.BackendTarget{
		{ID: "mock-1", ExecutorType: model.ExecutorTypeMock, IsActive: true, Weight: 100},
	})
	ctx := context.Background()
	target := r.Targets()[0]

	mock.Unhealthy = true
	for i := 1; i <= 2; i++ {
		h.Check(ctx, target)
		if !target.IsActive {
			t.Fatalf("target deactivated after %d failures, threshold is 3", i)
		}
	}

	h.Check(ctx, target)
	if target.IsActive {
		t.Error("target still active after crossing threshold")
	}
	if target.HealthCheckFailures != 3 {
		t.Errorf("failures = %d, want 3", target.HealthCheckFailures)
	}
	if target.LastHealthCheck == nil {
		t.Error("last health check not stamped")
	}
}

func TestCheckRecoversWithDecay(t *testing.T) {
	h, r, mock := healthFixture(t, []model.BackendTarget{
		{ID: "mock-1", ExecutorType: model.ExecutorTypeMock, IsActive: true, Weight: 100},
	})
	ctx := context.Background()
	target := r.Targets()[0]

	mock.Unhealthy = true
	for i := 0; i < 3; i++ {
		h.Check(ctx, target)
	}
	if target.IsActive {
		t.Fatal("target should be deactivated")
	}

	// One good ping decays the counter below the threshold and restores
	// the target.
	mock.Unhealthy = false
	h.Check(ctx, target)
	if !target.IsActive {
		t.Error("target not reactivated after recovery")
	}
	if target.HealthCheckFailures != 2 {
		t.Errorf("failures = %d, want 2 (decay by one)", target.HealthCheckFailures)
	}
}

// A target an operator disabled in configuration must never come back
// through health checks.
func TestCheckNeverReactivatesConfigDisabled(t *testing.T) {
	h, r, mock := healthFixture(t, []model.BackendTarget{
		{ID: "mock-off", ExecutorType: model.ExecutorTypeMock, IsActive: false, Weight: 100},
	})
	ctx := context.Background()
	target := r.Targets()[0]

	mock.Unhealthy = false
	for i := 0; i < 5; i++ {
		h.Check(ctx, target)
	}
	if target.IsActive {
		t.Error("config-disabled target was reactivated by the health checker")
	}
}

func TestCheckAllCoversEveryTarget(t *testing.T) {
	h, r, _ := healthFixture(t, []model.BackendTarget{
		{ID: "mock-1", ExecutorType: model.ExecutorTypeMock, IsActive: true, Weight: 100},
		{ID: "mock-2", ExecutorType: model.ExecutorTypeMock, IsActive: true, Weight: 100},
	})

	h.CheckAll(context.Background())
	for _, target := range r.Targets() {
		if target.LastHealthCheck == nil {
			t.Errorf("target %s never checked", target.ID)
		}
	}
}

func TestUnhealthyThreshold(t *testing.T) {
	h, r, mock := healthFixture(t, []model.BackendTarget{
		{ID: "mock-1", ExecutorType: model.ExecutorTypeMock, IsActive: true, Weight: 100},
	})
	ctx := context.Background()
	target := r.Targets()[0]

	if h.Unhealthy(target) {
		t.Error("fresh target reported unhealthy")
	}
	mock.Unhealthy = true
	for i := 0; i < 3; i++ {
		h.Check(ctx, target)
	}
	if !h.Unhealthy(target) {
		t.Error("target at threshold not reported unhealthy")
	}
}
