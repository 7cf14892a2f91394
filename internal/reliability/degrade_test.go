package reliability

import (
	"math/rand"
	"testing"
	"time"

	"github.com/me/stevedore/internal/config"
	"github.com/me/stevedore/internal/logging"
	"github.com/me/stevedore/internal/router"
	"github.com/me/stevedore/pkg/model"
)

func degradationManager(t *testing.T, r *router.Router, now time.Time) *DegradationManager {
	t.Helper()
	m, err := NewDegradationManager(0.75, "(batch|report|cleanup)", 5*time.Minute, r,
		func() time.Time { return now }, logging.Discard())
	if err != nil {
		t.Fatalf("NewDegradationManager: %v", err)
	}
	return m
}

func TestDegradeReducesResourcesForMemoryHeavyJobs(t *testing.T) {
	now := time.Now()
	m := degradationManager(t, nil, now)

	job := &model.Job{
		ID:   "job_big",
		Name: "train-model",
		Spec: model.JobSpec{
			Image:     "ml:latest",
			Resources: model.ResourceLimits{MemoryMB: 8192, Cores: 4},
		},
	}

	action := m.Degrade(job)
	if action != "reduce-resources" {
		t.Fatalf("action = %q, want reduce-resources", action)
	}
	if job.Metadata[metaReducedMemoryMB] != int64(6144) {
		t.Errorf("reduced memory = %v, want 6144", job.Metadata[metaReducedMemoryMB])
	}
	if job.Metadata[metaReducedCores] != 3 {
		t.Errorf("reduced cores = %v, want 3", job.Metadata[metaReducedCores])
	}
	// Metadata only: the enforced spec is untouched.
	if job.Spec.Resources.MemoryMB != 8192 || job.Spec.Resources.Cores != 4 {
		t.Errorf("spec limits mutated: %+v", job.Spec.Resources)
	}
}

func TestDegradeDelaysNonCriticalJobs(t *testing.T) {
	now := time.Now()
	m := degradationManager(t, nil, now)

	job := &model.Job{ID: "job_rep", Name: "nightly-report", Spec: model.JobSpec{Image: "x"}}
	action := m.Degrade(job)
	if action != "delay-execution" {
		t.Fatalf("action = %q, want delay-execution", action)
	}
	if job.ScheduledFor == nil || !job.ScheduledFor.Equal(now.Add(5*time.Minute)) {
		t.Errorf("scheduled_for = %v, want now+5m", job.ScheduledFor)
	}
}

func TestDegradeRedirectsToAvailableFallback(t *testing.T) {
	r, err := router.New(config.RoutingConfig{
		DefaultBackend: model.ExecutorTypeDocker,
		Fallbacks: map[model.ExecutorType][]model.ExecutorType{
			model.ExecutorTypeDocker: {model.ExecutorTypeServerless},
		},
		Targets: []model.BackendTarget{
			{ID: "sl", ExecutorType: model.ExecutorTypeServerless, IsActive: true, Weight: 1},
		},
	}, "", rand.New(rand.NewSource(1)), logging.Discard())
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	m := degradationManager(t, r, now)

	job := &model.Job{
		ID:           "job_rd",
		Name:         "serve-traffic",
		ExecutorType: model.ExecutorTypeDocker,
		Spec:         model.JobSpec{Image: "x"},
	}
	action := m.Degrade(job)
	if action != "redirect" {
		t.Fatalf("action = %q, want redirect", action)
	}
	if job.ExecutorType != model.ExecutorTypeServerless {
		t.Errorf("executor type = %s, want serverless", job.ExecutorType)
	}
	if job.Metadata[metaRedirectedTo] != "serverless" {
		t.Errorf("redirect metadata = %v", job.Metadata[metaRedirectedTo])
	}
}

func TestDegradeQueueForLaterIsLastResort(t *testing.T) {
	now := time.Now()
	m := degradationManager(t, nil, now)

	job := &model.Job{ID: "job_plain", Name: "serve-traffic", Spec: model.JobSpec{Image: "x"}}
	action := m.Degrade(job)
	if action != "queue-for-later" {
		t.Fatalf("action = %q, want queue-for-later", action)
	}
	if job.ScheduledFor == nil {
		t.Error("scheduled_for not pushed out")
	}
	if job.Metadata[metaDegradation] != "queue-for-later" {
		t.Errorf("degradation metadata = %v", job.Metadata[metaDegradation])
	}
}

func TestDegradeStopsAtFirstSuccess(t *testing.T) {
	now := time.Now()
	m := degradationManager(t, nil, now)

	// Memory-heavy AND delayable: reduce-resources wins, the job is not
	// also delayed.
	job := &model.Job{
		ID:   "job_both",
		Name: "batch-transcode",
		Spec: model.JobSpec{Image: "x", Resources: model.ResourceLimits{MemoryMB: 10000}},
	}
	if action := m.Degrade(job); action != "reduce-resources" {
		t.Fatalf("action = %q, want reduce-resources", action)
	}
	if job.ScheduledFor != nil {
		t.Error("job was also delayed")
	}
}

func TestNewDegradationManagerRejectsBadPattern(t *testing.T) {
	_, err := NewDegradationManager(0.75, "(", 0, nil, nil, logging.Discard())
	if err == nil {
		t.Error("expected error for invalid pattern")
	}
}
