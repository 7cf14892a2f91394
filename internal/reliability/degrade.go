package reliability

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/me/stevedore/internal/router"
	"github.com/me/stevedore/pkg/model"
)

// Degradation metadata keys stamped on jobs.
const (
	metaDegradation     = "degradation"
	metaReducedMemoryMB = "degradation_reduced_memory_mb"
	metaReducedCores    = "degradation_reduced_cores"
	metaDelayedUntil    = "degradation_delayed_until"
	metaRedirectedTo    = "degradation_redirected_to"
)

// degradeMemoryThresholdMB: jobs above this are candidates for the
// reduce-resources strategy.
const degradeMemoryThresholdMB = 4096

// DegradationManager applies reduced-service strategies when normal
// execution is not currently possible. Strategies are tried in a fixed
// order per job shape; the first that succeeds wins and records its
// action in job metadata.
//
// Reduce-resources is metadata-only: it annotates the reduced limits
// for operators and downstream tooling but does not rewrite the
// enforced spec.
type DegradationManager struct {
	factor    float64
	delayable *regexp.Regexp
	delay     time.Duration
	router    *router.Router
	now       func() time.Time
	logger    *slog.Logger
}

// NewDegradationManager compiles the delayable-job pattern and wires
// the manager. An empty pattern disables the delay strategy.
func NewDegradationManager(factor float64, delayablePattern string, delay time.Duration, r *router.Router, now func() time.Time, logger *slog.Logger) (*DegradationManager, error) {
	var delayable *regexp.Regexp
	if delayablePattern != "" {
		var err error
		delayable, err = regexp.Compile(delayablePattern)
		if err != nil {
			return nil, fmt.Errorf("delayable pattern %q: %w", delayablePattern, err)
		}
	}
	if now == nil {
		now = time.Now
	}
	return &DegradationManager{
		factor:    factor,
		delayable: delayable,
		delay:     delay,
		router:    r,
		now:       now,
		logger:    logger.With("component", "degradation"),
	}, nil
}

// Degrade picks and applies the first viable strategy for the job,
// returning the action taken. The order is fixed: shrink resources for
// memory-heavy jobs, delay non-critical jobs, redirect to a fallback
// backend, and finally push the job out as a last resort.
func (m *DegradationManager) Degrade(job *model.Job) string {
	strategies := []func(*model.Job) (string, bool){
		m.reduceResources,
		m.delayExecution,
		m.redirect,
		m.queueForLater,
	}
	for _, apply := range strategies {
		if action, ok := apply(job); ok {
			job.SetMetadata(metaDegradation, action)
			m.logger.Info("degradation applied", "job_id", job.ID, "action", action)
			return action
		}
	}
	return ""
}

// reduceResources annotates memory-heavy jobs with scaled-down limits.
func (m *DegradationManager) reduceResources(job *model.Job) (string, bool) {
	if job.Spec.Resources.MemoryMB <= degradeMemoryThresholdMB {
		return "", false
	}
	if _, done := job.Metadata[metaReducedMemoryMB]; done {
		return "", false
	}

	reducedMem := int64(float64(job.Spec.Resources.MemoryMB) * m.factor)
	job.SetMetadata(metaReducedMemoryMB, reducedMem)
	if job.Spec.Resources.Cores > 1 {
		job.SetMetadata(metaReducedCores, int(float64(job.Spec.Resources.Cores)*m.factor))
	}
	return "reduce-resources", true
}

// delayExecution pushes jobs matching the non-critical pattern out by
// the configured delay.
func (m *DegradationManager) delayExecution(job *model.Job) (string, bool) {
	if m.delayable == nil || !m.delayable.MatchString(job.Name) {
		return "", false
	}
	until := m.now().Add(m.delay)
	job.ScheduledFor = &until
	job.SetMetadata(metaDelayedUntil, until.Format(time.RFC3339))
	return "delay-execution", true
}

// redirect points the job at the first configured fallback backend that
// currently has an available target.
func (m *DegradationManager) redirect(job *model.Job) (string, bool) {
	if m.router == nil {
		return "", false
	}
	for _, backend := range m.router.Fallbacks(job.ExecutorType) {
		if _, err := m.router.SelectTarget(backend); err != nil {
			continue
		}
		job.ExecutorType = backend
		job.RoutingReason = fmt.Sprintf("degradation redirect to %s", backend)
		job.SetMetadata(metaRedirectedTo, string(backend))
		return "redirect", true
	}
	return "", false
}

// queueForLater is the last resort: push the job out by the configured
// delay regardless of its name.
func (m *DegradationManager) queueForLater(job *model.Job) (string, bool) {
	until := m.now().Add(m.delay)
	job.ScheduledFor = &until
	job.SetMetadata(metaDelayedUntil, until.Format(time.RFC3339))
	return "queue-for-later", true
}
