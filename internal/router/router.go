package router

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"

	"github.com/me/stevedore/internal/config"
	"github.com/me/stevedore/internal/executor"
	"github.com/me/stevedore/pkg/model"
)

// Rule is one compiled routing rule: a named predicate plus the backend
// it routes to. Rules are evaluated in descending priority order.
type Rule struct {
	Name      string
	Predicate Predicate
	Backend   model.ExecutorType
	Priority  int
}

// Decision is the outcome of routing one job.
type Decision struct {
	Backend model.ExecutorType `json:"backend"`
	Rule    string             `json:"rule,omitempty"`
	Reason  string             `json:"reason"`
}

// Router resolves a backend type per job, picks a concrete target by
// weighted random selection, and caches one executor instance per
// (backend type, target). Safe for concurrent use.
type Router struct {
	mu             sync.Mutex
	rules          []Rule
	defaultBackend model.ExecutorType
	fallbacks      map[model.ExecutorType][]model.ExecutorType
	targets        []*model.BackendTarget
	executors      map[string]executor.Executor
	apiKey         string
	rand           *rand.Rand
	logger         *slog.Logger
}

// New compiles the routing configuration into a Router. Unknown
// predicate names fail construction: a rule that can never be evaluated
// is a config error, not a runtime surprise.
func New(cfg config.RoutingConfig, apiKey string, rng *rand.Rand, logger *slog.Logger) (*Router, error) {
	if cfg.DefaultBackend == "" {
		return nil, fmt.Errorf("routing: default backend is required")
	}

	rules := make([]Rule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		var pred Predicate
		var err error
		if rc.Pattern != "" {
			pred, err = NamePatternPredicate(rc.Pattern)
		} else {
			pred, err = LookupPredicate(rc.Predicate)
		}
		if err != nil {
			return nil, fmt.Errorf("routing rule %q: %w", rc.Name, err)
		}
		rules = append(rules, Rule{
			Name:      rc.Name,
			Predicate: pred,
			Backend:   rc.Backend,
			Priority:  rc.Priority,
		})
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	targets := make([]*model.BackendTarget, len(cfg.Targets))
	for i := range cfg.Targets {
		t := cfg.Targets[i]
		t.ClampWeight()
		targets[i] = &t
	}

	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	return &Router{
		rules:          rules,
		defaultBackend: cfg.DefaultBackend,
		fallbacks:      cfg.Fallbacks,
		targets:        targets,
		executors:      make(map[string]executor.Executor),
		apiKey:         apiKey,
		rand:           rng,
		logger:         logger.With("component", "router"),
	}, nil
}

// RouteToBackendType evaluates the rules in priority order and returns
// the first match whose backend currently has an active target. Falls
// back to the default backend, recording why.
func (r *Router) RouteToBackendType(job *model.Job) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rule := range r.rules {
		if !rule.Predicate(job) {
			continue
		}
		if !r.backendAvailableLocked(rule.Backend) {
			r.logger.Debug("rule matched but backend unavailable",
				"rule", rule.Name, "backend", rule.Backend, "job_id", job.ID)
			continue
		}
		return Decision{
			Backend: rule.Backend,
			Rule:    rule.Name,
			Reason:  fmt.Sprintf("rule %s matched", rule.Name),
		}
	}

	return Decision{
		Backend: r.defaultBackend,
		Reason:  "no rule matched, default backend",
	}
}

// Fallbacks returns the configured fallback chain for a backend type.
func (r *Router) Fallbacks(backend model.ExecutorType) []model.ExecutorType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fallbacks[backend]
}

// backendAvailableLocked reports whether any active target of the type
// has free capacity. The mock backend needs no target.
func (r *Router) backendAvailableLocked(backend model.ExecutorType) bool {
	if backend == model.ExecutorTypeMock {
		return true
	}
	for _, t := range r.targets {
		if t.ExecutorType == backend && t.IsActive && t.HasCapacity() {
			return true
		}
	}
	return false
}

// SelectTarget picks one active, capacity-available target of the
// backend type by weighted random draw. When every candidate weight is
// zero the draw degrades to uniform.
func (r *Router) SelectTarget(backend model.ExecutorType) (*model.BackendTarget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectTargetLocked(backend)
}

func (r *Router) selectTargetLocked(backend model.ExecutorType) (*model.BackendTarget, error) {
	var candidates []*model.BackendTarget
	total := 0
	for _, t := range r.targets {
		if t.ExecutorType != backend || !t.IsActive || !t.HasCapacity() {
			continue
		}
		candidates = append(candidates, t)
		total += t.Weight
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("backend %s: %w", backend, model.ErrNoTargetAvailable)
	}

	if total == 0 {
		return candidates[r.rand.Intn(len(candidates))], nil
	}

	// Draw r in [1, total] and walk the cumulative weights.
	draw := r.rand.Intn(total) + 1
	sum := 0
	for _, t := range candidates {
		sum += t.Weight
		if sum >= draw {
			return t, nil
		}
	}
	return candidates[len(candidates)-1], nil
}

// Executor returns the cached executor for the target, constructing it
// on first use.
func (r *Router) Executor(target *model.BackendTarget) (executor.Executor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executorLocked(target)
}

func (r *Router) executorLocked(target *model.BackendTarget) (executor.Executor, error) {
	key := string(target.ExecutorType) + "/" + target.ID
	if exec, ok := r.executors[key]; ok {
		return exec, nil
	}

	var exec executor.Executor
	switch target.ExecutorType {
	case model.ExecutorTypeDocker:
		exec = executor.NewDockerExecutor(target.Connection, r.logger)
	case model.ExecutorTypeServerless:
		exec = executor.NewServerlessExecutor(target.Connection, r.apiKey, r.logger)
	case model.ExecutorTypeMock:
		exec = executor.NewMockExecutor()
	default:
		return nil, fmt.Errorf("unknown executor type %q", target.ExecutorType)
	}

	r.executors[key] = exec
	r.logger.Debug("executor constructed", "backend", target.ExecutorType, "target_id", target.ID)
	return exec, nil
}

// ExecutorFor routes the full chain for a launch: pick a target of the
// backend type, resolve its cached executor, and take a capacity slot.
// The caller must release the slot with ReleaseTarget when the job
// finishes.
func (r *Router) ExecutorFor(backend model.ExecutorType) (executor.Executor, *model.BackendTarget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if backend == model.ExecutorTypeMock && !r.hasTargetLocked(backend) {
		return r.mockLocked(), nil, nil
	}

	target, err := r.selectTargetLocked(backend)
	if err != nil {
		return nil, nil, err
	}
	exec, err := r.executorLocked(target)
	if err != nil {
		return nil, nil, err
	}
	target.CurrentJobCount++
	return exec, target, nil
}

// ExecutorForJob resolves the cached executor serving an already-routed
// job via its recorded target. No capacity slot is taken: the job
// already holds one from launch.
func (r *Router) ExecutorForJob(job *model.Job) (executor.Executor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if job.TargetID != "" {
		for _, t := range r.targets {
			if t.ID == job.TargetID {
				return r.executorLocked(t)
			}
		}
	}
	for _, t := range r.targets {
		if t.ExecutorType == job.ExecutorType {
			return r.executorLocked(t)
		}
	}
	if job.ExecutorType == model.ExecutorTypeMock {
		return r.mockLocked(), nil
	}
	return nil, fmt.Errorf("job %s: no target for backend %s", job.ID, job.ExecutorType)
}

// ClaimTarget takes a capacity slot on a specific target, e.g. when a
// launch lands on a fallback target instead of the one ExecutorFor
// picked. Nil targets are a no-op.
func (r *Router) ClaimTarget(target *model.BackendTarget) {
	if target == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	target.CurrentJobCount++
}

// ReleaseTarget returns a capacity slot taken by ExecutorFor.
func (r *Router) ReleaseTarget(target *model.BackendTarget) {
	if target == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if target.CurrentJobCount > 0 {
		target.CurrentJobCount--
	}
}

// ReleaseTargetID releases the capacity slot of the target with the
// given id. Unknown or empty ids are a no-op.
func (r *Router) ReleaseTargetID(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.targets {
		if t.ID == id {
			if t.CurrentJobCount > 0 {
				t.CurrentJobCount--
			}
			return
		}
	}
}

func (r *Router) hasTargetLocked(backend model.ExecutorType) bool {
	for _, t := range r.targets {
		if t.ExecutorType == backend {
			return true
		}
	}
	return false
}

// mockLocked returns the shared targetless mock executor.
func (r *Router) mockLocked() executor.Executor {
	const key = "mock/"
	if exec, ok := r.executors[key]; ok {
		return exec
	}
	exec := executor.NewMockExecutor()
	r.executors[key] = exec
	return exec
}

// RegisterExecutor seeds the cache with a pre-built executor for a
// (backend type, target id) pair, overriding lazy construction. Tests
// use it to inject scripted backends.
func (r *Router) RegisterExecutor(backend model.ExecutorType, targetID string, exec executor.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[string(backend)+"/"+targetID] = exec
}

// Targets returns a snapshot of the target pool for health checks and
// the admin API.
func (r *Router) Targets() []*model.BackendTarget {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.BackendTarget, len(r.targets))
	copy(out, r.targets)
	return out
}

// ClearCache evicts every cached executor instance, e.g. after a
// configuration reload.
func (r *Router) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors = make(map[string]executor.Executor)
}
