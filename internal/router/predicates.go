package router

import (
	"fmt"
	"regexp"

	"github.com/me/stevedore/pkg/model"
)

// Predicate decides whether a routing rule applies to a job. Rules
// reference predicates by name from a closed registry; configuration
// never carries executable expressions.
type Predicate func(job *model.Job) bool

// highMemoryThresholdMB marks jobs that should prefer a backend with
// large memory grants.
const highMemoryThresholdMB = 8192

// longRunningThresholdSeconds marks jobs too long-lived for
// pay-per-second platforms.
const longRunningThresholdSeconds = 900

// builtinPredicates is the closed set of rule conditions configuration
// may select from.
var builtinPredicates = map[string]Predicate{
	"high-memory": func(job *model.Job) bool {
		return job.Spec.Resources.MemoryMB > highMemoryThresholdMB
	},
	"gpu-required": func(job *model.Job) bool {
		return job.Spec.Resources.GPUs > 0
	},
	"high-priority": func(job *model.Job) bool {
		return job.Priority >= 80
	},
	"low-priority": func(job *model.Job) bool {
		return job.Priority <= 20
	},
	"long-running": func(job *model.Job) bool {
		return job.Spec.TimeoutSeconds > longRunningThresholdSeconds
	},
	"short-lived": func(job *model.Job) bool {
		return job.Spec.TimeoutSeconds > 0 && job.Spec.TimeoutSeconds <= longRunningThresholdSeconds
	},
	"always": func(*model.Job) bool {
		return true
	},
}

// LookupPredicate resolves a predicate name from the registry.
func LookupPredicate(name string) (Predicate, error) {
	if p, ok := builtinPredicates[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("unknown routing predicate %q", name)
}

// NamePatternPredicate builds a predicate matching the job name against
// a regular expression. Resolved once at configuration load.
func NamePatternPredicate(pattern string) (Predicate, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("name pattern %q: %w", pattern, err)
	}
	return func(job *model.Job) bool {
		return re.MatchString(job.Name)
	}, nil
}
