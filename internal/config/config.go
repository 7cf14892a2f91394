package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/stevedore/pkg/model"
)

// ServerConfig holds configuration for the stevedore server process.
type ServerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json

	// Store selects the persistence backend. "sqlite" uses DBPath,
	// "postgres" uses PostgresDSN.
	Store       string `yaml:"store"`
	DBPath      string `yaml:"db_path"`
	PostgresDSN string `yaml:"postgres_dsn"`

	Queue       QueueConfig       `yaml:"queue"`
	Retry       RetryConfig       `yaml:"retry"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Routing     RoutingConfig     `yaml:"routing"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
}

// QueueConfig bounds the queue manager and the monitor loop.
type QueueConfig struct {
	// MaxConcurrent caps simultaneously running jobs across all targets.
	MaxConcurrent int `yaml:"max_concurrent"`

	// PollInterval is the monitor loop tick.
	PollInterval time.Duration `yaml:"poll_interval"`

	// BatchTimeout bounds a single launchNextBatch call.
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// StaleClaimCutoff is how long a RUNNING job may sit without an
	// execution id before the recovery pass fails it back to the queue.
	StaleClaimCutoff time.Duration `yaml:"stale_claim_cutoff"`
}

// RetryConfig drives the default retry strategy.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	JitterFactor float64       `yaml:"jitter_factor"`
}

// ReliabilityConfig groups breaker, health-check, and degradation knobs.
type ReliabilityConfig struct {
	BreakerFailureThreshold int           `yaml:"breaker_failure_threshold"`
	BreakerRecoveryTimeout  time.Duration `yaml:"breaker_recovery_timeout"`

	HealthCheckInterval    time.Duration `yaml:"health_check_interval"`
	HealthFailureThreshold int           `yaml:"health_failure_threshold"`

	// DegradationFactor scales memory/CPU down for high-memory jobs
	// under resource pressure (recorded in metadata only).
	DegradationFactor float64 `yaml:"degradation_factor"`

	// DelayablePattern marks jobs whose name matches as non-critical,
	// eligible for the delay-execution degradation strategy.
	DelayablePattern string `yaml:"delayable_pattern"`

	// DegradationDelay is how far delayed jobs are pushed out.
	DegradationDelay time.Duration `yaml:"degradation_delay"`
}

// RoutingConfig declares targets, routing rules, and fallback order.
type RoutingConfig struct {
	// DefaultBackend receives jobs no rule matched.
	DefaultBackend model.ExecutorType `yaml:"default_backend"`

	// Rules are evaluated in priority order; each names a registered
	// predicate, not an expression string.
	Rules []RuleConfig `yaml:"rules"`

	// Fallbacks lists backend types to try, in order, when the routed
	// backend fails.
	Fallbacks map[model.ExecutorType][]model.ExecutorType `yaml:"fallbacks"`

	Targets []model.BackendTarget `yaml:"targets"`
}

// RuleConfig selects a named predicate and the backend it routes to.
// Pattern, when set, replaces the predicate with a job-name regexp
// match (compiled once at load).
type RuleConfig struct {
	Name      string             `yaml:"name"`
	Predicate string             `yaml:"predicate"`
	Pattern   string             `yaml:"pattern,omitempty"`
	Backend   model.ExecutorType `yaml:"backend"`
	Priority  int                `yaml:"priority"`
}

// ShutdownConfig bounds graceful process termination.
type ShutdownConfig struct {
	// Timeout is the ceiling for draining in-flight jobs.
	Timeout time.Duration `yaml:"timeout"`

	// PollInterval is how often the drain loop re-checks the tracker.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		Store:     "sqlite",
		Queue: QueueConfig{
			MaxConcurrent:    10,
			PollInterval:     2 * time.Second,
			BatchTimeout:     30 * time.Second,
			StaleClaimCutoff: 10 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			BaseDelay:    5 * time.Second,
			MaxDelay:     5 * time.Minute,
			JitterFactor: 0.2,
		},
		Reliability: ReliabilityConfig{
			BreakerFailureThreshold: 5,
			BreakerRecoveryTimeout:  30 * time.Second,
			HealthCheckInterval:     30 * time.Second,
			HealthFailureThreshold:  3,
			DegradationFactor:       0.75,
			DelayablePattern:        "(batch|report|cleanup)",
			DegradationDelay:        5 * time.Minute,
		},
		Routing: RoutingConfig{
			DefaultBackend: model.ExecutorTypeDocker,
		},
		Shutdown: ShutdownConfig{
			Timeout:      60 * time.Second,
			PollInterval: 500 * time.Millisecond,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path
// returns the defaults unchanged.
func Load(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	for i := range cfg.Routing.Targets {
		cfg.Routing.Targets[i].ClampWeight()
	}

	return cfg, nil
}
