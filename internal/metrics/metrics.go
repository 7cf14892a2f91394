package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the scheduler. One
// instance per process, registered on its own registry so tests can
// construct as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	JobsEnqueued     prometheus.Counter
	JobsLaunched     *prometheus.CounterVec
	LaunchFailures   *prometheus.CounterVec
	JobsRetried      prometheus.Counter
	JobsHarvested    *prometheus.CounterVec
	ClaimConflicts   prometheus.Counter
	CircuitOpens     *prometheus.CounterVec
	DegradationsUsed *prometheus.CounterVec

	QueueDepth  prometheus.Gauge
	RunningJobs prometheus.Gauge

	LaunchDuration prometheus.Histogram
	JobDuration    prometheus.Histogram
}

// New builds and registers all instruments.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		JobsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "stevedore_jobs_enqueued_total",
			Help: "Jobs accepted into the queue.",
		}),
		JobsLaunched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stevedore_jobs_launched_total",
			Help: "Jobs launched, by backend.",
		}, []string{"backend"}),
		LaunchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stevedore_launch_failures_total",
			Help: "Launch attempts that failed, by backend and error kind.",
		}, []string{"backend", "kind"}),
		JobsRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "stevedore_jobs_retried_total",
			Help: "Jobs rescheduled after a transient failure.",
		}),
		JobsHarvested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stevedore_jobs_harvested_total",
			Help: "Finished jobs harvested, by final status.",
		}, []string{"status"}),
		ClaimConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "stevedore_claim_conflicts_total",
			Help: "Claim transactions retried after a lock conflict.",
		}),
		CircuitOpens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stevedore_circuit_opens_total",
			Help: "Circuit breaker open transitions, by backend.",
		}, []string{"backend"}),
		DegradationsUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stevedore_degradations_total",
			Help: "Degradation strategies applied, by action.",
		}, []string{"action"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stevedore_queue_depth",
			Help: "Jobs currently queued or retrying.",
		}),
		RunningJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stevedore_running_jobs",
			Help: "Jobs currently running.",
		}),

		LaunchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stevedore_launch_duration_seconds",
			Help:    "Time from claim to backend launch acceptance.",
			Buckets: prometheus.DefBuckets,
		}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stevedore_job_duration_seconds",
			Help:    "Time from launch to harvest.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

// Handler serves this registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
