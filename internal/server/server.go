package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/stevedore/internal/config"
	"github.com/me/stevedore/internal/metrics"
	"github.com/me/stevedore/internal/queue"
	"github.com/me/stevedore/internal/reliability"
	jobrouter "github.com/me/stevedore/internal/router"
	"github.com/me/stevedore/internal/store"
)

// Server is the stevedore admin REST API.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	store     store.Store
	manager   *queue.Manager
	jobRouter *jobrouter.Router
	metrics   *metrics.Metrics
	breaker   *reliability.CircuitBreaker
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithMetrics exposes a Prometheus registry on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithBreaker exposes circuit states on the health endpoint.
func WithBreaker(b *reliability.CircuitBreaker) Option {
	return func(s *Server) { s.breaker = b }
}

// New creates a Server with all routes registered.
func New(cfg config.ServerConfig, st store.Store, manager *queue.Manager, jr *jobrouter.Router, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		store:     st,
		manager:   manager,
		jobRouter: jr,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	// Bare liveness probe; readiness lives at /api/v1/health.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Get("/worker-metrics", s.handleWorkerMetrics)
		r.Get("/targets", s.handleListTargets)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleEnqueueJob)
			r.Post("/route-preview", s.handleRoutePreview)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Get("/logs", s.handleGetJobLogs)
				r.Put("/cancel", s.handleCancelJob)
				r.Put("/retry", s.handleRetryJob)
				r.Put("/dequeue", s.handleDequeueJob)
			})
		})

		r.Post("/batch/launch", s.handleLaunchBatch)
	})
}
