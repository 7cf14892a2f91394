package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/stevedore/pkg/model"
)

// enqueueRequest is the POST /jobs body.
type enqueueRequest struct {
	ID           string             `json:"id,omitempty"`
	Name         string             `json:"name"`
	Priority     int                `json:"priority"`
	MaxRetries   int                `json:"max_retries"`
	ExecutorType model.ExecutorType `json:"executor_type,omitempty"`
	ScheduleFor  *time.Time         `json:"schedule_for,omitempty"`
	Spec         model.JobSpec      `json:"spec"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}
	if req.Spec.Image == "" {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("spec.image is required"))
		return
	}

	job := &model.Job{
		ID:           req.ID,
		Name:         req.Name,
		Priority:     req.Priority,
		MaxRetries:   req.MaxRetries,
		ExecutorType: req.ExecutorType,
		Spec:         req.Spec,
		Metadata:     req.Metadata,
	}

	if err := s.manager.Enqueue(r.Context(), job, req.ScheduleFor); err != nil {
		switch {
		case errors.Is(err, model.ErrJobAlreadyQueued):
			respondError(w, reqID, http.StatusConflict, &model.APIError{Code: model.CodeConflict, Message: err.Error()})
		case errors.Is(err, model.ErrJobTerminal):
			respondError(w, reqID, http.StatusConflict, &model.APIError{Code: model.CodeInvalidState, Message: err.Error()})
		default:
			s.internalError(w, reqID, err)
		}
		return
	}
	respondCreated(w, reqID, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, model.ErrJobNotFound) {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("job", id))
		return
	}
	if err != nil {
		s.internalError(w, reqID, err)
		return
	}
	respondOK(w, reqID, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts := model.ListOptions{
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
		Status: model.JobStatus(r.URL.Query().Get("status")),
	}
	opts.Clamp()

	jobs, total, err := s.store.ListJobs(r.Context(), opts)
	if err != nil {
		s.internalError(w, reqID, err)
		return
	}
	respondList(w, reqID, jobs, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(jobs) < total,
	})
}

// jobLogs is the GET /jobs/{id}/logs payload.
type jobLogs struct {
	JobID  string `json:"job_id"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Live   bool   `json:"live"`
}

func (s *Server) handleGetJobLogs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, model.ErrJobNotFound) {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("job", id))
		return
	}
	if err != nil {
		s.internalError(w, reqID, err)
		return
	}

	logs := jobLogs{JobID: id, Stdout: job.Stdout, Stderr: job.Stderr}

	// Running jobs stream from the backend; finished jobs already
	// harvested into the store.
	if job.Status == model.JobStatusRunning && job.ExecutionID != "" {
		if exec, eerr := s.jobRouter.ExecutorForJob(job); eerr == nil {
			if stdout, stderr, lerr := exec.GetLogs(r.Context(), job.ExecutionID); lerr == nil {
				logs.Stdout, logs.Stderr, logs.Live = stdout, stderr, true
			}
		}
	}
	respondOK(w, reqID, logs)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	job, err := s.manager.Cancel(r.Context(), id)
	if err != nil {
		s.jobActionError(w, reqID, id, err)
		return
	}
	respondOK(w, reqID, job)
}

type retryRequest struct {
	ResetCount bool `json:"reset_count"`
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req retryRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid JSON body: "+err.Error()))
			return
		}
	}

	job, err := s.manager.RetryFailedJob(r.Context(), id, req.ResetCount)
	if err != nil {
		s.jobActionError(w, reqID, id, err)
		return
	}
	respondOK(w, reqID, job)
}

func (s *Server) handleDequeueJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := s.manager.Dequeue(r.Context(), id); err != nil {
		if errors.Is(err, model.ErrJobNotQueued) {
			respondError(w, reqID, http.StatusConflict, &model.APIError{Code: model.CodeInvalidState, Message: err.Error()})
			return
		}
		s.jobActionError(w, reqID, id, err)
		return
	}
	respondOK(w, reqID, map[string]string{"job_id": id, "result": "dequeued"})
}

// handleRoutePreview answers "where would this job land" without
// touching any state.
func (s *Server) handleRoutePreview(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}

	job := &model.Job{Name: req.Name, Priority: req.Priority, Spec: req.Spec}
	respondOK(w, reqID, s.manager.RouteDryRun(job))
}

type launchBatchRequest struct {
	MaxConcurrent  int `json:"max_concurrent"`
	TimeoutSeconds int `json:"timeout_seconds"`
}

func (s *Server) handleLaunchBatch(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	req := launchBatchRequest{
		MaxConcurrent:  s.config.Queue.MaxConcurrent,
		TimeoutSeconds: int(s.config.Queue.BatchTimeout.Seconds()),
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid JSON body: "+err.Error()))
			return
		}
	}

	result, err := s.manager.LaunchNextBatch(r.Context(), req.MaxConcurrent, time.Duration(req.TimeoutSeconds)*time.Second)
	if err != nil {
		s.internalError(w, reqID, err)
		return
	}
	respondOK(w, reqID, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	stats, err := s.manager.QueueStats(r.Context())
	if err != nil {
		s.internalError(w, reqID, err)
		return
	}
	respondOK(w, reqID, stats)
}

func (s *Server) handleWorkerMetrics(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, s.manager.WorkerMetrics())
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, s.jobRouter.Targets())
}

// healthPayload is the GET /health response body.
type healthPayload struct {
	Status   string            `json:"status"`
	Uptime   string            `json:"uptime"`
	Store    string            `json:"store"`
	Circuits map[string]string `json:"circuits,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	payload := healthPayload{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
		Store:  "ok",
	}
	if _, err := s.store.Stats(r.Context(), time.Now()); err != nil {
		payload.Status = "degraded"
		payload.Store = err.Error()
	}
	if s.breaker != nil {
		payload.Circuits = map[string]string{
			string(model.ExecutorTypeDocker):     string(s.breaker.State(string(model.ExecutorTypeDocker))),
			string(model.ExecutorTypeServerless): string(s.breaker.State(string(model.ExecutorTypeServerless))),
		}
	}

	status := http.StatusOK
	if payload.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, reqID, payload, nil, nil)
}

// jobActionError maps manager errors for job mutations onto API errors.
func (s *Server) jobActionError(w http.ResponseWriter, reqID, id string, err error) {
	var invalid *model.InvalidTransitionError
	switch {
	case errors.Is(err, model.ErrJobNotFound):
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("job", id))
	case errors.As(err, &invalid):
		respondError(w, reqID, http.StatusConflict, &model.APIError{Code: model.CodeInvalidState, Message: err.Error()})
	case errors.Is(err, model.ErrRetryBudgetSpent):
		respondError(w, reqID, http.StatusConflict, &model.APIError{Code: model.CodeInvalidState, Message: err.Error()})
	default:
		s.internalError(w, reqID, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, reqID string, err error) {
	s.logger.Error("internal error", "request_id", reqID, "error", err)
	respondError(w, reqID, http.StatusInternalServerError, &model.APIError{
		Code:    model.CodeInternal,
		Message: err.Error(),
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
