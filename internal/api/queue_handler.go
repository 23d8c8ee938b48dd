// Package api implements the HTTP surface exposing the queue manager's
// administrative operations to external callers.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kestrel-ci/kestrel/internal/api/shared"
	"github.com/kestrel-ci/kestrel/internal/queue"
)

// EnqueueJobRequest is the payload for adding one job.
type EnqueueJobRequest struct {
	TestRunID   string            `json:"test_run_id" validate:"required"`
	TestSuiteID string            `json:"test_suite_id" validate:"required"`
	DeviceID    string            `json:"device_id" validate:"required"`
	Priority    int               `json:"priority" validate:"required,gte=1,lte=10"`
	TimeoutMs   int64             `json:"timeout_ms" validate:"gte=0"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// toJob converts the request into a queue job descriptor.
func (r *EnqueueJobRequest) toJob() *queue.Job {
	job := &queue.Job{
		TestRunID:   r.TestRunID,
		TestSuiteID: r.TestSuiteID,
		DeviceID:    r.DeviceID,
		Priority:    r.Priority,
		Timeout:     time.Duration(r.TimeoutMs) * time.Millisecond,
		Metadata:    r.Metadata,
	}
	if r.ScheduledAt != nil {
		job.ScheduledAt = *r.ScheduledAt
	}
	return job
}

// EnqueueJobResponse carries the assigned job ID.
type EnqueueJobResponse struct {
	JobID uuid.UUID `json:"job_id"`
}

// QueueHandler serves the queue admin endpoints.
type QueueHandler struct {
	manager  *queue.Manager
	validate *validator.Validate
	logger   *slog.Logger
}

// NewQueueHandler creates a QueueHandler with the given dependencies.
func NewQueueHandler(manager *queue.Manager, logger *slog.Logger) *QueueHandler {
	return &QueueHandler{
		manager:  manager,
		validate: validator.New(),
		logger:   logger,
	}
}

// AddJob handles POST /api/jobs.
func (h *QueueHandler) AddJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	id, err := h.manager.AddJob(r.Context(), req.toJob())
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	shared.RespondWithJSON(w, r, http.StatusCreated, EnqueueJobResponse{JobID: id})
}

// AddJobsBulk handles POST /api/jobs/bulk.
func (h *QueueHandler) AddJobsBulk(w http.ResponseWriter, r *http.Request) {
	var reqs []EnqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}

	jobs := make([]*queue.Job, 0, len(reqs))
	for i := range reqs {
		if err := h.validate.Struct(&reqs[i]); err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Validation failed: "+err.Error())
			return
		}
		jobs = append(jobs, reqs[i].toJob())
	}

	ids, err := h.manager.AddJobsBulk(r.Context(), jobs)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	shared.RespondWithJSON(w, r, http.StatusCreated, map[string][]uuid.UUID{"job_ids": ids})
}

// GetJobStatus handles GET /api/jobs/{id}.
func (h *QueueHandler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	info, err := h.manager.GetJobStatus(id)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusNotFound, "Job not found")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, info)
}

// RetryJob handles POST /api/jobs/{id}/retry.
func (h *QueueHandler) RetryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	if err := h.manager.RetryJob(r.Context(), id); err != nil {
		h.respondQueueError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "requeued"})
}

// CancelJob handles DELETE /api/jobs/{id}.
func (h *QueueHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	if err := h.manager.CancelJob(r.Context(), id); err != nil {
		h.respondQueueError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "cancelled"})
}

// PauseJob handles POST /api/jobs/{id}/pause.
func (h *QueueHandler) PauseJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	if err := h.manager.PauseJob(r.Context(), id); err != nil {
		h.respondQueueError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "paused"})
}

// ResumeJob handles POST /api/jobs/{id}/resume.
func (h *QueueHandler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	if err := h.manager.ResumeJob(r.Context(), id); err != nil {
		h.respondQueueError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "waiting"})
}

// GetStats handles GET /api/queue/stats.
func (h *QueueHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.manager.GetStats())
}

// PauseQueue handles POST /api/queue/pause.
func (h *QueueHandler) PauseQueue(w http.ResponseWriter, r *http.Request) {
	h.manager.PauseQueue()
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "paused"})
}

// ResumeQueue handles POST /api/queue/resume.
func (h *QueueHandler) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	h.manager.ResumeQueue()
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "resumed"})
}

// CleanQueue handles POST /api/queue/clean.
func (h *QueueHandler) CleanQueue(w http.ResponseWriter, r *http.Request) {
	pruned, err := h.manager.CleanQueue(r.Context())
	if err != nil {
		shared.RespondWithError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]int{"pruned": pruned})
}

// ObliterateQueue handles DELETE /api/queue. The force query parameter
// cancels active jobs instead of refusing.
func (h *QueueHandler) ObliterateQueue(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := h.manager.ObliterateQueue(r.Context(), force); err != nil {
		if errors.Is(err, queue.ErrJobsStillActive) {
			shared.RespondWithError(w, r, http.StatusConflict, err.Error())
			return
		}
		shared.RespondWithError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "obliterated"})
}

// jobID parses the {id} path parameter.
func (h *QueueHandler) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid job ID")
		return uuid.Nil, false
	}
	return id, true
}

// respondQueueError maps queue sentinel errors onto HTTP statuses.
func (h *QueueHandler) respondQueueError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		shared.RespondWithError(w, r, http.StatusNotFound, "Job not found")
	case errors.Is(err, queue.ErrJobTerminal),
		errors.Is(err, queue.ErrJobNotFailed),
		errors.Is(err, queue.ErrJobNotWaiting),
		errors.Is(err, queue.ErrJobNotPaused):
		shared.RespondWithError(w, r, http.StatusConflict, err.Error())
	default:
		h.logger.Error("queue operation failed", "error", err)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Internal error")
	}
}
