package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/fingolabs/fingo/internal/engines"
	"github.com/fingolabs/fingo/internal/interfaces"
	"github.com/fingolabs/fingo/internal/models"
	"github.com/fingolabs/fingo/internal/queue"
)

// JobHandler serves the job lifecycle endpoints: submit, get, list, cancel,
// stats and engine capabilities.
type JobHandler struct {
	storage   interfaces.StorageManager
	queueMgr  *queue.Manager
	bus       interfaces.EventBus
	registry  *engines.Registry
	canceller interfaces.JobCanceller
	validate  *validator.Validate
	logger    arbor.ILogger
}

// NewJobHandler creates a new job handler.
func NewJobHandler(
	storage interfaces.StorageManager,
	queueMgr *queue.Manager,
	bus interfaces.EventBus,
	registry *engines.Registry,
	canceller interfaces.JobCanceller,
	logger arbor.ILogger,
) *JobHandler {
	return &JobHandler{
		storage:   storage,
		queueMgr:  queueMgr,
		bus:       bus,
		registry:  registry,
		canceller: canceller,
		validate:  validator.New(),
		logger:    logger,
	}
}

// SubmitRequest is the POST /api/jobs payload.
type SubmitRequest struct {
	Kind   string                 `json:"kind" validate:"required,oneof=training generation"`
	Config map[string]interface{} `json:"config" validate:"required"`
}

// SubmitJob handles POST /api/jobs. Validation failures never touch the
// queue; an accepted job is persisted first and enqueued second.
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusUnprocessableEntity, "Invalid submission: "+err.Error())
		return
	}

	kind := models.JobKind(req.Kind)
	engine, err := h.registry.Get(kind)
	if err != nil {
		WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := engine.ValidateConfig(req.Config); err != nil {
		WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	ctx := r.Context()
	job := models.NewJob(kind, req.Config)
	job.Progress.TotalSteps = engine.TotalSteps(req.Config)

	if err := h.storage.JobStorage().CreateJob(ctx, job); err != nil {
		h.logger.Error().Err(err).Msg("Failed to persist job")
		WriteError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	// Mark the job queued before the message exists. A worker may receive
	// the message the instant Enqueue returns; it must never observe the
	// job still pending.
	queued, err := h.storage.JobStorage().UpdateStatus(ctx, job.ID, models.JobStatusQueued, nil)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job queued")
		WriteError(w, http.StatusInternalServerError, "Failed to queue job")
		return
	}

	msg := &models.QueueMessage{JobID: job.ID, Kind: job.Kind}
	if err := h.queueMgr.Enqueue(ctx, msg); err != nil {
		h.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to enqueue job")
		h.storage.JobStorage().UpdateStatus(ctx, job.ID, models.JobStatusFailed, &models.JobError{
			Type:    models.ErrorTypeLaunch,
			Message: "failed to enqueue: " + err.Error(),
		})
		WriteError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}
	h.bus.Publish(job.ID, models.ProgressEvent{Type: models.EventStatus, Status: models.JobStatusQueued})

	h.logger.Info().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Msg("Job submitted")

	WriteJSON(w, http.StatusCreated, queued)
}

// GetJob handles GET /api/jobs/{id}.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	job, err := h.storage.JobStorage().GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found: "+jobID)
			return
		}
		WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs with status_group, kind, limit and offset
// filters. Results are newest first.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	opts := &interfaces.JobListOptions{}
	opts.Limit, opts.Offset = GetPageParams(r, 50, 200)

	if group := r.URL.Query().Get("status_group"); group != "" {
		sg := models.StatusGroup(group)
		if len(sg.Statuses()) == 0 {
			WriteError(w, http.StatusBadRequest, "Invalid status_group: "+group)
			return
		}
		opts.StatusGroup = sg
	}
	if kind := r.URL.Query().Get("kind"); kind != "" {
		k := models.JobKind(kind)
		if k != models.JobKindTraining && k != models.JobKindGeneration {
			WriteError(w, http.StatusBadRequest, "Invalid kind: "+kind)
			return
		}
		opts.Kind = k
	}

	ctx := r.Context()
	jobs, err := h.storage.JobStorage().ListJobs(ctx, opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}
	total, err := h.storage.JobStorage().CountJobs(ctx, &interfaces.JobListOptions{
		StatusGroup: opts.StatusGroup,
		Kind:        opts.Kind,
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to count jobs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   jobs,
		"total":  total,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

// CancelJob handles POST /api/jobs/{id}/cancel. Cancelling an already
// terminal job succeeds without changing anything.
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if err := h.canceller.Cancel(r.Context(), jobID); err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found: "+jobID)
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to cancel job")
		WriteError(w, http.StatusInternalServerError, "Failed to cancel job")
		return
	}

	job, err := h.storage.JobStorage().GetJob(r.Context(), jobID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"job":    job,
	})
}

// Stats handles GET /api/jobs/stats.
func (h *JobHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	ctx := r.Context()
	stats := make(map[string]interface{})

	total, err := h.storage.JobStorage().CountJobs(ctx, nil)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to count jobs")
		return
	}
	stats["total"] = total

	for _, group := range []models.StatusGroup{
		models.StatusGroupOngoing,
		models.StatusGroupSuccessful,
		models.StatusGroupTerminal,
	} {
		count, err := h.storage.JobStorage().CountJobs(ctx, &interfaces.JobListOptions{StatusGroup: group})
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "Failed to count jobs")
			return
		}
		stats[string(group)] = count
	}

	WriteJSON(w, http.StatusOK, stats)
}

// Engines handles GET /api/engines: the capabilities clients validate
// submission forms against.
func (h *JobHandler) Engines(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"engines": h.registry.Capabilities(),
	})
}
