package handlers

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/fingolabs/fingo/internal/interfaces"
	"github.com/fingolabs/fingo/internal/models"
)

// LogsHandler serves the persisted raw engine output: the paginated log
// view and the downloadable debug bundle.
type LogsHandler struct {
	storage interfaces.StorageManager
	logger  arbor.ILogger
}

// NewLogsHandler creates a new logs handler.
func NewLogsHandler(storage interfaces.StorageManager, logger arbor.ILogger) *LogsHandler {
	return &LogsHandler{storage: storage, logger: logger}
}

func (h *LogsHandler) getJob(w http.ResponseWriter, r *http.Request, jobID string) *models.Job {
	job, err := h.storage.JobStorage().GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found: "+jobID)
		} else {
			WriteError(w, http.StatusInternalServerError, "Failed to get job")
		}
		return nil
	}
	return job
}

// ViewLogs handles GET /api/jobs/{id}/logs/view with limit/offset paging.
func (h *LogsHandler) ViewLogs(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if h.getJob(w, r, jobID) == nil {
		return
	}

	limit, offset := GetPageParams(r, 100, 1000)

	ctx := r.Context()
	lines, err := h.storage.JobLogStorage().GetLines(ctx, jobID, limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to read job logs")
		WriteError(w, http.StatusInternalServerError, "Failed to read logs")
		return
	}
	total, err := h.storage.JobLogStorage().CountLines(ctx, jobID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to count logs")
		return
	}

	if lines == nil {
		lines = []*models.JobLogLine{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"lines":  lines,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// DebugBundle handles GET /api/jobs/{id}/debug-bundle: a zip with the job
// record, its full log, and the error detail, for attaching to bug reports.
func (h *LogsHandler) DebugBundle(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	job := h.getJob(w, r, jobID)
	if job == nil {
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="fingo-debug-%s.zip"`, jobID))

	archive := zip.NewWriter(w)
	defer archive.Close()

	if err := h.writeJobJSON(archive, job); err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to write debug bundle")
		return
	}
	if err := h.writeLogs(r, archive, jobID); err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to write debug bundle logs")
		return
	}
	if job.Error != nil {
		entry, err := archive.Create("error.txt")
		if err != nil {
			return
		}
		fmt.Fprintf(entry, "type: %s\nmessage: %s\n", job.Error.Type, job.Error.Message)
	}
}

func (h *LogsHandler) writeJobJSON(archive *zip.Writer, job *models.Job) error {
	entry, err := archive.Create("job.json")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(entry)
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}

func (h *LogsHandler) writeLogs(r *http.Request, archive *zip.Writer, jobID string) error {
	entry, err := archive.Create("logs.txt")
	if err != nil {
		return err
	}

	// Page through the full log in chunks
	const pageSize = 1000
	for offset := 0; ; offset += pageSize {
		lines, err := h.storage.JobLogStorage().GetLines(r.Context(), jobID, pageSize, offset)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return nil
		}
		for _, line := range lines {
			fmt.Fprintf(entry, "%s [%s] %s\n", line.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"), line.Level, line.Message)
		}
		if len(lines) < pageSize {
			return nil
		}
	}
}
