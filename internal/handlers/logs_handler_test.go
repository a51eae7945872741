package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/fingolabs/fingo/internal/models"
)

func newLogsHandler(h *handlerHarness) *LogsHandler {
	return NewLogsHandler(h.storage, arbor.NewLogger())
}

func appendLines(t *testing.T, h *handlerHarness, jobID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		require.NoError(t, h.storage.JobLogStorage().AppendLine(ctx, jobID, "info", fmt.Sprintf("line %d", i)))
	}
}

func TestViewLogsPaging(t *testing.T) {
	h := newHandlerHarness(t)
	logs := newLogsHandler(h)

	job := h.queuedJob(t)
	appendLines(t, h, job.ID, 25)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID+"/logs/view?limit=10&offset=10", nil)
	rec := httptest.NewRecorder()
	logs.ViewLogs(rec, req, job.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		JobID  string               `json:"job_id"`
		Lines  []*models.JobLogLine `json:"lines"`
		Total  int                  `json:"total"`
		Limit  int                  `json:"limit"`
		Offset int                  `json:"offset"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, job.ID, resp.JobID)
	assert.Equal(t, 25, resp.Total)
	require.Len(t, resp.Lines, 10)
	assert.Equal(t, "line 11", resp.Lines[0].Message)
	assert.Equal(t, 11, resp.Lines[0].LineNumber)
}

func TestViewLogsEmptyJob(t *testing.T) {
	h := newHandlerHarness(t)
	logs := newLogsHandler(h)
	job := h.queuedJob(t)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID+"/logs/view", nil)
	rec := httptest.NewRecorder()
	logs.ViewLogs(rec, req, job.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	// Empty result is a JSON array, not null.
	assert.Contains(t, rec.Body.String(), `"lines":[]`)
}

func TestViewLogsUnknownJob(t *testing.T) {
	h := newHandlerHarness(t)
	logs := newLogsHandler(h)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job_missing/logs/view", nil)
	rec := httptest.NewRecorder()
	logs.ViewLogs(rec, req, "job_missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDebugBundle(t *testing.T) {
	h := newHandlerHarness(t)
	logs := newLogsHandler(h)
	ctx := context.Background()

	job := h.queuedJob(t)
	appendLines(t, h, job.ID, 3)
	_, err := h.storage.JobStorage().UpdateStatus(ctx, job.ID, models.JobStatusRunning, nil)
	require.NoError(t, err)
	_, err = h.storage.JobStorage().UpdateStatus(ctx, job.ID, models.JobStatusFailed, &models.JobError{
		Type:    models.ErrorTypeRuntime,
		Message: "process exited with code 1",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID+"/debug-bundle", nil)
	rec := httptest.NewRecorder()
	logs.DebugBundle(rec, req, job.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), job.ID)

	archive, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)

	entries := make(map[string]string)
	for _, file := range archive.File {
		rc, err := file.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		entries[file.Name] = string(content)
	}

	require.Contains(t, entries, "job.json")
	require.Contains(t, entries, "logs.txt")
	require.Contains(t, entries, "error.txt")

	var bundled models.Job
	require.NoError(t, json.Unmarshal([]byte(entries["job.json"]), &bundled))
	assert.Equal(t, job.ID, bundled.ID)
	assert.Equal(t, models.JobStatusFailed, bundled.Status)

	assert.Contains(t, entries["logs.txt"], "line 1")
	assert.Contains(t, entries["logs.txt"], "line 3")
	assert.Contains(t, entries["error.txt"], "process exited with code 1")
}

func TestDebugBundleWithoutErrorOmitsErrorFile(t *testing.T) {
	h := newHandlerHarness(t)
	logs := newLogsHandler(h)

	job := h.queuedJob(t)
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID+"/debug-bundle", nil)
	rec := httptest.NewRecorder()
	logs.DebugBundle(rec, req, job.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	archive, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)

	names := make([]string, 0, len(archive.File))
	for _, file := range archive.File {
		names = append(names, file.Name)
	}
	assert.Contains(t, names, "job.json")
	assert.NotContains(t, names, "error.txt")
}
