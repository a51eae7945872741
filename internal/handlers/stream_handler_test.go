package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/fingolabs/fingo/internal/events"
	"github.com/fingolabs/fingo/internal/models"
)

type sseFrame struct {
	ID    uint64
	Event string
	Data  models.ProgressEvent
}

// readFrame parses one SSE frame, skipping keepalive comments.
func readFrame(t *testing.T, reader *bufio.Reader) (sseFrame, error) {
	t.Helper()
	var frame sseFrame
	var data string

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return frame, err
		}
		line = strings.TrimRight(line, "\n")

		switch {
		case line == "":
			if data == "" {
				continue // trailing blank after a comment
			}
			require.NoError(t, json.Unmarshal([]byte(data), &frame.Data))
			return frame, nil
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "id: "):
			id, err := strconv.ParseUint(strings.TrimPrefix(line, "id: "), 10, 64)
			require.NoError(t, err)
			frame.ID = id
		case strings.HasPrefix(line, "event: "):
			frame.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func (h *handlerHarness) streamServer(t *testing.T, streams *StreamHandler) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
		jobID = strings.TrimSuffix(jobID, "/stream")
		streams.StreamJob(w, r, jobID)
	}))
	t.Cleanup(server.Close)
	return server
}

func openStream(t *testing.T, url string, lastEventID uint64) (*bufio.Reader, func()) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(lastEventID, 10))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body), func() { resp.Body.Close() }
}

// queuedJob persists a queued job without touching the event bus, so tests
// control every published sequence.
func (h *handlerHarness) queuedJob(t *testing.T) *models.Job {
	t.Helper()
	ctx := context.Background()
	job := models.NewJob(models.JobKindTraining, map[string]interface{}{
		"name": "portrait-lora", "steps": 100, "dataset_path": "/data/portraits",
	})
	require.NoError(t, h.storage.JobStorage().CreateJob(ctx, job))
	queued, err := h.storage.JobStorage().UpdateStatus(ctx, job.ID, models.JobStatusQueued, nil)
	require.NoError(t, err)
	return queued
}

func progressEventAt(step int) models.ProgressEvent {
	return models.ProgressEvent{
		Type:       models.EventProgress,
		Status:     models.JobStatusRunning,
		Step:       step,
		StepsTotal: 100,
	}
}

func TestStreamSendsSnapshotThenLiveEvents(t *testing.T) {
	h := newHandlerHarness(t)
	logger := arbor.NewLogger()
	streams := NewStreamHandler(h.storage, h.bus, logger, time.Minute)
	server := h.streamServer(t, streams)

	job := h.queuedJob(t)

	reader, closeBody := openStream(t, server.URL+"/api/jobs/"+job.ID+"/stream", 0)
	defer closeBody()

	snapshot, err := readFrame(t, reader)
	require.NoError(t, err)
	assert.Equal(t, string(models.EventSnapshot), snapshot.Event)
	assert.Equal(t, uint64(0), snapshot.ID)
	require.NotNil(t, snapshot.Data.Job)
	assert.Equal(t, job.ID, snapshot.Data.Job.ID)
	assert.Equal(t, models.JobStatusQueued, snapshot.Data.Status)

	h.bus.Publish(job.ID, progressEventAt(10))
	frame, err := readFrame(t, reader)
	require.NoError(t, err)
	assert.Equal(t, string(models.EventProgress), frame.Event)
	assert.Equal(t, 10, frame.Data.Step)

	h.bus.Publish(job.ID, models.ProgressEvent{
		Type:   models.EventComplete,
		Status: models.JobStatusCompleted,
	})
	frame, err = readFrame(t, reader)
	require.NoError(t, err)
	assert.Equal(t, string(models.EventComplete), frame.Event)

	// Terminal event closes the stream.
	_, err = readFrame(t, reader)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamResumesWithinBacklog(t *testing.T) {
	h := newHandlerHarness(t)
	logger := arbor.NewLogger()
	streams := NewStreamHandler(h.storage, h.bus, logger, time.Minute)
	server := h.streamServer(t, streams)

	job := h.queuedJob(t)
	for step := 1; step <= 5; step++ {
		h.bus.Publish(job.ID, progressEventAt(step))
	}

	reader, closeBody := openStream(t, server.URL+"/api/jobs/"+job.ID+"/stream", 2)
	defer closeBody()

	snapshot, err := readFrame(t, reader)
	require.NoError(t, err)
	assert.Equal(t, string(models.EventSnapshot), snapshot.Event)
	assert.Equal(t, uint64(2), snapshot.ID)

	// Exactly the missed events, in order, no duplicates.
	for want := uint64(3); want <= 5; want++ {
		frame, err := readFrame(t, reader)
		require.NoError(t, err)
		assert.Equal(t, want, frame.ID)
		assert.Equal(t, int(want), frame.Data.Step)
	}
}

func TestStreamGapFallsBackToFreshSnapshot(t *testing.T) {
	h := newHandlerHarness(t)
	logger := arbor.NewLogger()

	// Tiny backlog so an old resume token cannot be replayed.
	bus := events.NewBus(logger, 2, 16)
	streams := NewStreamHandler(h.storage, bus, logger, time.Minute)
	server := h.streamServer(t, streams)

	job := h.queuedJob(t)
	_, err := h.storage.JobStorage().UpdateStatus(context.Background(), job.ID, models.JobStatusRunning, nil)
	require.NoError(t, err)

	for step := 1; step <= 10; step++ {
		bus.Publish(job.ID, progressEventAt(step))
	}

	reader, closeBody := openStream(t, server.URL+"/api/jobs/"+job.ID+"/stream", 1)
	defer closeBody()

	snapshot, err := readFrame(t, reader)
	require.NoError(t, err)
	assert.Equal(t, string(models.EventSnapshot), snapshot.Event)
	// The snapshot reflects current state, not the stale resume point.
	assert.Equal(t, uint64(10), snapshot.ID)
	require.NotNil(t, snapshot.Data.Job)
	assert.Equal(t, models.JobStatusRunning, snapshot.Data.Status)

	// Live events continue after the snapshot.
	bus.Publish(job.ID, progressEventAt(11))
	frame, err := readFrame(t, reader)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), frame.ID)
}

func TestStreamTerminalJobWithoutBusStreamCloses(t *testing.T) {
	h := newHandlerHarness(t)
	logger := arbor.NewLogger()
	streams := NewStreamHandler(h.storage, h.bus, logger, time.Minute)
	server := h.streamServer(t, streams)

	// A job that finished before this process started: the store has the
	// terminal record but the bus has no stream for it.
	job := h.queuedJob(t)
	ctx := context.Background()
	_, err := h.storage.JobStorage().UpdateStatus(ctx, job.ID, models.JobStatusRunning, nil)
	require.NoError(t, err)
	_, err = h.storage.JobStorage().UpdateStatus(ctx, job.ID, models.JobStatusCompleted, nil)
	require.NoError(t, err)

	reader, closeBody := openStream(t, server.URL+"/api/jobs/"+job.ID+"/stream", 0)
	defer closeBody()

	snapshot, err := readFrame(t, reader)
	require.NoError(t, err)
	assert.Equal(t, string(models.EventSnapshot), snapshot.Event)
	assert.Equal(t, models.JobStatusCompleted, snapshot.Data.Status)

	frame, err := readFrame(t, reader)
	require.NoError(t, err)
	assert.Equal(t, string(models.EventComplete), frame.Event)
	assert.Equal(t, models.JobStatusCompleted, frame.Data.Status)

	_, err = readFrame(t, reader)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamResumeAtTipOfFinishedJobCloses(t *testing.T) {
	h := newHandlerHarness(t)
	logger := arbor.NewLogger()
	streams := NewStreamHandler(h.storage, h.bus, logger, time.Minute)
	server := h.streamServer(t, streams)

	job := h.queuedJob(t)
	ctx := context.Background()
	_, err := h.storage.JobStorage().UpdateStatus(ctx, job.ID, models.JobStatusRunning, nil)
	require.NoError(t, err)

	h.bus.Publish(job.ID, progressEventAt(1))
	h.bus.Publish(job.ID, progressEventAt(2))
	_, err = h.storage.JobStorage().UpdateStatus(ctx, job.ID, models.JobStatusCancelled, nil)
	require.NoError(t, err)
	h.bus.Publish(job.ID, models.ProgressEvent{Type: models.EventComplete, Status: models.JobStatusCancelled})

	// A client that already saw everything reconnects; it must still get a
	// terminating complete frame, not a silent close it would retry forever.
	reader, closeBody := openStream(t, server.URL+"/api/jobs/"+job.ID+"/stream", h.bus.LastSequence(job.ID))
	defer closeBody()

	snapshot, err := readFrame(t, reader)
	require.NoError(t, err)
	assert.Equal(t, string(models.EventSnapshot), snapshot.Event)

	frame, err := readFrame(t, reader)
	require.NoError(t, err)
	assert.Equal(t, string(models.EventComplete), frame.Event)
	assert.Equal(t, models.JobStatusCancelled, frame.Data.Status)

	_, err = readFrame(t, reader)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamUnknownJobReturns404(t *testing.T) {
	h := newHandlerHarness(t)
	logger := arbor.NewLogger()
	streams := NewStreamHandler(h.storage, h.bus, logger, time.Minute)
	server := h.streamServer(t, streams)

	resp, err := http.Get(server.URL + "/api/jobs/job_missing/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamKeepaliveComments(t *testing.T) {
	h := newHandlerHarness(t)
	logger := arbor.NewLogger()
	streams := NewStreamHandler(h.storage, h.bus, logger, 30*time.Millisecond)
	server := h.streamServer(t, streams)

	job := h.queuedJob(t)

	reader, closeBody := openStream(t, server.URL+"/api/jobs/"+job.ID+"/stream", 0)
	defer closeBody()

	_, err := readFrame(t, reader)
	require.NoError(t, err)

	// With no events flowing the server must still emit pings.
	deadline := time.After(5 * time.Second)
	got := make(chan string, 1)
	go func() {
		line, err := reader.ReadString('\n')
		if err == nil {
			got <- line
		}
	}()
	select {
	case line := <-got:
		assert.True(t, strings.HasPrefix(line, ":"), "expected comment line, got %q", line)
	case <-deadline:
		t.Fatal("no keepalive received")
	}
}
