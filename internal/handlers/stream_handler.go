package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/fingolabs/fingo/internal/interfaces"
	"github.com/fingolabs/fingo/internal/models"
)

// StreamHandler serves GET /api/jobs/{id}/stream as Server-Sent Events.
// Every connection opens with an authoritative snapshot; subsequent frames
// come from the event bus. Reconnecting clients resume via Last-Event-ID,
// and when the replay backlog cannot bridge the gap they simply get a fresh
// snapshot instead of an error.
type StreamHandler struct {
	storage   interfaces.StorageManager
	bus       interfaces.EventBus
	logger    arbor.ILogger
	keepalive time.Duration
}

// NewStreamHandler creates a new SSE stream handler.
func NewStreamHandler(storage interfaces.StorageManager, bus interfaces.EventBus, logger arbor.ILogger, keepalive time.Duration) *StreamHandler {
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &StreamHandler{
		storage:   storage,
		bus:       bus,
		logger:    logger,
		keepalive: keepalive,
	}
}

// resumeSequence reads the client's resume point from the Last-Event-ID
// header (standard EventSource reconnect) or the from_sequence query param.
func resumeSequence(r *http.Request) uint64 {
	if s := r.Header.Get("Last-Event-ID"); s != "" {
		if v, err := strconv.ParseUint(s, 10, 64); err == nil {
			return v
		}
	}
	if s := r.URL.Query().Get("from_sequence"); s != "" {
		if v, err := strconv.ParseUint(s, 10, 64); err == nil {
			return v
		}
	}
	return 0
}

// StreamJob handles one SSE connection for a job.
func (h *StreamHandler) StreamJob(w http.ResponseWriter, r *http.Request, jobID string) {
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Flush headers immediately to trigger the browser's EventSource.onopen
	flusher.Flush()

	fromSeq := resumeSequence(r)

	// Subscribe before the snapshot so nothing published in between is lost.
	sub, err := h.bus.Subscribe(jobID, fromSeq)
	if errors.Is(err, interfaces.ErrGapExceeded) {
		// Too far behind to replay: restart the client from current state.
		fromSeq = h.bus.LastSequence(jobID)
		sub, err = h.bus.Subscribe(jobID, fromSeq)
		if err == nil {
			if job, err = h.storage.JobStorage().GetJob(r.Context(), jobID); err != nil {
				sub.Close()
				return
			}
		}
	}
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Stream subscribe failed")
		WriteError(w, http.StatusInternalServerError, "Failed to subscribe")
		return
	}
	defer sub.Close()

	h.sendSnapshot(w, flusher, job, fromSeq)

	// A terminal job with nothing left to replay will never produce another
	// event; without this frame the connection would idle forever (or, after
	// a restart dropped the in-memory stream, block on a channel nobody
	// closes). The stream must end with exactly one complete frame.
	if job.IsTerminal() && fromSeq >= h.bus.LastSequence(jobID) {
		h.sendEvent(w, flusher, models.ProgressEvent{
			JobID:     job.ID,
			Sequence:  fromSeq,
			Timestamp: time.Now().UTC(),
			Type:      models.EventComplete,
			Status:    job.Status,
			Error:     job.Error,
		})
		return
	}

	ping := time.NewTicker(h.keepalive)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case event, open := <-sub.Events():
			if !open {
				// Terminal event delivered (or stream dropped); done.
				return
			}
			h.sendEvent(w, flusher, event)
			ping.Reset(h.keepalive)

		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// sendSnapshot writes the opening snapshot frame. Its id is the sequence the
// snapshot reflects, so a client that reconnects immediately after resumes
// from the right place.
func (h *StreamHandler) sendSnapshot(w http.ResponseWriter, flusher http.Flusher, job *models.Job, seq uint64) {
	event := models.ProgressEvent{
		JobID:     job.ID,
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
		Type:      models.EventSnapshot,
		Status:    job.Status,
		Job:       job.Snapshot(),
	}
	h.sendEvent(w, flusher, event)
}

func (h *StreamHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, event models.ProgressEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal SSE event")
		return
	}

	fmt.Fprintf(w, "id: %d\n", event.Sequence)
	fmt.Fprintf(w, "event: %s\n", event.Type)
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
