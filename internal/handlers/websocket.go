package handlers

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/fingolabs/fingo/internal/interfaces"
	"github.com/fingolabs/fingo/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WebSocketHandler serves GET /api/jobs/{id}/ws: the same event stream as
// the SSE endpoint, over WebSocket. Progress frames are throttled so a fast
// trainer cannot flood the browser; status, artifact and terminal frames
// always go through.
type WebSocketHandler struct {
	storage          interfaces.StorageManager
	bus              interfaces.EventBus
	logger           arbor.ILogger
	progressThrottle time.Duration
	keepalive        time.Duration
}

// NewWebSocketHandler creates a new WebSocket stream handler.
func NewWebSocketHandler(storage interfaces.StorageManager, bus interfaces.EventBus, logger arbor.ILogger, progressThrottle, keepalive time.Duration) *WebSocketHandler {
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &WebSocketHandler{
		storage:          storage,
		bus:              bus,
		logger:           logger,
		progressThrottle: progressThrottle,
		keepalive:        keepalive,
	}
}

// StreamJob handles one WebSocket connection for a job.
func (h *WebSocketHandler) StreamJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.storage.JobStorage().GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found: "+jobID)
			return
		}
		WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	fromSeq := resumeSequence(r)

	sub, err := h.bus.Subscribe(jobID, fromSeq)
	if errors.Is(err, interfaces.ErrGapExceeded) {
		fromSeq = h.bus.LastSequence(jobID)
		sub, err = h.bus.Subscribe(jobID, fromSeq)
		if err == nil {
			if job, err = h.storage.JobStorage().GetJob(r.Context(), jobID); err != nil {
				sub.Close()
				WriteError(w, http.StatusInternalServerError, "Failed to get job")
				return
			}
		}
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to subscribe")
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	h.logger.Debug().Str("job_id", jobID).Msg("WebSocket client connected")

	// One writer at a time; the ping loop and event loop share the conn.
	var writeMu sync.Mutex
	writeJSON := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}

	// Reader loop only watches for client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snapshot := models.ProgressEvent{
		JobID:     job.ID,
		Sequence:  fromSeq,
		Timestamp: time.Now().UTC(),
		Type:      models.EventSnapshot,
		Status:    job.Status,
		Job:       job.Snapshot(),
	}
	if err := writeJSON(snapshot); err != nil {
		return
	}

	// Terminal job with no replay pending: finish the stream now instead of
	// waiting on a bus stream that will never publish again.
	if job.IsTerminal() && fromSeq >= h.bus.LastSequence(jobID) {
		writeJSON(models.ProgressEvent{
			JobID:     job.ID,
			Sequence:  fromSeq,
			Timestamp: time.Now().UTC(),
			Type:      models.EventComplete,
			Status:    job.Status,
			Error:     job.Error,
		})
		return
	}

	var limiter *rate.Limiter
	if h.progressThrottle > 0 {
		limiter = rate.NewLimiter(rate.Every(h.progressThrottle), 1)
	}

	ping := time.NewTicker(h.keepalive)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return

		case event, open := <-sub.Events():
			if !open {
				return
			}
			// Only progress frames are throttled; anything that changes
			// state must always reach the client.
			if event.Type == models.EventProgress && limiter != nil && !limiter.Allow() {
				continue
			}
			if err := writeJSON(event); err != nil {
				h.logger.Debug().Err(err).Str("job_id", jobID).Msg("WebSocket write failed")
				return
			}

		case <-ping.C:
			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
