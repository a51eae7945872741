package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/fingolabs/fingo/internal/common"
)

// APIHandler serves the service-level endpoints.
type APIHandler struct {
	logger    arbor.ILogger
	startTime time.Time
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		logger:    logger,
		startTime: time.Now(),
	}
}

// Health handles GET /api/health.
func (h *APIHandler) Health(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": common.GetVersion(),
		"uptime":  time.Since(h.startTime).Round(time.Second).String(),
	})
}

// Version handles GET /api/version.
func (h *APIHandler) Version(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
	})
}

// NotFound handles unmatched API routes.
func (h *APIHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotFound, "Not found: "+r.URL.Path)
}
