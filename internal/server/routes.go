package server

import (
	"net/http"
	"strings"
)

// setupRoutes wires the API routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.app.APIHandler.Health)
	mux.HandleFunc("/api/version", s.app.APIHandler.Version)
	mux.HandleFunc("/api/engines", s.app.JobHandler.Engines)

	// Exact patterns win over the /api/jobs/ prefix below
	mux.HandleFunc("/api/jobs/stats", s.app.JobHandler.Stats)

	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.app.JobHandler.SubmitJob(w, r)
		case http.MethodGet:
			s.app.JobHandler.ListJobs(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/jobs/", s.handleJobSubroutes)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.app.APIHandler.NotFound(w, r)
	})

	return mux
}

// handleJobSubroutes dispatches /api/jobs/{id}[/...] paths.
func (s *Server) handleJobSubroutes(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	parts := strings.Split(path, "/")
	if path == "" || parts[0] == "" {
		s.app.APIHandler.NotFound(w, r)
		return
	}
	jobID := parts[0]

	switch {
	case len(parts) == 1:
		s.app.JobHandler.GetJob(w, r, jobID)
	case len(parts) == 2 && parts[1] == "cancel":
		s.app.JobHandler.CancelJob(w, r, jobID)
	case len(parts) == 2 && parts[1] == "stream":
		s.app.StreamHandler.StreamJob(w, r, jobID)
	case len(parts) == 2 && parts[1] == "ws":
		s.app.WebSocketHandler.StreamJob(w, r, jobID)
	case len(parts) == 2 && parts[1] == "debug-bundle":
		s.app.LogsHandler.DebugBundle(w, r, jobID)
	case len(parts) == 3 && parts[1] == "logs" && parts[2] == "view":
		s.app.LogsHandler.ViewLogs(w, r, jobID)
	default:
		s.app.APIHandler.NotFound(w, r)
	}
}
