// Package server exposes the detection service over HTTP: synchronous
// and asynchronous detection, job lifecycle endpoints, an SSE progress
// stream, and health/model diagnostics.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/MeKo-Tech/rooftop/internal/detect"
	"github.com/MeKo-Tech/rooftop/internal/jobs"
	"github.com/MeKo-Tech/rooftop/internal/pipeline"
)

// Version is the API version reported on the root endpoint.
const Version = "2.0.0"

// Config wires the server to its collaborators.
type Config struct {
	Runner   *pipeline.Runner
	Jobs     *jobs.Manager
	Executor *jobs.Executor
	Detector detect.Detector
	Defaults jobs.Params
	Logger   *slog.Logger
}

// Server handles the HTTP API.
type Server struct {
	runner   *pipeline.Runner
	mgr      *jobs.Manager
	exec     *jobs.Executor
	detector detect.Detector
	defaults jobs.Params
	logger   *slog.Logger
}

// New creates a server.
func New(cfg Config) *Server {
	return &Server{
		runner:   cfg.Runner,
		mgr:      cfg.Jobs,
		exec:     cfg.Executor,
		detector: cfg.Detector,
		defaults: cfg.Defaults,
		logger:   cfg.Logger,
	}
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/detect", s.handleDetectSync)
	mux.HandleFunc("POST /api/v1/detect/async", s.handleDetectAsync)
	mux.HandleFunc("GET /api/v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}/status", s.handleJobStatus)
	mux.HandleFunc("GET /api/v1/jobs/{id}/result", s.handleJobResult)
	mux.HandleFunc("GET /api/v1/jobs/{id}/stream", s.handleJobStream)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", s.handleCancelJob)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /model/info", s.handleModelInfo)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return withCORS(mux)
}

// withCORS allows browser clients on any origin to use the API.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// errorBody is the error payload shape shared by every endpoint.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	Type    string `json:"type"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log().Error("response encoding failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, message, detail, errType string) {
	s.writeJSON(w, status, errorBody{
		Error:   kind,
		Message: message,
		Detail:  detail,
		Type:    errType,
	})
}

func (s *Server) modelLoaded() bool {
	return s.detector != nil && s.detector.Info().Loaded
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}
