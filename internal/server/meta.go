package server

import (
	"net/http"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"model_loaded": s.modelLoaded(),
		"timestamp":    time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleModelInfo(w http.ResponseWriter, _ *http.Request) {
	if !s.modelLoaded() {
		s.writeError(w, http.StatusServiceUnavailable, "Model Not Available",
			"Detection model is not loaded.", "", "model_error")
		return
	}
	s.writeJSON(w, http.StatusOK, s.detector.Info())
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"message":     "Building Detection API",
		"version":     Version,
		"description": "Detects buildings inside a polygon by running an object detector over map tiles",
		"endpoints": map[string]string{
			"health":       "/health",
			"model_info":   "/model/info",
			"detect_sync":  "/api/v1/detect",
			"detect_async": "/api/v1/detect/async",
			"job_status":   "/api/v1/jobs/{id}/status",
			"job_result":   "/api/v1/jobs/{id}/result",
			"job_stream":   "/api/v1/jobs/{id}/stream",
			"job_cancel":   "/api/v1/jobs/{id}",
			"jobs_list":    "/api/v1/jobs",
		},
		"concurrent_jobs": map[string]int{
			"max_allowed":      s.mgr.MaxConcurrent(),
			"currently_active": s.mgr.ActiveCount(),
		},
	})
}
