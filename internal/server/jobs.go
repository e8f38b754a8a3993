package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MeKo-Tech/rooftop/internal/export"
	"github.com/MeKo-Tech/rooftop/internal/jobs"
)

type statusResponse struct {
	JobID                  string   `json:"job_id"`
	Status                 string   `json:"status"`
	Progress               int      `json:"progress"`
	Stage                  string   `json:"stage"`
	BuildingsFound         int      `json:"buildings_found"`
	EstimatedTimeRemaining string   `json:"estimated_time_remaining,omitempty"`
	ExecutionTime          *float64 `json:"execution_time,omitempty"`
	ErrorMessage           string   `json:"error_message,omitempty"`
}

func statusOf(job jobs.Job) statusResponse {
	resp := statusResponse{
		JobID:          job.ID,
		Status:         string(job.Status),
		Progress:       job.Progress,
		Stage:          job.Stage,
		BuildingsFound: job.BuildingsFound,
		ErrorMessage:   job.ErrorMessage,
	}

	// ETA from linear extrapolation; only meaningful once the job is
	// past its setup stages.
	if job.Status == jobs.StatusProcessing && job.Progress > 5 {
		elapsed := time.Since(job.StartTime).Seconds()
		total := elapsed / float64(job.Progress) * 100
		if remaining := total - elapsed; remaining > 0 {
			resp.EstimatedTimeRemaining = fmt.Sprintf("%d seconds", int(remaining))
		}
	}
	if !job.EndTime.IsZero() {
		secs := job.ExecutionTime().Seconds()
		resp.ExecutionTime = &secs
	}
	return resp
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, ok := s.mgr.Get(id)
	if !ok {
		s.writeJobNotFound(w, id)
		return
	}
	s.writeJSON(w, http.StatusOK, statusOf(job))
}

type resultResponse struct {
	JobID          string            `json:"job_id"`
	Status         string            `json:"status"`
	Buildings      []export.Building `json:"buildings"`
	TotalBuildings int               `json:"total_buildings"`
	ExecutionTime  float64           `json:"execution_time"`
}

func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, ok := s.mgr.Get(id)
	if !ok {
		s.writeJobNotFound(w, id)
		return
	}

	switch job.Status {
	case jobs.StatusQueued, jobs.StatusProcessing:
		s.writeError(w, http.StatusAccepted, "Result Not Ready",
			fmt.Sprintf("Job %q is still %s (%d%% complete). Please wait and try again later.",
				id, job.Status, job.Progress), "", "job_error")
	case jobs.StatusFailed:
		s.writeError(w, http.StatusUnprocessableEntity, "Job Failed",
			fmt.Sprintf("Job %q failed during processing: %s", id, job.ErrorMessage), "", "job_error")
	case jobs.StatusCancelled:
		s.writeError(w, http.StatusGone, "Job Cancelled",
			fmt.Sprintf("Job %q was cancelled before completion.", id), "", "job_error")
	case jobs.StatusCompleted:
		resp := resultResponse{
			JobID:     id,
			Status:    string(job.Status),
			Buildings: []export.Building{},
		}
		if job.Result != nil {
			if job.Result.Buildings != nil {
				resp.Buildings = job.Result.Buildings
			}
			resp.TotalBuildings = job.Result.TotalBuildings
			resp.ExecutionTime = job.Result.ExecutionTime
		}
		s.writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.mgr.Cancel(id)
	switch {
	case errors.Is(err, jobs.ErrUnknownJob):
		s.writeJobNotFound(w, id)
		return
	case errors.Is(err, jobs.ErrTerminal):
		job, _ := s.mgr.Get(id)
		s.writeError(w, http.StatusConflict, "Job Not Cancellable",
			fmt.Sprintf("Job %q cannot be cancelled. Current status: %s", id, job.Status),
			"", "job_error")
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "Internal Server Error",
			"Could not cancel job.", err.Error(), "server_error")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"job_id":       id,
		"status":       string(jobs.StatusCancelled),
		"message":      "Job has been cancelled successfully",
		"cancelled_at": time.Now().Format(time.RFC3339),
	})
}

type jobSummary struct {
	JobID          string `json:"job_id"`
	Status         string `json:"status"`
	Progress       int    `json:"progress"`
	Stage          string `json:"stage"`
	BuildingsFound int    `json:"buildings_found"`
	StartTime      string `json:"start_time"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	all := s.mgr.List()
	summaries := make([]jobSummary, 0, len(all))
	for _, job := range all {
		summaries = append(summaries, jobSummary{
			JobID:          job.ID,
			Status:         string(job.Status),
			Progress:       job.Progress,
			Stage:          job.Stage,
			BuildingsFound: job.BuildingsFound,
			StartTime:      job.StartTime.Format(time.RFC3339),
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"total":          len(summaries),
		"active":         s.mgr.ActiveCount(),
		"max_concurrent": s.mgr.MaxConcurrent(),
		"jobs":           summaries,
	})
}

// streamInterval is the SSE poll period for job progress events.
const streamInterval = 500 * time.Millisecond

// handleJobStream pushes status events over Server-Sent Events until
// the job reaches a terminal state or the client disconnects.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.mgr.Get(id); !ok {
		s.writeJobNotFound(w, id)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "Streaming Unsupported",
			"Server-Sent Events are not supported on this connection.", "", "server_error")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()

	for {
		job, ok := s.mgr.Get(id)
		if !ok {
			return
		}
		data, err := json.Marshal(statusOf(job))
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()

		if job.Status.Terminal() {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) writeJobNotFound(w http.ResponseWriter, id string) {
	s.writeError(w, http.StatusNotFound, "Job Not Found",
		fmt.Sprintf("Job %q not found. It may have been cleaned up, or the job ID is invalid.", id),
		"", "job_error")
}
