package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MeKo-Tech/rooftop/internal/export"
	"github.com/MeKo-Tech/rooftop/internal/geojson"
	"github.com/MeKo-Tech/rooftop/internal/jobs"
	"github.com/MeKo-Tech/rooftop/internal/pipeline"
)

// detectRequest is the body of both detection endpoints. Unset optional
// fields fall back to the configured defaults.
type detectRequest struct {
	Polygon json.RawMessage `json:"polygon"`
	JobID   string          `json:"job_id,omitempty"`

	Zoom                    *uint32  `json:"zoom,omitempty"`
	Confidence              *float64 `json:"confidence,omitempty"`
	BatchSize               *int     `json:"batch_size,omitempty"`
	EnableMerging           *bool    `json:"enable_merging,omitempty"`
	MergeIoUThreshold       *float64 `json:"merge_iou_threshold,omitempty"`
	MergeTouchEnabled       *bool    `json:"merge_touch_enabled,omitempty"`
	MergeMinEdgeDistanceDeg *float64 `json:"merge_min_edge_distance_deg,omitempty"`
}

// params merges the request overrides over the configured defaults.
func (req detectRequest) params(defaults jobs.Params) jobs.Params {
	p := defaults
	if req.Zoom != nil {
		p.Zoom = *req.Zoom
	}
	if req.Confidence != nil {
		p.Confidence = *req.Confidence
	}
	if req.BatchSize != nil {
		p.BatchSize = *req.BatchSize
	}
	if req.EnableMerging != nil {
		p.EnableMerging = *req.EnableMerging
	}
	if req.MergeIoUThreshold != nil {
		p.MergeIoUThreshold = *req.MergeIoUThreshold
	}
	if req.MergeTouchEnabled != nil {
		p.MergeTouchEnabled = *req.MergeTouchEnabled
	}
	if req.MergeMinEdgeDistanceDeg != nil {
		p.MergeMinEdgeDistanceDeg = *req.MergeMinEdgeDistanceDeg
	}
	return p
}

type detectResponse struct {
	Success        bool              `json:"success"`
	Message        string            `json:"message"`
	Buildings      []export.Building `json:"buildings"`
	TotalBuildings int               `json:"total_buildings"`
	ExecutionTime  float64           `json:"execution_time"`
}

type submitResponse struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	Message     string `json:"message"`
	SubmittedAt string `json:"submitted_at"`
}

func (s *Server) handleDetectSync(w http.ResponseWriter, r *http.Request) {
	if !s.modelLoaded() {
		s.writeError(w, http.StatusServiceUnavailable, "Model Not Available",
			"Detection model is not loaded. Please check server configuration.", "", "model_error")
		return
	}

	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid Request",
			"Request body is not valid JSON.", err.Error(), "validation_error")
		return
	}
	if _, err := geojson.Extract(req.Polygon); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid Polygon",
			fmt.Sprintf("Invalid GeoJSON format: %v", err), "", "validation_error")
		return
	}

	result, err := s.runner.Run(r.Context(), pipeline.Request{
		Polygon: req.Polygon,
		Params:  req.params(s.defaults),
	}, nil)
	if err != nil {
		s.log().Error("synchronous detection failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Detection Processing Error",
			"An error occurred during building detection processing.", err.Error(), "processing_error")
		return
	}

	s.writeJSON(w, http.StatusOK, detectResponse{
		Success:        true,
		Message:        "Building detection completed successfully",
		Buildings:      result.Buildings,
		TotalBuildings: result.TotalBuildings,
		ExecutionTime:  result.ExecutionTime,
	})
}

func (s *Server) handleDetectAsync(w http.ResponseWriter, r *http.Request) {
	if !s.modelLoaded() {
		s.writeError(w, http.StatusServiceUnavailable, "Model Not Available",
			"Detection model is not loaded. Please check server configuration.", "", "model_error")
		return
	}

	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid Request",
			"Request body is not valid JSON.", err.Error(), "validation_error")
		return
	}

	// Error precedence: capacity, then id format and duplicates, then
	// the polygon itself.
	if active := s.mgr.ActiveCount(); active >= s.mgr.MaxConcurrent() {
		s.writeError(w, http.StatusTooManyRequests, "Server at Capacity",
			fmt.Sprintf("Maximum %d concurrent jobs allowed. Currently processing: %d",
				s.mgr.MaxConcurrent(), active), "", "capacity_error")
		return
	}
	if req.JobID != "" {
		if err := s.mgr.ValidateID(req.JobID); err != nil {
			s.writeError(w, http.StatusUnprocessableEntity, "Invalid Job ID",
				err.Error(), "", "validation_error")
			return
		}
		if s.mgr.Exists(req.JobID) {
			s.writeError(w, http.StatusConflict, "Duplicate Job ID",
				fmt.Sprintf("Job ID %q already exists. Choose a different job_id or omit it for auto-generation.",
					req.JobID), "", "validation_error")
			return
		}
	}
	if _, err := geojson.Extract(req.Polygon); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid Polygon",
			fmt.Sprintf("Invalid GeoJSON format: %v", err), "", "validation_error")
		return
	}

	job, err := s.mgr.Create(req.Polygon, req.params(s.defaults), req.JobID)
	if err != nil {
		s.writeCreateError(w, err)
		return
	}
	s.exec.Submit(job.ID, s.runner.RunJob)

	s.writeJSON(w, http.StatusOK, submitResponse{
		JobID:       job.ID,
		Status:      string(job.Status),
		Message:     "Detection job submitted successfully. Use /api/v1/jobs/{id}/status to track progress.",
		SubmittedAt: time.Now().Format(time.RFC3339),
	})
}

// writeCreateError maps admission failures that slipped past the
// pre-checks (lost races) to the same statuses.
func (s *Server) writeCreateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrCapacity):
		s.writeError(w, http.StatusTooManyRequests, "Server at Capacity",
			err.Error(), "", "capacity_error")
	case errors.Is(err, jobs.ErrInvalidID):
		s.writeError(w, http.StatusUnprocessableEntity, "Invalid Job ID",
			err.Error(), "", "validation_error")
	case errors.Is(err, jobs.ErrDuplicateID):
		s.writeError(w, http.StatusConflict, "Duplicate Job ID",
			err.Error(), "", "validation_error")
	default:
		s.writeError(w, http.StatusInternalServerError, "Internal Server Error",
			"Could not create job.", err.Error(), "server_error")
	}
}
