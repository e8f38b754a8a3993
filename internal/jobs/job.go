// Package jobs manages detection job lifecycle: admission under a
// concurrency cap, identifier validation, progress tracking, results,
// cancellation, and cleanup. Jobs live in memory only; the per-tile
// files a job writes are its single durable artifact.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/MeKo-Tech/rooftop/internal/export"
)

// Status is the lifecycle state of a job. Transitions are monotone:
// queued -> processing -> {completed, failed}, with cancelled reachable
// from queued and processing. Terminal states are frozen.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the job counts against the concurrency cap.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusProcessing
}

// Params are the per-job detection parameters.
type Params struct {
	Zoom                    uint32  `json:"zoom"`
	Confidence              float64 `json:"confidence"`
	BatchSize               int     `json:"batch_size"`
	EnableMerging           bool    `json:"enable_merging"`
	MergeIoUThreshold       float64 `json:"merge_iou_threshold"`
	MergeTouchEnabled       bool    `json:"merge_touch_enabled"`
	MergeMinEdgeDistanceDeg float64 `json:"merge_min_edge_distance_deg"`
}

// Summary describes one finished run for diagnostics.
type Summary struct {
	TotalTiles          int     `json:"total_tiles"`
	Zoom                uint32  `json:"zoom"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	MergingEnabled      bool    `json:"merging_enabled"`
}

// Result is the payload of a completed job.
type Result struct {
	Buildings      []export.Building `json:"buildings"`
	TotalBuildings int               `json:"total_buildings"`
	ExecutionTime  float64           `json:"execution_time"`
	Summary        Summary           `json:"detection_summary"`
}

// Job is a snapshot of one job's state. The manager owns the live
// record; callers receive copies and publish mutations through manager
// methods only.
type Job struct {
	ID             string
	Status         Status
	Progress       int
	Stage          string
	BuildingsFound int
	StartTime      time.Time
	EndTime        time.Time // zero while running
	ErrorMessage   string
	Polygon        json.RawMessage
	Params         Params
	Result         *Result
}

// ExecutionTime is the elapsed wall time: start to end for terminal
// jobs, start to now otherwise.
func (j Job) ExecutionTime() time.Duration {
	if !j.EndTime.IsZero() {
		return j.EndTime.Sub(j.StartTime)
	}
	return time.Since(j.StartTime)
}
