// Package pipeline runs one detection job end to end: polygon
// validation, tile planning, parallel processing, merging, and the
// final containment filter, publishing staged progress along the way.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/paulmach/orb"

	"github.com/MeKo-Tech/rooftop/internal/detect"
	"github.com/MeKo-Tech/rooftop/internal/export"
	"github.com/MeKo-Tech/rooftop/internal/fetch"
	"github.com/MeKo-Tech/rooftop/internal/geojson"
	"github.com/MeKo-Tech/rooftop/internal/jobs"
	"github.com/MeKo-Tech/rooftop/internal/merge"
	"github.com/MeKo-Tech/rooftop/internal/mosaic"
	"github.com/MeKo-Tech/rooftop/internal/processor"
	"github.com/MeKo-Tech/rooftop/internal/store"
	"github.com/MeKo-Tech/rooftop/internal/tile"
	"github.com/MeKo-Tech/rooftop/internal/worker"
)

// Runtime carries the process-wide collaborators, constructed once at
// startup and injected everywhere. The job manager holds jobs, never
// the detector; the detector is expected to be wrapped with
// detect.NewLocked already.
type Runtime struct {
	Detector detect.Detector
	Source   fetch.Source
	Jobs     *jobs.Manager
	Logger   *slog.Logger
}

// Request describes one pipeline run.
type Request struct {
	Polygon json.RawMessage
	Params  jobs.Params

	// OutputDir receives tile files and result JSON. Empty means a
	// private temp directory, removed when the run returns.
	OutputDir string

	// Resume reuses tile files already present in OutputDir.
	Resume bool

	// Visualize writes an overview.png mosaic next to the results.
	Visualize bool

	// Workers overrides the per-batch worker count; zero keeps the
	// processor default.
	Workers int

	// OnTile receives per-tile progress, used by the CLI progress bar.
	OnTile worker.ProgressFunc
}

// ProgressFunc publishes staged progress. Percentages are monotone.
type ProgressFunc func(progress int, stage string, buildingsFound int)

// Stage/progress schedule. Processing interpolates between
// progressProcessing and progressMerging by completed batches.
const (
	progressInitializing = 5
	progressValidating   = 15
	progressPlanning     = 30
	progressProcessing   = 35
	progressMerging      = 80
	progressEmitting     = 95
	progressDone         = 100
)

// Runner executes detection requests against a Runtime.
type Runner struct {
	rt *Runtime
}

// NewRunner creates a runner.
func NewRunner(rt *Runtime) *Runner {
	return &Runner{rt: rt}
}

// Run executes the pipeline and returns the final result. Tile-level
// failures are absorbed; any other failure aborts the run. The output
// directory is removed on exit only when Run created it.
func (r *Runner) Run(ctx context.Context, req Request, progress ProgressFunc) (*jobs.Result, error) {
	start := time.Now()
	report := func(pct int, stage string, found int) {
		if progress != nil {
			progress(pct, stage, found)
		}
	}

	outputDir := req.OutputDir
	if outputDir == "" {
		dir, err := os.MkdirTemp("", "detection_*")
		if err != nil {
			return nil, fmt.Errorf("creating job directory: %w", err)
		}
		outputDir = dir
		defer os.RemoveAll(dir)
	} else if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	report(progressInitializing, "Initializing detection process", 0)
	polygonPath := filepath.Join(outputDir, "input_polygon.geojson")
	if err := os.WriteFile(polygonPath, req.Polygon, 0o644); err != nil {
		return nil, fmt.Errorf("writing polygon file: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	geom, err := geojson.Extract(req.Polygon)
	if err != nil {
		return nil, fmt.Errorf("invalid polygon: %w", err)
	}
	report(progressValidating, "Validated input polygon", 0)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	coords, err := tile.Plan(geom, req.Params.Zoom)
	if err != nil {
		return nil, err
	}
	report(progressPlanning, fmt.Sprintf("Found %d tiles to process", len(coords)), 0)
	r.log().Info("tiles planned", "tiles", len(coords), "zoom", req.Params.Zoom)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results, stats, err := r.processTiles(ctx, req, outputDir, coords, report)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dets := merge.Reproject(results)
	report(progressMerging, "Processing and merging detections", len(dets))

	var buildings []merge.Building
	if req.Params.EnableMerging {
		m := merge.New(merge.Options{
			IoUThreshold:       req.Params.MergeIoUThreshold,
			TouchEnabled:       req.Params.MergeTouchEnabled,
			MinEdgeDistanceDeg: req.Params.MergeMinEdgeDistanceDeg,
			Logger:             r.rt.Logger,
		})
		buildings = m.Merge(dets)
	} else {
		buildings = merge.Singletons(dets)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	final := export.Filter(buildings, geom)
	report(progressEmitting, "Finalizing results", len(final))

	if err := r.writeOutputs(outputDir, req, geom, results, buildings, final); err != nil {
		return nil, err
	}

	result := &jobs.Result{
		Buildings:      final,
		TotalBuildings: len(final),
		ExecutionTime:  time.Since(start).Seconds(),
		Summary: jobs.Summary{
			TotalTiles:          len(coords),
			Zoom:                req.Params.Zoom,
			ConfidenceThreshold: req.Params.Confidence,
			MergingEnabled:      req.Params.EnableMerging,
		},
	}

	report(progressDone, "Completed successfully", len(final))
	r.log().Info("detection complete",
		"tiles", stats.Planned,
		"resumed", stats.Resumed,
		"failed", stats.Failed,
		"detections", len(dets),
		"buildings", len(final),
		"elapsed", time.Since(start))

	return result, nil
}

func (r *Runner) processTiles(
	ctx context.Context,
	req Request,
	outputDir string,
	coords []tile.Coords,
	report func(int, string, int),
) ([]store.TileResult, processor.Stats, error) {
	st, err := store.New(outputDir, r.rt.Logger)
	if err != nil {
		return nil, processor.Stats{}, err
	}

	span := progressMerging - progressProcessing
	proc, err := processor.New(processor.Config{
		Workers:    req.Workers,
		BatchSize:  req.Params.BatchSize,
		Confidence: req.Params.Confidence,
		Resume:     req.Resume,
		Source:     r.rt.Source,
		Detector:   r.rt.Detector,
		Store:      st,
		Logger:     r.rt.Logger,
		OnTile:     req.OnTile,
		OnBatch: func(batchesDone, batchesTotal, tilesDone, tilesTotal int) {
			pct := progressProcessing
			if batchesTotal > 0 {
				pct += span * batchesDone / batchesTotal
			}
			report(pct, fmt.Sprintf("Processed %d of %d tiles", tilesDone, tilesTotal), 0)
		},
	})
	if err != nil {
		return nil, processor.Stats{}, err
	}

	report(progressProcessing, fmt.Sprintf("Processing %d tiles", len(coords)), 0)
	return proc.Run(ctx, coords)
}

func (r *Runner) writeOutputs(
	outputDir string,
	req Request,
	geom orb.Geometry,
	results []store.TileResult,
	buildings []merge.Building,
	final []export.Building,
) error {
	if err := export.WriteBuildings(buildings, req.Params.EnableMerging,
		filepath.Join(outputDir, "buildings.json")); err != nil {
		return err
	}
	if err := export.WriteSimple(final,
		filepath.Join(outputDir, "buildings_simple.json")); err != nil {
		return err
	}

	if req.Visualize {
		path := filepath.Join(outputDir, "overview.png")
		if err := mosaic.Render(results, geom, buildings, path); err != nil {
			// The overview is a convenience artifact; its failure must
			// not fail an otherwise successful run.
			r.log().Warn("overview rendering failed", "error", err)
		} else {
			r.log().Info("overview written", "path", path)
		}
	}
	return nil
}

// RunJob executes one accepted job, publishing progress through the job
// manager and recording the terminal state. Matches jobs.RunFunc.
func (r *Runner) RunJob(ctx context.Context, job jobs.Job) {
	mgr := r.rt.Jobs

	result, err := r.Run(ctx, Request{
		Polygon: job.Polygon,
		Params:  job.Params,
	}, func(progress int, stage string, found int) {
		// A terminal job rejects updates; nothing to do but stop
		// publishing.
		_ = mgr.UpdateProgress(job.ID, progress, stage, found)
	})

	switch {
	case errors.Is(err, context.Canceled):
		// Cancel() already froze the job; the temp directory is gone
		// via the deferred cleanup in Run.
		r.log().Info("job run aborted by cancellation", "job_id", job.ID)
	case err != nil:
		r.log().Error("job failed", "job_id", job.ID, "error", err)
		if ferr := mgr.Fail(job.ID, err.Error()); ferr != nil {
			r.log().Warn("could not record job failure", "job_id", job.ID, "error", ferr)
		}
	default:
		if cerr := mgr.Complete(job.ID, result); cerr != nil {
			r.log().Warn("could not record job completion", "job_id", job.ID, "error", cerr)
		}
	}
}

func (r *Runner) log() *slog.Logger {
	if r.rt.Logger != nil {
		return r.rt.Logger
	}
	return slog.Default()
}
