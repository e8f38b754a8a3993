// Package processor runs the detector over a planned set of tiles. It
// fetches tiles, detects buildings on each, and persists per-tile
// results, working through the plan in fixed-size batches with a small
// worker pool per batch.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/MeKo-Tech/rooftop/internal/detect"
	"github.com/MeKo-Tech/rooftop/internal/fetch"
	"github.com/MeKo-Tech/rooftop/internal/store"
	"github.com/MeKo-Tech/rooftop/internal/tile"
	"github.com/MeKo-Tech/rooftop/internal/worker"
)

const (
	// DefaultWorkers is the number of tiles processed concurrently
	// within one batch.
	DefaultWorkers = 2

	// DefaultBatchSize is the number of tiles per batch. Progress is
	// reported once per completed batch.
	DefaultBatchSize = 5

	// DefaultConfidence is the minimum detector score kept.
	DefaultConfidence = 0.25
)

// BatchFunc is called after each batch completes with cumulative
// counts. tilesDone includes failed tiles; resumed tiles are not
// counted.
type BatchFunc func(batchesDone, batchesTotal, tilesDone, tilesTotal int)

// Stats summarizes one processing run.
type Stats struct {
	Planned   int // tiles in the plan
	Resumed   int // tiles restored from disk instead of processed
	Processed int // tiles newly processed successfully
	Failed    int // tiles that failed and were skipped
}

// Config configures a Processor.
type Config struct {
	Workers    int
	BatchSize  int
	Confidence float64

	// Resume reuses tile results already present in the store and
	// removes their tiles from the work set.
	Resume bool

	Source fetch.Source

	// Detector is expected to serialize its own inference calls (see
	// detect.NewLocked); workers invoke it concurrently.
	Detector detect.Detector

	Store  *store.Store
	Logger *slog.Logger

	// OnBatch reports batch-level progress.
	OnBatch BatchFunc

	// OnTile reports tile-level progress, cumulative across batches.
	OnTile worker.ProgressFunc
}

// Processor executes detection over tile plans.
type Processor struct {
	cfg Config
}

// New validates the configuration and returns a Processor.
func New(cfg Config) (*Processor, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("tile source is required")
	}
	if cfg.Detector == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("result store is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Confidence <= 0 {
		cfg.Confidence = DefaultConfidence
	}
	return &Processor{cfg: cfg}, nil
}

// Run processes every planned tile and returns the per-tile results in
// row-major order. Failed tiles are logged and skipped; the run only
// errors on cancellation. Partial results written before a
// cancellation stay on disk for a later resumed run.
func (p *Processor) Run(ctx context.Context, coords []tile.Coords) ([]store.TileResult, Stats, error) {
	stats := Stats{Planned: len(coords)}

	results := make([]store.TileResult, 0, len(coords))
	work := coords
	if p.cfg.Resume {
		var err error
		work, results, err = p.resume(coords)
		if err != nil {
			return nil, stats, err
		}
		stats.Resumed = len(results)
		if stats.Resumed > 0 {
			p.log().Info("resuming from saved tile results",
				"resumed", stats.Resumed,
				"remaining", len(work))
		}
	}

	tw := &TileWorker{
		Source:     p.cfg.Source,
		Detector:   p.cfg.Detector,
		Store:      p.cfg.Store,
		Confidence: p.cfg.Confidence,
		Logger:     p.cfg.Logger,
	}
	pool := worker.New(worker.Config{
		Workers:   p.cfg.Workers,
		Processor: tw,
	})

	batches := chunk(work, p.cfg.BatchSize)
	tilesDone := 0

	for bi, batch := range batches {
		if err := ctx.Err(); err != nil {
			return sorted(results), stats, err
		}

		base, failedBase := tilesDone, stats.Failed
		var onTile worker.ProgressFunc
		if p.cfg.OnTile != nil {
			onTile = func(completed, _, failed int) {
				p.cfg.OnTile(base+completed, len(work), failedBase+failed)
			}
		}

		start := time.Now()
		for _, r := range pool.Run(ctx, batch, onTile) {
			tilesDone++
			if r.Err != nil {
				if ctx.Err() != nil {
					return sorted(results), stats, ctx.Err()
				}
				stats.Failed++
				p.log().Warn("tile failed, skipping",
					"coords", r.Coords.String(),
					"error", r.Err)
				continue
			}
			stats.Processed++
			results = append(results, r.Tile)
		}

		if err := ctx.Err(); err != nil {
			return sorted(results), stats, err
		}

		p.log().Info("batch complete",
			"batch", bi+1,
			"batches", len(batches),
			"tiles_done", tilesDone,
			"tiles_total", len(work),
			"elapsed", time.Since(start))

		if p.cfg.OnBatch != nil {
			p.cfg.OnBatch(bi+1, len(batches), tilesDone, len(work))
		}
	}

	return sorted(results), stats, nil
}

// resume splits the plan into tiles still to process and results
// restored from disk. Saved tiles outside the plan are ignored.
func (p *Processor) resume(coords []tile.Coords) ([]tile.Coords, []store.TileResult, error) {
	saved, err := p.cfg.Store.LoadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("loading saved tile results: %w", err)
	}

	byKey := make(map[tile.Coords]store.TileResult, len(saved))
	for _, res := range saved {
		byKey[res.Coords] = res
	}

	work := make([]tile.Coords, 0, len(coords))
	results := make([]store.TileResult, 0, len(saved))
	for _, c := range coords {
		if res, ok := byKey[c]; ok {
			results = append(results, res)
			continue
		}
		work = append(work, c)
	}
	return work, results, nil
}

func (p *Processor) log() *slog.Logger {
	if p.cfg.Logger != nil {
		return p.cfg.Logger
	}
	return slog.Default()
}

// TileWorker performs the fetch, detect, and save steps for one tile.
type TileWorker struct {
	Source     fetch.Source
	Detector   detect.Detector
	Store      *store.Store
	Confidence float64
	Logger     *slog.Logger
}

// ProcessTile fetches the tile image, runs detection on it, and
// persists the result.
func (w *TileWorker) ProcessTile(ctx context.Context, coords tile.Coords) (store.TileResult, error) {
	img, err := w.Source.Fetch(ctx, coords)
	if err != nil {
		return store.TileResult{}, fmt.Errorf("fetching tile %s: %w", coords, err)
	}

	dets, err := w.Detector.Detect(ctx, img, w.Confidence)
	if err != nil {
		return store.TileResult{}, fmt.Errorf("detecting on tile %s: %w", coords, err)
	}

	res := store.TileResult{
		Coords:      coords,
		Bounds:      coords.Bounds(),
		Detections:  dets,
		ProcessedAt: time.Now(),
		Image:       img,
	}
	if err := w.Store.Save(res); err != nil {
		return store.TileResult{}, err
	}

	w.log().Debug("tile processed",
		"coords", coords.String(),
		"detections", len(dets))
	return res, nil
}

func (w *TileWorker) log() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func chunk(coords []tile.Coords, size int) [][]tile.Coords {
	if len(coords) == 0 {
		return nil
	}
	batches := make([][]tile.Coords, 0, (len(coords)+size-1)/size)
	for start := 0; start < len(coords); start += size {
		end := start + size
		if end > len(coords) {
			end = len(coords)
		}
		batches = append(batches, coords[start:end])
	}
	return batches
}

func sorted(results []store.TileResult) []store.TileResult {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i].Coords, results[j].Coords
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	return results
}
