// Package worker provides a parallel tile processing worker pool.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/MeKo-Tech/rooftop/internal/store"
	"github.com/MeKo-Tech/rooftop/internal/tile"
)

// Processor is the per-tile work function run by the pool. It matches
// the signature of processor.TileWorker.ProcessTile.
type Processor interface {
	ProcessTile(ctx context.Context, coords tile.Coords) (store.TileResult, error)
}

// Result represents the outcome of processing a single tile.
type Result struct {
	Coords  tile.Coords
	Tile    store.TileResult
	Err     error
	Elapsed time.Duration
}

// ProgressFunc is called after each tile completes.
type ProgressFunc func(completed, total, failed int)

// Config configures the worker pool.
type Config struct {
	Workers   int
	Processor Processor
}

// Pool runs tile processing in parallel. A pool is reusable: Run may be
// called once per batch against the same pool.
type Pool struct {
	workers   int
	processor Processor
}

// New creates a new worker pool.
func New(cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	return &Pool{
		workers:   workers,
		processor: cfg.Processor,
	}
}

// Run processes all coords and returns their results. Tiles are
// processed in parallel by the configured number of workers. The
// function blocks until all tiles complete or the context is
// cancelled; on cancellation unfed tiles produce no result.
func (p *Pool) Run(ctx context.Context, coords []tile.Coords, onProgress ProgressFunc) []Result {
	if len(coords) == 0 {
		return nil
	}

	taskCh := make(chan tile.Coords, len(coords))
	resultCh := make(chan Result, len(coords))

	var (
		completed int
		failed    int
		mu        sync.Mutex
	)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, taskCh, resultCh)
		}()
	}

	// Feed tasks, stopping early on cancellation.
	go func() {
		defer close(taskCh)
		for _, c := range coords {
			select {
			case taskCh <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	results := make([]Result, 0, len(coords))
	done := make(chan struct{})

	go func() {
		defer close(done)
		for result := range resultCh {
			results = append(results, result)

			mu.Lock()
			completed++
			if result.Err != nil {
				failed++
			}
			c, f := completed, failed
			mu.Unlock()

			if onProgress != nil {
				onProgress(c, len(coords), f)
			}
		}
	}()

	wg.Wait()
	close(resultCh)
	<-done

	return results
}

func (p *Pool) worker(ctx context.Context, tasks <-chan tile.Coords, results chan<- Result) {
	for coords := range tasks {
		select {
		case <-ctx.Done():
			results <- Result{
				Coords: coords,
				Err:    ctx.Err(),
			}
			continue
		default:
		}

		start := time.Now()
		res, err := p.processor.ProcessTile(ctx, coords)
		elapsed := time.Since(start)

		results <- Result{
			Coords:  coords,
			Tile:    res,
			Err:     err,
			Elapsed: elapsed,
		}
	}
}
