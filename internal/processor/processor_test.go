package processor

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MeKo-Tech/rooftop/internal/detect"
	"github.com/MeKo-Tech/rooftop/internal/store"
	"github.com/MeKo-Tech/rooftop/internal/tile"
)

type fakeSource struct {
	mu      sync.Mutex
	fetched []tile.Coords
	fail    map[tile.Coords]bool
}

func (s *fakeSource) Fetch(ctx context.Context, c tile.Coords) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.fetched = append(s.fetched, c)
	fail := s.fail[c]
	s.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("tile unavailable")
	}
	return image.NewRGBA(image.Rect(0, 0, tile.Size, tile.Size)), nil
}

func (s *fakeSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fetched)
}

type fakeDetector struct {
	calls atomic.Int64
}

func (d *fakeDetector) Detect(ctx context.Context, img image.Image, conf float64) ([]detect.Detection, error) {
	d.calls.Add(1)
	return []detect.Detection{
		{Box: detect.Box{X1: 10, Y1: 10, X2: 50, Y2: 50}, Score: 0.9},
	}, nil
}

func (d *fakeDetector) Info() detect.ModelInfo {
	return detect.ModelInfo{Loaded: true}
}

func plan(n int) []tile.Coords {
	coords := make([]tile.Coords, 0, n)
	for i := 0; i < n; i++ {
		coords = append(coords, tile.New(18, uint32(100+i), 100))
	}
	return coords
}

func newTestProcessor(t *testing.T, src *fakeSource, det *fakeDetector, mutate func(*Config)) (*Processor, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.New() error: %v", err)
	}
	cfg := Config{
		Source:   src,
		Detector: det,
		Store:    st,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return p, st
}

func TestRunProcessesAllTiles(t *testing.T) {
	src := &fakeSource{}
	det := &fakeDetector{}
	p, st := newTestProcessor(t, src, det, nil)

	coords := plan(7)
	results, stats, err := p.Run(context.Background(), coords)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Planned != 7 || stats.Processed != 7 || stats.Failed != 0 || stats.Resumed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if len(results) != 7 {
		t.Fatalf("got %d results, want 7", len(results))
	}
	// Row-major output regardless of worker completion order.
	for i := 1; i < len(results); i++ {
		a, b := results[i-1].Coords, results[i].Coords
		if a.Y > b.Y || (a.Y == b.Y && a.X >= b.X) {
			t.Errorf("results out of order: %s before %s", a, b)
		}
	}

	// Every tile's files landed on disk.
	saved, err := st.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(saved) != 7 {
		t.Errorf("store holds %d tiles, want 7", len(saved))
	}
}

func TestRunReportsBatches(t *testing.T) {
	src := &fakeSource{}
	det := &fakeDetector{}

	type report struct{ done, total, tilesDone, tilesTotal int }
	var mu sync.Mutex
	var reports []report

	p, _ := newTestProcessor(t, src, det, func(cfg *Config) {
		cfg.BatchSize = 5
		cfg.OnBatch = func(batchesDone, batchesTotal, tilesDone, tilesTotal int) {
			mu.Lock()
			reports = append(reports, report{batchesDone, batchesTotal, tilesDone, tilesTotal})
			mu.Unlock()
		}
	})

	if _, _, err := p.Run(context.Background(), plan(12)); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []report{{1, 3, 5, 12}, {2, 3, 10, 12}, {3, 3, 12, 12}}
	if len(reports) != len(want) {
		t.Fatalf("got %d batch reports, want %d: %v", len(reports), len(want), reports)
	}
	for i := range want {
		if reports[i] != want[i] {
			t.Errorf("report %d = %+v, want %+v", i, reports[i], want[i])
		}
	}
}

func TestRunSkipsFailedTiles(t *testing.T) {
	coords := plan(4)
	src := &fakeSource{fail: map[tile.Coords]bool{coords[1]: true}}
	det := &fakeDetector{}
	p, _ := newTestProcessor(t, src, det, nil)

	results, stats, err := p.Run(context.Background(), coords)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Processed != 3 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want 3 processed, 1 failed", stats)
	}
	if len(results) != 3 {
		t.Errorf("got %d results, want 3", len(results))
	}
	for _, r := range results {
		if r.Coords == coords[1] {
			t.Errorf("failed tile %s present in results", r.Coords)
		}
	}
}

func TestRunResumeSkipsSavedTiles(t *testing.T) {
	src := &fakeSource{}
	det := &fakeDetector{}
	p, st := newTestProcessor(t, src, det, nil)

	coords := plan(6)
	if _, _, err := p.Run(context.Background(), coords); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	firstFetches := src.fetchCount()
	if firstFetches != 6 {
		t.Fatalf("first run fetched %d tiles, want 6", firstFetches)
	}

	// Second run over the same plan with Resume: nothing re-fetched.
	resumed, err := New(Config{
		Source:   src,
		Detector: det,
		Store:    st,
		Resume:   true,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	results, stats, err := resumed.Run(context.Background(), coords)
	if err != nil {
		t.Fatalf("resumed Run() error: %v", err)
	}
	if stats.Resumed != 6 || stats.Processed != 0 {
		t.Errorf("stats = %+v, want 6 resumed, 0 processed", stats)
	}
	if len(results) != 6 {
		t.Errorf("got %d results, want 6", len(results))
	}
	if src.fetchCount() != firstFetches {
		t.Errorf("resume re-fetched tiles: %d fetches total", src.fetchCount())
	}
}

func TestRunCancellation(t *testing.T) {
	src := &fakeSource{}
	det := &fakeDetector{}

	ctx, cancel := context.WithCancel(context.Background())
	p, _ := newTestProcessor(t, src, det, func(cfg *Config) {
		cfg.BatchSize = 2
		cfg.OnBatch = func(batchesDone, _, _, _ int) {
			if batchesDone == 1 {
				cancel()
			}
		}
	})

	results, _, err := p.Run(ctx, plan(10))
	if err == nil {
		t.Fatal("Run() returned nil error after cancellation")
	}
	if ctx.Err() == nil {
		t.Fatal("context not cancelled")
	}
	// Whatever completed before the cancel is still returned.
	if len(results) == 0 {
		t.Error("no partial results returned")
	}
}

func TestRunEmptyPlan(t *testing.T) {
	p, _ := newTestProcessor(t, &fakeSource{}, &fakeDetector{}, nil)

	results, stats, err := p.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(results) != 0 || stats.Planned != 0 {
		t.Errorf("results=%d stats=%+v", len(results), stats)
	}
}
