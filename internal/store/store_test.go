package store

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MeKo-Tech/rooftop/internal/detect"
	"github.com/MeKo-Tech/rooftop/internal/tile"
)

func newTileResult(t *testing.T, c tile.Coords, boxes ...detect.Box) TileResult {
	t.Helper()
	dets := make([]detect.Detection, 0, len(boxes))
	for i, b := range boxes {
		dets = append(dets, detect.Detection{Box: b, Score: 0.5 + float64(i)*0.1, Class: i})
	}
	return TileResult{
		Coords:      c,
		Bounds:      c.Bounds(),
		Detections:  dets,
		ProcessedAt: time.Now(),
	}
}

func TestSaveWritesBothFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	c := tile.New(18, 208844, 135536)
	res := newTileResult(t, c, detect.Box{X1: 10, Y1: 10, X2: 50, Y2: 50})
	if err := s.Save(res); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	for _, name := range []string{
		"tile_18_208844_135536.json",
		"tile_18_208844_135536_simple.json",
	} {
		if _, err := os.Stat(filepath.Join(dir, "tiles", name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(dir, "tiles"))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestDetailedRecordShape(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	c := tile.New(18, 208844, 135536)
	res := newTileResult(t, c,
		detect.Box{X1: 10, Y1: 20, X2: 50, Y2: 60},
		detect.Box{X1: 100, Y1: 110, X2: 140, Y2: 150},
	)
	if err := s.Save(res); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(s.DetailedPath(c))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if got := rec["tile"]; got != "18/208844/135536" {
		t.Errorf("tile = %v, want 18/208844/135536", got)
	}
	if got := rec["detections"]; got != float64(2) {
		t.Errorf("detections = %v, want 2", got)
	}

	bounds, ok := rec["bounds"].([]any)
	if !ok || len(bounds) != 4 {
		t.Fatalf("bounds = %v, want 4-element array", rec["bounds"])
	}
	west, south := bounds[0].(float64), bounds[1].(float64)
	east, north := bounds[2].(float64), bounds[3].(float64)
	if west >= east || south >= north {
		t.Errorf("bounds not ordered [w,s,e,n]: %v", bounds)
	}

	boxes, ok := rec["boxes"].([]any)
	if !ok || len(boxes) != 2 {
		t.Fatalf("boxes = %v, want 2 entries", rec["boxes"])
	}
	first, ok := boxes[0].([]any)
	if !ok || len(first) != 4 {
		t.Fatalf("boxes[0] = %v, want [x1,y1,x2,y2]", boxes[0])
	}
	if first[0].(float64) != 10 || first[3].(float64) != 60 {
		t.Errorf("boxes[0] = %v, want [10 20 50 60]", first)
	}

	if confs, ok := rec["confidences"].([]any); !ok || len(confs) != 2 {
		t.Errorf("confidences = %v, want 2 entries", rec["confidences"])
	}
	if classes, ok := rec["class_ids"].([]any); !ok || len(classes) != 2 {
		t.Errorf("class_ids = %v, want 2 entries", rec["class_ids"])
	}

	ts, ok := rec["processed_at"].(float64)
	if !ok || ts <= 0 {
		t.Errorf("processed_at = %v, want positive unix timestamp", rec["processed_at"])
	}
}

func TestDetailedRecordEmptyTileHasEmptyArrays(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	c := tile.New(18, 100, 200)
	if err := s.Save(newTileResult(t, c)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(s.DetailedPath(c))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	raw := string(data)
	if strings.Contains(raw, "null") {
		t.Errorf("empty tile record contains null, want empty arrays:\n%s", raw)
	}
}

func TestSimpleRecordShape(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	c := tile.New(18, 208844, 135536)
	res := newTileResult(t, c,
		detect.Box{X1: 0, Y1: 0, X2: 256, Y2: 256},
		detect.Box{X1: 10, Y1: 10, X2: 20, Y2: 20},
	)
	if err := s.Save(res); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(s.SimplePath(c))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var simple []SimpleDetection
	if err := json.Unmarshal(data, &simple); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(simple) != 2 {
		t.Fatalf("len(simple) = %d, want 2", len(simple))
	}

	if simple[0].ID != "18_208844_135536_0" || simple[1].ID != "18_208844_135536_1" {
		t.Errorf("ids = %q, %q, want tile-key prefixed indices", simple[0].ID, simple[1].ID)
	}

	// A box covering the full tile must center on the tile center.
	b := c.Bounds()
	wantLon := (b.Min[0] + b.Max[0]) / 2
	wantLat := (b.Min[1] + b.Max[1]) / 2
	if math.Abs(simple[0].Longitude-wantLon) > 1e-7 {
		t.Errorf("Longitude = %v, want %v", simple[0].Longitude, wantLon)
	}
	if math.Abs(simple[0].Latitude-wantLat) > 1e-7 {
		t.Errorf("Latitude = %v, want %v", simple[0].Latitude, wantLat)
	}

	for _, d := range simple {
		if d.Longitude != math.Round(d.Longitude*1e8)/1e8 {
			t.Errorf("Longitude %v not rounded to 8 decimals", d.Longitude)
		}
		if d.Longitude < b.Min[0] || d.Longitude > b.Max[0] ||
			d.Latitude < b.Min[1] || d.Latitude > b.Max[1] {
			t.Errorf("centroid (%v, %v) outside tile bounds", d.Longitude, d.Latitude)
		}
	}
}

func TestSimpleCentroidFlipsPixelY(t *testing.T) {
	c := tile.New(18, 208844, 135536)
	// A box near the top of the image (small pixel y) must land near
	// the northern edge of the tile.
	res := newTileResult(t, c, detect.Box{X1: 0, Y1: 0, X2: 10, Y2: 10})
	simple := Simplify(res)
	if len(simple) != 1 {
		t.Fatalf("len(simple) = %d, want 1", len(simple))
	}

	b := c.Bounds()
	mid := (b.Min[1] + b.Max[1]) / 2
	if simple[0].Latitude <= mid {
		t.Errorf("Latitude = %v, want above tile midpoint %v", simple[0].Latitude, mid)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	c := tile.New(18, 208844, 135536)
	want := newTileResult(t, c,
		detect.Box{X1: 10, Y1: 20, X2: 50, Y2: 60},
		detect.Box{X1: 100, Y1: 110, X2: 140, Y2: 150},
	)
	if err := s.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Load(c)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got.Coords != want.Coords {
		t.Errorf("Coords = %v, want %v", got.Coords, want.Coords)
	}
	if len(got.Detections) != len(want.Detections) {
		t.Fatalf("len(Detections) = %d, want %d", len(got.Detections), len(want.Detections))
	}
	for i := range want.Detections {
		if got.Detections[i].Box != want.Detections[i].Box {
			t.Errorf("Detections[%d].Box = %v, want %v", i, got.Detections[i].Box, want.Detections[i].Box)
		}
		if got.Detections[i].Score != want.Detections[i].Score {
			t.Errorf("Detections[%d].Score = %v, want %v", i, got.Detections[i].Score, want.Detections[i].Score)
		}
		if got.Detections[i].Class != want.Detections[i].Class {
			t.Errorf("Detections[%d].Class = %v, want %v", i, got.Detections[i].Class, want.Detections[i].Class)
		}
	}
	if dt := got.ProcessedAt.Sub(want.ProcessedAt); dt > time.Millisecond || dt < -time.Millisecond {
		t.Errorf("ProcessedAt drift = %v", dt)
	}
	if got.Image != nil {
		t.Error("loaded result should carry no image")
	}
}

func TestListAndLoadAll(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Saved out of row-major order on purpose.
	tiles := []tile.Coords{
		tile.New(18, 5, 2),
		tile.New(18, 4, 1),
		tile.New(18, 6, 1),
	}
	for _, c := range tiles {
		if err := s.Save(newTileResult(t, c, detect.Box{X1: 1, Y1: 1, X2: 2, Y2: 2})); err != nil {
			t.Fatalf("Save(%v) error = %v", c, err)
		}
	}

	// Noise the lister must ignore.
	for _, name := range []string{"notes.txt", "tile_bogus.json"} {
		if err := os.WriteFile(filepath.Join(s.Dir(), name), []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}

	got, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []tile.Coords{
		tile.New(18, 4, 1),
		tile.New(18, 6, 1),
		tile.New(18, 5, 2),
	}
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List()[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	results, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(LoadAll()) = %d, want 3", len(results))
	}
	for i := range want {
		if results[i].Coords != want[i] {
			t.Errorf("LoadAll()[%d].Coords = %v, want %v", i, results[i].Coords, want[i])
		}
	}
}

func TestLoadAllSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := s.Save(newTileResult(t, tile.New(18, 1, 1))); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	corrupt := filepath.Join(s.Dir(), "tile_18_2_2.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	results, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(LoadAll()) = %d, want 1 (corrupt file skipped)", len(results))
	}
	if results[0].Coords != tile.New(18, 1, 1) {
		t.Errorf("Coords = %v, want 18/1/1", results[0].Coords)
	}
}

func TestCollectSimple(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := s.Save(newTileResult(t, tile.New(18, 1, 1), detect.Box{X1: 1, Y1: 1, X2: 2, Y2: 2})); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Save(newTileResult(t, tile.New(18, 2, 1),
		detect.Box{X1: 1, Y1: 1, X2: 2, Y2: 2},
		detect.Box{X1: 5, Y1: 5, X2: 9, Y2: 9},
	)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	all, err := s.CollectSimple()
	if err != nil {
		t.Fatalf("CollectSimple() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(CollectSimple()) = %d, want 3", len(all))
	}
	if all[0].ID != "18_1_1_0" || all[1].ID != "18_2_1_0" || all[2].ID != "18_2_1_1" {
		t.Errorf("ids = %q, %q, %q", all[0].ID, all[1].ID, all[2].ID)
	}
}

func TestOpenResolvesTilesSubdirectory(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Save(newTileResult(t, tile.New(18, 1, 1))); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	for _, open := range []string{dir, filepath.Join(dir, "tiles")} {
		opened, err := Open(open, nil)
		if err != nil {
			t.Fatalf("Open(%q) error = %v", open, err)
		}
		coords, err := opened.List()
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(coords) != 1 {
			t.Errorf("Open(%q): len(List()) = %d, want 1", open, len(coords))
		}
	}

	if _, err := Open(filepath.Join(dir, "missing"), nil); err == nil {
		t.Error("Open() of missing directory should fail")
	}
}
