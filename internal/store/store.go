// Package store persists per-tile detection results. Every processed
// tile yields two sibling JSON files under <output>/tiles/: a detailed
// record used for resume and a simple record holding ready-to-serve
// building centroids.
package store

import (
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/paulmach/orb"

	"github.com/MeKo-Tech/rooftop/internal/detect"
	"github.com/MeKo-Tech/rooftop/internal/tile"
)

// TileResult is the outcome of running the detector on one tile.
type TileResult struct {
	Coords      tile.Coords
	Bounds      orb.Bound
	Detections  []detect.Detection
	ProcessedAt time.Time

	// Image is the fetched tile raster. It stays in memory for
	// visualization and is nil for results reconstructed from disk.
	Image image.Image
}

// SimpleDetection is one entry of the simple per-tile record: the
// detection's centroid in WGS84 with its stable per-tile identifier
// "z_x_y_i".
type SimpleDetection struct {
	ID        string  `json:"id"`
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// detailedRecord is the on-disk shape of the detailed tile file.
type detailedRecord struct {
	Tile        string       `json:"tile"`
	Bounds      [4]float64   `json:"bounds"`
	Detections  int          `json:"detections"`
	Boxes       [][4]float64 `json:"boxes"`
	Confidences []float64    `json:"confidences"`
	ClassIDs    []int        `json:"class_ids"`
	ProcessedAt float64      `json:"processed_at"`
}

var detailedFileRe = regexp.MustCompile(`^tile_(\d+_\d+_\d+)\.json$`)

// Store reads and writes tile result files for one job's output
// directory. The directory is owned by a single job.
type Store struct {
	tilesDir string
	logger   *slog.Logger
}

// New creates the store for a job output directory, creating
// <dir>/tiles/ if needed.
func New(outputDir string, logger *slog.Logger) (*Store, error) {
	tilesDir := filepath.Join(outputDir, "tiles")
	if err := os.MkdirAll(tilesDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating tiles directory: %w", err)
	}
	return &Store{tilesDir: tilesDir, logger: logger}, nil
}

// Open returns a store over an existing tiles directory without
// creating anything. dir may be the job output directory or the tiles
// directory itself.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	tilesDir := dir
	if nested := filepath.Join(dir, "tiles"); isDir(nested) {
		tilesDir = nested
	}
	if !isDir(tilesDir) {
		return nil, fmt.Errorf("tiles directory not found: %s", tilesDir)
	}
	return &Store{tilesDir: tilesDir, logger: logger}, nil
}

// Dir returns the tiles directory this store operates on.
func (s *Store) Dir() string {
	return s.tilesDir
}

// DetailedPath returns the detailed file path for a tile.
func (s *Store) DetailedPath(c tile.Coords) string {
	return filepath.Join(s.tilesDir, fmt.Sprintf("tile_%s.json", c.Key()))
}

// SimplePath returns the simple file path for a tile.
func (s *Store) SimplePath(c tile.Coords) string {
	return filepath.Join(s.tilesDir, fmt.Sprintf("tile_%s_simple.json", c.Key()))
}

// Save writes both files for a tile result. Each file is written to a
// temp name and renamed, so readers never observe partial records.
func (s *Store) Save(res TileResult) error {
	detailed := toDetailedRecord(res)
	if err := s.writeJSON(s.DetailedPath(res.Coords), detailed); err != nil {
		return fmt.Errorf("saving tile %s: %w", res.Coords, err)
	}

	simple := Simplify(res)
	if err := s.writeJSON(s.SimplePath(res.Coords), simple); err != nil {
		return fmt.Errorf("saving simple tile %s: %w", res.Coords, err)
	}

	s.log().Debug("tile result saved",
		"coords", res.Coords.String(),
		"detections", len(res.Detections))
	return nil
}

// Load reads the detailed record for one tile.
func (s *Store) Load(c tile.Coords) (TileResult, error) {
	data, err := os.ReadFile(s.DetailedPath(c))
	if err != nil {
		return TileResult{}, fmt.Errorf("reading tile %s: %w", c, err)
	}

	var rec detailedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return TileResult{}, fmt.Errorf("parsing tile %s: %w", c, err)
	}
	return fromDetailedRecord(c, rec), nil
}

// LoadAll reads every detailed record in the directory, skipping simple
// files and records that fail to parse. Used to resume a partial run;
// returned results carry no image.
func (s *Store) LoadAll() ([]TileResult, error) {
	coords, err := s.List()
	if err != nil {
		return nil, err
	}

	results := make([]TileResult, 0, len(coords))
	for _, c := range coords {
		res, err := s.Load(c)
		if err != nil {
			s.log().Warn("skipping unreadable tile file", "coords", c.String(), "error", err)
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// List returns the coordinates of all saved detailed records, sorted
// row-major for deterministic resume behavior.
func (s *Store) List() ([]tile.Coords, error) {
	entries, err := os.ReadDir(s.tilesDir)
	if err != nil {
		return nil, fmt.Errorf("listing tiles directory: %w", err)
	}

	var coords []tile.Coords
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := detailedFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		c, err := tile.ParseKey(m[1])
		if err != nil {
			continue
		}
		coords = append(coords, c)
	}

	sort.Slice(coords, func(i, j int) bool {
		if coords[i].Y != coords[j].Y {
			return coords[i].Y < coords[j].Y
		}
		return coords[i].X < coords[j].X
	})
	return coords, nil
}

// CollectSimple combines every simple record in the directory into one
// list, in the deterministic List order.
func (s *Store) CollectSimple() ([]SimpleDetection, error) {
	coords, err := s.List()
	if err != nil {
		return nil, err
	}

	var all []SimpleDetection
	for _, c := range coords {
		data, err := os.ReadFile(s.SimplePath(c))
		if err != nil {
			s.log().Warn("skipping unreadable simple file", "coords", c.String(), "error", err)
			continue
		}
		var dets []SimpleDetection
		if err := json.Unmarshal(data, &dets); err != nil {
			s.log().Warn("skipping malformed simple file", "coords", c.String(), "error", err)
			continue
		}
		all = append(all, dets...)
	}
	return all, nil
}

// Simplify converts a tile result into its simple record: per-detection
// box centroids reprojected to WGS84, rounded to 8 decimal places.
func Simplify(res TileResult) []SimpleDetection {
	simple := make([]SimpleDetection, 0, len(res.Detections))
	for i, d := range res.Detections {
		lon, lat := res.Coords.PixelToLonLat(
			(d.Box.X1+d.Box.X2)/2,
			(d.Box.Y1+d.Box.Y2)/2,
		)
		simple = append(simple, SimpleDetection{
			ID:        fmt.Sprintf("%s_%d", res.Coords.Key(), i),
			Longitude: round8(lon),
			Latitude:  round8(lat),
		})
	}
	return simple
}

func toDetailedRecord(res TileResult) detailedRecord {
	rec := detailedRecord{
		Tile: res.Coords.String(),
		Bounds: [4]float64{
			res.Bounds.Min[0], res.Bounds.Min[1],
			res.Bounds.Max[0], res.Bounds.Max[1],
		},
		Detections:  len(res.Detections),
		Boxes:       make([][4]float64, 0, len(res.Detections)),
		Confidences: make([]float64, 0, len(res.Detections)),
		ClassIDs:    make([]int, 0, len(res.Detections)),
		ProcessedAt: float64(res.ProcessedAt.UnixNano()) / 1e9,
	}
	for _, d := range res.Detections {
		rec.Boxes = append(rec.Boxes, [4]float64{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2})
		rec.Confidences = append(rec.Confidences, d.Score)
		rec.ClassIDs = append(rec.ClassIDs, d.Class)
	}
	return rec
}

func fromDetailedRecord(c tile.Coords, rec detailedRecord) TileResult {
	res := TileResult{
		Coords: c,
		Bounds: orb.Bound{
			Min: orb.Point{rec.Bounds[0], rec.Bounds[1]},
			Max: orb.Point{rec.Bounds[2], rec.Bounds[3]},
		},
		Detections:  make([]detect.Detection, 0, len(rec.Boxes)),
		ProcessedAt: time.Unix(0, int64(rec.ProcessedAt*1e9)),
	}
	for i, b := range rec.Boxes {
		d := detect.Detection{Box: detect.Box{X1: b[0], Y1: b[1], X2: b[2], Y2: b[3]}}
		if i < len(rec.Confidences) {
			d.Score = rec.Confidences[i]
		}
		if i < len(rec.ClassIDs) {
			d.Class = rec.ClassIDs[i]
		}
		res.Detections = append(res.Detections, d)
	}
	return res
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling: %w", err)
	}

	tmp, err := os.CreateTemp(s.tilesDir, ".tile-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

func (s *Store) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
