// Package merge reconciles per-tile detections into whole buildings.
// Detections arrive as pixel boxes on individual tiles; buildings
// routinely span tile edges, so one real building surfaces as several
// fragments. The merger reprojects every box to a geographic rectangle,
// scores pairwise geometric evidence between fragments from different
// tiles, and joins them transitively with a union-find.
package merge

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/paulmach/orb"

	"github.com/MeKo-Tech/rooftop/internal/store"
	"github.com/MeKo-Tech/rooftop/internal/tile"
)

// Defaults for the evidence thresholds.
const (
	DefaultIoUThreshold       = 0.1
	DefaultMinEdgeDistanceDeg = 1e-5
)

// DefaultAllowedPhases enables the two high-confidence evidence classes.
// Phase 3 (bare proximity) stays off by default: it chains unrelated
// neighbors in dense areas.
var DefaultAllowedPhases = []int{phaseIoU, phaseBoundary}

// GeoDetection is one raw detection reprojected to WGS84.
type GeoDetection struct {
	// ID is the stable per-tile identifier "z_x_y_i".
	ID    string
	Rect  orb.Bound
	Score float64
	Class int
	Tile  tile.Coords
}

// Building is a merged detection group.
type Building struct {
	// ID is "merged_k" with k increasing in emit order.
	ID string

	// Envelope is the axis-aligned bound of the union of member
	// rectangles.
	Envelope orb.Bound

	// Ring is the envelope's closed exterior ring.
	Ring orb.Ring

	// Score is the best member score.
	Score float64

	OriginalIDs   []string
	OriginalCount int
}

// Centroid returns the center of the building envelope.
func (b Building) Centroid() orb.Point {
	return rectCenter(b.Envelope)
}

// Options tune the evidence thresholds. The zero value is unusable;
// use DefaultOptions as the base.
type Options struct {
	IoUThreshold       float64
	TouchEnabled       bool
	MinEdgeDistanceDeg float64

	// AllowedPhases lists the evidence phases that may drive a union.
	AllowedPhases []int

	Logger *slog.Logger
}

// DefaultOptions returns the tuned defaults.
func DefaultOptions() Options {
	return Options{
		IoUThreshold:       DefaultIoUThreshold,
		TouchEnabled:       true,
		MinEdgeDistanceDeg: DefaultMinEdgeDistanceDeg,
		AllowedPhases:      DefaultAllowedPhases,
	}
}

// Reproject flattens per-tile results into geographic detections. Pixel
// Y grows southward while latitude grows northward, so the box's Y span
// inverts: the top pixel edge becomes the north edge.
func Reproject(results []store.TileResult) []GeoDetection {
	var out []GeoDetection
	for _, res := range results {
		for i, d := range res.Detections {
			lonW, _ := res.Coords.PixelToLonLat(d.Box.X1, 0)
			lonE, _ := res.Coords.PixelToLonLat(d.Box.X2, 0)
			_, latN := res.Coords.PixelToLonLat(0, d.Box.Y1)
			_, latS := res.Coords.PixelToLonLat(0, d.Box.Y2)

			out = append(out, GeoDetection{
				ID: fmt.Sprintf("%s_%d", res.Coords.Key(), i),
				Rect: orb.Bound{
					Min: orb.Point{lonW, latS},
					Max: orb.Point{lonE, latN},
				},
				Score: d.Score,
				Class: d.Class,
				Tile:  res.Coords,
			})
		}
	}
	return out
}

// Singletons wraps detections one-to-one as buildings, for runs with
// merging disabled. IDs keep the detection identifiers.
func Singletons(dets []GeoDetection) []Building {
	out := make([]Building, 0, len(dets))
	for _, d := range dets {
		out = append(out, Building{
			ID:            d.ID,
			Envelope:      d.Rect,
			Ring:          envelopeRing(d.Rect),
			Score:         d.Score,
			OriginalIDs:   []string{d.ID},
			OriginalCount: 1,
		})
	}
	return out
}

// Merger joins fragments of the same building across tile edges.
type Merger struct {
	opts Options
}

// New creates a merger, filling unset options with defaults.
func New(opts Options) *Merger {
	if opts.IoUThreshold <= 0 {
		opts.IoUThreshold = DefaultIoUThreshold
	}
	if opts.AllowedPhases == nil {
		opts.AllowedPhases = DefaultAllowedPhases
	}
	return &Merger{opts: opts}
}

// Merge resolves detections into merged buildings. It cannot fail on
// geometric input; an empty input yields an empty output. The result is
// deterministic for identical input order.
func (m *Merger) Merge(dets []GeoDetection) []Building {
	if len(dets) == 0 {
		return nil
	}

	axes := make([][2]float64, len(dets))
	for i, d := range dets {
		axes[i] = longAxis(d.Rect)
	}

	edges := m.collectEdges(dets, axes)

	sort.SliceStable(edges, func(a, b int) bool {
		if edges[a].phase != edges[b].phase {
			return edges[a].phase < edges[b].phase
		}
		return edges[a].score < edges[b].score
	})

	allowed := make(map[int]bool, len(m.opts.AllowedPhases))
	for _, p := range m.opts.AllowedPhases {
		allowed[p] = true
	}

	uf := newUnionFind(len(dets))
	unions := 0
	for _, e := range edges {
		if !allowed[e.phase] {
			continue
		}
		if uf.union(e.i, e.j) {
			unions++
		}
	}

	buildings := m.emit(uf.components(), dets)

	m.log().Info("detections merged",
		"detections", len(dets),
		"edges", len(edges),
		"unions", unions,
		"buildings", len(buildings))

	return buildings
}

// collectEdges scores every cross-tile pair. Edges of disallowed phases
// are still collected; the phase filter applies at union time so phase 3
// stays a knob rather than a missing code path.
func (m *Merger) collectEdges(dets []GeoDetection, axes [][2]float64) []edge {
	var edges []edge
	for i := 0; i < len(dets); i++ {
		for j := i + 1; j < len(dets); j++ {
			e, ok := analyzePair(dets[i], dets[j], axes[i], axes[j], m.opts)
			if !ok {
				continue
			}
			e.i, e.j = i, j
			edges = append(edges, e)
		}
	}
	return edges
}

func (m *Merger) emit(components [][]int, dets []GeoDetection) []Building {
	buildings := make([]Building, 0, len(components))
	for _, members := range components {
		env := dets[members[0]].Rect
		score := dets[members[0]].Score
		ids := make([]string, 0, len(members))

		for _, idx := range members {
			d := dets[idx]
			env = env.Union(d.Rect)
			if d.Score > score {
				score = d.Score
			}
			ids = append(ids, d.ID)
		}
		sort.Strings(ids)

		buildings = append(buildings, Building{
			ID:            fmt.Sprintf("merged_%d", len(buildings)),
			Envelope:      env,
			Ring:          envelopeRing(env),
			Score:         score,
			OriginalIDs:   ids,
			OriginalCount: len(members),
		})
	}
	return buildings
}

func (m *Merger) log() *slog.Logger {
	if m.opts.Logger != nil {
		return m.opts.Logger
	}
	return slog.Default()
}

// envelopeRing builds the closed counter-clockwise exterior ring of a
// bound, starting at the south-west corner.
func envelopeRing(b orb.Bound) orb.Ring {
	return orb.Ring{
		{b.Min[0], b.Min[1]},
		{b.Max[0], b.Min[1]},
		{b.Max[0], b.Max[1]},
		{b.Min[0], b.Max[1]},
		{b.Min[0], b.Min[1]},
	}
}
