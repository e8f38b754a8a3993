package merge

import (
	"math"

	"github.com/paulmach/orb"

	"github.com/MeKo-Tech/rooftop/internal/tile"
)

// Evidence phases in decreasing confidence. Phase 1 requires real
// overlap, phase 2 a strong tile-boundary relationship, phase 3 only
// touching or nearness.
const (
	phaseIoU       = 1
	phaseBoundary  = 2
	phaseProximity = 3
)

const (
	// boundaryScoreMin gates phase 2: the pair must straddle a shared
	// tile edge with at least this alignment.
	boundaryScoreMin = 0.7

	// alignmentWeight sharpens the axis-alignment factor. Raising it
	// makes misaligned pairs fall off faster.
	alignmentWeight = 5.0

	epsilon = 1e-10
)

// edge is one piece of pairwise evidence between detections i and j.
// Lower scores are stronger within a phase.
type edge struct {
	i, j  int
	score float64
	phase int
}

// analyzePair classifies the strongest relationship between two
// detections. Returns false when no evidence connects them. Pairs from
// the same tile never produce an edge: within one tile the detector
// already had the full picture.
func analyzePair(a, b GeoDetection, axisA, axisB [2]float64, opts Options) (edge, bool) {
	if a.Tile == b.Tile {
		return edge{}, false
	}

	boundary := boundaryProximity(a, b)
	align := math.Abs(axisA[0]*axisB[0] + axisA[1]*axisB[1])
	alignFactor := math.Pow(align, alignmentWeight)

	// Phase 1: genuine overlap.
	if iou := rectIoU(a.Rect, b.Rect); iou > opts.IoUThreshold {
		return edge{score: -iou, phase: phaseIoU}, true
	}

	// Phase 2: the two fragments straddle a shared tile edge.
	if boundary > boundaryScoreMin {
		if opts.TouchEnabled && rectTouches(a.Rect, b.Rect) {
			return edge{score: -boundary * alignFactor, phase: phaseBoundary}, true
		}
		if opts.MinEdgeDistanceDeg > 0 {
			if gap := rectGap(a.Rect, b.Rect); gap > 0 && gap < opts.MinEdgeDistanceDeg {
				return edge{score: gap/opts.MinEdgeDistanceDeg - boundary, phase: phaseBoundary}, true
			}
		}
	}

	// Phase 3: touching or mere nearness, without boundary support.
	if opts.TouchEnabled && rectTouches(a.Rect, b.Rect) {
		return edge{score: -touchLength(a.Rect, b.Rect) * alignFactor * 0.5, phase: phaseProximity}, true
	}
	if opts.MinEdgeDistanceDeg > 0 {
		if gap := rectGap(a.Rect, b.Rect); gap > 0 && gap < opts.MinEdgeDistanceDeg {
			centerDist := pointDistance(rectCenter(a.Rect), rectCenter(b.Rect))
			return edge{score: gap * (1 + centerDist) / (alignFactor + epsilon), phase: phaseProximity}, true
		}
	}

	return edge{}, false
}

// boundaryProximity scores how well two detections straddle the edge
// between their source tiles: 1 when their centroids line up across the
// edge direction, 0 when misaligned or the tiles are not 8-neighbors.
func boundaryProximity(a, b GeoDetection) float64 {
	if !tile.Adjacent8(a.Tile, b.Tile) {
		return 0
	}

	ca, cb := rectCenter(a.Rect), rectCenter(b.Rect)

	lonAlign := func() float64 {
		w := math.Max(rectWidth(a.Rect), rectWidth(b.Rect))
		if w == 0 {
			return 0
		}
		return 1 - math.Abs(ca[0]-cb[0])/w
	}
	latAlign := func() float64 {
		h := math.Max(rectHeight(a.Rect), rectHeight(b.Rect))
		if h == 0 {
			return 0
		}
		return 1 - math.Abs(ca[1]-cb[1])/h
	}

	var score float64
	switch {
	case a.Tile.Y == b.Tile.Y: // horizontal neighbors share a vertical edge
		score = latAlign()
	case a.Tile.X == b.Tile.X: // vertical neighbors share a horizontal edge
		score = lonAlign()
	default: // corner neighbors
		score = math.Min(latAlign(), lonAlign())
	}

	return math.Max(score, 0)
}

// longAxis returns the unit direction of the rectangle's longer side.
// Detection rectangles are axis-aligned, so the axis is either
// east-west or north-south.
func longAxis(r orb.Bound) [2]float64 {
	if rectWidth(r) >= rectHeight(r) {
		return [2]float64{1, 0}
	}
	return [2]float64{0, 1}
}

func rectWidth(r orb.Bound) float64  { return r.Max[0] - r.Min[0] }
func rectHeight(r orb.Bound) float64 { return r.Max[1] - r.Min[1] }

func rectCenter(r orb.Bound) orb.Point {
	return orb.Point{(r.Min[0] + r.Max[0]) / 2, (r.Min[1] + r.Max[1]) / 2}
}

func rectArea(r orb.Bound) float64 {
	return rectWidth(r) * rectHeight(r)
}

// overlaps returns the signed overlap of the two rectangles along each
// axis. Negative values are gaps.
func overlaps(a, b orb.Bound) (ox, oy float64) {
	ox = math.Min(a.Max[0], b.Max[0]) - math.Max(a.Min[0], b.Min[0])
	oy = math.Min(a.Max[1], b.Max[1]) - math.Max(a.Min[1], b.Min[1])
	return ox, oy
}

// rectIoU is the intersection-over-union of two axis-aligned
// rectangles. Zero when they do not overlap with positive area.
func rectIoU(a, b orb.Bound) float64 {
	ox, oy := overlaps(a, b)
	if ox <= 0 || oy <= 0 {
		return 0
	}
	inter := ox * oy
	union := rectArea(a) + rectArea(b) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// rectTouches reports whether the rectangles share boundary but no
// interior: an edge or corner contact.
func rectTouches(a, b orb.Bound) bool {
	ox, oy := overlaps(a, b)
	return (ox == 0 && oy >= 0) || (oy == 0 && ox >= 0)
}

// touchLength is the length of the shared boundary segment. A corner
// contact has length zero.
func touchLength(a, b orb.Bound) float64 {
	ox, oy := overlaps(a, b)
	switch {
	case ox == 0 && oy > 0:
		return oy
	case oy == 0 && ox > 0:
		return ox
	default:
		return 0
	}
}

// rectGap is the minimum distance between two disjoint rectangles, and
// zero when they touch or overlap.
func rectGap(a, b orb.Bound) float64 {
	ox, oy := overlaps(a, b)
	dx := math.Max(0, -ox)
	dy := math.Max(0, -oy)
	return math.Hypot(dx, dy)
}

func pointDistance(a, b orb.Point) float64 {
	return math.Hypot(a[0]-b[0], a[1]-b[1])
}
