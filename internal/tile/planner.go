package tile

import (
	"errors"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/maptile/tilecover"
	"github.com/paulmach/orb/planar"
)

// ErrInvalidGeometry is returned by Plan when the input is not a usable
// polygon (wrong type, degenerate ring, or zero area).
var ErrInvalidGeometry = errors.New("invalid geometry")

// Plan returns the tiles whose bounds intersect the polygon at the given
// zoom. Only Polygon and MultiPolygon geometries are accepted; interior
// rings are ignored for coverage purposes (a tile inside a hole is still
// planned, matching envelope-intersect semantics).
//
// The result is sorted row-major (Y ascending, then X ascending) so that
// identical inputs always plan the identical tile order.
func Plan(geom orb.Geometry, zoom uint32) ([]Coords, error) {
	if err := validate(geom); err != nil {
		return nil, err
	}

	set, err := tilecover.Geometry(geom, maptile.Zoom(zoom))
	if err != nil {
		return nil, fmt.Errorf("covering polygon at zoom %d: %w", zoom, err)
	}

	tiles := make([]Coords, 0, len(set))
	for t := range set {
		tiles = append(tiles, Coords{Z: uint32(t.Z), X: t.X, Y: t.Y})
	}

	sort.Slice(tiles, func(i, j int) bool {
		if tiles[i].Y != tiles[j].Y {
			return tiles[i].Y < tiles[j].Y
		}
		return tiles[i].X < tiles[j].X
	})

	return tiles, nil
}

func validate(geom orb.Geometry) error {
	switch g := geom.(type) {
	case orb.Polygon:
		return validateRing(g)
	case orb.MultiPolygon:
		if len(g) == 0 {
			return fmt.Errorf("%w: empty multipolygon", ErrInvalidGeometry)
		}
		for _, p := range g {
			if err := validateRing(p); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported geometry type %T", ErrInvalidGeometry, geom)
	}
}

func validateRing(p orb.Polygon) error {
	if len(p) == 0 || len(p[0]) < 4 {
		return fmt.Errorf("%w: exterior ring needs at least 4 points", ErrInvalidGeometry)
	}
	if planar.Area(p) == 0 {
		return fmt.Errorf("%w: polygon has zero area", ErrInvalidGeometry)
	}
	return nil
}
