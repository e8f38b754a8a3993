package tile

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Size is the pixel edge length of a map tile. Tile imagery and all
// pixel-space detection boxes are addressed on a Size x Size grid.
const Size = 256

// Coords represents a tile coordinate in the Web Mercator tile system (z/x/y)
type Coords struct {
	Z uint32 // Zoom level
	X uint32 // X coordinate (column)
	Y uint32 // Y coordinate (row)
}

// New creates a new Coords from zoom, x, y values
func New(z, x, y uint32) Coords {
	return Coords{Z: z, X: x, Y: y}
}

// At returns the tile containing the given WGS84 point at the given zoom.
func At(lon, lat float64, zoom uint32) Coords {
	t := maptile.At(orb.Point{lon, lat}, maptile.Zoom(zoom))
	return Coords{Z: uint32(t.Z), X: t.X, Y: t.Y}
}

// String returns the tile coordinate in "z/x/y" form. This is the
// identifier persisted in tile result records.
func (c Coords) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

// Key returns the filename-safe form "z_x_y", used for tile file names
// and as the prefix of per-detection identifiers.
func (c Coords) Key() string {
	return fmt.Sprintf("%d_%d_%d", c.Z, c.X, c.Y)
}

// ParseKey parses a key like "18_123456_87654" back into Coords.
func ParseKey(s string) (Coords, error) {
	var c Coords
	n, err := fmt.Sscanf(s, "%d_%d_%d", &c.Z, &c.X, &c.Y)
	if err != nil || n != 3 {
		return c, fmt.Errorf("invalid tile key: %q", s)
	}
	return c, nil
}

// Tile returns the maptile.Tile for this coordinate
func (c Coords) Tile() maptile.Tile {
	return maptile.New(c.X, c.Y, maptile.Zoom(c.Z))
}

// Bounds returns the geographic bounding box for this tile in WGS84
// (EPSG:4326). Min is the south-west corner, Max the north-east.
func (c Coords) Bounds() orb.Bound {
	return c.Tile().Bound()
}

// Center returns the center point of the tile in WGS84 (lon, lat)
func (c Coords) Center() (float64, float64) {
	b := c.Bounds()
	return (b.Min[0] + b.Max[0]) / 2.0, (b.Min[1] + b.Max[1]) / 2.0
}

// PixelToLonLat maps a pixel position on this tile to WGS84. px grows
// east across [west, east]; py grows south from the north edge, so
// py=0 is the tile's north border and py=Size its south border.
func (c Coords) PixelToLonLat(px, py float64) (float64, float64) {
	b := c.Bounds()
	lon := b.Min[0] + (px/Size)*(b.Max[0]-b.Min[0])
	lat := b.Max[1] - (py/Size)*(b.Max[1]-b.Min[1])
	return lon, lat
}

// LonLatToPixel is the inverse of PixelToLonLat. Results are not
// clamped; points outside the tile map outside [0, Size].
func (c Coords) LonLatToPixel(lon, lat float64) (float64, float64) {
	b := c.Bounds()
	px := (lon - b.Min[0]) / (b.Max[0] - b.Min[0]) * Size
	py := (b.Max[1] - lat) / (b.Max[1] - b.Min[1]) * Size
	return px, py
}

// Adjacent8 reports whether a and b are distinct neighbors at the same
// zoom, counting the eight surrounding tiles (edges and corners).
func Adjacent8(a, b Coords) bool {
	if a.Z != b.Z || a == b {
		return false
	}
	dx := int64(a.X) - int64(b.X)
	dy := int64(a.Y) - int64(b.Y)
	if dx < 0 {
		dx = -dx
	}
	if dy < 0 {
		dy = -dy
	}
	return dx <= 1 && dy <= 1
}
