// Package mosaic renders an overview image of one detection run: the
// fetched tiles stitched into a grid, muted, with the tile grid, the
// input polygon, and the merged building envelopes drawn on top.
package mosaic

import (
	"fmt"
	"image"
	"image/color"
	stddraw "image/draw"
	"image/png"
	"os"

	"github.com/disintegration/gift"
	"github.com/paulmach/orb"
	xdraw "golang.org/x/image/draw"

	"github.com/MeKo-Tech/rooftop/internal/merge"
	"github.com/MeKo-Tech/rooftop/internal/store"
	"github.com/MeKo-Tech/rooftop/internal/tile"
)

// maxDimension caps the output edge length; larger mosaics are
// downscaled before encoding.
const maxDimension = 2048

var (
	backgroundColor = color.NRGBA{R: 240, G: 240, B: 240, A: 255}
	gridColor       = color.NRGBA{R: 128, G: 128, B: 128, A: 255}
	polygonColor    = color.NRGBA{R: 30, G: 80, B: 220, A: 255}
	envelopeColor   = color.NRGBA{R: 220, G: 40, B: 40, A: 255}
)

// Render writes a PNG overview to path. Results missing their raster
// (resumed from disk) appear as background-colored cells.
func Render(results []store.TileResult, polygon orb.Geometry, buildings []merge.Building, path string) error {
	img, err := Compose(results, polygon, buildings)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating overview file: %w", err)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("encoding overview: %w", err)
	}
	return nil
}

// Compose builds the overview image without writing it.
func Compose(results []store.TileResult, polygon orb.Geometry, buildings []merge.Building) (image.Image, error) {
	if len(results) == 0 {
		return nil, fmt.Errorf("no tiles to render")
	}

	origin, cols, rows := gridExtent(results)

	canvas := image.NewNRGBA(image.Rect(0, 0, cols*tile.Size, rows*tile.Size))
	stddraw.Draw(canvas, canvas.Bounds(), image.NewUniform(backgroundColor), image.Point{}, stddraw.Src)

	for _, res := range results {
		if res.Image == nil {
			continue
		}
		x := int(res.Coords.X-origin.X) * tile.Size
		y := int(res.Coords.Y-origin.Y) * tile.Size
		rect := image.Rect(x, y, x+tile.Size, y+tile.Size)
		stddraw.Draw(canvas, rect, res.Image, res.Image.Bounds().Min, stddraw.Src)
	}

	// Mute the basemap so the overlays dominate.
	g := gift.New(
		gift.Saturation(-40),
		gift.Brightness(8),
	)
	muted := image.NewNRGBA(g.Bounds(canvas.Bounds()))
	g.Draw(muted, canvas)

	drawGrid(muted, cols, rows)
	project := projector(origin)
	drawGeometry(muted, polygon, project, polygonColor)
	for _, b := range buildings {
		drawRect(muted, b.Envelope, project, envelopeColor)
	}

	return downscale(muted), nil
}

// gridExtent returns the north-west tile of the covered grid and its
// size in tiles.
func gridExtent(results []store.TileResult) (origin tile.Coords, cols, rows int) {
	minX, maxX := results[0].Coords.X, results[0].Coords.X
	minY, maxY := results[0].Coords.Y, results[0].Coords.Y
	for _, res := range results[1:] {
		if res.Coords.X < minX {
			minX = res.Coords.X
		}
		if res.Coords.X > maxX {
			maxX = res.Coords.X
		}
		if res.Coords.Y < minY {
			minY = res.Coords.Y
		}
		if res.Coords.Y > maxY {
			maxY = res.Coords.Y
		}
	}
	origin = tile.New(results[0].Coords.Z, minX, minY)
	return origin, int(maxX-minX) + 1, int(maxY-minY) + 1
}

// projector maps WGS84 to canvas pixels. The origin tile's north-west
// corner is pixel (0,0); LonLatToPixel is unclamped, so points on other
// tiles land at the right offset.
func projector(origin tile.Coords) func(lon, lat float64) (int, int) {
	return func(lon, lat float64) (int, int) {
		px, py := origin.LonLatToPixel(lon, lat)
		return int(px), int(py)
	}
}

func drawGrid(img *image.NRGBA, cols, rows int) {
	b := img.Bounds()
	for c := 0; c <= cols; c++ {
		x := c * tile.Size
		if x >= b.Max.X {
			x = b.Max.X - 1
		}
		drawLine(img, x, 0, x, b.Max.Y-1, gridColor)
	}
	for r := 0; r <= rows; r++ {
		y := r * tile.Size
		if y >= b.Max.Y {
			y = b.Max.Y - 1
		}
		drawLine(img, 0, y, b.Max.X-1, y, gridColor)
	}
}

func drawGeometry(img *image.NRGBA, geom orb.Geometry, project func(lon, lat float64) (int, int), col color.NRGBA) {
	switch g := geom.(type) {
	case orb.Polygon:
		for _, ring := range g {
			drawRing(img, ring, project, col)
		}
	case orb.MultiPolygon:
		for _, poly := range g {
			drawGeometry(img, poly, project, col)
		}
	}
}

func drawRing(img *image.NRGBA, ring orb.Ring, project func(lon, lat float64) (int, int), col color.NRGBA) {
	for i := 1; i < len(ring); i++ {
		x0, y0 := project(ring[i-1][0], ring[i-1][1])
		x1, y1 := project(ring[i][0], ring[i][1])
		drawLine(img, x0, y0, x1, y1, col)
	}
}

func drawRect(img *image.NRGBA, r orb.Bound, project func(lon, lat float64) (int, int), col color.NRGBA) {
	// Max holds the north-east corner; north is the smaller pixel row.
	x0, y0 := project(r.Min[0], r.Max[1])
	x1, y1 := project(r.Max[0], r.Min[1])
	drawLine(img, x0, y0, x1, y0, col)
	drawLine(img, x1, y0, x1, y1, col)
	drawLine(img, x1, y1, x0, y1, col)
	drawLine(img, x0, y1, x0, y0, col)
}

// drawLine rasterizes a segment with Bresenham's algorithm, skipping
// pixels outside the canvas.
func drawLine(img *image.NRGBA, x0, y0, x1, y1 int, col color.NRGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx := 1
	if x0 > x1 {
		sx = -1
	}
	sy := 1
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy

	b := img.Bounds()
	for {
		if image.Pt(x0, y0).In(b) {
			img.SetNRGBA(x0, y0, col)
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

// downscale shrinks the mosaic when it exceeds maxDimension on either
// edge, preserving the aspect ratio.
func downscale(img *image.NRGBA) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDimension && h <= maxDimension {
		return img
	}

	scale := float64(maxDimension) / float64(w)
	if h > w {
		scale = float64(maxDimension) / float64(h)
	}
	out := image.NewNRGBA(image.Rect(0, 0, int(float64(w)*scale), int(float64(h)*scale)))
	xdraw.ApproxBiLinear.Scale(out, out.Bounds(), img, b, xdraw.Over, nil)
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
