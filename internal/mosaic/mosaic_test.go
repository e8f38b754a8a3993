package mosaic

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"

	"github.com/MeKo-Tech/rooftop/internal/merge"
	"github.com/MeKo-Tech/rooftop/internal/store"
	"github.com/MeKo-Tech/rooftop/internal/tile"
)

func tileResult(c tile.Coords, img image.Image) store.TileResult {
	return store.TileResult{Coords: c, Bounds: c.Bounds(), Image: img}
}

func solidTile(c color.NRGBA) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, tile.Size, tile.Size))
	for y := 0; y < tile.Size; y++ {
		for x := 0; x < tile.Size; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func tilePolygon(c tile.Coords) orb.Polygon {
	b := c.Bounds()
	return orb.Polygon{orb.Ring{
		{b.Min[0], b.Min[1]}, {b.Max[0], b.Min[1]},
		{b.Max[0], b.Max[1]}, {b.Min[0], b.Max[1]},
		{b.Min[0], b.Min[1]},
	}}
}

func TestComposeDimensions(t *testing.T) {
	// A 2x3 grid of tiles.
	var results []store.TileResult
	for x := uint32(100); x < 102; x++ {
		for y := uint32(200); y < 203; y++ {
			results = append(results, tileResult(tile.New(15, x, y), solidTile(color.NRGBA{200, 200, 200, 255})))
		}
	}

	img, err := Compose(results, tilePolygon(tile.New(15, 100, 200)), nil)
	if err != nil {
		t.Fatalf("Compose() error: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 2*tile.Size || b.Dy() != 3*tile.Size {
		t.Errorf("mosaic is %dx%d, want %dx%d", b.Dx(), b.Dy(), 2*tile.Size, 3*tile.Size)
	}
}

func TestComposeMissingTileUsesBackground(t *testing.T) {
	// Two corners of a 2x2 grid; the other two tiles never arrived.
	results := []store.TileResult{
		tileResult(tile.New(15, 100, 200), solidTile(color.NRGBA{10, 10, 10, 255})),
		tileResult(tile.New(15, 101, 201), nil),
	}

	img, err := Compose(results, tilePolygon(tile.New(15, 100, 200)), nil)
	if err != nil {
		t.Fatalf("Compose() error: %v", err)
	}
	if img.Bounds().Dx() != 2*tile.Size || img.Bounds().Dy() != 2*tile.Size {
		t.Fatalf("mosaic bounds = %v", img.Bounds())
	}

	// A pixel in the imageless tile keeps the background, which the
	// muting filter shifts but leaves light grey.
	r, g, b, _ := img.At(2*tile.Size-10, 2*tile.Size-10).RGBA()
	if r>>8 < 200 || g>>8 < 200 || b>>8 < 200 {
		t.Errorf("missing tile pixel = %d %d %d, want light background", r>>8, g>>8, b>>8)
	}
}

func TestComposeEmpty(t *testing.T) {
	if _, err := Compose(nil, nil, nil); err == nil {
		t.Fatal("Compose(nil) returned no error")
	}
}

func TestComposeDrawsBuildingEnvelope(t *testing.T) {
	c := tile.New(15, 100, 200)
	results := []store.TileResult{tileResult(c, solidTile(color.NRGBA{255, 255, 255, 255}))}

	tb := c.Bounds()
	lonSpan := tb.Max[0] - tb.Min[0]
	latSpan := tb.Max[1] - tb.Min[1]
	env := orb.Bound{
		Min: orb.Point{tb.Min[0] + 0.25*lonSpan, tb.Min[1] + 0.25*latSpan},
		Max: orb.Point{tb.Min[0] + 0.75*lonSpan, tb.Min[1] + 0.75*latSpan},
	}
	buildings := []merge.Building{{ID: "merged_0", Envelope: env}}

	img, err := Compose(results, tilePolygon(c), buildings)
	if err != nil {
		t.Fatalf("Compose() error: %v", err)
	}

	// The envelope's top edge runs near 25% from the top, a quarter in
	// from each side. Mercator shifts it a pixel or two, so scan a
	// small band around the midpoint for the red stroke.
	found := false
	for y := tile.Size/4 - 4; y <= tile.Size/4+4; y++ {
		r, g, b, _ := img.At(tile.Size/2, y).RGBA()
		if r>>8 > 180 && g>>8 < 100 && b>>8 < 100 {
			found = true
			break
		}
	}
	if !found {
		t.Error("no red envelope stroke near the expected top edge")
	}
}

func TestComposeDownscalesLargeGrids(t *testing.T) {
	// 10x10 tiles = 2560px, past the cap on both edges.
	var results []store.TileResult
	for x := uint32(100); x < 110; x++ {
		for y := uint32(200); y < 210; y++ {
			results = append(results, tileResult(tile.New(15, x, y), nil))
		}
	}

	img, err := Compose(results, tilePolygon(tile.New(15, 100, 200)), nil)
	if err != nil {
		t.Fatalf("Compose() error: %v", err)
	}
	b := img.Bounds()
	if b.Dx() > maxDimension || b.Dy() > maxDimension {
		t.Errorf("mosaic is %dx%d, want at most %d on each edge", b.Dx(), b.Dy(), maxDimension)
	}
	// Equal source edges stay equal after scaling.
	if b.Dx() != b.Dy() {
		t.Errorf("aspect ratio changed: %dx%d", b.Dx(), b.Dy())
	}
}

func TestRenderWritesPNG(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overview.png")

	c := tile.New(15, 100, 200)
	results := []store.TileResult{tileResult(c, solidTile(color.NRGBA{180, 180, 180, 255}))}

	if err := Render(results, tilePolygon(c), nil, path); err != nil {
		t.Fatalf("Render() error: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening overview: %v", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decoding overview: %v", err)
	}
	if img.Bounds().Dx() != tile.Size || img.Bounds().Dy() != tile.Size {
		t.Errorf("overview is %v, want one tile", img.Bounds())
	}
}
