// Package fetch provides tile imagery to the detection pipeline from
// HTTP tile servers, local MBTiles basemaps, or a caching combination
// of both.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"

	"github.com/MeKo-Tech/rooftop/internal/tile"
)

// ErrBadImage is returned for payloads that are not decodable PNG
// rasters of the expected tile size. It is never retried.
var ErrBadImage = errors.New("bad tile image")

// Source fetches the image for one tile. Implementations are stateless
// with respect to callers; concurrent Fetch calls are safe.
type Source interface {
	Fetch(ctx context.Context, c tile.Coords) (image.Image, error)
}

// ByteSource is implemented by sources that can also return the raw
// encoded payload. The caching wrapper stores those bytes verbatim.
type ByteSource interface {
	Source
	FetchBytes(ctx context.Context, c tile.Coords) ([]byte, error)
}

// decodeTile validates and decodes a PNG tile payload.
func decodeTile(data []byte) (image.Image, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}

	b := img.Bounds()
	if b.Dx() != tile.Size || b.Dy() != tile.Size {
		return nil, fmt.Errorf("%w: got %dx%d, want %dx%d",
			ErrBadImage, b.Dx(), b.Dy(), tile.Size, tile.Size)
	}

	return img, nil
}
