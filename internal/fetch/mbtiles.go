package fetch

import (
	"context"
	"fmt"
	"image"

	"github.com/MeKo-Tech/rooftop/internal/mbtiles"
	"github.com/MeKo-Tech/rooftop/internal/tile"
)

// MBTilesSource serves tile imagery from a local MBTiles basemap,
// allowing fully offline detection runs. A tile missing from the
// basemap is a fetch failure for that tile, not a fatal error.
type MBTilesSource struct {
	reader *mbtiles.Reader
	path   string
}

// NewMBTilesSource opens an MBTiles basemap as a tile source.
func NewMBTilesSource(path string) (*MBTilesSource, error) {
	reader, err := mbtiles.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening offline basemap: %w", err)
	}
	return &MBTilesSource{reader: reader, path: path}, nil
}

// Fetch reads and decodes one tile from the basemap.
func (s *MBTilesSource) Fetch(ctx context.Context, c tile.Coords) (image.Image, error) {
	data, err := s.FetchBytes(ctx, c)
	if err != nil {
		return nil, err
	}
	return decodeTile(data)
}

// FetchBytes reads the raw payload for one tile from the basemap.
func (s *MBTilesSource) FetchBytes(ctx context.Context, c tile.Coords) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.reader.ReadTile(int(c.Z), int(c.X), int(c.Y))
}

// Close releases the underlying database.
func (s *MBTilesSource) Close() error {
	return s.reader.Close()
}
