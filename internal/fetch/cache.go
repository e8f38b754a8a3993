package fetch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"

	"github.com/MeKo-Tech/rooftop/internal/mbtiles"
	"github.com/MeKo-Tech/rooftop/internal/tile"
)

// CachingSource wraps an upstream source with a write-through MBTiles
// cache. Hits never touch the upstream; misses are fetched and stored.
// Cache write failures are logged, not fatal: the tile was fetched.
type CachingSource struct {
	upstream ByteSource
	cache    *mbtiles.Cache
	logger   *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachingSource opens (or creates) the cache database at cachePath
// and wraps the upstream source with it.
func NewCachingSource(upstream ByteSource, cachePath string, logger *slog.Logger) (*CachingSource, error) {
	cache, err := mbtiles.OpenCache(cachePath)
	if err != nil {
		return nil, fmt.Errorf("opening tile cache: %w", err)
	}
	return &CachingSource{upstream: upstream, cache: cache, logger: logger}, nil
}

// Fetch returns the decoded tile, from cache when possible.
func (s *CachingSource) Fetch(ctx context.Context, c tile.Coords) (image.Image, error) {
	data, err := s.FetchBytes(ctx, c)
	if err != nil {
		return nil, err
	}
	return decodeTile(data)
}

// FetchBytes returns the raw payload, from cache when possible.
func (s *CachingSource) FetchBytes(ctx context.Context, c tile.Coords) ([]byte, error) {
	data, err := s.cache.Get(int(c.Z), int(c.X), int(c.Y))
	if err == nil {
		s.hits.Add(1)
		return data, nil
	}
	if !errors.Is(err, mbtiles.ErrTileNotFound) {
		s.log().Warn("tile cache read failed", "coords", c.String(), "error", err)
	}

	s.misses.Add(1)
	data, err = s.upstream.FetchBytes(ctx, c)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Put(int(c.Z), int(c.X), int(c.Y), data); err != nil {
		s.log().Warn("tile cache write failed", "coords", c.String(), "error", err)
	}

	return data, nil
}

// Stats returns cache hit and miss counts since construction.
func (s *CachingSource) Stats() (hits, misses int64) {
	return s.hits.Load(), s.misses.Load()
}

// Close releases the cache database.
func (s *CachingSource) Close() error {
	return s.cache.Close()
}

func (s *CachingSource) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}
