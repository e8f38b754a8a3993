package cmd

import (
	"github.com/MeKo-Tech/rooftop/internal/config"
	"github.com/MeKo-Tech/rooftop/internal/detect"
	"github.com/MeKo-Tech/rooftop/internal/fetch"
)

// buildSource assembles the tile source from the settings: a local
// MBTiles database when configured, otherwise the tile server, wrapped
// in the MBTiles cache when a cache path is set. The returned closer
// releases whatever the source holds open.
func buildSource(settings config.Settings) (fetch.Source, func() error, error) {
	if settings.TileMBTilesPath != "" {
		src, err := fetch.NewMBTilesSource(settings.TileMBTilesPath)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	}

	httpSrc, err := fetch.NewHTTPSource(fetch.HTTPConfig{
		URLTemplate: settings.TileURLTemplate,
		UserAgent:   settings.TileUserAgent,
		Retries:     settings.TileFetchRetries,
		Timeout:     settings.TileFetchTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, err
	}

	if settings.TileCachePath != "" {
		cached, err := fetch.NewCachingSource(httpSrc, settings.TileCachePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return cached, cached.Close, nil
	}

	return httpSrc, func() error { return nil }, nil
}

// buildDetector assembles the detector from the settings. A nil
// detector (no MODEL_URL) is valid for the server, which answers 503 on
// detection endpoints until one is configured.
func buildDetector(settings config.Settings) (detect.Detector, error) {
	if settings.ModelURL == "" {
		return nil, nil
	}
	d, err := detect.NewHTTP(detect.HTTPConfig{
		URL:       settings.ModelURL,
		ModelPath: settings.ModelPath,
		Classes:   []string{"building"},
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return detect.NewLocked(d), nil
}
