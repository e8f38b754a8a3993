// Package config gathers every runtime knob of the service in one
// Settings struct, loaded from the environment (bare variable names, no
// prefix) with optional config-file overrides via viper.
package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/MeKo-Tech/rooftop/internal/jobs"
)

// Settings holds the resolved configuration.
type Settings struct {
	Host string
	Port int

	// ModelPath names the detector weights, reported on /model/info.
	ModelPath string
	// ModelURL points at the inference server. Empty means no detector
	// is available; detection endpoints answer 503.
	ModelURL string

	MaxConcurrentJobs  int
	JobCleanupInterval time.Duration
	JobIDMinLength     int
	JobIDMaxLength     int

	DefaultZoom                    uint32
	DefaultConfidence              float64
	DefaultBatchSize               int
	DefaultEnableMerging           bool
	DefaultMergeIoUThreshold       float64
	DefaultMergeTouchEnabled       bool
	DefaultMergeMinEdgeDistanceDeg float64

	TileURLTemplate  string
	TileUserAgent    string
	TileFetchRetries int
	TileFetchTimeout time.Duration
	TileCachePath    string
	TileMBTilesPath  string
}

// SetDefaults registers every default so viper resolves unset keys.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 5050)
	v.SetDefault("MODEL_PATH", "best.pt")
	v.SetDefault("MODEL_URL", "")
	v.SetDefault("MAX_CONCURRENT_JOBS", 2)
	v.SetDefault("JOB_CLEANUP_INTERVAL_HOURS", 1.0)
	v.SetDefault("JOB_ID_MIN_LENGTH", 3)
	v.SetDefault("JOB_ID_MAX_LENGTH", 50)

	v.SetDefault("DEFAULT_ZOOM", 18)
	v.SetDefault("DEFAULT_CONFIDENCE", 0.25)
	v.SetDefault("DEFAULT_BATCH_SIZE", 5)
	v.SetDefault("DEFAULT_ENABLE_MERGING", true)
	v.SetDefault("DEFAULT_MERGE_IOU_THRESHOLD", 0.1)
	v.SetDefault("DEFAULT_MERGE_TOUCH_ENABLED", true)
	v.SetDefault("DEFAULT_MERGE_MIN_EDGE_DISTANCE_DEG", 1e-5)

	v.SetDefault("TILE_URL_TEMPLATE", "https://tile.openstreetmap.org/{z}/{x}/{y}.png")
	v.SetDefault("TILE_USER_AGENT", "BuildingDetectionBot/1.0")
	v.SetDefault("TILE_FETCH_RETRIES", 3)
	v.SetDefault("TILE_FETCH_TIMEOUT_SECONDS", 30)
	v.SetDefault("TILE_CACHE_PATH", "")
	v.SetDefault("TILE_MBTILES_PATH", "")
}

// Load resolves Settings from a viper instance that has AutomaticEnv
// enabled and defaults registered.
func Load(v *viper.Viper) Settings {
	return Settings{
		Host: v.GetString("HOST"),
		Port: v.GetInt("PORT"),

		ModelPath: v.GetString("MODEL_PATH"),
		ModelURL:  v.GetString("MODEL_URL"),

		MaxConcurrentJobs:  v.GetInt("MAX_CONCURRENT_JOBS"),
		JobCleanupInterval: time.Duration(v.GetFloat64("JOB_CLEANUP_INTERVAL_HOURS") * float64(time.Hour)),
		JobIDMinLength:     v.GetInt("JOB_ID_MIN_LENGTH"),
		JobIDMaxLength:     v.GetInt("JOB_ID_MAX_LENGTH"),

		DefaultZoom:                    v.GetUint32("DEFAULT_ZOOM"),
		DefaultConfidence:              v.GetFloat64("DEFAULT_CONFIDENCE"),
		DefaultBatchSize:               v.GetInt("DEFAULT_BATCH_SIZE"),
		DefaultEnableMerging:           v.GetBool("DEFAULT_ENABLE_MERGING"),
		DefaultMergeIoUThreshold:       v.GetFloat64("DEFAULT_MERGE_IOU_THRESHOLD"),
		DefaultMergeTouchEnabled:       v.GetBool("DEFAULT_MERGE_TOUCH_ENABLED"),
		DefaultMergeMinEdgeDistanceDeg: v.GetFloat64("DEFAULT_MERGE_MIN_EDGE_DISTANCE_DEG"),

		TileURLTemplate:  v.GetString("TILE_URL_TEMPLATE"),
		TileUserAgent:    v.GetString("TILE_USER_AGENT"),
		TileFetchRetries: v.GetInt("TILE_FETCH_RETRIES"),
		TileFetchTimeout: time.Duration(v.GetInt("TILE_FETCH_TIMEOUT_SECONDS")) * time.Second,
		TileCachePath:    v.GetString("TILE_CACHE_PATH"),
		TileMBTilesPath:  v.GetString("TILE_MBTILES_PATH"),
	}
}

// DefaultParams maps the configured request defaults into job
// parameters. Per-request values override them at the API edge.
func (s Settings) DefaultParams() jobs.Params {
	return jobs.Params{
		Zoom:                    s.DefaultZoom,
		Confidence:              s.DefaultConfidence,
		BatchSize:               s.DefaultBatchSize,
		EnableMerging:           s.DefaultEnableMerging,
		MergeIoUThreshold:       s.DefaultMergeIoUThreshold,
		MergeTouchEnabled:       s.DefaultMergeTouchEnabled,
		MergeMinEdgeDistanceDeg: s.DefaultMergeMinEdgeDistanceDeg,
	}
}
