package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/rooftop/internal/config"
	"github.com/MeKo-Tech/rooftop/internal/pipeline"
	"github.com/MeKo-Tech/rooftop/internal/worker"
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect buildings inside a polygon once",
	Long: `Run the detection pipeline for one polygon and write the results to an
output directory: per-tile files under tiles/, buildings.json,
buildings_simple.json, and optionally overview.png.`,
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)

	detectCmd.Flags().StringP("polygon", "p", "", "GeoJSON file with the area to scan (required)")
	detectCmd.Flags().StringP("output", "o", "./results", "Output directory")
	detectCmd.Flags().Int("zoom", 0, "Tile zoom level (default from DEFAULT_ZOOM)")
	detectCmd.Flags().Float64("confidence", 0, "Detector confidence threshold (default from DEFAULT_CONFIDENCE)")
	detectCmd.Flags().Int("batch-size", 0, "Tiles per processing batch (default from DEFAULT_BATCH_SIZE)")
	detectCmd.Flags().IntP("workers", "w", 0, "Parallel tile workers per batch")
	detectCmd.Flags().Bool("resume", false, "Reuse tile results already present in the output directory")
	detectCmd.Flags().Bool("no-merge", false, "Keep per-tile fragments instead of merging across tile edges")
	detectCmd.Flags().Bool("visualize", false, "Write an overview.png mosaic with detections drawn in")
	detectCmd.Flags().Bool("progress", true, "Show progress bar")

	bindFlags := []struct {
		key  string
		flag string
	}{
		{"detect.polygon", "polygon"},
		{"detect.output", "output"},
		{"detect.zoom", "zoom"},
		{"detect.confidence", "confidence"},
		{"detect.batch_size", "batch-size"},
		{"detect.workers", "workers"},
		{"detect.resume", "resume"},
		{"detect.no_merge", "no-merge"},
		{"detect.visualize", "visualize"},
		{"detect.progress", "progress"},
	}

	for _, bf := range bindFlags {
		if err := viper.BindPFlag(bf.key, detectCmd.Flags().Lookup(bf.flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", bf.flag, err))
		}
	}
}

func runDetect(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	polygonPath := viper.GetString("detect.polygon")
	if polygonPath == "" {
		return fmt.Errorf("--polygon is required")
	}
	outputDir := viper.GetString("detect.output")
	showProgress := viper.GetBool("detect.progress")

	raw, err := os.ReadFile(polygonPath)
	if err != nil {
		return fmt.Errorf("reading polygon file: %w", err)
	}

	settings := config.Load(viper.GetViper())
	params := settings.DefaultParams()
	if z := viper.GetInt("detect.zoom"); z > 0 {
		params.Zoom = uint32(z)
	}
	if c := viper.GetFloat64("detect.confidence"); c > 0 {
		params.Confidence = c
	}
	if b := viper.GetInt("detect.batch_size"); b > 0 {
		params.BatchSize = b
	}
	if viper.GetBool("detect.no_merge") {
		params.EnableMerging = false
	}

	source, closeSource, err := buildSource(settings)
	if err != nil {
		return fmt.Errorf("configuring tile source: %w", err)
	}
	defer closeSource()

	detector, err := buildDetector(settings)
	if err != nil {
		return fmt.Errorf("configuring detector: %w", err)
	}
	if detector == nil {
		return fmt.Errorf("no detector configured: set MODEL_URL to the inference server")
	}

	runner := pipeline.NewRunner(&pipeline.Runtime{
		Detector: detector,
		Source:   source,
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting detection",
		"polygon", polygonPath,
		"output_dir", outputDir,
		"zoom", params.Zoom,
		"confidence", params.Confidence,
		"merging", params.EnableMerging,
	)

	progress := worker.NewProgress(0, showProgress)
	result, err := runner.Run(ctx, pipeline.Request{
		Polygon:   raw,
		Params:    params,
		OutputDir: outputDir,
		Resume:    viper.GetBool("detect.resume"),
		Visualize: viper.GetBool("detect.visualize"),
		Workers:   viper.GetInt("detect.workers"),
		OnTile:    progress.Callback(),
	}, func(pct int, stage string, found int) {
		progress.SetStage(stage)
	})
	progress.Done()
	if err != nil {
		return fmt.Errorf("detection failed: %w", err)
	}

	logger.Info("detection complete",
		"buildings", result.TotalBuildings,
		"tiles", result.Summary.TotalTiles,
		"execution_time_s", fmt.Sprintf("%.2f", result.ExecutionTime),
		"output_dir", outputDir,
	)
	return nil
}
