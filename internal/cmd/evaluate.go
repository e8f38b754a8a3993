package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/rooftop/internal/evaluate"
	"github.com/MeKo-Tech/rooftop/internal/export"
	"github.com/MeKo-Tech/rooftop/internal/geojson"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Compare detection results against OpenStreetMap buildings",
	Long: `Fetch OSM buildings inside the detection polygon from the Overpass API
and match them against a run's buildings_simple.json by centroid
distance. Writes evaluation.json into the results directory and prints
a summary.`,
	RunE: runEvaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().StringP("results", "r", "./results", "Detection output directory")
	evaluateCmd.Flags().StringP("polygon", "p", "", "GeoJSON polygon (default input_polygon.geojson in the results directory)")
	evaluateCmd.Flags().Float64("threshold", evaluate.DefaultThresholdMeters, "Centroid match distance in meters")
	evaluateCmd.Flags().String("endpoint", "", "Overpass API endpoint (default public interpreter)")

	bindFlags := []struct {
		key  string
		flag string
	}{
		{"evaluate.results", "results"},
		{"evaluate.polygon", "polygon"},
		{"evaluate.threshold", "threshold"},
		{"evaluate.endpoint", "endpoint"},
	}

	for _, bf := range bindFlags {
		if err := viper.BindPFlag(bf.key, evaluateCmd.Flags().Lookup(bf.flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", bf.flag, err))
		}
	}
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	resultsDir := viper.GetString("evaluate.results")
	polygonPath := viper.GetString("evaluate.polygon")
	if polygonPath == "" {
		polygonPath = filepath.Join(resultsDir, "input_polygon.geojson")
	}

	raw, err := os.ReadFile(polygonPath)
	if err != nil {
		return fmt.Errorf("reading polygon file: %w", err)
	}
	geom, err := geojson.Extract(raw)
	if err != nil {
		return fmt.Errorf("invalid polygon: %w", err)
	}

	buildings, err := export.ReadSimple(filepath.Join(resultsDir, "buildings_simple.json"))
	if err != nil {
		return err
	}
	detections := make([]orb.Point, 0, len(buildings))
	for _, b := range buildings {
		detections = append(detections, orb.Point{b.Longitude, b.Latitude})
	}

	logger.Info("fetching OSM ground truth",
		"results_dir", resultsDir,
		"detections", len(detections),
	)

	source := evaluate.NewSource(viper.GetString("evaluate.endpoint"), logger)
	truth, err := source.FetchBuildings(geom)
	if err != nil {
		return err
	}

	report := evaluate.Compare(truth, detections, viper.GetFloat64("evaluate.threshold"))

	outPath := filepath.Join(resultsDir, "evaluation.json")
	if err := evaluate.WriteReport(report, outPath); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), report.Summary())
	logger.Info("evaluation complete",
		"osm_buildings", report.GroundTruth,
		"true_positives", report.TruePositives,
		"detection_rate_pct", fmt.Sprintf("%.1f", report.DetectionRate),
		"precision_pct", fmt.Sprintf("%.1f", report.Precision),
		"output", outPath,
	)
	return nil
}
