package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/rooftop/internal/store"
)

var collectCmd = &cobra.Command{
	Use:   "collect <tiles-dir>",
	Short: "Combine saved per-tile results into one building list",
	Long: `Gather every tile_*_simple.json under a results directory, renumber the
detections from 1, and write one combined JSON file. Accepts the job
output directory or its tiles/ subdirectory.`,
	Args: cobra.ExactArgs(1),
	RunE: runCollect,
}

func init() {
	rootCmd.AddCommand(collectCmd)

	collectCmd.Flags().StringP("output", "o", "merged.json", "Output file path")

	if err := viper.BindPFlag("collect.output", collectCmd.Flags().Lookup("output")); err != nil {
		panic(fmt.Sprintf("failed to bind flag: %v", err))
	}
}

func runCollect(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	dir := args[0]
	outputFile := viper.GetString("collect.output")

	st, err := store.Open(dir, logger)
	if err != nil {
		return err
	}

	detections, err := st.CollectSimple()
	if err != nil {
		return fmt.Errorf("collecting tile results: %w", err)
	}
	if len(detections) == 0 {
		return fmt.Errorf("no tile results found in %s", st.Dir())
	}

	// Per-tile ids give way to a single sequence over the whole set.
	for i := range detections {
		detections[i].ID = fmt.Sprintf("%d", i+1)
	}

	data, err := json.MarshalIndent(map[string]any{
		"total_detections": len(detections),
		"detections":       detections,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(outputFile, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", outputFile, err)
	}

	logger.Info("tile results collected",
		"tiles_dir", st.Dir(),
		"detections", len(detections),
		"output", outputFile,
	)
	return nil
}
