package evaluate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// DefaultThresholdMeters is the centroid distance within which a
// detection and an OSM building count as the same structure.
const DefaultThresholdMeters = 25.0

// Report summarizes one comparison of detections against OSM ground
// truth.
type Report struct {
	GroundTruth     int     `json:"osm_buildings"`
	Detections      int     `json:"detected_buildings"`
	TruePositives   int     `json:"true_positives"`
	FalseNegatives  int     `json:"false_negatives"`
	FalsePositives  int     `json:"false_positives"`
	DetectionRate   float64 `json:"detection_rate_pct"`
	MissRate        float64 `json:"miss_rate_pct"`
	Precision       float64 `json:"precision_pct"`
	ThresholdMeters float64 `json:"threshold_meters"`
}

// Compare matches detections against ground truth by centroid distance,
// in both directions: every OSM building looks for its nearest
// detection, every detection for its nearest OSM building. A pair
// within the threshold is a true positive; an unmatched OSM building a
// false negative; an unmatched detection a false positive.
func Compare(truth []OSMBuilding, detections []orb.Point, thresholdMeters float64) Report {
	if thresholdMeters <= 0 {
		thresholdMeters = DefaultThresholdMeters
	}

	r := Report{
		GroundTruth:     len(truth),
		Detections:      len(detections),
		ThresholdMeters: thresholdMeters,
	}

	for _, b := range truth {
		if d, ok := nearestPoint(b.Centroid, detections); ok && d <= thresholdMeters {
			r.TruePositives++
		} else {
			r.FalseNegatives++
		}
	}
	for _, det := range detections {
		if d, ok := nearestTruth(det, truth); !ok || d > thresholdMeters {
			r.FalsePositives++
		}
	}

	if r.GroundTruth > 0 {
		r.DetectionRate = 100 * float64(r.TruePositives) / float64(r.GroundTruth)
		r.MissRate = 100 * float64(r.FalseNegatives) / float64(r.GroundTruth)
	}
	if r.Detections > 0 {
		r.Precision = 100 * float64(r.TruePositives) / float64(r.Detections)
	}
	return r
}

func nearestPoint(from orb.Point, points []orb.Point) (float64, bool) {
	best, found := 0.0, false
	for _, p := range points {
		d := geo.DistanceHaversine(from, p)
		if !found || d < best {
			best, found = d, true
		}
	}
	return best, found
}

func nearestTruth(from orb.Point, truth []OSMBuilding) (float64, bool) {
	best, found := 0.0, false
	for _, b := range truth {
		d := geo.DistanceHaversine(from, b.Centroid)
		if !found || d < best {
			best, found = d, true
		}
	}
	return best, found
}

// Summary renders the report as a short human-readable block.
func (r Report) Summary() string {
	var b strings.Builder
	b.WriteString("Building Detection Evaluation\n")
	b.WriteString("=============================\n")
	fmt.Fprintf(&b, "OSM buildings (ground truth): %d\n", r.GroundTruth)
	fmt.Fprintf(&b, "Detected buildings:           %d\n", r.Detections)
	fmt.Fprintf(&b, "Matched (true positives):     %d\n", r.TruePositives)
	fmt.Fprintf(&b, "Missed (false negatives):     %d\n", r.FalseNegatives)
	fmt.Fprintf(&b, "Spurious (false positives):   %d\n", r.FalsePositives)
	fmt.Fprintf(&b, "Detection rate: %.1f%%\n", r.DetectionRate)
	fmt.Fprintf(&b, "Miss rate:      %.1f%%\n", r.MissRate)
	fmt.Fprintf(&b, "Precision:      %.1f%%\n", r.Precision)
	fmt.Fprintf(&b, "Match threshold: %.1f m\n", r.ThresholdMeters)
	return b.String()
}

// WriteReport writes the report as indented JSON.
func WriteReport(r Report, path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}
