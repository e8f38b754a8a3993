// Package export turns merged buildings into the final client-facing
// list: buildings whose centroid lies inside the request polygon,
// numbered top-left first.
package export

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/paulmach/orb"

	"github.com/MeKo-Tech/rooftop/internal/geojson"
	"github.com/MeKo-Tech/rooftop/internal/merge"
)

// Building is the final user-visible record: a centroid with its
// ordinal identifier.
type Building struct {
	ID        int     `json:"id"`
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// Filter keeps buildings whose centroid lies inside the request
// polygon, orders them north-first then west-first, and assigns ids
// 1..N in that order. The numbering is stable for identical inputs: it
// depends only on centroid geometry, never on processing order.
func Filter(buildings []merge.Building, polygon orb.Geometry) []Building {
	inside := make([]orb.Point, 0, len(buildings))
	for _, b := range buildings {
		c := b.Centroid()
		if geojson.Contains(polygon, c) {
			inside = append(inside, c)
		}
	}

	// Top-left-first: latitude descending, longitude ascending on ties.
	sort.Slice(inside, func(i, j int) bool {
		if inside[i][1] != inside[j][1] {
			return inside[i][1] > inside[j][1]
		}
		return inside[i][0] < inside[j][0]
	})

	out := make([]Building, 0, len(inside))
	for i, c := range inside {
		out = append(out, Building{
			ID:        i + 1,
			Longitude: round8(c[0]),
			Latitude:  round8(c[1]),
		})
	}
	return out
}

// featureRecord is the on-disk shape of one building in the detailed
// export.
type featureRecord struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
	Geometry   struct {
		Type        string         `json:"type"`
		Coordinates [][][2]float64 `json:"coordinates"`
	} `json:"geometry"`
}

type featureCollection struct {
	Type           string          `json:"type"`
	TotalBuildings int             `json:"total_buildings"`
	MergingEnabled bool            `json:"merging_enabled"`
	Features       []featureRecord `json:"features"`
}

// WriteBuildings writes the detailed building export: a GeoJSON-style
// FeatureCollection with one envelope polygon per merged building.
func WriteBuildings(buildings []merge.Building, mergingEnabled bool, path string) error {
	fc := featureCollection{
		Type:           "FeatureCollection",
		TotalBuildings: len(buildings),
		MergingEnabled: mergingEnabled,
		Features:       make([]featureRecord, 0, len(buildings)),
	}

	for _, b := range buildings {
		rec := featureRecord{
			Type: "Feature",
			ID:   b.ID,
			Properties: map[string]any{
				"confidence": b.Score,
			},
		}
		if b.OriginalCount > 1 {
			rec.Properties["original_detection_count"] = b.OriginalCount
		}
		rec.Geometry.Type = "Polygon"
		ring := make([][2]float64, 0, len(b.Ring))
		for _, p := range b.Ring {
			ring = append(ring, [2]float64{p[0], p[1]})
		}
		rec.Geometry.Coordinates = [][][2]float64{ring}
		fc.Features = append(fc.Features, rec)
	}

	return writeJSON(path, fc)
}

// WriteSimple writes the final building list.
func WriteSimple(buildings []Building, path string) error {
	if buildings == nil {
		buildings = []Building{}
	}
	return writeJSON(path, buildings)
}

// ReadSimple reads back a final building list.
func ReadSimple(path string) ([]Building, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading buildings file: %w", err)
	}
	var buildings []Building
	if err := json.Unmarshal(data, &buildings); err != nil {
		return nil, fmt.Errorf("parsing buildings file: %w", err)
	}
	return buildings, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
