// Package evaluate compares detection results against OpenStreetMap.
// Buildings mapped in OSM inside the request polygon serve as ground
// truth; detections are matched to them by centroid distance, yielding
// detection rate, miss rate, and precision.
package evaluate

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MeKo-Christian/go-overpass"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/MeKo-Tech/rooftop/internal/geojson"
)

// DefaultEndpoint is the public Overpass API interpreter.
const DefaultEndpoint = "https://overpass-api.de/api/interpreter"

// OSMBuilding is one ground-truth building from OpenStreetMap.
type OSMBuilding struct {
	ID       string
	Centroid orb.Point
	Tags     map[string]string
}

type querier interface {
	Query(query string) (overpass.Result, error)
}

// Source fetches ground-truth buildings from an Overpass endpoint.
type Source struct {
	client querier
	logger *slog.Logger
}

// NewSource creates a source against the endpoint, empty meaning the
// public interpreter. One request at a time, per API etiquette.
func NewSource(endpoint string, logger *slog.Logger) *Source {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	client := overpass.NewWithSettings(endpoint, 1, http.DefaultClient)
	return &Source{
		client: &client,
		logger: logger,
	}
}

// FetchBuildings queries every OSM way and relation tagged building
// within the polygon and keeps those whose centroid lies inside it.
// The poly filter is a coarse server-side cut; the centroid check is
// what decides membership.
func (s *Source) FetchBuildings(area orb.Geometry) ([]OSMBuilding, error) {
	query, err := buildingQuery(area)
	if err != nil {
		return nil, err
	}

	result, err := s.client.Query(query)
	if err != nil {
		return nil, fmt.Errorf("overpass query failed: %w", err)
	}

	all := extractBuildings(&result)
	kept := make([]OSMBuilding, 0, len(all))
	for _, b := range all {
		if geojson.Contains(area, b.Centroid) {
			kept = append(kept, b)
		}
	}

	s.log().Info("fetched OSM ground truth",
		"returned", len(all),
		"inside_polygon", len(kept))
	return kept, nil
}

// buildingQuery builds the Overpass QL request: building-tagged ways
// and relations inside each exterior ring, with "out geom" so way
// geometry comes back complete.
func buildingQuery(area orb.Geometry) (string, error) {
	var rings []orb.Ring
	switch g := area.(type) {
	case orb.Polygon:
		if len(g) > 0 {
			rings = append(rings, g[0])
		}
	case orb.MultiPolygon:
		for _, p := range g {
			if len(p) > 0 {
				rings = append(rings, p[0])
			}
		}
	default:
		return "", fmt.Errorf("unsupported geometry type %q, need Polygon or MultiPolygon", area.GeoJSONType())
	}
	if len(rings) == 0 {
		return "", fmt.Errorf("polygon has no exterior ring")
	}

	var b strings.Builder
	b.WriteString("[out:json][timeout:30];\n(\n")
	for _, ring := range rings {
		poly := polyFilter(ring)
		fmt.Fprintf(&b, "  way[\"building\"](poly:%q);\n", poly)
		fmt.Fprintf(&b, "  relation[\"building\"](poly:%q);\n", poly)
	}
	b.WriteString(");\nout geom;\n")
	return b.String(), nil
}

// polyFilter renders a ring as the space-separated "lat lon" list the
// poly filter expects. The closing duplicate vertex is dropped.
func polyFilter(ring orb.Ring) string {
	pts := ring
	if len(pts) > 1 && pts[0] == pts[len(pts)-1] {
		pts = pts[:len(pts)-1]
	}
	parts := make([]string, 0, len(pts))
	for _, p := range pts {
		parts = append(parts, fmt.Sprintf("%.7f %.7f", p[1], p[0]))
	}
	return strings.Join(parts, " ")
}

// extractBuildings converts an Overpass result to ground-truth records.
// A way that is a member of a building relation counts once, through
// the relation.
func extractBuildings(result *overpass.Result) []OSMBuilding {
	member := make(map[int64]bool)
	for _, rel := range result.Relations {
		for _, m := range rel.Members {
			if m.Type == "way" && m.Way != nil {
				member[m.Way.ID] = true
			}
		}
	}

	var buildings []OSMBuilding
	for _, way := range result.Ways {
		if member[way.ID] {
			continue
		}
		poly, ok := wayPolygon(way)
		if !ok {
			continue
		}
		centroid, _ := planar.CentroidArea(poly)
		buildings = append(buildings, OSMBuilding{
			ID:       fmt.Sprintf("way/%d", way.ID),
			Centroid: centroid,
			Tags:     way.Tags,
		})
	}

	for _, rel := range result.Relations {
		var outers orb.MultiPolygon
		for _, m := range rel.Members {
			if m.Type != "way" || m.Way == nil || m.Role == "inner" {
				continue
			}
			if poly, ok := wayPolygon(m.Way); ok {
				outers = append(outers, poly)
			}
		}
		if len(outers) == 0 {
			continue
		}
		centroid, _ := planar.CentroidArea(outers)
		buildings = append(buildings, OSMBuilding{
			ID:       fmt.Sprintf("relation/%d", rel.ID),
			Centroid: centroid,
			Tags:     rel.Tags,
		})
	}
	return buildings
}

// wayPolygon converts a way's geometry to a closed single-ring
// polygon. Ways without enough vertices for an area are dropped.
func wayPolygon(way *overpass.Way) (orb.Polygon, bool) {
	if way == nil || len(way.Geometry) < 3 {
		return nil, false
	}
	ring := make(orb.Ring, 0, len(way.Geometry)+1)
	for _, p := range way.Geometry {
		ring = append(ring, orb.Point{p.Lon, p.Lat})
	}
	if ring[0] != ring[len(ring)-1] {
		ring = append(ring, ring[0])
	}
	if len(ring) < 4 {
		return nil, false
	}
	return orb.Polygon{ring}, true
}

func (s *Source) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}
