package geojson

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// Extract parses a request polygon given as any of the three GeoJSON
// variants (Feature, FeatureCollection, bare Geometry) and returns the
// polygonal geometry it carries. A FeatureCollection contributes every
// Polygon/MultiPolygon feature it contains; other feature geometries
// are skipped. Only the resulting Polygon or MultiPolygon is returned.
func Extract(raw []byte) (orb.Geometry, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("parsing GeoJSON: %w", err)
	}

	switch probe.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing FeatureCollection: %w", err)
		}
		return fromFeatureCollection(fc)

	case "Feature":
		f, err := geojson.UnmarshalFeature(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing Feature: %w", err)
		}
		return polygonal(f.Geometry)

	case "":
		return nil, fmt.Errorf("GeoJSON input has no type field")

	default:
		g, err := geojson.UnmarshalGeometry(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing Geometry: %w", err)
		}
		return polygonal(g.Geometry())
	}
}

func fromFeatureCollection(fc *geojson.FeatureCollection) (orb.Geometry, error) {
	var parts orb.MultiPolygon
	for _, f := range fc.Features {
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			parts = append(parts, g)
		case orb.MultiPolygon:
			parts = append(parts, g...)
		}
	}

	switch len(parts) {
	case 0:
		return nil, fmt.Errorf("FeatureCollection contains no polygon features")
	case 1:
		return parts[0], nil
	default:
		return parts, nil
	}
}

func polygonal(g orb.Geometry) (orb.Geometry, error) {
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return g, nil
	case nil:
		return nil, fmt.Errorf("feature has no geometry")
	default:
		return nil, fmt.Errorf("unsupported geometry type %q, need Polygon or MultiPolygon", g.GeoJSONType())
	}
}

// Contains reports whether the point lies inside the polygonal geometry.
func Contains(g orb.Geometry, pt orb.Point) bool {
	switch geom := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(geom, pt)
	case orb.MultiPolygon:
		for _, p := range geom {
			if planar.PolygonContains(p, pt) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
