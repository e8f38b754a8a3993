// Package mbtiles stores and serves raster map tiles from MBTiles
// databases. Rooftop uses it two ways: as an offline basemap source
// (Reader) and as a write-through cache for downloaded tiles (Cache).
package mbtiles

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
)

// ErrTileNotFound is returned when the database holds no tile at the
// requested coordinate.
var ErrTileNotFound = errors.New("tile not found")

// Metadata contains the MBTiles metadata fields rooftop reads and writes.
type Metadata struct {
	Name        string // Human-readable tileset identifier
	Format      string // Tile data type (png, jpg, webp)
	Attribution string // Attribution text
	Description string // Human-readable description
	Bounds      [4]float64
	MinZoom     int
	MaxZoom     int
}

// ToMap converts Metadata to a map for database insertion.
func (m Metadata) ToMap() map[string]string {
	result := make(map[string]string)

	if m.Name != "" {
		result["name"] = m.Name
	}
	if m.Format != "" {
		result["format"] = m.Format
	}
	if m.Attribution != "" {
		result["attribution"] = m.Attribution
	}
	if m.Description != "" {
		result["description"] = m.Description
	}
	if m.MinZoom > 0 {
		result["minzoom"] = fmt.Sprintf("%d", m.MinZoom)
	}
	if m.MaxZoom > 0 {
		result["maxzoom"] = fmt.Sprintf("%d", m.MaxZoom)
	}
	if m.Bounds != [4]float64{} {
		result["bounds"] = fmt.Sprintf("%.6f,%.6f,%.6f,%.6f",
			m.Bounds[0], m.Bounds[1], m.Bounds[2], m.Bounds[3])
	}

	return result
}

// tmsRow converts an XYZ tile row to the TMS row MBTiles stores.
func tmsRow(z, y int) int {
	return (1 << z) - 1 - y
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)

	if _, err := gw.Write(data); err != nil {
		gw.Close()
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// maybeGunzip decompresses gzip-wrapped tile data and passes anything
// else through untouched. MBTiles produced by other tools often store
// raw PNG bytes; our own Cache gzips.
func maybeGunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}

	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()

	return io.ReadAll(gr)
}
