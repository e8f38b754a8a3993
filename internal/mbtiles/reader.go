package mbtiles

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

// Reader reads tiles from an MBTiles database. It backs offline
// detection runs where tile imagery comes from a local file instead of
// an HTTP tile server.
type Reader struct {
	db   *sql.DB
	path string
}

// OpenReader opens an MBTiles database for reading.
func OpenReader(path string) (*Reader, error) {
	// Read-only with immutable flag: the basemap file never changes
	// underneath a running job.
	db, err := sql.Open("sqlite", path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, fmt.Errorf("opening mbtiles %s: %w", path, err)
	}

	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='tiles'").Scan(&count)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying mbtiles schema: %w", err)
	}
	if count == 0 {
		db.Close()
		return nil, fmt.Errorf("%s does not contain a tiles table", path)
	}

	return &Reader{db: db, path: path}, nil
}

// ReadTile returns the raw image bytes for an XYZ coordinate, with the
// row converted to the TMS scheme MBTiles uses. Gzip-wrapped tile data
// is decompressed transparently. Missing tiles yield ErrTileNotFound.
func (r *Reader) ReadTile(z, x, y int) ([]byte, error) {
	var data []byte
	err := r.db.QueryRow(
		"SELECT tile_data FROM tiles WHERE zoom_level=? AND tile_column=? AND tile_row=?",
		z, x, tmsRow(z, y),
	).Scan(&data)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d/%d/%d in %s", ErrTileNotFound, z, x, y, r.path)
	}
	if err != nil {
		return nil, fmt.Errorf("querying tile %d/%d/%d: %w", z, x, y, err)
	}

	raw, err := maybeGunzip(data)
	if err != nil {
		return nil, fmt.Errorf("decompressing tile %d/%d/%d: %w", z, x, y, err)
	}
	return raw, nil
}

// Metadata reads the metadata table.
func (r *Reader) Metadata() (Metadata, error) {
	rows, err := r.db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return Metadata{}, fmt.Errorf("querying metadata: %w", err)
	}
	defer rows.Close()

	metaMap := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return Metadata{}, fmt.Errorf("scanning metadata row: %w", err)
		}
		metaMap[name] = value
	}
	if err := rows.Err(); err != nil {
		return Metadata{}, fmt.Errorf("iterating metadata: %w", err)
	}

	meta := Metadata{
		Name:        metaMap["name"],
		Format:      metaMap["format"],
		Attribution: metaMap["attribution"],
		Description: metaMap["description"],
	}

	if v, ok := metaMap["minzoom"]; ok {
		if i, err := strconv.Atoi(v); err == nil {
			meta.MinZoom = i
		}
	}
	if v, ok := metaMap["maxzoom"]; ok {
		if i, err := strconv.Atoi(v); err == nil {
			meta.MaxZoom = i
		}
	}
	if v, ok := metaMap["bounds"]; ok {
		parts := strings.Split(v, ",")
		if len(parts) == 4 {
			for i, part := range parts {
				if f, err := strconv.ParseFloat(strings.TrimSpace(part), 64); err == nil {
					meta.Bounds[i] = f
				}
			}
		}
	}

	return meta, nil
}

// Close closes the database connection.
func (r *Reader) Close() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("closing mbtiles reader: %w", err)
	}
	return nil
}
