package mbtiles

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// Cache is a read-write MBTiles store used as a write-through cache for
// downloaded tiles. Writes commit per tile rather than in batches: a
// crashed job must not lose tiles its result files already reference.
type Cache struct {
	db   *sql.DB
	path string
}

// OpenCache opens (or creates) a cache database. Existing metadata is
// left untouched so a cache file can be reused across runs.
func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening tile cache %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache schema: %w", err)
	}
	if err := ensureMetadata(db, Metadata{Name: "rooftop tile cache", Format: "png"}); err != nil {
		db.Close()
		return nil, fmt.Errorf("writing cache metadata: %w", err)
	}

	return &Cache{db: db, path: path}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS metadata (
			name TEXT NOT NULL,
			value TEXT
		);

		CREATE TABLE IF NOT EXISTS tiles (
			zoom_level INTEGER NOT NULL,
			tile_column INTEGER NOT NULL,
			tile_row INTEGER NOT NULL,
			tile_data BLOB NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS tile_index ON tiles (zoom_level, tile_column, tile_row);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

func ensureMetadata(db *sql.DB, meta Metadata) error {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM metadata").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	stmt, err := db.Prepare("INSERT INTO metadata (name, value) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("preparing metadata insert: %w", err)
	}
	defer stmt.Close()

	for key, value := range meta.ToMap() {
		if _, err := stmt.Exec(key, value); err != nil {
			return fmt.Errorf("inserting metadata %q: %w", key, err)
		}
	}
	return nil
}

// Get returns the cached image bytes for an XYZ coordinate, or
// ErrTileNotFound on a miss.
func (c *Cache) Get(z, x, y int) ([]byte, error) {
	var data []byte
	err := c.db.QueryRow(
		"SELECT tile_data FROM tiles WHERE zoom_level=? AND tile_column=? AND tile_row=?",
		z, x, tmsRow(z, y),
	).Scan(&data)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d/%d/%d", ErrTileNotFound, z, x, y)
	}
	if err != nil {
		return nil, fmt.Errorf("querying cached tile %d/%d/%d: %w", z, x, y, err)
	}

	raw, err := maybeGunzip(data)
	if err != nil {
		return nil, fmt.Errorf("decompressing cached tile %d/%d/%d: %w", z, x, y, err)
	}
	return raw, nil
}

// Put stores image bytes for an XYZ coordinate, replacing any previous
// entry. Data is gzip-compressed before storage.
func (c *Cache) Put(z, x, y int, data []byte) error {
	compressed, err := gzipCompress(data)
	if err != nil {
		return fmt.Errorf("compressing tile %d/%d/%d: %w", z, x, y, err)
	}

	_, err = c.db.Exec(
		"INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)",
		z, x, tmsRow(z, y), compressed,
	)
	if err != nil {
		return fmt.Errorf("storing tile %d/%d/%d: %w", z, x, y, err)
	}
	return nil
}

// Close closes the database connection.
func (c *Cache) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("closing tile cache: %w", err)
	}
	return nil
}
