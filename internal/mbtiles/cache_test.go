package mbtiles

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestCachePutGet(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.mbtiles")

	c, err := OpenCache(dbPath)
	if err != nil {
		t.Fatalf("OpenCache failed: %v", err)
	}
	defer c.Close()

	data := []byte("fake png data")
	if err := c.Put(18, 208844, 135536, data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := c.Get(18, 208844, 135536)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get returned %q, want %q", got, data)
	}
}

func TestCacheMiss(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.mbtiles")

	c, err := OpenCache(dbPath)
	if err != nil {
		t.Fatalf("OpenCache failed: %v", err)
	}
	defer c.Close()

	_, err = c.Get(18, 1, 2)
	if !errors.Is(err, ErrTileNotFound) {
		t.Errorf("expected ErrTileNotFound, got %v", err)
	}
}

func TestCacheReplace(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.mbtiles")

	c, err := OpenCache(dbPath)
	if err != nil {
		t.Fatalf("OpenCache failed: %v", err)
	}
	defer c.Close()

	if err := c.Put(13, 100, 200, []byte("first")); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	if err := c.Put(13, 100, 200, []byte("second")); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	got, err := c.Get(13, 100, 200)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("Get returned %q, want %q", got, "second")
	}

	var count int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM tiles").Scan(&count); err != nil {
		t.Fatalf("counting tiles: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 tile after replace, got %d", count)
	}
}

func TestCacheStoresTMSRow(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.mbtiles")

	c, err := OpenCache(dbPath)
	if err != nil {
		t.Fatalf("OpenCache failed: %v", err)
	}
	defer c.Close()

	if err := c.Put(13, 4317, 2692, []byte("tile")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var stored []byte
	wantRow := (1 << 13) - 1 - 2692
	err = c.db.QueryRow(
		"SELECT tile_data FROM tiles WHERE zoom_level=? AND tile_column=? AND tile_row=?",
		13, 4317, wantRow,
	).Scan(&stored)
	if err != nil {
		t.Fatalf("tile not stored at TMS row %d: %v", wantRow, err)
	}
	if len(stored) == 0 {
		t.Error("stored tile data is empty")
	}
}

func TestCacheReopenKeepsTiles(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.mbtiles")

	c, err := OpenCache(dbPath)
	if err != nil {
		t.Fatalf("OpenCache failed: %v", err)
	}
	if err := c.Put(18, 5, 6, []byte("persisted")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	c2, err := OpenCache(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer c2.Close()

	got, err := c2.Get(18, 5, 6)
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if string(got) != "persisted" {
		t.Errorf("Get returned %q, want %q", got, "persisted")
	}
}
