package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gisquick/tileproxy/internal/domain"
)

func TestSQLiteSingleFileBackendStoreLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.sqlite")
	b, err := NewSQLiteSingleFileBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteSingleFileBackend: %v", err)
	}
	ctx := context.Background()

	tile := &domain.Tile{CacheName: "basemap", Coord: domain.TileCoord{Level: 2, X: 3, Y: 4}, Image: []byte("tiledata"), Format: "image/png"}
	if err := b.StoreTile(ctx, tile); err != nil {
		t.Fatalf("StoreTile: %v", err)
	}

	loaded := &domain.Tile{CacheName: "basemap", Coord: domain.TileCoord{Level: 2, X: 3, Y: 4}}
	found, err := b.LoadTile(ctx, loaded)
	if err != nil {
		t.Fatalf("LoadTile: %v", err)
	}
	if !found || string(loaded.Image) != "tiledata" {
		t.Fatalf("expected stored tile back, found=%v image=%q", found, loaded.Image)
	}
}

func TestSQLiteSingleFileBackendMissIsNotError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.sqlite")
	b, err := NewSQLiteSingleFileBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteSingleFileBackend: %v", err)
	}
	found, err := b.LoadTile(context.Background(), &domain.Tile{CacheName: "basemap", Coord: domain.TileCoord{Level: 0, X: 0, Y: 0}})
	if err != nil {
		t.Fatalf("expected no error on a miss, got %v", err)
	}
	if found {
		t.Fatal("expected a miss for a tile never stored")
	}
}

func TestSQLiteSingleFileBackendRemoveLevelDropsTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.sqlite")
	b, err := NewSQLiteSingleFileBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteSingleFileBackend: %v", err)
	}
	ctx := context.Background()
	tile := &domain.Tile{CacheName: "basemap", Coord: domain.TileCoord{Level: 1, X: 0, Y: 0}, Image: []byte("x"), Format: "image/png"}
	if err := b.StoreTile(ctx, tile); err != nil {
		t.Fatalf("StoreTile: %v", err)
	}
	if err := b.RemoveLevel(ctx, "basemap", 1); err != nil {
		t.Fatalf("RemoveLevel: %v", err)
	}
	cached, err := b.IsCached(ctx, tile)
	if err != nil || cached {
		t.Fatalf("expected level 1 table to be gone, cached=%v err=%v", cached, err)
	}
}

func TestSQLitePerLevelBackendStoreLoadAndIterate(t *testing.T) {
	root := t.TempDir()
	b := NewSQLitePerLevelBackend(root)
	ctx := context.Background()

	coords := []domain.TileCoord{{Level: 5, X: 0, Y: 0}, {Level: 5, X: 1, Y: 0}}
	for _, c := range coords {
		tile := &domain.Tile{CacheName: "ortho", Coord: c, Image: []byte("data"), Format: "image/png"}
		if err := b.StoreTile(ctx, tile); err != nil {
			t.Fatalf("StoreTile: %v", err)
		}
	}

	seen := map[domain.TileCoord]bool{}
	err := b.IterateTiles(ctx, "ortho", 5, func(c domain.TileCoord) error {
		seen[c] = true
		return nil
	})
	if err != nil {
		t.Fatalf("IterateTiles: %v", err)
	}
	for _, c := range coords {
		if !seen[c] {
			t.Fatalf("expected coord %v to be visited", c)
		}
	}

	if err := b.RemoveTile(ctx, &domain.Tile{CacheName: "ortho", Coord: coords[0]}); err != nil {
		t.Fatalf("RemoveTile: %v", err)
	}
	cached, err := b.IsCached(ctx, &domain.Tile{CacheName: "ortho", Coord: coords[0]})
	if err != nil || cached {
		t.Fatalf("expected tile to be removed, cached=%v err=%v", cached, err)
	}
}
