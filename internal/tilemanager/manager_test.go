package tilemanager

import (
	"context"
	"image/color"
	"sync/atomic"
	"testing"

	"github.com/gisquick/tileproxy/internal/domain"
	"github.com/gisquick/tileproxy/internal/lock"
	"github.com/gisquick/tileproxy/internal/source"
	"github.com/gisquick/tileproxy/internal/storage"
)

func testGrid(t *testing.T) *domain.Grid {
	t.Helper()
	res := []float64{2, 1}
	bbox := domain.BBox{0, 0, 512, 512}
	g, err := domain.NewGrid("EPSG:3857", res, domain.Size{256, 256}, domain.OriginLowerLeft, bbox, nil, 0, 0)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	return g
}

func testCache(grid *domain.Grid) *domain.Cache {
	return &domain.Cache{
		Name:        "basemap",
		Grid:        grid,
		SourceNames: []string{"blank"},
		Image:       domain.ImageOptions{Format: "image/png"},
		MetaSize:    domain.MetaSize{2, 2},
	}
}

func TestManagerLoadTileBuildsAndStores(t *testing.T) {
	grid := testGrid(t)
	cache := testCache(grid)
	backend := storage.NewFilesystemBackend(t.TempDir(), storage.LayoutTC, false)
	sources := MapSourceSet{"blank": source.NewBlankSource("blank", color.NRGBA{10, 20, 30, 255})}
	m := New(cache, sources, backend, lock.NewSingleflightManager(), nil, nil)

	tile, err := m.LoadTile(context.Background(), domain.TileCoord{Level: 1, X: 0, Y: 0}, nil)
	if err != nil {
		t.Fatalf("LoadTile: %v", err)
	}
	if len(tile.Image) == 0 {
		t.Fatal("expected built tile to have image bytes")
	}

	cached, err := backend.IsCached(context.Background(), &domain.Tile{CacheName: "basemap", Coord: domain.TileCoord{Level: 1, X: 0, Y: 0}})
	if err != nil || !cached {
		t.Fatalf("expected the tile to have been stored, cached=%v err=%v", cached, err)
	}
}

func TestManagerLoadTileServesFromStorageOnSecondCall(t *testing.T) {
	grid := testGrid(t)
	cache := testCache(grid)
	backend := storage.NewFilesystemBackend(t.TempDir(), storage.LayoutTC, false)
	var fetches int32
	countingSource := &countingBlankSource{BlankSource: *source.NewBlankSource("blank", color.NRGBA{1, 1, 1, 255}), count: &fetches}
	sources := MapSourceSet{"blank": countingSource}
	m := New(cache, sources, backend, lock.NewSingleflightManager(), nil, nil)

	coord := domain.TileCoord{Level: 1, X: 0, Y: 0}
	if _, err := m.LoadTile(context.Background(), coord, nil); err != nil {
		t.Fatalf("first LoadTile: %v", err)
	}
	firstFetches := atomic.LoadInt32(&fetches)
	if firstFetches == 0 {
		t.Fatal("expected the first load to fetch from the source")
	}

	if _, err := m.LoadTile(context.Background(), coord, nil); err != nil {
		t.Fatalf("second LoadTile: %v", err)
	}
	if atomic.LoadInt32(&fetches) != firstFetches {
		t.Fatal("expected the second load to be served from storage without refetching")
	}
}

func TestManagerLoadTileOutsideGridBoundsIsAMiss(t *testing.T) {
	grid := testGrid(t)
	cache := testCache(grid)
	backend := storage.NewFilesystemBackend(t.TempDir(), storage.LayoutTC, false)
	sources := MapSourceSet{"blank": source.NewBlankSource("blank", color.NRGBA{})}
	m := New(cache, sources, backend, lock.NewSingleflightManager(), nil, nil)

	_, err := m.LoadTile(context.Background(), domain.TileCoord{Level: 1, X: 9999, Y: 9999}, nil)
	if err == nil {
		t.Fatal("expected an error for a tile far outside the grid bounds")
	}
}

type countingBlankSource struct {
	source.BlankSource
	count *int32
}

func (c *countingBlankSource) Fetch(ctx context.Context, req source.Request) (source.Response, error) {
	atomic.AddInt32(c.count, 1)
	return c.BlankSource.Fetch(ctx, req)
}
