package config

import (
	"context"
	"testing"

	"github.com/gisquick/tileproxy/internal/domain"
)

func baseDoc() *Document {
	return &Document{
		Grids: []GridConfig{
			{Name: "webmercator", SRS: "EPSG:3857", Resolutions: []float64{1}, TileSize: [2]int{256, 256}, BBox: [4]float64{0, 0, 256, 256}},
		},
		Sources: []SourceConfig{
			{Name: "blank", Type: "blank", Blank: &BlankSourceConfig{Color: [4]uint8{1, 2, 3, 255}}},
		},
		Layers: []LayerConfig{
			{Name: "base", Caches: []string{"basemap"}, TileCache: "basemap"},
		},
	}
}

func TestCheckCyclesAcceptsAcyclicCacheSources(t *testing.T) {
	doc := baseDoc()
	doc.Caches = []CacheConfig{
		{Name: "basemap", Grid: "webmercator", Sources: []string{"blank"}},
	}
	if err := checkCycles(doc); err != nil {
		t.Fatalf("expected no cycle error, got %v", err)
	}
}

func TestCheckCyclesAcceptsTieredCacheReferencingAnotherCache(t *testing.T) {
	doc := baseDoc()
	doc.Caches = []CacheConfig{
		{Name: "basemap", Grid: "webmercator", Sources: []string{"blank"}},
		{Name: "overview", Grid: "webmercator", Sources: []string{"basemap"}},
	}
	if err := checkCycles(doc); err != nil {
		t.Fatalf("expected a tiered cache to be accepted as acyclic, got %v", err)
	}
}

func TestCheckCyclesRejectsDirectCycle(t *testing.T) {
	doc := baseDoc()
	doc.Caches = []CacheConfig{
		{Name: "a", Grid: "webmercator", Sources: []string{"b"}},
		{Name: "b", Grid: "webmercator", Sources: []string{"a"}},
	}
	if err := checkCycles(doc); err == nil {
		t.Fatal("expected a direct a->b->a cycle to be rejected")
	}
}

func TestCheckCyclesRejectsSelfReference(t *testing.T) {
	doc := baseDoc()
	doc.Caches = []CacheConfig{
		{Name: "a", Grid: "webmercator", Sources: []string{"a"}},
	}
	if err := checkCycles(doc); err == nil {
		t.Fatal("expected a cache that names itself as a source to be rejected")
	}
}

func TestBuildAssemblesGraphFromBlankSourceAndFilesystemStorage(t *testing.T) {
	doc := &Document{
		Grids: []GridConfig{
			{Name: "webmercator", SRS: "EPSG:3857", Resolutions: []float64{1}, TileSize: [2]int{256, 256}, BBox: [4]float64{0, 0, 256, 256}},
		},
		Sources: []SourceConfig{
			{Name: "blank", Type: "blank", Blank: &BlankSourceConfig{Color: [4]uint8{10, 20, 30, 255}}},
		},
		Storages: []StorageConfig{
			{Name: "disk", Type: "filesystem", Directory: t.TempDir(), Layout: "tc"},
		},
		Caches: []CacheConfig{
			{Name: "basemap", Grid: "webmercator", Sources: []string{"blank"}, Storage: "disk"},
		},
		Layers: []LayerConfig{
			{Name: "base", Caches: []string{"basemap"}, TileCache: "basemap"},
		},
	}

	g, err := Build(doc, nil, nil, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := g.Grids["webmercator"]; !ok {
		t.Fatal("expected the grid to be present in the built graph")
	}
	if _, ok := g.Managers["basemap"]; !ok {
		t.Fatal("expected a tile manager for the basemap cache")
	}
	if g.Dispatcher == nil {
		t.Fatal("expected a Dispatcher to be assembled")
	}

	tile, err := g.Dispatcher.GetTile(context.Background(), "base", domain.TileCoord{Level: 0, X: 0, Y: 0}, nil)
	if err != nil {
		t.Fatalf("GetTile through the built graph: %v", err)
	}
	if len(tile.Image) == 0 {
		t.Fatal("expected tile bytes from the built graph's dispatcher")
	}
}
