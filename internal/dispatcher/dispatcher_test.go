package dispatcher

import (
	"context"
	"errors"
	"image/color"
	"testing"

	"github.com/gisquick/tileproxy/internal/domain"
	"github.com/gisquick/tileproxy/internal/lock"
	"github.com/gisquick/tileproxy/internal/maplayer"
	"github.com/gisquick/tileproxy/internal/source"
	"github.com/gisquick/tileproxy/internal/storage"
	"github.com/gisquick/tileproxy/internal/tilemanager"
)

func TestParseGetMapParamsHappyPath(t *testing.T) {
	q := map[string]string{
		"LAYERS": "base,overlay",
		"BBOX":   "0,0,100,100",
		"WIDTH":  "256",
		"HEIGHT": "256",
		"SRS":    "EPSG:3857",
	}
	p, err := ParseGetMapParams(q)
	if err != nil {
		t.Fatalf("ParseGetMapParams: %v", err)
	}
	if len(p.Layers) != 2 || p.Layers[0] != "base" || p.Layers[1] != "overlay" {
		t.Fatalf("unexpected layers: %v", p.Layers)
	}
	if p.BBox != (domain.BBox{0, 0, 100, 100}) {
		t.Fatalf("unexpected bbox: %v", p.BBox)
	}
	if p.Width != 256 || p.Height != 256 {
		t.Fatalf("unexpected size: %dx%d", p.Width, p.Height)
	}
	if p.Format != "image/png" {
		t.Fatalf("expected a default png format, got %s", p.Format)
	}
}

func TestParseGetMapParamsFallsBackToCRS(t *testing.T) {
	q := map[string]string{"LAYERS": "base", "BBOX": "0,0,1,1", "WIDTH": "1", "HEIGHT": "1", "CRS": "EPSG:4326"}
	p, err := ParseGetMapParams(q)
	if err != nil {
		t.Fatalf("ParseGetMapParams: %v", err)
	}
	if p.SRS != "EPSG:4326" {
		t.Fatalf("expected SRS to fall back to CRS, got %q", p.SRS)
	}
}

func TestParseGetMapParamsRejectsMissingLayers(t *testing.T) {
	_, err := ParseGetMapParams(map[string]string{"BBOX": "0,0,1,1", "WIDTH": "1", "HEIGHT": "1"})
	if err == nil || domain.KindOf(err) != domain.ErrKindInvalidRequest {
		t.Fatalf("expected ErrKindInvalidRequest for a missing LAYERS param, got %v", err)
	}
}

func TestParseGetMapParamsRejectsBadBBox(t *testing.T) {
	_, err := ParseGetMapParams(map[string]string{"LAYERS": "base", "BBOX": "0,0,1", "WIDTH": "1", "HEIGHT": "1"})
	if err == nil || domain.KindOf(err) != domain.ErrKindInvalidRequest {
		t.Fatalf("expected ErrKindInvalidRequest for a malformed BBOX, got %v", err)
	}
}

func TestParseGetMapParamsRejectsMissingSize(t *testing.T) {
	_, err := ParseGetMapParams(map[string]string{"LAYERS": "base", "BBOX": "0,0,1,1"})
	if err == nil || domain.KindOf(err) != domain.ErrKindInvalidRequest {
		t.Fatalf("expected ErrKindInvalidRequest for missing WIDTH/HEIGHT, got %v", err)
	}
}

func testGrid(t *testing.T) *domain.Grid {
	t.Helper()
	g, err := domain.NewGrid("EPSG:3857", []float64{1}, domain.Size{256, 256}, domain.OriginLowerLeft, domain.BBox{0, 0, 256, 256}, nil, 0, 0)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	return g
}

func testDispatcher(t *testing.T, authorize Authorizer) *Dispatcher {
	t.Helper()
	grid := testGrid(t)
	cache := &domain.Cache{
		Name:        "basemap",
		Grid:        grid,
		SourceNames: []string{"blank"},
		Image:       domain.ImageOptions{Format: "image/png"},
		MetaSize:    domain.MetaSize{1, 1},
		Policies:    domain.CachePolicies{DisableStorage: true},
	}
	backend := storage.NewFilesystemBackend("", storage.LayoutTC, false)
	sources := tilemanager.MapSourceSet{"blank": source.NewBlankSource("blank", color.NRGBA{1, 2, 3, 255})}
	mgr := tilemanager.New(cache, sources, backend, lock.NewSingleflightManager(), nil, nil)
	ml := maplayer.New("basemap", mgr, grid, nil, domain.ResampleBilinear)

	layers := map[string]*domain.Layer{
		"base": {Name: "base", CacheNames: []string{"basemap"}, TileCacheName: "basemap"},
	}
	mapLayers := map[string]*maplayer.MapLayer{"basemap": ml}
	managers := map[string]*tilemanager.Manager{"basemap": mgr}
	return New(layers, mapLayers, managers, authorize)
}

func TestDispatcherGetMapComposesRequestedLayer(t *testing.T) {
	d := testDispatcher(t, nil)
	p := GetMapParams{Layers: []string{"base"}, BBox: domain.BBox{0, 0, 256, 256}, Width: 256, Height: 256, SRS: "EPSG:3857", Format: "image/png"}
	img, err := d.GetMap(context.Background(), p)
	if err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	if img.Img.Bounds().Dx() != 256 || img.Img.Bounds().Dy() != 256 {
		t.Fatalf("expected a 256x256 image, got %v", img.Img.Bounds())
	}
}

func TestDispatcherGetMapRejectsUnknownLayer(t *testing.T) {
	d := testDispatcher(t, nil)
	p := GetMapParams{Layers: []string{"nope"}, BBox: domain.BBox{0, 0, 256, 256}, Width: 256, Height: 256, SRS: "EPSG:3857"}
	_, err := d.GetMap(context.Background(), p)
	if err == nil || domain.KindOf(err) != domain.ErrKindInvalidRequest {
		t.Fatalf("expected ErrKindInvalidRequest for an unknown layer, got %v", err)
	}
}

func TestDispatcherGetMapDeniedByAuthorizer(t *testing.T) {
	denied := errors.New("not allowed")
	d := testDispatcher(t, func(ctx context.Context, layerName string) error { return denied })
	p := GetMapParams{Layers: []string{"base"}, BBox: domain.BBox{0, 0, 256, 256}, Width: 256, Height: 256, SRS: "EPSG:3857"}
	_, err := d.GetMap(context.Background(), p)
	if err == nil || domain.KindOf(err) != domain.ErrKindUnauthorized {
		t.Fatalf("expected ErrKindUnauthorized, got %v", err)
	}
}

func TestDispatcherGetTileBypassesStitching(t *testing.T) {
	d := testDispatcher(t, nil)
	tile, err := d.GetTile(context.Background(), "base", domain.TileCoord{Level: 0, X: 0, Y: 0}, nil)
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	if len(tile.Image) == 0 {
		t.Fatal("expected tile bytes from GetTile")
	}
}

func TestDispatcherGetTileRejectsLayerWithoutTileGrid(t *testing.T) {
	grid := testGrid(t)
	layers := map[string]*domain.Layer{"noTiles": {Name: "noTiles", CacheNames: []string{"basemap"}}}
	_ = grid
	d := New(layers, map[string]*maplayer.MapLayer{}, map[string]*tilemanager.Manager{}, nil)
	_, err := d.GetTile(context.Background(), "noTiles", domain.TileCoord{Level: 0, X: 0, Y: 0}, nil)
	if err == nil || domain.KindOf(err) != domain.ErrKindInvalidRequest {
		t.Fatalf("expected ErrKindInvalidRequest for a layer with no tile-grid service, got %v", err)
	}
}

func TestDispatcherGetTileDeniedByAuthorizer(t *testing.T) {
	denied := errors.New("not allowed")
	d := testDispatcher(t, func(ctx context.Context, layerName string) error { return denied })
	_, err := d.GetTile(context.Background(), "base", domain.TileCoord{Level: 0, X: 0, Y: 0}, nil)
	if err == nil || domain.KindOf(err) != domain.ErrKindUnauthorized {
		t.Fatalf("expected ErrKindUnauthorized, got %v", err)
	}
}
