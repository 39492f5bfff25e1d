package maplayer

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/gisquick/tileproxy/internal/domain"
	"github.com/gisquick/tileproxy/internal/lock"
	"github.com/gisquick/tileproxy/internal/source"
	"github.com/gisquick/tileproxy/internal/storage"
	"github.com/gisquick/tileproxy/internal/tilemanager"
)

func oneTileGrid(t *testing.T) *domain.Grid {
	t.Helper()
	g, err := domain.NewGrid("EPSG:3857", []float64{1}, domain.Size{256, 256}, domain.OriginLowerLeft, domain.BBox{0, 0, 256, 256}, nil, 0, 0)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	return g
}

func fourTileGrid(t *testing.T) *domain.Grid {
	t.Helper()
	g, err := domain.NewGrid("EPSG:3857", []float64{1}, domain.Size{256, 256}, domain.OriginLowerLeft, domain.BBox{0, 0, 512, 512}, nil, 0, 0)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	return g
}

func newLayer(grid *domain.Grid, c color.NRGBA) *MapLayer {
	cache := &domain.Cache{
		Name:        "basemap",
		Grid:        grid,
		SourceNames: []string{"blank"},
		Image:       domain.ImageOptions{Format: "image/png"},
		MetaSize:    domain.MetaSize{2, 2},
	}
	backend := storage.NewFilesystemBackend("", storage.LayoutTC, false) // Root unused when DisableStorage
	cache.Policies.DisableStorage = true
	sources := tilemanager.MapSourceSet{"blank": source.NewBlankSource("blank", c)}
	mgr := tilemanager.New(cache, sources, backend, lock.NewSingleflightManager(), nil, nil)
	return New("basemap", mgr, grid, nil, domain.ResampleBilinear)
}

func TestMapLayerGetMapDirectSingleTileBypassesStitching(t *testing.T) {
	grid := oneTileGrid(t)
	l := newLayer(grid, color.NRGBA{10, 20, 30, 255})

	img, err := l.GetMap(context.Background(), Request{
		BBox: domain.BBox{0, 0, 256, 256},
		Size: domain.Size{256, 256},
		SRS:  "EPSG:3857",
	})
	if err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	if img.Img.Bounds().Dx() != 256 || img.Img.Bounds().Dy() != 256 {
		t.Fatalf("expected a 256x256 image, got %v", img.Img.Bounds())
	}
}

func TestMapLayerGetMapStitchesMultipleTiles(t *testing.T) {
	grid := fourTileGrid(t)
	l := newLayer(grid, color.NRGBA{1, 2, 3, 255})

	img, err := l.GetMap(context.Background(), Request{
		BBox: domain.BBox{0, 0, 512, 512},
		Size: domain.Size{512, 512},
		SRS:  "EPSG:3857",
	})
	if err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	if img.Img.Bounds().Dx() != 512 || img.Img.Bounds().Dy() != 512 {
		t.Fatalf("expected a 512x512 stitched image, got %v", img.Img.Bounds())
	}
}

func TestMapLayerGetMapCropsToPartialRequest(t *testing.T) {
	grid := fourTileGrid(t)
	l := newLayer(grid, color.NRGBA{5, 5, 5, 255})

	img, err := l.GetMap(context.Background(), Request{
		BBox: domain.BBox{64, 64, 448, 448},
		Size: domain.Size{384, 384},
		SRS:  "EPSG:3857",
	})
	if err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	if img.Img.Bounds().Dx() != 384 || img.Img.Bounds().Dy() != 384 {
		t.Fatalf("expected the output cropped/resized to the requested 384x384, got %v", img.Img.Bounds())
	}
}

func TestStitchPlacesTilesByOrigin(t *testing.T) {
	grid := fourTileGrid(t)
	colors := map[[2]int]color.NRGBA{
		{0, 0}: {255, 0, 0, 255},
		{1, 0}: {0, 255, 0, 255},
		{0, 1}: {0, 0, 255, 255},
		{1, 1}: {255, 255, 0, 255},
	}
	tiles := make([]*domain.Tile, 0, 4)
	for y := 0; y <= 1; y++ {
		for x := 0; x <= 1; x++ {
			img := image.NewNRGBA(image.Rect(0, 0, 256, 256))
			c := colors[[2]int{x, y}]
			for py := 0; py < 256; py++ {
				for px := 0; px < 256; px++ {
					img.SetNRGBA(px, py, c)
				}
			}
			tiles = append(tiles, &domain.Tile{Image: encodePNG(t, img)})
		}
	}
	canvas, bbox, err := stitch(grid, 0, [2]int{0, 1}, [2]int{0, 1}, tiles)
	if err != nil {
		t.Fatalf("stitch: %v", err)
	}
	if bbox != grid.BBox {
		t.Fatalf("expected the stitched canvas bbox to match the grid bbox, got %v", bbox)
	}
	// grid uses OriginLowerLeft, so the y=0 tile (ground-lower) lands at the
	// canvas's bottom row.
	if canvas.NRGBAAt(0, 511) != colors[[2]int{0, 0}] {
		t.Fatalf("expected bottom-left pixel to be the (0,0) tile's color, got %v", canvas.NRGBAAt(0, 511))
	}
	if canvas.NRGBAAt(0, 0) != colors[[2]int{0, 1}] {
		t.Fatalf("expected top-left pixel to be the (0,1) tile's color, got %v", canvas.NRGBAAt(0, 0))
	}
}

func TestCropRectMapsBBoxToPixels(t *testing.T) {
	canvasBBox := domain.BBox{0, 0, 512, 512}
	bounds := image.Rect(0, 0, 512, 512)
	r := cropRect(canvasBBox, domain.BBox{128, 128, 384, 384}, 1, bounds)
	want := image.Rect(128, 128, 384, 384)
	if r != want {
		t.Fatalf("expected %v, got %v", want, r)
	}
}

func TestBboxAlmostEqual(t *testing.T) {
	a := domain.BBox{0, 0, 256, 256}
	b := domain.BBox{0.1, -0.1, 256.1, 255.9}
	if !bboxAlmostEqual(a, b, 0.5) {
		t.Fatal("expected bboxes within tolerance to be considered equal")
	}
	if bboxAlmostEqual(a, b, 0.01) {
		t.Fatal("expected bboxes outside tolerance to not be considered equal")
	}
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}
