package source

import (
	"context"
	"image/color"
	"testing"

	"github.com/gisquick/tileproxy/internal/domain"
	"github.com/gisquick/tileproxy/internal/raster"
)

func TestBlankSourceFetchReturnsSolidColor(t *testing.T) {
	s := NewBlankSource("void", color.NRGBA{0, 0, 0, 0})
	req := Request{BBox: domain.BBox{0, 0, 1, 1}, Size: [2]int{16, 16}, SRS: "EPSG:3857"}
	resp, err := s.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.Format != "image/png" {
		t.Fatalf("expected png format, got %s", resp.Format)
	}
	img, err := raster.DecodeBytes(resp.Image)
	if err != nil {
		t.Fatalf("DecodeBytes: %v", err)
	}
	if img.Img.Bounds().Dx() != 16 || img.Img.Bounds().Dy() != 16 {
		t.Fatalf("expected a 16x16 image, got %v", img.Img.Bounds())
	}
	c, ok := img.SingleColor()
	if !ok || c != (color.NRGBA{0, 0, 0, 0}) {
		t.Fatalf("expected a fully transparent single color, got %v ok=%v", c, ok)
	}
}

func TestBlankSourceFetchDefaultsSizeWhenUnset(t *testing.T) {
	s := NewBlankSource("void", color.NRGBA{255, 0, 0, 255})
	resp, err := s.Fetch(context.Background(), Request{BBox: domain.BBox{0, 0, 1, 1}})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	img, err := raster.DecodeBytes(resp.Image)
	if err != nil {
		t.Fatalf("DecodeBytes: %v", err)
	}
	if img.Img.Bounds().Dx() != 256 || img.Img.Bounds().Dy() != 256 {
		t.Fatalf("expected a default 256x256 image, got %v", img.Img.Bounds())
	}
}

func TestBlankSourceSupportsMetaTiles(t *testing.T) {
	s := NewBlankSource("void", color.NRGBA{})
	if !s.SupportsMetaTiles() {
		t.Fatal("blank source should support meta-tile requests")
	}
}

func TestDebugSourceFetchProducesRequestedSize(t *testing.T) {
	s := NewDebugSource("dbg")
	req := Request{BBox: domain.BBox{1, 2, 3, 4}, Size: [2]int{64, 32}, SRS: "EPSG:3857"}
	resp, err := s.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	img, err := raster.DecodeBytes(resp.Image)
	if err != nil {
		t.Fatalf("DecodeBytes: %v", err)
	}
	if img.Img.Bounds().Dx() != 64 || img.Img.Bounds().Dy() != 32 {
		t.Fatalf("expected a 64x32 image, got %v", img.Img.Bounds())
	}
}

func TestDebugSourceName(t *testing.T) {
	s := NewDebugSource("dbg")
	if s.Name() != "dbg" {
		t.Fatalf("expected name %q, got %q", "dbg", s.Name())
	}
}
