package domain

import "testing"

func webMercatorGrid(t *testing.T) *Grid {
	t.Helper()
	res := []float64{156543.033928, 78271.516964, 39135.758482}
	bbox := BBox{-20037508.34, -20037508.34, 20037508.34, 20037508.34}
	g, err := NewGrid("EPSG:3857", res, Size{256, 256}, OriginLowerLeft, bbox, nil, 0, 0)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	return g
}

func TestGridTileBBoxRoundTrip(t *testing.T) {
	g := webMercatorGrid(t)
	bbox, err := g.TileBBox(0, 0, 0)
	if err != nil {
		t.Fatalf("TileBBox: %v", err)
	}
	if bbox[0] != g.BBox[0] || bbox[1] != g.BBox[1] {
		t.Fatalf("tile (0,0,0) should start at grid origin, got %v", bbox)
	}
	level, xr, yr, err := g.AffectedTiles(bbox, Size{256, 256})
	if err != nil {
		t.Fatalf("AffectedTiles: %v", err)
	}
	if level != 0 || xr != [2]int{0, 0} || yr != [2]int{0, 0} {
		t.Fatalf("expected single tile (0,0,0), got level=%d x=%v y=%v", level, xr, yr)
	}
}

func TestGridAffectedTilesOutsideBounds(t *testing.T) {
	g := webMercatorGrid(t)
	_, _, _, err := g.AffectedTiles(BBox{1e9, 1e9, 2e9, 2e9}, Size{256, 256})
	if err == nil {
		t.Fatal("expected an out-of-bounds error")
	}
}

func TestGridUpperLeftOrigin(t *testing.T) {
	res := []float64{1000}
	bbox := BBox{0, 0, 4000, 4000}
	g, err := NewGrid("EPSG:3857", res, Size{256, 256}, OriginUpperLeft, bbox, nil, 0, 0)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	top, err := g.TileBBox(0, 0, 0)
	if err != nil {
		t.Fatalf("TileBBox: %v", err)
	}
	if top[3] != bbox[3] {
		t.Fatalf("upper-left origin tile (0,0) should touch the top of the bbox, got %v", top)
	}
}

func TestNewGridRejectsNonMonotonicResolutions(t *testing.T) {
	_, err := NewGrid("EPSG:3857", []float64{100, 200}, Size{256, 256}, OriginLowerLeft, BBox{0, 0, 1, 1}, nil, 0, 0)
	if err == nil {
		t.Fatal("expected an error for increasing resolutions")
	}
}
