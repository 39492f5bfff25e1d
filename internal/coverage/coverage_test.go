package coverage

import (
	"image"
	"image/color"
	"testing"

	"github.com/paulmach/orb"

	"github.com/gisquick/tileproxy/internal/domain"
)

func TestBBoxCoverageIntersectsAndContains(t *testing.T) {
	c := NewBBoxCoverage(domain.BBox{0, 0, 10, 10}, "EPSG:3857")

	ok, err := c.Contains(domain.BBox{2, 2, 8, 8}, "EPSG:3857")
	if err != nil || !ok {
		t.Fatalf("expected containment, ok=%v err=%v", ok, err)
	}

	ok, err = c.Contains(domain.BBox{2, 2, 12, 8}, "EPSG:3857")
	if err != nil || ok {
		t.Fatalf("bbox extending past the edge should not be contained, ok=%v err=%v", ok, err)
	}

	ok, err = c.Intersects(domain.BBox{9, 9, 20, 20}, "EPSG:3857")
	if err != nil || !ok {
		t.Fatalf("expected a corner overlap to intersect, ok=%v err=%v", ok, err)
	}

	ok, err = c.Intersects(domain.BBox{100, 100, 200, 200}, "EPSG:3857")
	if err != nil || ok {
		t.Fatalf("disjoint bbox should not intersect, ok=%v err=%v", ok, err)
	}
}

func TestBBoxCoverageClipClearsOutsideArea(t *testing.T) {
	c := NewBBoxCoverage(domain.BBox{0, 0, 2, 2}, "EPSG:3857")
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetNRGBA(x, y, color.NRGBA{255, 0, 0, 255})
		}
	}
	if err := c.Clip(img, domain.BBox{0, 0, 4, 4}, "EPSG:3857"); err != nil {
		t.Fatalf("Clip: %v", err)
	}
	// pixel (0,3) covers ground [0,1]x[0,1], inside the kept bbox [0,2]x[0,2].
	if img.NRGBAAt(0, 3).A == 0 {
		t.Fatal("pixel inside the kept bbox should keep its alpha")
	}
	// pixel (3,0) covers ground [3,4]x[3,4], outside the kept bbox.
	if img.NRGBAAt(3, 0).A != 0 {
		t.Fatal("pixel outside the kept bbox should have its alpha cleared")
	}
}

func squarePolygon(minX, minY, maxX, maxY float64) orb.Polygon {
	ring := orb.Ring{
		{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY},
	}
	return orb.Polygon{ring}
}

func TestPolygonCoverageContainsAndIntersects(t *testing.T) {
	c := NewPolygonCoverage(squarePolygon(0, 0, 10, 10), "EPSG:3857")

	ok, err := c.Contains(domain.BBox{2, 2, 8, 8}, "EPSG:3857")
	if err != nil || !ok {
		t.Fatalf("expected containment, ok=%v err=%v", ok, err)
	}

	ok, err = c.Contains(domain.BBox{2, 2, 20, 8}, "EPSG:3857")
	if err != nil || ok {
		t.Fatalf("bbox extending past the polygon should not be contained, ok=%v err=%v", ok, err)
	}

	ok, err = c.Intersects(domain.BBox{-5, -5, 5, 5}, "EPSG:3857")
	if err != nil || !ok {
		t.Fatalf("expected an overlap to intersect, ok=%v err=%v", ok, err)
	}

	ok, err = c.Intersects(domain.BBox{100, 100, 200, 200}, "EPSG:3857")
	if err != nil || ok {
		t.Fatalf("disjoint bbox should not intersect, ok=%v err=%v", ok, err)
	}
}

func TestTransformToSameSRSReturnsSameInstance(t *testing.T) {
	c := NewBBoxCoverage(domain.BBox{0, 0, 1, 1}, "EPSG:3857")
	other, err := c.TransformTo("EPSG:3857")
	if err != nil {
		t.Fatalf("TransformTo: %v", err)
	}
	if other != Coverage(c) {
		t.Fatal("transforming to the same SRS should return the same instance")
	}
}

func TestTransformToUnsupportedSRSPair(t *testing.T) {
	c := NewBBoxCoverage(domain.BBox{0, 0, 1, 1}, "EPSG:5514")
	if _, err := c.TransformTo("EPSG:25832"); err == nil {
		t.Fatal("expected an error for an unsupported SRS pair")
	}
}

func TestIntersectionCombinator(t *testing.T) {
	a := NewBBoxCoverage(domain.BBox{0, 0, 10, 10}, "EPSG:3857")
	b := NewBBoxCoverage(domain.BBox{5, 5, 15, 15}, "EPSG:3857")
	combined := Intersection("EPSG:3857", a, b)

	ok, err := combined.Contains(domain.BBox{6, 6, 9, 9}, "EPSG:3857")
	if err != nil || !ok {
		t.Fatalf("expected the overlap region to be contained, ok=%v err=%v", ok, err)
	}
	ok, err = combined.Contains(domain.BBox{1, 1, 4, 4}, "EPSG:3857")
	if err != nil || ok {
		t.Fatalf("a region only in one child should not be contained by the intersection, ok=%v err=%v", ok, err)
	}
}

func TestUnionCombinator(t *testing.T) {
	a := NewBBoxCoverage(domain.BBox{0, 0, 5, 5}, "EPSG:3857")
	b := NewBBoxCoverage(domain.BBox{10, 10, 15, 15}, "EPSG:3857")
	combined := Union("EPSG:3857", a, b)

	ok, err := combined.Intersects(domain.BBox{1, 1, 2, 2}, "EPSG:3857")
	if err != nil || !ok {
		t.Fatalf("expected overlap with the first child, ok=%v err=%v", ok, err)
	}
	ok, err = combined.Intersects(domain.BBox{11, 11, 12, 12}, "EPSG:3857")
	if err != nil || !ok {
		t.Fatalf("expected overlap with the second child, ok=%v err=%v", ok, err)
	}
	ok, err = combined.Intersects(domain.BBox{6, 6, 9, 9}, "EPSG:3857")
	if err != nil || ok {
		t.Fatalf("gap between both children should not intersect, ok=%v err=%v", ok, err)
	}
}

func TestDifferenceCombinator(t *testing.T) {
	base := NewBBoxCoverage(domain.BBox{0, 0, 10, 10}, "EPSG:3857")
	hole := NewBBoxCoverage(domain.BBox{0, 0, 10, 10}, "EPSG:3857")
	combined := Difference("EPSG:3857", base, hole)

	ok, err := combined.Intersects(domain.BBox{2, 2, 8, 8}, "EPSG:3857")
	if err != nil || ok {
		t.Fatalf("subtracting the whole base should leave nothing, ok=%v err=%v", ok, err)
	}

	partialHole := NewBBoxCoverage(domain.BBox{0, 0, 5, 5}, "EPSG:3857")
	combined = Difference("EPSG:3857", base, partialHole)
	ok, err = combined.Intersects(domain.BBox{7, 7, 9, 9}, "EPSG:3857")
	if err != nil || !ok {
		t.Fatalf("region outside the subtracted hole should still intersect, ok=%v err=%v", ok, err)
	}
}

func TestPolygonCoverageClipClearsOutsideRing(t *testing.T) {
	c := NewPolygonCoverage(squarePolygon(0, 0, 2, 2), "EPSG:3857")
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetNRGBA(x, y, color.NRGBA{0, 255, 0, 255})
		}
	}
	if err := c.Clip(img, domain.BBox{0, 0, 4, 4}, "EPSG:3857"); err != nil {
		t.Fatalf("Clip: %v", err)
	}
	if img.NRGBAAt(0, 3).A == 0 {
		t.Fatal("pixel inside the polygon should keep its alpha")
	}
	if img.NRGBAAt(3, 0).A != 0 {
		t.Fatal("pixel outside the polygon should have its alpha cleared")
	}
}
