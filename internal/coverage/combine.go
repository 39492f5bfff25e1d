package coverage

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/gisquick/tileproxy/internal/domain"
)

// combinator implements boolean combinations of coverages (an
// "intersection:"/"union:" node containing bboxes/polygons/datasource
// references, per spec §3/§4.3), recursively.
type combinator struct {
	op       combineOp
	children []Coverage
	srs      string
}

type combineOp int

const (
	opIntersection combineOp = iota
	opUnion
	opDifference
)

func Intersection(srs string, children ...Coverage) Coverage {
	return &combinator{op: opIntersection, children: children, srs: srs}
}

func Union(srs string, children ...Coverage) Coverage {
	return &combinator{op: opUnion, children: children, srs: srs}
}

// Difference returns a coverage containing points in base but not in any of subtract.
func Difference(srs string, base Coverage, subtract ...Coverage) Coverage {
	return &combinator{op: opDifference, children: append([]Coverage{base}, subtract...), srs: srs}
}

func (c *combinator) SRS() string { return c.srs }

func (c *combinator) TransformTo(srs string) (Coverage, error) {
	if srs == c.srs {
		return c, nil
	}
	children := make([]Coverage, len(c.children))
	for i, ch := range c.children {
		t, err := ch.TransformTo(srs)
		if err != nil {
			return nil, err
		}
		children[i] = t
	}
	return &combinator{op: c.op, children: children, srs: srs}, nil
}

func (c *combinator) Intersects(bbox domain.BBox, srs string) (bool, error) {
	switch c.op {
	case opUnion:
		for _, ch := range c.children {
			ok, err := ch.Intersects(bbox, srs)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case opIntersection:
		for _, ch := range c.children {
			ok, err := ch.Intersects(bbox, srs)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return len(c.children) > 0, nil
	default: // difference: intersects base and not fully covered by any subtrahend
		if len(c.children) == 0 {
			return false, nil
		}
		ok, err := c.children[0].Intersects(bbox, srs)
		if err != nil || !ok {
			return false, err
		}
		for _, sub := range c.children[1:] {
			contained, err := sub.Contains(bbox, srs)
			if err != nil {
				return false, err
			}
			if contained {
				return false, nil
			}
		}
		return true, nil
	}
}

func (c *combinator) Contains(bbox domain.BBox, srs string) (bool, error) {
	switch c.op {
	case opUnion:
		for _, ch := range c.children {
			ok, err := ch.Contains(bbox, srs)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case opIntersection:
		for _, ch := range c.children {
			ok, err := ch.Contains(bbox, srs)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return len(c.children) > 0, nil
	default:
		if len(c.children) == 0 {
			return false, nil
		}
		ok, err := c.children[0].Contains(bbox, srs)
		if err != nil || !ok {
			return false, err
		}
		for _, sub := range c.children[1:] {
			intersects, err := sub.Intersects(bbox, srs)
			if err != nil {
				return false, err
			}
			if intersects {
				return false, nil
			}
		}
		return true, nil
	}
}

// Clip clears alpha outside the combined region. For intersection, clipping
// sequentially by each child already yields the intersection (each pass
// only ever removes more). For union, each child's clip is applied to an
// independent copy and a pixel survives if at least one copy kept it. For
// difference, the base is clipped normally and each subtrahend's covered
// region is then cleared (inverse clip).
func (c *combinator) Clip(img draw.Image, bbox domain.BBox, srs string) error {
	switch c.op {
	case opIntersection:
		for _, ch := range c.children {
			if err := ch.Clip(img, bbox, srs); err != nil {
				return err
			}
		}
		return nil
	case opUnion:
		if len(c.children) == 0 {
			return nil
		}
		b := img.Bounds()
		keep := image.NewAlpha(b)
		for _, ch := range c.children {
			copyImg := cloneImage(img)
			if err := ch.Clip(copyImg, bbox, srs); err != nil {
				return err
			}
			orAlpha(keep, copyImg)
		}
		applyAlphaMask(img, keep)
		return nil
	default: // difference
		if len(c.children) == 0 {
			return nil
		}
		if err := c.children[0].Clip(img, bbox, srs); err != nil {
			return err
		}
		for _, sub := range c.children[1:] {
			inverse := cloneImage(img)
			if err := sub.Clip(inverse, bbox, srs); err != nil {
				return err
			}
			subtractCleared(img, inverse)
		}
		return nil
	}
}

func cloneImage(img draw.Image) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)
	return out
}

func orAlpha(dst *image.Alpha, src image.Image) {
	b := src.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			_, _, _, a := src.At(x, y).RGBA()
			if a > 0 {
				dst.SetAlpha(x, y, color.Alpha{A: 255})
			}
		}
	}
}

func applyAlphaMask(img draw.Image, mask *image.Alpha) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if mask.AlphaAt(x, y).A == 0 {
				clearAlpha(img, x, y)
			}
		}
	}
}

// subtractCleared clears, in img, every pixel that still has alpha in
// "inverse" (meaning the subtrahend's clip did NOT remove it there).
func subtractCleared(img draw.Image, inverse image.Image) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			_, _, _, a := inverse.At(x, y).RGBA()
			if a > 0 {
				clearAlpha(img, x, y)
			}
		}
	}
}
