package raster

import (
	"image"
	"image/color"
)

// ColorKey replaces any pixel within tolerance of key (per-channel) with
// fully transparent alpha, leaving RGB untouched. Used for WMS sources that
// signal transparency via a fixed color instead of an alpha channel
// (image.transparent_color[_tolerance] in spec §6).
func ColorKey(img image.Image, key color.NRGBA, tolerance [3]uint8) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			if withinTolerance(c.R, key.R, tolerance[0]) &&
				withinTolerance(c.G, key.G, tolerance[1]) &&
				withinTolerance(c.B, key.B, tolerance[2]) {
				c.A = 0
			}
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}

func withinTolerance(a, b, tol uint8) bool {
	var d uint8
	if a > b {
		d = a - b
	} else {
		d = b - a
	}
	return d <= tol
}
