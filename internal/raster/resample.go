package raster

import (
	"image"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"

	"github.com/gisquick/tileproxy/internal/domain"
)

// scaler maps a domain.ResamplingMethod onto an x/image/draw interpolator.
func scaler(method domain.ResamplingMethod) xdraw.Scaler {
	switch method {
	case domain.ResampleBilinear:
		return xdraw.ApproxBiLinear
	case domain.ResampleBicubic:
		return xdraw.CatmullRom
	default:
		return xdraw.NearestNeighbor
	}
}

// Resize scales src to exactly the given pixel size using method.
func Resize(src image.Image, size [2]int, method domain.ResamplingMethod) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, size[0], size[1]))
	scaler(method).Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return dst
}

// Crop returns the sub-image of src bounded by rect, as a fresh NRGBA (not
// a view), so callers may mutate it independently of src. Built on
// disintegration/imaging.Crop, the teacher's own raster primitive.
func Crop(src image.Image, rect image.Rectangle) *image.NRGBA {
	return imaging.Crop(src, rect)
}

// Paste returns dst with src drawn onto it at offset (src's own alpha,
// over). Built on disintegration/imaging.Paste; unlike an in-place
// image/draw.Draw call this returns a new image, so callers reassign
// their canvas variable rather than relying on mutation.
func Paste(dst image.Image, src image.Image, offset image.Point) *image.NRGBA {
	return imaging.Paste(dst, src, offset)
}
