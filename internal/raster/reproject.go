package raster

import (
	"image"
	"image/color"

	"github.com/gisquick/tileproxy/internal/domain"
)

// Transformer maps a single ground-space point from one SRS to another.
// internal/coverage supplies the concrete transformer
// (coverage.NewPointTransformer); the interface lives here so raster has no
// dependency on the geometry package.
type Transformer interface {
	Transform(x, y float64) (float64, float64)
}

// chunkRows bounds how many destination rows are reverse-mapped at once,
// keeping peak memory proportional to one row-band rather than the whole
// image (spec §4.2 "chunked to bound memory").
const chunkRows = 256

// Reproject reverse-maps every pixel of a destSize image covering destBBox
// (in the destination SRS) into src (covering srcBBox, in the source SRS).
// ResampleNearest samples the nearest source pixel; every other method,
// ResampleBicubic included, samples bilinearly (there is no bicubic kernel
// here). transform maps a point from destination SRS to source SRS.
func Reproject(src image.Image, srcBBox domain.BBox, destBBox domain.BBox, destSize [2]int, transform Transformer, method domain.ResamplingMethod) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, destSize[0], destSize[1]))
	sb := src.Bounds()
	srcPxW := float64(sb.Dx()) / srcBBox.Width()
	srcPxH := float64(sb.Dy()) / srcBBox.Height()
	destPxW := destBBox.Width() / float64(destSize[0])
	destPxH := destBBox.Height() / float64(destSize[1])

	for rowStart := 0; rowStart < destSize[1]; rowStart += chunkRows {
		rowEnd := rowStart + chunkRows
		if rowEnd > destSize[1] {
			rowEnd = destSize[1]
		}
		for py := rowStart; py < rowEnd; py++ {
			// destination pixel center, image-space row 0 = top = destBBox maxY
			gy := destBBox[3] - (float64(py)+0.5)*destPxH
			for px := 0; px < destSize[0]; px++ {
				gx := destBBox[0] + (float64(px)+0.5)*destPxW
				sx, sy := transform.Transform(gx, gy)
				// ground -> source pixel (row 0 = top = srcBBox maxY)
				fx := (sx - srcBBox[0]) * srcPxW
				fy := (srcBBox[3] - sy) * srcPxH
				out.SetNRGBA(px, py, sampleAt(src, sb, fx, fy, method))
			}
		}
	}
	return out
}

func sampleAt(src image.Image, bounds image.Rectangle, fx, fy float64, method domain.ResamplingMethod) color.NRGBA {
	if method == domain.ResampleNearest {
		x := int(fx)
		y := int(fy)
		if x < bounds.Min.X || x >= bounds.Max.X || y < bounds.Min.Y || y >= bounds.Max.Y {
			return color.NRGBA{}
		}
		return color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
	}
	// bilinear sample, falls back to nearest-edge clamping outside bounds
	x0 := int(fx)
	y0 := int(fy)
	x1 := x0 + 1
	y1 := y0 + 1
	tx := fx - float64(x0)
	ty := fy - float64(y0)
	c00 := safeAt(src, bounds, x0, y0)
	c10 := safeAt(src, bounds, x1, y0)
	c01 := safeAt(src, bounds, x0, y1)
	c11 := safeAt(src, bounds, x1, y1)
	return lerp2D(c00, c10, c01, c11, tx, ty)
}

func safeAt(src image.Image, bounds image.Rectangle, x, y int) color.NRGBA {
	if x < bounds.Min.X {
		x = bounds.Min.X
	}
	if x >= bounds.Max.X {
		x = bounds.Max.X - 1
	}
	if y < bounds.Min.Y {
		y = bounds.Min.Y
	}
	if y >= bounds.Max.Y {
		y = bounds.Max.Y - 1
	}
	return color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
}

func lerp2D(c00, c10, c01, c11 color.NRGBA, tx, ty float64) color.NRGBA {
	lerp := func(a, b uint8, t float64) uint8 {
		return uint8(float64(a)*(1-t) + float64(b)*t)
	}
	top := color.NRGBA{lerp(c00.R, c10.R, tx), lerp(c00.G, c10.G, tx), lerp(c00.B, c10.B, tx), lerp(c00.A, c10.A, tx)}
	bot := color.NRGBA{lerp(c01.R, c11.R, tx), lerp(c01.G, c11.G, tx), lerp(c01.B, c11.B, tx), lerp(c01.A, c11.A, tx)}
	return color.NRGBA{lerp(top.R, bot.R, ty), lerp(top.G, bot.G, ty), lerp(top.B, bot.B, ty), lerp(top.A, bot.A, ty)}
}
