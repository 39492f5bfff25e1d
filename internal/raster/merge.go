package raster

import (
	"image"

	"github.com/disintegration/imaging"
)

// Layer is one contributor to a Merge, bottom-to-top.
type Layer struct {
	Img     image.Image
	Opacity float64 // 1.0 = fully opaque contribution
}

// Merge stacks layers bottom-to-top via imaging.Overlay, the teacher's own
// raster-compositing primitive (internal/server/settings.go, filehandler.go),
// generalized here from thumbnail generation to tile-layer compositing.
func Merge(size [2]int, layers []Layer) *image.NRGBA {
	acc := image.NewNRGBA(image.Rect(0, 0, size[0], size[1]))
	for _, l := range layers {
		if l.Img == nil {
			continue
		}
		opacity := l.Opacity
		if opacity <= 0 {
			opacity = 1
		}
		acc = imaging.Overlay(acc, l.Img, image.Point{}, opacity)
	}
	return acc
}

// Split crops a decoded meta-tile image into its per-tile-coordinate pieces.
// bufferPx is the pixel width of the meta-tile's buffer (so members start
// at bufferPx, not (0,0)); tileSize is the grid's native tile pixel size.
// Rows are returned in image order, top row first; the caller maps them to
// tile y according to the grid's origin corner.
func Split(meta image.Image, cols, rows int, tileSize [2]int, bufferPx [2]int) [][]*image.NRGBA {
	out := make([][]*image.NRGBA, rows)
	for j := 0; j < rows; j++ {
		out[j] = make([]*image.NRGBA, cols)
		for i := 0; i < cols; i++ {
			minx := bufferPx[0] + i*tileSize[0]
			miny := bufferPx[1] + j*tileSize[1]
			rect := image.Rect(minx, miny, minx+tileSize[0], miny+tileSize[1])
			out[j][i] = Crop(meta, rect)
		}
	}
	return out
}
