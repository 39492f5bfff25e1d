package source

import (
	"bytes"
	"context"
	"image"
	"image/color"

	"github.com/gisquick/tileproxy/internal/raster"
)

// BlankSource always returns a flat-colored (typically fully transparent)
// image, the spec §4.1 "blank source" used for placeholder layers. The
// OnErrorTransparent/OnErrorCache policies do not use it: tilemanager
// leaves a failed source's layer empty instead.
type BlankSource struct {
	SourceName string
	Color      color.NRGBA
	Base
}

func NewBlankSource(name string, c color.NRGBA) *BlankSource {
	return &BlankSource{SourceName: name, Color: c}
}

func (s *BlankSource) Name() string            { return s.SourceName }
func (s *BlankSource) SupportsMetaTiles() bool { return true }

func (s *BlankSource) Fetch(ctx context.Context, req Request) (Response, error) {
	w, h := req.Size[0], req.Size[1]
	if w <= 0 {
		w = 256
	}
	if h <= 0 {
		h = 256
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, s.Color)
		}
	}
	var buf bytes.Buffer
	if _, err := raster.Encode(&buf, &raster.Image{Img: img, Mode: raster.ModeRGBA, Format: raster.FormatPNG}, raster.EncodeOptions{Format: raster.FormatPNG}); err != nil {
		return Response{}, err
	}
	return Response{Image: buf.Bytes(), Format: "image/png"}, nil
}
