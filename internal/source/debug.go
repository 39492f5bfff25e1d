package source

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/gisquick/tileproxy/internal/raster"
)

// DebugSource renders a grid line and the requested bbox/size as text onto
// a flat-colored tile, the spec §4.1 "debug source" used to visualize
// cache/grid boundaries while developing a layer configuration.
type DebugSource struct {
	SourceName string
	Background color.NRGBA
	Border     color.NRGBA
	Base
}

func NewDebugSource(name string) *DebugSource {
	return &DebugSource{
		SourceName: name,
		Background: color.NRGBA{230, 230, 230, 255},
		Border:     color.NRGBA{120, 120, 120, 255},
	}
}

func (s *DebugSource) Name() string            { return s.SourceName }
func (s *DebugSource) SupportsMetaTiles() bool { return true }

func (s *DebugSource) Fetch(ctx context.Context, req Request) (Response, error) {
	w, h := req.Size[0], req.Size[1]
	if w <= 0 {
		w = 256
	}
	if h <= 0 {
		h = 256
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: s.Background}, image.Point{}, draw.Src)
	drawBorder(img, s.Border)
	label := fmt.Sprintf("%.1f,%.1f\n%.1f,%.1f", req.BBox[0], req.BBox[1], req.BBox[2], req.BBox[3])
	drawMultilineLabel(img, label, 6, 14, s.Border)

	var buf bytes.Buffer
	opts := raster.EncodeOptions{Format: raster.FormatPNG}
	if _, err := raster.Encode(&buf, &raster.Image{Img: img, Mode: raster.ModeRGBA, Format: raster.FormatPNG}, opts); err != nil {
		return Response{}, err
	}
	return Response{Image: buf.Bytes(), Format: "image/png"}, nil
}

func drawBorder(img *image.NRGBA, c color.NRGBA) {
	b := img.Bounds()
	for x := b.Min.X; x < b.Max.X; x++ {
		img.SetNRGBA(x, b.Min.Y, c)
		img.SetNRGBA(x, b.Max.Y-1, c)
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		img.SetNRGBA(b.Min.X, y, c)
		img.SetNRGBA(b.Max.X-1, y, c)
	}
}

func drawMultilineLabel(img draw.Image, text string, x, y int, col color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: basicfont.Face7x13,
	}
	line := y
	start := 0
	for i := 0; i <= len(text); i++ {
		if i == len(text) || text[i] == '\n' {
			d.Dot = fixed.Point26_6{X: fixed.I(x), Y: fixed.I(line)}
			d.DrawString(text[start:i])
			line += 14
			start = i + 1
		}
	}
}
