package raster

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/gisquick/tileproxy/internal/domain"
)

func solid(size int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestMergeStacksBottomToTop(t *testing.T) {
	red := solid(4, color.NRGBA{255, 0, 0, 255})
	blue := solid(4, color.NRGBA{0, 0, 255, 255})
	out := Merge([2]int{4, 4}, []Layer{
		{Img: red, Opacity: 1},
		{Img: blue, Opacity: 1},
	})
	got := out.NRGBAAt(0, 0)
	if got != (color.NRGBA{0, 0, 255, 255}) {
		t.Fatalf("top opaque layer should win, got %v", got)
	}
}

func TestMergeSkipsNilLayer(t *testing.T) {
	red := solid(2, color.NRGBA{255, 0, 0, 255})
	out := Merge([2]int{2, 2}, []Layer{{Img: nil}, {Img: red, Opacity: 1}})
	if out.NRGBAAt(0, 0) != (color.NRGBA{255, 0, 0, 255}) {
		t.Fatalf("expected red to show through a nil layer")
	}
}

func TestCropReturnsIndependentImage(t *testing.T) {
	src := solid(8, color.NRGBA{10, 20, 30, 255})
	cropped := Crop(src, image.Rect(2, 2, 6, 6))
	if cropped.Bounds().Dx() != 4 || cropped.Bounds().Dy() != 4 {
		t.Fatalf("expected a 4x4 crop, got %v", cropped.Bounds())
	}
	cropped.Set(0, 0, color.NRGBA{0, 0, 0, 0})
	if src.NRGBAAt(2, 2) == (color.NRGBA{0, 0, 0, 0}) {
		t.Fatal("Crop must not alias the source image")
	}
}

func TestPasteReturnsNewCanvas(t *testing.T) {
	canvas := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	patch := solid(2, color.NRGBA{1, 2, 3, 255})
	out := Paste(canvas, patch, image.Pt(1, 1))
	if out.NRGBAAt(1, 1) != (color.NRGBA{1, 2, 3, 255}) {
		t.Fatalf("expected patch pasted at offset, got %v", out.NRGBAAt(1, 1))
	}
	if out.NRGBAAt(0, 0).A != 0 {
		t.Fatalf("expected untouched canvas pixel to stay transparent")
	}
}

func TestSplitRecoversTileGrid(t *testing.T) {
	colors := [][]color.NRGBA{
		{{255, 0, 0, 255}, {0, 255, 0, 255}},
		{{0, 0, 255, 255}, {255, 255, 0, 255}},
	}
	meta := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for row := range colors {
		for col := range colors[row] {
			for y := 0; y < 2; y++ {
				for x := 0; x < 2; x++ {
					meta.SetNRGBA(col*2+x, row*2+y, colors[row][col])
				}
			}
		}
	}
	grids := Split(meta, 2, 2, [2]int{2, 2}, [2]int{0, 0})
	for row := range colors {
		for col := range colors[row] {
			got := grids[row][col].NRGBAAt(0, 0)
			if got != colors[row][col] {
				t.Fatalf("tile (%d,%d): expected %v got %v", col, row, colors[row][col], got)
			}
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	src := solid(4, color.NRGBA{11, 22, 33, 255})
	im := &Image{Img: src, Mode: ModeRGBA, Format: FormatPNG}
	var buf bytes.Buffer
	if _, err := Encode(&buf, im, EncodeOptions{Format: FormatPNG}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := DecodeBytes(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeBytes: %v", err)
	}
	if decoded.Format != FormatPNG {
		t.Fatalf("expected png format, got %v", decoded.Format)
	}
	c, ok := decoded.SingleColor()
	if !ok || c != (color.NRGBA{11, 22, 33, 255}) {
		t.Fatalf("expected a single uniform color, got %v ok=%v", c, ok)
	}
}

func TestBandCombineNumericMix(t *testing.T) {
	r := solid(2, color.NRGBA{200, 0, 0, 255})
	g := solid(2, color.NRGBA{0, 100, 0, 255})
	out := BandCombine([2]int{2, 2}, [][]BandContribution{
		{{Src: r, Band: 0, Factor: 1}},
		{{Src: g, Band: 1, Factor: 1}},
	})
	got := out.NRGBAAt(0, 0)
	if got.R != 200 || got.G != 100 {
		t.Fatalf("expected R from r's red channel and G from g's green channel, got %v", got)
	}
}

func TestReprojectIdentityTransform(t *testing.T) {
	src := solid(4, color.NRGBA{5, 6, 7, 255})
	identity := identityTransform{}
	bbox := domain.BBox{0, 0, 4, 4}
	out := Reproject(src, bbox, bbox, [2]int{4, 4}, identity, domain.ResampleNearest)
	if out.Bounds().Dx() != 4 || out.Bounds().Dy() != 4 {
		t.Fatalf("expected unchanged size, got %v", out.Bounds())
	}
}

type identityTransform struct{}

func (identityTransform) Transform(x, y float64) (float64, float64) { return x, y }
