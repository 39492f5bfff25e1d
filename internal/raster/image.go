// Package raster implements the tile engine's in-memory image component:
// decode/encode, resampling, reprojection, merging, splitting, color
// substitution, watermarking and band composition. All pipeline images
// within one request share the pixel units of the active grid (spec §4.2).
package raster

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/image/tiff"
)

// Mode names the raster's band layout, mirroring spec §3 Image.
type Mode string

const (
	ModeRGB   Mode = "RGB"
	ModeRGBA  Mode = "RGBA"
	ModeP8    Mode = "P"
	ModeL     Mode = "L"
	ModeLA    Mode = "LA"
)

// Format names an encodable image format tag.
type Format string

const (
	FormatPNG   Format = "png"
	FormatJPEG  Format = "jpeg"
	FormatTIFF  Format = "tiff"
	FormatGIF   Format = "gif"
	FormatMixed Format = "mixed"
)

// Image is the engine's raster payload: a decoded image plus the mode/format
// tag it is associated with. Ownership is exclusive to whichever component
// currently holds it and is passed by move through the pipeline.
type Image struct {
	Img    draw.Image
	Mode   Mode
	Format Format
}

// NewBlank returns a fully transparent RGBA image of the given size.
func NewBlank(size [2]int) *Image {
	img := image.NewNRGBA(image.Rect(0, 0, size[0], size[1]))
	return &Image{Img: img, Mode: ModeRGBA, Format: FormatPNG}
}

// Decode reads an encoded image and reports the format actually found,
// which may differ from any requested format (upstream sources are not
// required to honor the FORMAT they were asked for).
func Decode(r io.Reader) (*Image, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("raster.Decode: %w", err)
	}
	di, ok := toDrawImage(img)
	if !ok {
		return nil, fmt.Errorf("raster.Decode: image type %T does not support in-place drawing", img)
	}
	mode := ModeRGBA
	if !hasAlpha(img) {
		mode = ModeRGB
	}
	return &Image{Img: di, Mode: mode, Format: Format(format)}, nil
}

// toDrawImage returns img as a draw.Image, copying into an NRGBA if the
// concrete decoded type isn't already mutable (true for all of image/png,
// image/jpeg and x/image/tiff's decoders, which return *image.NRGBA/*image.YCbCr/etc).
func toDrawImage(img image.Image) (draw.Image, bool) {
	if di, ok := img.(draw.Image); ok {
		return di, true
	}
	b := img.Bounds()
	dst := image.NewNRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)
	return dst, true
}

func hasAlpha(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			_, _, _, a := img.At(x, y).RGBA()
			if a != 0xffff {
				return true
			}
		}
	}
	return false
}

// IsOpaque reports whether every pixel has full alpha.
func (im *Image) IsOpaque() bool {
	return !hasAlpha(im.Img)
}

// SingleColor reports whether the entire image is one exact RGBA color, and
// returns it. Used by storage.link_single_color_images.
func (im *Image) SingleColor() (color.NRGBA, bool) {
	b := im.Img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return color.NRGBA{}, false
	}
	first := color.NRGBAModel.Convert(im.Img.At(b.Min.X, b.Min.Y)).(color.NRGBA)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(im.Img.At(x, y)).(color.NRGBA)
			if c != first {
				return color.NRGBA{}, false
			}
		}
	}
	return first, true
}

// EncodeOptions controls Encode's format selection.
type EncodeOptions struct {
	Format       Format
	JPEGQuality  int
	ContentType  string // set on return
}

// Encode writes im in the requested format. "mixed" mode encodes as JPEG
// when the image is fully opaque, else PNG, per spec §4.2/§8 "Mixed format".
func Encode(w io.Writer, im *Image, opts EncodeOptions) (EncodeOptions, error) {
	format := opts.Format
	if format == FormatMixed {
		if im.IsOpaque() {
			format = FormatJPEG
		} else {
			format = FormatPNG
		}
	}
	quality := opts.JPEGQuality
	if quality <= 0 {
		quality = 85
	}
	switch format {
	case FormatPNG:
		opts.ContentType = "image/png"
		return opts, png.Encode(w, im.Img)
	case FormatJPEG:
		opts.ContentType = "image/jpeg"
		return opts, jpeg.Encode(w, opaqueForJPEG(im.Img), &jpeg.Options{Quality: quality})
	case FormatGIF:
		opts.ContentType = "image/gif"
		return opts, gif.Encode(w, im.Img, nil)
	case FormatTIFF:
		opts.ContentType = "image/tiff"
		return opts, encodeTIFF(w, im.Img)
	default:
		return opts, fmt.Errorf("raster.Encode: unsupported format %q", format)
	}
}

// opaqueForJPEG drops the alpha channel JPEG cannot carry, compositing onto
// white, matching how upstream WMS servers render "TRANSPARENT=false".
func opaqueForJPEG(img image.Image) image.Image {
	if _, ok := img.(*image.YCbCr); ok {
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, image.NewUniform(color.White), b.Min, draw.Src)
	draw.Draw(dst, b, img, b.Min, draw.Over)
	return dst
}

func encodeTIFF(w io.Writer, img image.Image) error {
	return tiff.Encode(w, img, nil)
}

// DecodeBytes is a convenience wrapper around Decode for already-buffered data.
func DecodeBytes(b []byte) (*Image, error) {
	return Decode(bytes.NewReader(b))
}
