// Package imaging turns the compressed bytes of a request into a 3-channel
// pixel buffer. The format is sniffed from the data; there is no format field
// on the wire.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"

	// Registered decoders. Anything image.Decode recognises is accepted.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/andresmejia3/detector/internal/types"
)

// Channels is the number of bytes per pixel in Image.Pix
const Channels = 3

// MaxPixels bounds width*height as declared in the image header. Larger
// images are refused before any pixel memory is allocated.
const MaxPixels = 1 << 26

// ErrDecode is returned for payloads that are not a decodable image
var ErrDecode = errors.New("image decode failed")

// Image is an RGB buffer, row-major, Width*3 bytes per row. Alpha is dropped.
type Image struct {
	Width  int
	Height int
	Pix    []byte
}

// Shape reports the image dimensions for the response
func (m *Image) Shape() types.Shape {
	return types.Shape{Width: m.Width, Height: m.Height}
}

// Decode sniffs and decodes data. It returns the format name reported by the
// decoder alongside the pixels. Headers declaring more than MaxPixels are
// rejected with ErrDecode.
func Decode(data []byte) (*Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty payload", ErrDecode)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, format, fmt.Errorf("%w: %s image has no pixels", ErrDecode, format)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, format, fmt.Errorf("%w: %s image is %dx%d, above the %d pixel limit", ErrDecode, format, cfg.Width, cfg.Height, MaxPixels)
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, format, fmt.Errorf("%w: %s image has no pixels", ErrDecode, format)
	}
	return FromImage(src), format, nil
}

// FromImage copies any image.Image into an RGB buffer
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := &Image{Width: w, Height: h, Pix: make([]byte, w*h*Channels)}

	switch s := src.(type) {
	case *image.RGBA:
		copyRGBX(dst, s.Pix, s.Stride, s.PixOffset(b.Min.X, b.Min.Y))
	case *image.NRGBA:
		// Non-premultiplied: colour channels are used as-is, like a colour
		// decode that ignores alpha.
		copyRGBX(dst, s.Pix, s.Stride, s.PixOffset(b.Min.X, b.Min.Y))
	case *image.Gray:
		i := 0
		for y := 0; y < h; y++ {
			row := s.Pix[s.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < w; x++ {
				v := row[x]
				dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2] = v, v, v
				i += Channels
			}
		}
	case *image.YCbCr:
		i := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				yi, ci := s.YOffset(x, y), s.COffset(x, y)
				r, g, bl := color.YCbCrToRGB(s.Y[yi], s.Cb[ci], s.Cr[ci])
				dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2] = r, g, bl
				i += Channels
			}
		}
	default:
		i := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
				dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2] = c.R, c.G, c.B
				i += Channels
			}
		}
	}
	return dst
}

// copyRGBX drops every fourth byte of a 4-channel buffer
func copyRGBX(dst *Image, pix []byte, stride, offset int) {
	i := 0
	for y := 0; y < dst.Height; y++ {
		row := pix[offset+y*stride:]
		for x := 0; x < dst.Width; x++ {
			p := row[x*4 : x*4+4]
			dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2] = p[0], p[1], p[2]
			i += Channels
		}
	}
}
