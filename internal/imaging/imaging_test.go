package imaging

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"runtime"
	"testing"

	"golang.org/x/image/bmp"
)

func solid(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeFormats(t *testing.T) {
	red := solid(3, 2, color.NRGBA{R: 200, G: 10, B: 30, A: 255})

	var jpg, bm bytes.Buffer
	if err := jpeg.Encode(&jpg, red, &jpeg.Options{Quality: 100}); err != nil {
		t.Fatal(err)
	}
	if err := bmp.Encode(&bm, red); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		data       []byte
		wantFormat string
	}{
		{name: "PNG", data: encodePNG(t, red), wantFormat: "png"},
		{name: "JPEG", data: jpg.Bytes(), wantFormat: "jpeg"},
		{name: "BMP", data: bm.Bytes(), wantFormat: "bmp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, format, err := Decode(tt.data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if format != tt.wantFormat {
				t.Errorf("format = %q, want %q", format, tt.wantFormat)
			}
			if img.Width != 3 || img.Height != 2 {
				t.Errorf("size = %dx%d, want 3x2", img.Width, img.Height)
			}
			if len(img.Pix) != 3*2*Channels {
				t.Errorf("len(Pix) = %d, want %d", len(img.Pix), 3*2*Channels)
			}
			if s := img.Shape(); s.Width != 3 || s.Height != 2 {
				t.Errorf("Shape() = %+v", s)
			}
		})
	}
}

func TestDecodePixels(t *testing.T) {
	// Lossless formats must come back exactly, alpha dropped
	img, _, err := Decode(encodePNG(t, solid(2, 2, color.NRGBA{R: 1, G: 2, B: 3, A: 255})))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want := []byte{1, 2, 3, 1, 2, 3, 1, 2, 3, 1, 2, 3}
	if !bytes.Equal(img.Pix, want) {
		t.Errorf("Pix = %v, want %v", img.Pix, want)
	}
}

func TestDecodeGray(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 2, 1))
	g.SetGray(0, 0, color.Gray{Y: 7})
	g.SetGray(1, 0, color.Gray{Y: 9})

	img, _, err := Decode(encodePNG(t, g))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want := []byte{7, 7, 7, 9, 9, 9}
	if !bytes.Equal(img.Pix, want) {
		t.Errorf("Pix = %v, want %v", img.Pix, want)
	}
}

func TestFromImageSubImage(t *testing.T) {
	// Sub-images have a non-zero origin and a stride wider than the view
	base := image.NewRGBA(image.Rect(0, 0, 4, 4))
	base.Set(2, 2, color.RGBA{R: 50, G: 60, B: 70, A: 255})
	sub := base.SubImage(image.Rect(2, 2, 4, 4))

	img := FromImage(sub)
	if img.Width != 2 || img.Height != 2 {
		t.Fatalf("size = %dx%d, want 2x2", img.Width, img.Height)
	}
	if !bytes.Equal(img.Pix[:3], []byte{50, 60, 70}) {
		t.Errorf("first pixel = %v, want [50 60 70]", img.Pix[:3])
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "Empty", data: nil},
		{name: "Garbage", data: []byte{0xDE, 0xAD, 0xBE, 0xEF}},
		{name: "Truncated PNG", data: encodePNG(t, solid(2, 2, color.White))[:20]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(tt.data)
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("expected ErrDecode, got %v", err)
			}
		})
	}
}

// withDimensions rewrites the IHDR width and height of a PNG and fixes its CRC.
func withDimensions(t *testing.T, data []byte, w, h uint32) []byte {
	t.Helper()
	out := bytes.Clone(data)
	if string(out[12:16]) != "IHDR" {
		t.Fatalf("expected IHDR as the first chunk, got %q", out[12:16])
	}
	binary.BigEndian.PutUint32(out[16:20], w)
	binary.BigEndian.PutUint32(out[20:24], h)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func TestDecodeRejectsOversizedHeader(t *testing.T) {
	small := encodePNG(t, solid(1, 1, color.White))

	tests := []struct {
		name string
		w, h uint32
	}{
		{name: "Square", w: 60000, h: 60000},
		{name: "One row past the limit", w: MaxPixels/1024 + 1, h: 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var before, after runtime.MemStats
			runtime.ReadMemStats(&before)
			_, format, err := Decode(withDimensions(t, small, tt.w, tt.h))
			runtime.ReadMemStats(&after)

			if !errors.Is(err, ErrDecode) {
				t.Fatalf("expected ErrDecode, got %v", err)
			}
			if format != "png" {
				t.Errorf("format = %q, want png", format)
			}
			if grew := after.TotalAlloc - before.TotalAlloc; grew > 1<<20 {
				t.Errorf("allocated %d bytes before refusing the image", grew)
			}
		})
	}
}
