package thumbnail

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/lumenvale/shuttercore/internal/domain"
)

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding test png: %v", err)
	}
	return buf.Bytes()
}

func decodeJPEGDims(t *testing.T, data []byte) (int, int) {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decoding cropper output as jpeg: %v", err)
	}
	b := img.Bounds()
	return b.Dx(), b.Dy()
}

func TestCropWithinBoundsReturnsExactSize(t *testing.T) {
	src := solidPNG(t, 100, 100, color.RGBA{255, 0, 0, 255})
	c := New()

	out, err := c.Crop(context.Background(), src, domain.BBox{X: 10, Y: 10, W: 20, H: 30})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w, h := decodeJPEGDims(t, out)
	if w != 20 || h != 30 {
		t.Errorf("expected 20x30 crop, got %dx%d", w, h)
	}
}

func TestCropOverrunningBBoxClampsToBounds(t *testing.T) {
	src := solidPNG(t, 50, 50, color.RGBA{0, 255, 0, 255})
	c := New()

	out, err := c.Crop(context.Background(), src, domain.BBox{X: 40, Y: 40, W: 100, H: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w, h := decodeJPEGDims(t, out)
	if w != 10 || h != 10 {
		t.Errorf("expected bbox clamped to 10x10, got %dx%d", w, h)
	}
}

func TestCropEntirelyOutOfBoundsIsEmptyBBox(t *testing.T) {
	src := solidPNG(t, 20, 20, color.RGBA{0, 0, 255, 255})
	c := New()

	_, err := c.Crop(context.Background(), src, domain.BBox{X: 100, Y: 100, W: 10, H: 10})
	if err != ErrEmptyBBox {
		t.Errorf("expected ErrEmptyBBox, got %v", err)
	}
}

func TestCropLargerThanMaxDimensionIsDownscaled(t *testing.T) {
	src := solidPNG(t, 1000, 500, color.RGBA{255, 255, 0, 255})
	c := New()

	out, err := c.Crop(context.Background(), src, domain.BBox{X: 0, Y: 0, W: 1000, H: 500})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w, h := decodeJPEGDims(t, out)
	if w != MaxDimension {
		t.Errorf("expected longest edge downscaled to %d, got %dx%d", MaxDimension, w, h)
	}
}

func TestCropRejectsUndecodableInput(t *testing.T) {
	c := New()
	_, err := c.Crop(context.Background(), []byte("not an image"), domain.BBox{X: 0, Y: 0, W: 1, H: 1})
	if err == nil {
		t.Fatal("expected decode error for garbage input")
	}
}

func TestCropRespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New()
	_, err := c.Crop(ctx, solidPNG(t, 10, 10, color.RGBA{}), domain.BBox{X: 0, Y: 0, W: 5, H: 5})
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
