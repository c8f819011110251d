// Package thumbnail implements the ThumbnailCropper collaborator: it
// decodes the best-available input image, clamps the detector's bounding
// box to the image bounds (the same defensive clamping the teacher's
// facematch package applies to geometry it did not itself produce), and
// re-encodes the cropped region as a JPEG thumbnail.
package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	// Registered for its Decode side effect so image.Decode can also read
	// camera-preview BMPs, the same registration the teacher's
	// fingerprint package relies on.
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"

	"github.com/lumenvale/shuttercore/internal/domain"
	"github.com/lumenvale/shuttercore/internal/ports"
)

// ErrEmptyBBox is returned when a bounding box clamps to zero area against
// the decoded image bounds.
var ErrEmptyBBox = errors.New("thumbnail: bbox has zero area after clamping")

// JPEGQuality is the quality passed to image/jpeg when encoding thumbnails.
const JPEGQuality = 85

// MaxDimension bounds the longest edge of a generated thumbnail. Crops
// smaller than this are left at their cropped size; larger crops are
// downscaled to fit.
const MaxDimension = 256

// Cropper is the concrete ThumbnailCropper.
type Cropper struct{}

var _ ports.ThumbnailCropper = (*Cropper)(nil)

func New() *Cropper {
	return &Cropper{}
}

// Crop decodes image, clamps bbox to its bounds, and returns a JPEG-encoded
// crop. ctx is accepted for interface symmetry with the other collaborators;
// decoding and cropping an already-in-memory image never blocks.
func (c *Cropper) Crop(ctx context.Context, img []byte, bbox domain.BBox) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	decoded, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("thumbnail: decoding image: %w", err)
	}

	rect := clampRect(decoded.Bounds(), bbox)
	if rect.Empty() {
		return nil, ErrEmptyBBox
	}

	cropped := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(cropped, cropped.Bounds(), decoded, rect.Min, draw.Src)

	scaled := scaleToFit(cropped, MaxDimension)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, scaled, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("thumbnail: encoding jpeg: %w", err)
	}
	return out.Bytes(), nil
}

// scaleToFit downscales src so its longest edge is at most max, using
// CatmullRom resampling for quality. Crops already within bounds are
// returned unchanged.
func scaleToFit(src image.Image, max int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= max && h <= max {
		return src
	}

	scale := float64(max) / float64(w)
	if h > w {
		scale = float64(max) / float64(h)
	}
	dw := int(float64(w) * scale)
	dh := int(float64(h) * scale)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

// clampRect intersects bbox with bounds, so a detector-reported box that
// overruns the image edge (or arrives with negative width/height) never
// panics the crop.
func clampRect(bounds image.Rectangle, bbox domain.BBox) image.Rectangle {
	r := image.Rect(bbox.X, bbox.Y, bbox.X+bbox.W, bbox.Y+bbox.H).Canon()
	return r.Intersect(bounds)
}
