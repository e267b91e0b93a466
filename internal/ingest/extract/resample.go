package extract

import (
	"context"
	"math"

	errors "github.com/Laisky/errors/v2"
	"github.com/disintegration/imaging"
)

// ImagingResampler upsamples rendered images so OCR sees roughly TargetDPI.
//
// Embedded images carry no reliable density, so they are treated as SourceDPI
// and scaled by TargetDPI/SourceDPI, capped at MaxPixels total pixels.
type ImagingResampler struct {
	TargetDPI int
	SourceDPI int
	MaxPixels int
}

// Resample rewrites the image at path with the scaled resolution.
// Images that would not grow are left untouched.
func (r ImagingResampler) Resample(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}

	img, err := imaging.Open(path)
	if err != nil {
		return errors.Wrap(err, "open image")
	}

	bounds := img.Bounds()
	width, height := r.targetSize(bounds.Dx(), bounds.Dy())
	if width <= bounds.Dx() || height <= bounds.Dy() {
		return nil
	}

	resized := imaging.Resize(img, width, height, imaging.Lanczos)
	if err := imaging.Save(resized, path); err != nil {
		return errors.Wrap(err, "save resampled image")
	}
	return nil
}

// targetSize returns the scaled dimensions for an image of width x height.
func (r ImagingResampler) targetSize(width, height int) (int, int) {
	if width <= 0 || height <= 0 || r.TargetDPI <= 0 || r.SourceDPI <= 0 {
		return width, height
	}

	scale := float64(r.TargetDPI) / float64(r.SourceDPI)
	if r.MaxPixels > 0 {
		maxScale := math.Sqrt(float64(r.MaxPixels) / float64(width*height))
		scale = math.Min(scale, maxScale)
	}
	if scale <= 1 {
		return width, height
	}

	return int(math.Round(float64(width) * scale)), int(math.Round(float64(height) * scale))
}
