// Package imageproc turns a background-removed image into the clean and
// thumbnail JPEG artifacts.
package imageproc

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"item-image-pipeline/internal/failure"
)

type Options struct {
	ThumbnailSize   int
	CleanMaxEdge    int
	JPEGQuality     int
	BackgroundColor color.Color
}

func DefaultOptions() Options {
	return Options{
		ThumbnailSize:   200,
		CleanMaxEdge:    1600,
		JPEGQuality:     90,
		BackgroundColor: color.White,
	}
}

type Artifacts struct {
	Clean []byte
	Thumb []byte
}

type Processor struct {
	opts Options
}

func NewProcessor(opts Options) *Processor {
	def := DefaultOptions()
	if opts.ThumbnailSize <= 0 {
		opts.ThumbnailSize = def.ThumbnailSize
	}
	if opts.CleanMaxEdge <= 0 {
		opts.CleanMaxEdge = def.CleanMaxEdge
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = def.JPEGQuality
	}
	if opts.BackgroundColor == nil {
		opts.BackgroundColor = def.BackgroundColor
	}
	return &Processor{opts: opts}
}

// Validate checks that data decodes as a supported image.
func (p *Processor) Validate(data []byte) error {
	const op = "imageproc.Validate"

	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return failure.UnsupportedFormat(op, err)
	}
	return nil
}

// Process builds the clean image (fit within CleanMaxEdge, never upscaled)
// and a square, center-cropped thumbnail. Transparent regions are flattened
// onto the background colour since JPEG has no alpha.
func (p *Processor) Process(data []byte) (*Artifacts, error) {
	const op = "imageproc.Process"

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, failure.UnsupportedFormat(op, err)
	}
	bounds := src.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, failure.UnsupportedFormat(op, fmt.Errorf("empty image"))
	}

	flat := imaging.New(bounds.Dx(), bounds.Dy(), p.opts.BackgroundColor)
	flat = imaging.Overlay(flat, src, image.Point{}, 1.0)

	edge := p.opts.CleanMaxEdge
	clean := imaging.Fit(flat, edge, edge, imaging.Lanczos)

	size := p.opts.ThumbnailSize
	thumb := imaging.Thumbnail(flat, size, size, imaging.Lanczos)

	cleanBytes, err := p.encode(clean)
	if err != nil {
		return nil, fmt.Errorf("%s: clean: %w", op, err)
	}
	thumbBytes, err := p.encode(thumb)
	if err != nil {
		return nil, fmt.Errorf("%s: thumb: %w", op, err)
	}
	return &Artifacts{Clean: cleanBytes, Thumb: thumbBytes}, nil
}

func (p *Processor) encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(p.opts.JPEGQuality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
