//go:build govips && cgo

package compositor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/tileforge/internal/domain"
)

// vipsCodec resizes with Lanczos3 inside libvips and hands the canvas an
// image.Image through a lossless PNG round trip.
type vipsCodec struct{}

func (vipsCodec) DecodeTile(ctx context.Context, data []byte, width, height int) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, domain.Invalidf("decode tile image: %v", err)
	}
	defer img.Close()

	if img.Width() <= 0 || img.Height() <= 0 {
		return nil, domain.Invalidf("tile image has invalid dimensions %dx%d", img.Width(), img.Height())
	}

	if img.Width() != width || img.Height() != height {
		hscale := float64(width) / float64(img.Width())
		vscale := float64(height) / float64(img.Height())
		if err := img.ResizeWithVScale(hscale, vscale, vips.KernelLanczos3); err != nil {
			return nil, fmt.Errorf("resize tile: %w", err)
		}
	}

	raw, _, err := img.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return nil, fmt.Errorf("export tile: %w", err)
	}
	out, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode exported tile: %w", err)
	}
	// libvips rounding can leave the edge one pixel short.
	return resize(out, width, height), nil
}
