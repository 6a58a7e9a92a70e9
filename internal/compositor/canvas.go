package compositor

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"github.com/dunamismax/tileforge/internal/domain"
	"golang.org/x/image/draw"
)

const (
	checkpointContentType = "image/png"
	finalContentType      = "image/jpeg"
)

func newCanvas(width, height int) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	return canvas
}

// flatten composites img over a fresh white background so no pixel keeps
// partial transparency across encode/decode cycles.
func flatten(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := newCanvas(b.Dx(), b.Dy())
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Over)
	return out
}

func encodeCheckpoint(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeCheckpoint(data []byte, width, height int) (*image.RGBA, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, domain.Invalidf("decode checkpoint: %v", err)
	}
	if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
		return nil, domain.Invalidf("checkpoint is %dx%d, canvas is %dx%d", b.Dx(), b.Dy(), width, height)
	}
	return flatten(img), nil
}

func encodeFinal(img image.Image) ([]byte, error) {
	b := img.Bounds()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: finalQuality(b.Dx() * b.Dy())}); err != nil {
		return nil, fmt.Errorf("encode final image: %w", err)
	}
	return buf.Bytes(), nil
}

// finalQuality lowers JPEG quality as the canvas grows to bound output size.
func finalQuality(pixels int) int {
	const mp = 1_000_000
	switch {
	case pixels <= 16*mp:
		return 92
	case pixels <= 36*mp:
		return 88
	case pixels <= 64*mp:
		return 84
	default:
		return 80
	}
}
