package compositor

import (
	"context"
	"image"
)

// Codec turns generated tile bytes into an image of exactly width×height.
type Codec interface {
	DecodeTile(ctx context.Context, data []byte, width, height int) (image.Image, error)
}

// NewCodec returns the libvips codec when built with the govips tag and the
// x/image codec otherwise.
func NewCodec() (Codec, error) {
	return newCodec()
}
