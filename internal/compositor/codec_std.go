package compositor

import (
	"bytes"
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/dunamismax/tileforge/internal/domain"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

type stdCodec struct{}

func (stdCodec) DecodeTile(ctx context.Context, data []byte, width, height int) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, domain.Invalidf("decode tile image: %v", err)
	}
	return resize(src, width, height), nil
}

func resize(src image.Image, width, height int) image.Image {
	b := src.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
