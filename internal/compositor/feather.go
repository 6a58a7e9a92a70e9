package compositor

import (
	"image"
	"math"
)

func smoothstep(t float64) float64 {
	switch {
	case t <= 0:
		return 0
	case t >= 1:
		return 1
	}
	return t * t * (3 - 2*t)
}

// featherRamp holds the alpha for each of the first band pixels of a faded
// edge. Pixel 0 sits on the seam and is fully transparent.
func featherRamp(band int) []uint8 {
	ramp := make([]uint8, band)
	for i := range ramp {
		ramp[i] = uint8(math.Round(255 * smoothstep(float64(i)/float64(band))))
	}
	return ramp
}

// featherMask returns the alpha mask for a tile whose left and/or top edge
// borders an already drawn neighbor. Right and bottom edges stay opaque so a
// seam is only ever faded from one side. Nil means no feathering.
func featherMask(width, height, band int, left, top bool) *image.Alpha {
	bandX := min(band, width-1)
	bandY := min(band, height-1)
	left = left && bandX > 0
	top = top && bandY > 0
	if !left && !top {
		return nil
	}

	columns := axisAlpha(width, bandX, left)
	rows := axisAlpha(height, bandY, top)

	mask := image.NewAlpha(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		row := mask.Pix[y*mask.Stride : y*mask.Stride+width]
		ay := uint32(rows[y])
		for x := range row {
			row[x] = uint8((uint32(columns[x])*ay + 127) / 255)
		}
	}
	return mask
}

func axisAlpha(length, band int, faded bool) []uint8 {
	alpha := make([]uint8, length)
	for i := range alpha {
		alpha[i] = 255
	}
	if faded {
		copy(alpha, featherRamp(band))
	}
	return alpha
}
