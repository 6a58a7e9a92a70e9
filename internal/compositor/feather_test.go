package compositor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmoothstep(t *testing.T) {
	assert.Equal(t, 0.0, smoothstep(-1))
	assert.Equal(t, 0.0, smoothstep(0))
	assert.InDelta(t, 0.5, smoothstep(0.5), 1e-12)
	assert.InDelta(t, 0.15625, smoothstep(0.25), 1e-12)
	assert.Equal(t, 1.0, smoothstep(1))
	assert.Equal(t, 1.0, smoothstep(2))
}

func TestFeatherRampIsMonotonic(t *testing.T) {
	for _, band := range []int{1, 2, 7, 128, 192} {
		ramp := featherRamp(band)
		require.Len(t, ramp, band)
		assert.Equalf(t, uint8(0), ramp[0], "band %d starts transparent on the seam", band)
		for i := 1; i < len(ramp); i++ {
			assert.GreaterOrEqualf(t, ramp[i], ramp[i-1], "band %d index %d", band, i)
		}
		if band > 1 {
			assert.LessOrEqualf(t, ramp[(band-1)/2], uint8(128), "band %d eases in", band)
		}
	}
}

func TestFeatherMaskLeftOnly(t *testing.T) {
	mask := featherMask(10, 6, 4, true, false)
	require.NotNil(t, mask)

	for y := 0; y < 6; y++ {
		assert.Equal(t, uint8(0), mask.AlphaAt(0, y).A)
		for x := 1; x < 4; x++ {
			assert.Greater(t, mask.AlphaAt(x, y).A, mask.AlphaAt(x-1, y).A)
		}
		for x := 4; x < 10; x++ {
			assert.Equal(t, uint8(255), mask.AlphaAt(x, y).A)
		}
	}
}

func TestFeatherMaskTopOnlyKeepsBottomAndRightOpaque(t *testing.T) {
	mask := featherMask(8, 8, 3, false, true)
	require.NotNil(t, mask)

	for x := 0; x < 8; x++ {
		assert.Equal(t, uint8(0), mask.AlphaAt(x, 0).A)
		assert.Equal(t, uint8(255), mask.AlphaAt(x, 7).A)
	}
	for y := 3; y < 8; y++ {
		assert.Equal(t, uint8(255), mask.AlphaAt(7, y).A)
	}
}

func TestFeatherMaskCornerCombinesBothRamps(t *testing.T) {
	mask := featherMask(16, 16, 8, true, true)
	require.NotNil(t, mask)

	assert.Equal(t, uint8(0), mask.AlphaAt(0, 10).A)
	assert.Equal(t, uint8(0), mask.AlphaAt(10, 0).A)
	assert.Less(t, mask.AlphaAt(4, 4).A, mask.AlphaAt(4, 10).A)
	assert.Equal(t, uint8(255), mask.AlphaAt(12, 12).A)
}

func TestFeatherMaskWithoutNeighbors(t *testing.T) {
	assert.Nil(t, featherMask(16, 16, 8, false, false))
	assert.Nil(t, featherMask(1, 1, 8, true, true))
}

func TestFeatherMaskClampsBandToTile(t *testing.T) {
	mask := featherMask(3, 3, 50, true, false)
	require.NotNil(t, mask)
	assert.Equal(t, uint8(0), mask.AlphaAt(0, 1).A)
	assert.Equal(t, uint8(255), mask.AlphaAt(2, 1).A)
}
