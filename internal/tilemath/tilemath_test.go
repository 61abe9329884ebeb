package tilemath

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLonLatProjection(t *testing.T) {
	x, y := LonLatToWorldPixel(0, 0, 0)
	assert.InDelta(t, 128, x, 1e-9)
	assert.InDelta(t, 128, y, 1e-9)

	x, y = LonLatToWorldPixel(2.3522, 48.8566, 5)
	lon, lat := WorldPixelToLonLat(x, y, 5)
	assert.InDelta(t, 2.3522, lon, 1e-9)
	assert.InDelta(t, 48.8566, lat, 1e-9)
}

func TestWrapTileX(t *testing.T) {
	assert.Equal(t, 7, WrapTileX(-1, 3))
	assert.Equal(t, 0, WrapTileX(8, 3))
	assert.Equal(t, 3, WrapTileX(3, 3))
}

func TestClampTileY(t *testing.T) {
	assert.Equal(t, 0, ClampTileY(-4, 3))
	assert.Equal(t, 7, ClampTileY(20, 3))
	assert.Equal(t, 5, ClampTileY(5, 3))
}

func TestResolution(t *testing.T) {
	assert.Equal(t, 1.0, Resolution(0))
	assert.Equal(t, 0.125, Resolution(3))
}

func TestMaxZoom(t *testing.T) {
	assert.Equal(t, 0, MaxZoom(200, 100, 256))
	assert.Equal(t, 0, MaxZoom(256, 256, 256))
	assert.Equal(t, 1, MaxZoom(300, 100, 256))
	assert.Equal(t, 6, MaxZoom(16000, 9000, 256))
}
