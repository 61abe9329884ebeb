// Package tilemath converts between longitude/latitude and web-mercator
// world pixels of an XYZ tile pyramid.
package tilemath

import "math"

const TileSize = 256

// MaxSupportedZoom is the deepest zoom whose grid size fits the tile index
// arithmetic on every platform.
const MaxSupportedZoom = 30

// LonLatToWorldPixel projects a coordinate to world pixels at zoom.
func LonLatToWorldPixel(lon, lat float64, zoom int) (x, y float64) {
	latRad := lat * math.Pi / 180
	n := math.Exp2(float64(zoom)) * TileSize
	x = (lon + 180) / 360 * n
	y = (1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n
	return x, y
}

// WorldPixelToLonLat is the inverse of LonLatToWorldPixel.
func WorldPixelToLonLat(x, y float64, zoom int) (lon, lat float64) {
	n := math.Exp2(float64(zoom)) * TileSize
	lon = x/n*360 - 180
	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*y/n)))
	lat = latRad * 180 / math.Pi
	return lon, lat
}

// WrapTileX wraps a column index around the antimeridian.
func WrapTileX(x, zoom int) int {
	limit := 1 << zoom
	return ((x % limit) + limit) % limit
}

// ClampTileY clamps a row index to the grid.
func ClampTileY(y, zoom int) int {
	limit := 1 << zoom
	return min(limit-1, max(0, y))
}

// Resolution returns the map units per pixel of a zoom level, relative to zoom 0.
func Resolution(zoom int) float64 {
	return math.Exp2(-float64(zoom))
}

// MaxZoom returns the smallest zoom at which a width x height image is shown
// at full resolution with tiles of tileSize pixels.
func MaxZoom(width, height, tileSize int) int {
	maxDim := math.Max(float64(width), float64(height))
	scale := maxDim / float64(tileSize)
	maxZoom := int(math.Ceil(math.Log2(scale)))
	if maxZoom < 0 {
		return 0
	}
	return maxZoom
}
