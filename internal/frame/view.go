package frame

import (
	"math"

	"tileview/internal/tilemath"
)

// View holds the map center, zoom and rotation between frames.
type View struct {
	center   [2]float64
	zoom     int
	rotation float64
	minZoom  int
	maxZoom  int
}

func NewView(lon, lat float64, zoom, minZoom, maxZoom int) *View {
	minZoom = max(0, minZoom)
	maxZoom = max(minZoom, min(tilemath.MaxSupportedZoom, maxZoom))
	v := &View{minZoom: minZoom, maxZoom: maxZoom}
	v.zoom = v.clampZoom(zoom)
	v.CenterOn(lon, lat)
	return v
}

func (v *View) Zoom() int { return v.zoom }

func (v *View) Center() [2]float64 { return v.center }

func (v *View) clampZoom(zoom int) int {
	return min(v.maxZoom, max(v.minZoom, zoom))
}

// SetZoom changes the zoom level keeping the same geographic center. It
// reports whether the zoom changed.
func (v *View) SetZoom(zoom int) bool {
	zoom = v.clampZoom(zoom)
	if zoom == v.zoom {
		return false
	}
	scale := math.Exp2(float64(zoom - v.zoom))
	v.center = [2]float64{v.center[0] * scale, v.center[1] * scale}
	v.zoom = zoom
	return true
}

// Pan moves the center by dx, dy screen pixels.
func (v *View) Pan(dx, dy float64) {
	v.center[0] += dx
	v.center[1] += dy
}

func (v *View) CenterOn(lon, lat float64) {
	x, y := tilemath.LonLatToWorldPixel(lon, lat, v.zoom)
	v.center = [2]float64{x, y}
}

func (v *View) LonLat() (lon, lat float64) {
	return tilemath.WorldPixelToLonLat(v.center[0], v.center[1], v.zoom)
}

func (v *View) SetRotation(rotation float64) {
	v.rotation = rotation
}

func (v *View) State() ViewState {
	return ViewState{
		Center:     v.center,
		Zoom:       v.zoom,
		Resolution: tilemath.Resolution(v.zoom),
		Rotation:   v.rotation,
	}
}
