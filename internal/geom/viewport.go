package geom

// WheelScaleStep is the zoom factor applied per wheel notch.
const WheelScaleStep = 1.1

// Viewport is a peer's local pan offset and zoom scale. It never leaves the
// peer: stored geometry is always in document space.
type Viewport struct {
	Pan  Point
	Zoom float64
}

// Identity is the viewport with no pan and unit zoom.
func Identity() Viewport {
	return Viewport{Zoom: 1}
}

func (v Viewport) scale() float64 {
	if v.Zoom == 0 {
		return 1
	}
	return v.Zoom
}

// ToDocument maps a screen coordinate to document space:
// doc = (screen - pan) / zoom.
func (v Viewport) ToDocument(screen Point) Point {
	z := v.scale()
	return Point{X: (screen.X - v.Pan.X) / z, Y: (screen.Y - v.Pan.Y) / z}
}

// ToScreen is the inverse of ToDocument.
func (v Viewport) ToScreen(doc Point) Point {
	z := v.scale()
	return Point{X: doc.X*z + v.Pan.X, Y: doc.Y*z + v.Pan.Y}
}

// PanBy shifts the viewport by a screen-space delta.
func (v Viewport) PanBy(dx, dy float64) Viewport {
	v.Pan.X += dx
	v.Pan.Y += dy
	return v
}

// ZoomAt zooms one wheel step in or out while keeping the document point
// under pointer fixed on screen.
func (v Viewport) ZoomAt(pointer Point, zoomIn bool) Viewport {
	anchor := v.ToDocument(pointer)
	z := v.scale()
	if zoomIn {
		z *= WheelScaleStep
	} else {
		z /= WheelScaleStep
	}
	return Viewport{
		Pan:  Point{X: pointer.X - anchor.X*z, Y: pointer.Y - anchor.Y*z},
		Zoom: z,
	}
}
