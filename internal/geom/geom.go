// Package geom holds the pure geometry helpers shared by the document, the
// editor and the codec. Point sequences are stored flat as [x1,y1,x2,y2,...].
package geom

import "math"

// MinPolygonVertices is the smallest vertex count a committed polygon may have.
const MinPolygonVertices = 3

// Point is a coordinate pair in either screen or document space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Centroid returns the arithmetic mean of the vertices in points. It reports
// false for an empty or odd-length sequence.
func Centroid(points []float64) (Point, bool) {
	n := len(points) / 2
	if n == 0 || len(points)%2 != 0 {
		return Point{}, false
	}
	var xs, ys float64
	for i := 0; i < len(points); i += 2 {
		xs += points[i]
		ys += points[i+1]
	}
	return Point{X: xs / float64(n), Y: ys / float64(n)}, true
}

// ValidPolygon reports whether points describes a polygon that may be
// committed: an even number of finite scalars, at least MinPolygonVertices
// pairs.
func ValidPolygon(points []float64) bool {
	if len(points)%2 != 0 || len(points)/2 < MinPolygonVertices {
		return false
	}
	return Finite(points)
}

// Finite reports whether every scalar is neither NaN nor infinite.
func Finite(points []float64) bool {
	for _, v := range points {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// VertexCount returns the number of coordinate pairs in a flat sequence.
func VertexCount(points []float64) int {
	return len(points) / 2
}

// Flatten converts pairs into the flat storage form.
func Flatten(pts []Point) []float64 {
	out := make([]float64, 0, len(pts)*2)
	for _, p := range pts {
		out = append(out, p.X, p.Y)
	}
	return out
}

// Pairs converts a flat sequence back into points. A trailing odd scalar is
// ignored.
func Pairs(points []float64) []Point {
	out := make([]Point, 0, len(points)/2)
	for i := 0; i+1 < len(points); i += 2 {
		out = append(out, Point{X: points[i], Y: points[i+1]})
	}
	return out
}

// SetVertex returns a copy of points with vertex i replaced by p. ok is false
// when i is out of range.
func SetVertex(points []float64, i int, p Point) (out []float64, ok bool) {
	if i < 0 || i >= VertexCount(points) {
		return nil, false
	}
	out = make([]float64, len(points))
	copy(out, points)
	out[i*2] = p.X
	out[i*2+1] = p.Y
	return out, true
}
