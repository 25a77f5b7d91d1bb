package intersect

import "math"

// Rect is an axis-aligned box in CSS pixel coordinates, matching the
// getBoundingClientRect convention (origin top-left, y grows downward).
// The zero Rect doubles as the sentinel geometry on synthetic exit events.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Right returns the x coordinate of the right edge.
func (r Rect) Right() float64 { return r.X + r.Width }

// Bottom returns the y coordinate of the bottom edge.
func (r Rect) Bottom() float64 { return r.Y + r.Height }

// Area returns the rectangle's area, treating non-positive dimensions as zero.
func (r Rect) Area() float64 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

// IsZero reports whether r is the zero (sentinel) rectangle.
func (r Rect) IsZero() bool {
	return r == Rect{}
}

// Intersection returns the overlapping region of a and b, or the zero Rect
// when they do not overlap. Rectangles that merely share an edge do not
// overlap.
func Intersection(a, b Rect) Rect {
	x1 := math.Max(a.X, b.X)
	y1 := math.Max(a.Y, b.Y)
	x2 := math.Min(a.Right(), b.Right())
	y2 := math.Min(a.Bottom(), b.Bottom())
	if x2 <= x1 || y2 <= y1 {
		return Rect{}
	}
	return Rect{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}
