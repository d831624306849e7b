package nn

import "math"

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Rect is an axis aligned box in pixel coordinates.
// This is the BoundingBox of change regions and detections.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func MakeRect(x, y, width, height int) Rect {
	return Rect{X: x, Y: y, Width: width, Height: height}
}

func (r Rect) X2() int {
	return r.X + r.Width
}

func (r Rect) Y2() int {
	return r.Y + r.Height
}

func (r Rect) Area() int {
	return r.Width * r.Height
}

func (r Rect) IsEmpty() bool {
	return r.Width <= 0 || r.Height <= 0
}

func (r Rect) Intersection(b Rect) Rect {
	x1 := max(r.X, b.X)
	y1 := max(r.Y, b.Y)
	x2 := min(r.X2(), b.X2())
	y2 := min(r.Y2(), b.Y2())
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  max(0, x2-x1),
		Height: max(0, y2-y1),
	}
}

// Intersection over Union
func (r Rect) IOU(b Rect) float32 {
	intersection := r.Intersection(b)
	union := r.Area() + b.Area() - intersection.Area()
	if union <= 0 {
		return 0
	}
	return float32(intersection.Area()) / float32(union)
}

func (r Rect) Center() Point {
	return Point{
		X: r.X + r.Width/2,
		Y: r.Y + r.Height/2,
	}
}

func (r Rect) Contains(p Point) bool {
	return p.X >= r.X && p.Y >= r.Y && p.X < r.X2() && p.Y < r.Y2()
}

func (r *Rect) Offset(dx, dy int) {
	r.X += dx
	r.Y += dy
}

// Clip the rectangle so that it lies inside an image of the given size
func (r Rect) Clip(width, height int) Rect {
	return r.Intersection(Rect{X: 0, Y: 0, Width: width, Height: height})
}

// Scale a box from model coordinates into image coordinates, rounding each edge
func ScaleBox(x, y, w, h, scaleX, scaleY float32) Rect {
	x1 := int(math.Round(float64(x * scaleX)))
	y1 := int(math.Round(float64(y * scaleY)))
	x2 := int(math.Round(float64((x + w) * scaleX)))
	y2 := int(math.Round(float64((y + h) * scaleY)))
	return Rect{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}
