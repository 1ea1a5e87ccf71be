package tiles

import "fmt"

// Coord is a tile coordinate (or a tile-grid dimension).
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (c Coord) String() string { return fmt.Sprintf("(%d,%d)", c.X, c.Y) }

// Rect is a half-open tile rectangle [Min, Max).
type Rect struct {
	Min Coord `json:"min"`
	Max Coord `json:"max"`
}

func R(x0, y0, x1, y1 int) Rect {
	return Rect{Min: Coord{X: x0, Y: y0}, Max: Coord{X: x1, Y: y1}}
}

func (r Rect) Empty() bool { return r.Min.X >= r.Max.X || r.Min.Y >= r.Max.Y }

func (r Rect) Dx() int { return r.Max.X - r.Min.X }
func (r Rect) Dy() int { return r.Max.Y - r.Min.Y }

func (r Rect) Area() int {
	if r.Empty() {
		return 0
	}
	return r.Dx() * r.Dy()
}

func (r Rect) Contains(c Coord) bool {
	return c.X >= r.Min.X && c.X < r.Max.X && c.Y >= r.Min.Y && c.Y < r.Max.Y
}

func (r Rect) Intersect(o Rect) Rect {
	out := Rect{
		Min: Coord{X: max(r.Min.X, o.Min.X), Y: max(r.Min.Y, o.Min.Y)},
		Max: Coord{X: min(r.Max.X, o.Max.X), Y: min(r.Max.Y, o.Max.Y)},
	}
	if out.Empty() {
		return Rect{}
	}
	return out
}

func (r Rect) String() string { return fmt.Sprintf("[%v-%v)", r.Min, r.Max) }
