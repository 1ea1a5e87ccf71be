// Package tiles implements the per-mip tile visibility bitmap shared by the
// solver, the planner and the renderer.
package tiles

import (
	"iter"
	"math/bits"
	"sort"

	"github.com/pkg/errors"
)

var (
	ErrOutOfRange        = errors.New("tile coordinate out of range")
	ErrDimensionMismatch = errors.New("tile grid dimensions differ")
)

// Selection is a dense bitmap over a tile grid, one bit per tile packed into
// uint64 words (bit index = y*dim.X + x). Bits past the last tile are always
// zero. Not safe for concurrent mutation; a published Selection is read-only.
type Selection struct {
	words []uint64
	dim   Coord

	bounds      Rect
	boundsDirty bool
}

// DimAtMip returns the tile grid at mip level k derived from the mip-0 grid:
// ceil(base / 2^k) per axis, never below 1.
func DimAtMip(baseX, baseY, mip int) Coord {
	if mip < 0 {
		mip = 0
	}
	return Coord{X: ceilShift(baseX, mip), Y: ceilShift(baseY, mip)}
}

func ceilShift(v, k int) int {
	if v <= 1 {
		return 1
	}
	if k >= bits.UintSize-1 {
		return 1
	}
	d := 1 << k
	return max(1, (v+d-1)/d)
}

// New creates a selection over a tilesX x tilesY grid. Non-positive
// dimensions are clamped to 1.
func New(tilesX, tilesY int, visible bool) *Selection {
	dim := Coord{X: max(1, tilesX), Y: max(1, tilesY)}
	s := &Selection{
		words:       make([]uint64, (dim.X*dim.Y+63)/64),
		dim:         dim,
		boundsDirty: true,
	}
	if visible {
		s.fill()
	}
	return s
}

// NewAtMip creates a selection sized for mip level k of a sequence whose
// mip-0 grid is baseX x baseY.
func NewAtMip(baseX, baseY, mip int, visible bool) *Selection {
	d := DimAtMip(baseX, baseY, mip)
	return New(d.X, d.Y, visible)
}

func (s *Selection) fill() {
	total := s.dim.X * s.dim.Y
	full := total / 64
	for i := 0; i < full; i++ {
		s.words[i] = ^uint64(0)
	}
	if rem := total % 64; rem > 0 {
		s.words[full] = (uint64(1) << rem) - 1
	}
	s.boundsDirty = true
}

func (s *Selection) Dimensions() Coord { return s.dim }

func (s *Selection) inRange(x, y int) bool {
	return x >= 0 && x < s.dim.X && y >= 0 && y < s.dim.Y
}

func (s *Selection) SetVisible(x, y int) error {
	if !s.inRange(x, y) {
		return errors.Wrapf(ErrOutOfRange, "set (%d,%d) in %dx%d", x, y, s.dim.X, s.dim.Y)
	}
	idx := y*s.dim.X + x
	s.words[idx>>6] |= 1 << (idx & 63)
	s.boundsDirty = true
	return nil
}

// ClearVisible unmarks a tile.
func (s *Selection) ClearVisible(x, y int) error {
	if !s.inRange(x, y) {
		return errors.Wrapf(ErrOutOfRange, "clear (%d,%d) in %dx%d", x, y, s.dim.X, s.dim.Y)
	}
	idx := y*s.dim.X + x
	s.words[idx>>6] &^= 1 << (idx & 63)
	s.boundsDirty = true
	return nil
}

// SetRect marks every tile of r, clipped to the grid.
func (s *Selection) SetRect(r Rect) {
	r = r.Intersect(R(0, 0, s.dim.X, s.dim.Y))
	if r.Empty() {
		return
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			idx := y*s.dim.X + x
			s.words[idx>>6] |= 1 << (idx & 63)
		}
	}
	s.boundsDirty = true
}

// IsVisible reports false for out-of-range coordinates.
func (s *Selection) IsVisible(x, y int) bool {
	if !s.inRange(x, y) {
		return false
	}
	idx := y*s.dim.X + x
	return s.words[idx>>6]&(1<<(idx&63)) != 0
}

func (s *Selection) AnyVisible() bool {
	for _, w := range s.words {
		if w != 0 {
			return true
		}
	}
	return false
}

func (s *Selection) Count() int {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}

func (s *Selection) sameDim(o *Selection) error {
	if s.dim != o.dim {
		return errors.Wrapf(ErrDimensionMismatch, "%dx%d vs %dx%d", s.dim.X, s.dim.Y, o.dim.X, o.dim.Y)
	}
	return nil
}

// Contains reports whether every tile visible in o is visible in s.
func (s *Selection) Contains(o *Selection) (bool, error) {
	if err := s.sameDim(o); err != nil {
		return false, err
	}
	for i, w := range o.words {
		if w&^s.words[i] != 0 {
			return false, nil
		}
	}
	return true, nil
}

// Union sets s = s ∪ o.
func (s *Selection) Union(o *Selection) error {
	if err := s.sameDim(o); err != nil {
		return err
	}
	for i, w := range o.words {
		s.words[i] |= w
	}
	s.boundsDirty = true
	return nil
}

// Intersect sets s = s ∩ o.
func (s *Selection) Intersect(o *Selection) error {
	if err := s.sameDim(o); err != nil {
		return err
	}
	for i, w := range o.words {
		s.words[i] &= w
	}
	s.boundsDirty = true
	return nil
}

// Subtract sets s = s ∖ o.
func (s *Selection) Subtract(o *Selection) error {
	if err := s.sameDim(o); err != nil {
		return err
	}
	for i, w := range o.words {
		s.words[i] &^= w
	}
	s.boundsDirty = true
	return nil
}

func (s *Selection) Equal(o *Selection) bool {
	if o == nil || s.dim != o.dim {
		return false
	}
	for i, w := range s.words {
		if o.words[i] != w {
			return false
		}
	}
	return true
}

func (s *Selection) Clone() *Selection {
	c := &Selection{
		words:       append([]uint64(nil), s.words...),
		dim:         s.dim,
		bounds:      s.bounds,
		boundsDirty: s.boundsDirty,
	}
	return c
}

// Reduce returns the selection at k mips above s: a tile is visible when any
// of the 2^k x 2^k tiles it covers in s is visible.
func (s *Selection) Reduce(k int) *Selection {
	if k <= 0 {
		return s.Clone()
	}
	out := NewAtMip(s.dim.X, s.dim.Y, k, false)
	for c := range s.VisibleCoordinates() {
		x, y := c.X>>k, c.Y>>k
		idx := y*out.dim.X + x
		out.words[idx>>6] |= 1 << (idx & 63)
	}
	out.boundsDirty = true
	return out
}

// VisibleCoordinates yields visible tiles in row-major order.
func (s *Selection) VisibleCoordinates() iter.Seq[Coord] {
	return func(yield func(Coord) bool) {
		total := s.dim.X * s.dim.Y
		for wi, w := range s.words {
			for w != 0 {
				b := bits.TrailingZeros64(w)
				idx := wi*64 + b
				if idx >= total {
					return
				}
				if !yield(Coord{X: idx % s.dim.X, Y: idx / s.dim.X}) {
					return
				}
				w &= w - 1
			}
		}
	}
}

// VisibleRegion returns the bounding rectangle of visible tiles, or an empty
// Rect. The result is cached until the next mutation.
func (s *Selection) VisibleRegion() Rect {
	if !s.boundsDirty {
		return s.bounds
	}
	b := Rect{Min: Coord{X: s.dim.X, Y: s.dim.Y}}
	found := false
	for c := range s.VisibleCoordinates() {
		found = true
		b.Min.X = min(b.Min.X, c.X)
		b.Min.Y = min(b.Min.Y, c.Y)
		b.Max.X = max(b.Max.X, c.X+1)
		b.Max.Y = max(b.Max.Y, c.Y+1)
	}
	if !found {
		b = Rect{}
	}
	s.bounds = b
	s.boundsDirty = false
	return b
}

type span struct{ x0, x1 int }

// CoalescedRegions covers the visible tiles (or, with current non-nil, the
// tiles visible in s but not in current) with axis-aligned rectangles.
// Horizontal runs are found per row; a run identical to one in the previous
// row extends that rectangle downward. The result is ordered by (Min.Y, Min.X).
func (s *Selection) CoalescedRegions(current *Selection) ([]Rect, error) {
	if current != nil {
		if err := s.sameDim(current); err != nil {
			return nil, err
		}
	}
	visible := func(x, y int) bool {
		idx := y*s.dim.X + x
		bit := uint64(1) << (idx & 63)
		if s.words[idx>>6]&bit == 0 {
			return false
		}
		return current == nil || current.words[idx>>6]&bit == 0
	}

	var out []Rect
	open := map[span]int{} // span -> first row
	for y := 0; y < s.dim.Y; y++ {
		next := map[span]int{}
		for x := 0; x < s.dim.X; {
			if !visible(x, y) {
				x++
				continue
			}
			x0 := x
			for x < s.dim.X && visible(x, y) {
				x++
			}
			sp := span{x0: x0, x1: x}
			if y0, ok := open[sp]; ok {
				next[sp] = y0
				delete(open, sp)
			} else {
				next[sp] = y
			}
		}
		for sp, y0 := range open {
			out = append(out, R(sp.x0, y0, sp.x1, y))
		}
		open = next
	}
	for sp, y0 := range open {
		out = append(out, R(sp.x0, y0, sp.x1, s.dim.Y))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Min.Y != out[j].Min.Y {
			return out[i].Min.Y < out[j].Min.Y
		}
		return out[i].Min.X < out[j].Min.X
	})
	return out, nil
}
