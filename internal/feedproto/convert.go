package feedproto

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"

	"tilestream.ai/internal/core"
	"tilestream.ai/internal/observer"
	"tilestream.ai/internal/primitive"
	"tilestream.ai/internal/sequence"
	"tilestream.ai/internal/tiles"
)

func vec3(v [3]float32) mgl32.Vec3 { return mgl32.Vec3{v[0], v[1], v[2]} }

func (s ObserverState) ToState() observer.State {
	st := observer.State{
		Position: vec3(s.Position),
		Forward:  vec3(s.Forward),
		Up:       vec3(s.Up),
		FOV:      s.FOV,
		Viewport: s.Viewport,
	}
	if s.Right != nil {
		st.Right = vec3(*s.Right)
	}
	return st
}

func ParseShape(s string) (primitive.Shape, error) {
	switch s {
	case "", "PLANE":
		return primitive.Plane, nil
	case "SPHERE":
		return primitive.Sphere, nil
	default:
		return 0, errors.Errorf("unknown shape %q", s)
	}
}

func (p PrimitiveSpec) ToInfo() (primitive.Info, error) {
	shape, err := ParseShape(p.Shape)
	if err != nil {
		return primitive.Info{}, err
	}
	m := mgl32.Ident4()
	if p.Transform != nil {
		m = mgl32.Mat4(*p.Transform)
	}
	return primitive.Info{
		Owner:       p.Owner,
		Sequence:    p.Sequence,
		Shape:       shape,
		Transform:   m,
		HalfExtents: mgl32.Vec2{p.HalfExtents[0], p.HalfExtents[1]},
		LODBias:     p.LODBias,
	}, nil
}

// ToSelection builds the mip-0 mask. Entries outside Grid fail with
// tiles.ErrOutOfRange.
func (m *MaskSpec) ToSelection() (*tiles.Selection, error) {
	if m == nil {
		return nil, nil
	}
	if m.Grid[0] <= 0 || m.Grid[1] <= 0 {
		return nil, errors.Wrapf(tiles.ErrDimensionMismatch, "mask grid %dx%d", m.Grid[0], m.Grid[1])
	}
	sel := tiles.New(m.Grid[0], m.Grid[1], false)
	for _, t := range m.Tiles {
		if err := sel.SetVisible(t[0], t[1]); err != nil {
			return nil, err
		}
	}
	bounds := tiles.R(0, 0, m.Grid[0], m.Grid[1])
	for _, r := range m.Rects {
		rect := tiles.R(r[0], r[1], r[2], r[3])
		if rect.Empty() {
			continue
		}
		if rect.Intersect(bounds) != rect {
			return nil, errors.Wrapf(tiles.ErrOutOfRange, "mask rect %v", rect)
		}
		sel.SetRect(rect)
	}
	return sel, nil
}

// Regions flattens per-mip selections into ascending-mip wire form.
func Regions(mips map[int]*tiles.Selection, mipCount int) []MipRegions {
	var out []MipRegions
	for k := 0; k < mipCount; k++ {
		sel := mips[k]
		if sel == nil || !sel.AnyVisible() {
			continue
		}
		rects, _ := sel.CoalescedRegions(nil)
		mr := MipRegions{Mip: k, Count: sel.Count(), Regions: make([][4]int, 0, len(rects))}
		for _, r := range rects {
			mr.Regions = append(mr.Regions, [4]int{r.Min.X, r.Min.Y, r.Max.X, r.Max.Y})
		}
		out = append(out, mr)
	}
	return out
}

// Selection renders one sequence of a published frame. withResident adds
// the resident tiles.
func Selection(f *core.Frame, id sequence.ID, withResident bool) (SelectionMsg, bool) {
	d, ok := f.Sequences[id]
	if !ok {
		return SelectionMsg{}, false
	}
	msg := SelectionMsg{
		Type:            TypeSelection,
		ProtocolVersion: Version,
		Frame:           f.Number,
		Sequence:        id,
		Name:            d.Name(),
		PrimaryMip:      -1,
		Desired:         []MipRegions{},
	}
	if res := f.Desired[id]; res != nil {
		msg.PrimaryMip = res.PrimaryMip
		msg.Focus = [2]float32{res.Focus.X(), res.Focus.Y()}
		if r := Regions(res.Mips, d.MipCount()); r != nil {
			msg.Desired = r
		}
	}
	if withResident {
		msg.Resident = Regions(f.Resident[id], d.MipCount())
	}
	return msg, true
}

func Info(id sequence.ID, d sequence.Descriptor) SequenceInfo {
	px, g := d.PixelDim(), d.TileGrid()
	return SequenceInfo{
		ID:            id,
		Name:          d.Name(),
		PixelDim:      [2]int{px.X, px.Y},
		TileGrid:      [2]int{g.X, g.Y},
		MipCount:      d.MipCount(),
		BytesPerPixel: d.BytesPerPixel(),
	}
}
