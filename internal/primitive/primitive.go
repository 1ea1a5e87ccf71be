// Package primitive tracks the image-plane users of registered sequences.
package primitive

import (
	"sort"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"

	"tilestream.ai/internal/handle"
	"tilestream.ai/internal/sequence"
	"tilestream.ai/internal/tiles"
)

var ErrUnknown = errors.New("unknown primitive")

type ID = handle.Handle

type Shape uint8

const (
	// Plane is a rectangle of ±HalfExtents in the local XY plane, facing +Z.
	Plane Shape = iota
	// Sphere has radius HalfExtents.X() around the local origin and samples
	// the sequence equirectangularly.
	Sphere
)

func (s Shape) String() string {
	switch s {
	case Plane:
		return "PLANE"
	case Sphere:
		return "SPHERE"
	default:
		return "UNKNOWN"
	}
}

// Info is one primitive. Published values are never mutated; updates
// replace the pointer held by the registry.
type Info struct {
	ID ID

	// Owner is an opaque tag of the external object; the core never
	// dereferences it.
	Owner uint64

	Sequence    sequence.ID
	Shape       Shape
	Transform   mgl32.Mat4
	HalfExtents mgl32.Vec2
	LODBias     float32

	// Mask, when set, is a mip-0 selection of the only tiles this primitive
	// may ever need.
	Mask *tiles.Selection
}

// Degenerate reports a zero-area primitive; the solver skips these.
func (p *Info) Degenerate() bool {
	switch p.Shape {
	case Sphere:
		return p.HalfExtents.X() <= 0
	default:
		return p.HalfExtents.X() <= 0 || p.HalfExtents.Y() <= 0
	}
}

// Sequences is the descriptor lookup the registry validates against.
type Sequences interface {
	Get(sequence.ID) (sequence.Descriptor, error)
}

type Registry struct {
	seqs  Sequences
	arena handle.Arena[*Info]
	bySeq map[sequence.ID]map[ID]struct{}

	version uint64
	snap    Snapshot
	snapVer uint64
}

func NewRegistry(seqs Sequences) *Registry {
	return &Registry{
		seqs:  seqs,
		bySeq: map[sequence.ID]map[ID]struct{}{},
	}
}

func (r *Registry) Add(p Info) (ID, error) {
	d, err := r.seqs.Get(p.Sequence)
	if err != nil {
		return ID{}, errors.Wrap(err, "add primitive")
	}
	if p.Mask != nil {
		if err := checkMask(d, p.Mask); err != nil {
			return ID{}, err
		}
		p.Mask = p.Mask.Clone()
	}
	if p.Transform == (mgl32.Mat4{}) {
		p.Transform = mgl32.Ident4()
	}
	id := r.arena.Insert(nil)
	p.ID = id
	r.arena.Set(id, &p)
	set := r.bySeq[p.Sequence]
	if set == nil {
		set = map[ID]struct{}{}
		r.bySeq[p.Sequence] = set
	}
	set[id] = struct{}{}
	r.version++
	return id, nil
}

func (r *Registry) Remove(id ID) error {
	p, ok := r.arena.Remove(id)
	if !ok {
		return errors.Wrapf(ErrUnknown, "remove %v", id)
	}
	if set := r.bySeq[p.Sequence]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(r.bySeq, p.Sequence)
		}
	}
	r.version++
	return nil
}

func (r *Registry) UpdateTransform(id ID, m mgl32.Mat4) error {
	p, ok := r.arena.Get(id)
	if !ok {
		return errors.Wrapf(ErrUnknown, "update transform %v", id)
	}
	next := *p
	next.Transform = m
	r.arena.Set(id, &next)
	r.version++
	return nil
}

// SetMask installs (or with nil clears) the visibility mask. The mask must
// match the sequence's mip-0 tile grid.
func (r *Registry) SetMask(id ID, mask *tiles.Selection) error {
	p, ok := r.arena.Get(id)
	if !ok {
		return errors.Wrapf(ErrUnknown, "set mask %v", id)
	}
	next := *p
	if mask != nil {
		d, err := r.seqs.Get(p.Sequence)
		if err != nil {
			return err
		}
		if err := checkMask(d, mask); err != nil {
			return err
		}
		next.Mask = mask.Clone()
	} else {
		next.Mask = nil
	}
	r.arena.Set(id, &next)
	r.version++
	return nil
}

func checkMask(d sequence.Descriptor, mask *tiles.Selection) error {
	g := d.TileGrid()
	if mask.Dimensions() != (tiles.Coord{X: g.X, Y: g.Y}) {
		return errors.Wrapf(tiles.ErrDimensionMismatch, "mask %v for grid %dx%d", mask.Dimensions(), g.X, g.Y)
	}
	return nil
}

func (r *Registry) Get(id ID) (*Info, error) {
	p, ok := r.arena.Get(id)
	if !ok {
		return nil, errors.Wrapf(ErrUnknown, "primitive %v", id)
	}
	return p, nil
}

func (r *Registry) Len() int { return r.arena.Len() }

// RemoveSequence drops every primitive sampling seq and returns their ids in
// order.
func (r *Registry) RemoveSequence(seq sequence.ID) []ID {
	set := r.bySeq[seq]
	if len(set) == 0 {
		return nil
	}
	ids := make([]ID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	for _, id := range ids {
		r.arena.Remove(id)
	}
	delete(r.bySeq, seq)
	r.version++
	return ids
}

// Snapshot shares the Info pointers with the registry; both sides treat
// them as immutable.
type Snapshot struct {
	Prims []*Info
}

func (r *Registry) Snapshot() Snapshot {
	if r.snap.Prims != nil && r.snapVer == r.version {
		return r.snap
	}
	prims := make([]*Info, 0, r.arena.Len())
	r.arena.Each(func(_ ID, p *Info) bool {
		prims = append(prims, p)
		return true
	})
	r.snap = Snapshot{Prims: prims}
	r.snapVer = r.version
	return r.snap
}
