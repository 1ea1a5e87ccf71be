// Package sequence holds the immutable description of a tiled, mip-mapped
// image sequence.
package sequence

import (
	"fmt"

	"github.com/pkg/errors"

	"tilestream.ai/internal/handle"
	"tilestream.ai/internal/tiles"
)

var (
	ErrUnknown = errors.New("unknown sequence")
	ErrInvalid = errors.New("invalid sequence descriptor")
)

// ID identifies a registered sequence. Re-registering changed metadata
// yields a new ID.
type ID = handle.Handle

type Dim struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

const DefaultBytesPerPixel = 4

// Descriptor is a value object; it never changes once published.
type Descriptor struct {
	name          string
	pixelDim      Dim
	tileGrid      Dim
	mipCount      int
	bytesPerPixel int
}

func NewDescriptor(name string, pixelDim, tileGrid Dim, mipCount, bytesPerPixel int) (Descriptor, error) {
	if pixelDim.X <= 0 || pixelDim.Y <= 0 {
		return Descriptor{}, errors.Wrapf(ErrInvalid, "%s: pixel dim %dx%d", name, pixelDim.X, pixelDim.Y)
	}
	if tileGrid.X <= 0 || tileGrid.Y <= 0 {
		return Descriptor{}, errors.Wrapf(ErrInvalid, "%s: tile grid %dx%d", name, tileGrid.X, tileGrid.Y)
	}
	if mipCount < 1 {
		return Descriptor{}, errors.Wrapf(ErrInvalid, "%s: mip count %d", name, mipCount)
	}
	if bytesPerPixel <= 0 {
		bytesPerPixel = DefaultBytesPerPixel
	}
	return Descriptor{
		name:          name,
		pixelDim:      pixelDim,
		tileGrid:      tileGrid,
		mipCount:      mipCount,
		bytesPerPixel: bytesPerPixel,
	}, nil
}

func (d Descriptor) Name() string       { return d.name }
func (d Descriptor) PixelDim() Dim      { return d.pixelDim }
func (d Descriptor) TileGrid() Dim      { return d.tileGrid }
func (d Descriptor) MipCount() int      { return d.mipCount }
func (d Descriptor) BytesPerPixel() int { return d.bytesPerPixel }

func (d Descriptor) IsTiled() bool { return d.tileGrid.X > 1 || d.tileGrid.Y > 1 }

// TileCountAtMip is max(1, ceil(tiles / 2^k)) per axis.
func (d Descriptor) TileCountAtMip(k int) Dim {
	c := tiles.DimAtMip(d.tileGrid.X, d.tileGrid.Y, k)
	return Dim{X: c.X, Y: c.Y}
}

// PixelDimAtMip is max(1, ceil(pixels / 2^k)) per axis.
func (d Descriptor) PixelDimAtMip(k int) Dim {
	c := tiles.DimAtMip(d.pixelDim.X, d.pixelDim.Y, k)
	return Dim{X: c.X, Y: c.Y}
}

func (d Descriptor) ValidMip(k int) bool { return k >= 0 && k < d.mipCount }

// TileBytes estimates the decoded size of one tile at mip k. Edge tiles are
// charged as full tiles.
func (d Descriptor) TileBytes(k int) int64 {
	px := d.PixelDimAtMip(k)
	tc := d.TileCountAtMip(k)
	tw := (px.X + tc.X - 1) / tc.X
	th := (px.Y + tc.Y - 1) / tc.Y
	return int64(tw) * int64(th) * int64(d.bytesPerPixel)
}

// NewSelection returns an empty tile selection sized for mip k.
func (d Descriptor) NewSelection(k int, visible bool) *tiles.Selection {
	return tiles.NewAtMip(d.tileGrid.X, d.tileGrid.Y, k, visible)
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s %dx%d tiles=%dx%d mips=%d", d.name, d.pixelDim.X, d.pixelDim.Y, d.tileGrid.X, d.tileGrid.Y, d.mipCount)
}

// TileKey addresses one tile of one mip of one sequence.
type TileKey struct {
	Seq  ID
	Mip  int
	Tile tiles.Coord
}

func (k TileKey) String() string {
	return fmt.Sprintf("%v/m%d/%d_%d", k.Seq, k.Mip, k.Tile.X, k.Tile.Y)
}

// Less orders keys by sequence, mip, row, column.
func (k TileKey) Less(o TileKey) bool {
	if k.Seq != o.Seq {
		return k.Seq.Less(o.Seq)
	}
	if k.Mip != o.Mip {
		return k.Mip < o.Mip
	}
	if k.Tile.Y != o.Tile.Y {
		return k.Tile.Y < o.Tile.Y
	}
	return k.Tile.X < o.Tile.X
}

// Registry owns the published descriptors. Not safe for concurrent use.
type Registry struct {
	arena handle.Arena[Descriptor]
}

func (r *Registry) Register(d Descriptor) ID { return r.arena.Insert(d) }

func (r *Registry) Unregister(id ID) (Descriptor, error) {
	d, ok := r.arena.Remove(id)
	if !ok {
		return Descriptor{}, errors.Wrapf(ErrUnknown, "unregister %v", id)
	}
	return d, nil
}

func (r *Registry) Get(id ID) (Descriptor, error) {
	d, ok := r.arena.Get(id)
	if !ok {
		return Descriptor{}, errors.Wrapf(ErrUnknown, "sequence %v", id)
	}
	return d, nil
}

func (r *Registry) Len() int { return r.arena.Len() }

// Each visits sequences in id order.
func (r *Registry) Each(fn func(ID, Descriptor) bool) { r.arena.Each(fn) }

// Map returns a copy of the id -> descriptor table.
func (r *Registry) Map() map[ID]Descriptor {
	out := make(map[ID]Descriptor, r.arena.Len())
	r.arena.Each(func(id ID, d Descriptor) bool {
		out[id] = d
		return true
	})
	return out
}
