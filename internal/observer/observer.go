// Package observer tracks the active viewpoints the solver projects into.
package observer

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"

	"tilestream.ai/internal/handle"
)

var ErrUnknown = errors.New("unknown observer")

type ID = handle.Handle

// State is the externally supplied camera pose and projection.
type State struct {
	Position mgl32.Vec3
	Forward  mgl32.Vec3
	Right    mgl32.Vec3
	Up       mgl32.Vec3

	// FOV is the horizontal field of view in radians.
	FOV      float32
	Viewport [2]int
}

// View is one observer as seen by a solver pass.
type View struct {
	ID    ID
	State State

	// PixelsPerUnit is viewport pixels per world unit at unit distance.
	PixelsPerUnit float32
	TanHalfH      float32
	TanHalfV      float32
}

// Usable reports whether the view can project anything. Zero FOV or an
// empty viewport is skipped by the solver.
func (v View) Usable() bool {
	return v.State.FOV > 0 && v.State.Viewport[0] > 0 && v.State.Viewport[1] > 0 && v.PixelsPerUnit > 0
}

func derive(id ID, st State) View {
	v := View{ID: id, State: normalize(st)}
	if st.FOV <= 0 || st.FOV >= math32.Pi || st.Viewport[0] <= 0 || st.Viewport[1] <= 0 {
		return v
	}
	v.TanHalfH = math32.Tan(st.FOV / 2)
	v.TanHalfV = v.TanHalfH * float32(st.Viewport[1]) / float32(st.Viewport[0])
	v.PixelsPerUnit = float32(st.Viewport[0]) / 2 / v.TanHalfH
	return v
}

func normalize(st State) State {
	if st.Forward.Len() > 0 {
		st.Forward = st.Forward.Normalize()
	}
	if st.Up.Len() > 0 {
		st.Up = st.Up.Normalize()
	}
	if st.Right.Len() == 0 && st.Forward.Len() > 0 && st.Up.Len() > 0 {
		st.Right = st.Forward.Cross(st.Up)
	}
	if st.Right.Len() > 0 {
		st.Right = st.Right.Normalize()
	}
	return st
}

// Registry is single-writer: only the streaming executor mutates it.
type Registry struct {
	arena   handle.Arena[View]
	version uint64
	snap    Snapshot
	snapVer uint64
}

func (r *Registry) Add(st State) ID {
	id := r.arena.Insert(View{})
	r.arena.Set(id, derive(id, st))
	r.version++
	return id
}

func (r *Registry) Remove(id ID) error {
	if _, ok := r.arena.Remove(id); !ok {
		return errors.Wrapf(ErrUnknown, "remove %v", id)
	}
	r.version++
	return nil
}

func (r *Registry) Update(id ID, st State) error {
	if !r.arena.Set(id, derive(id, st)) {
		return errors.Wrapf(ErrUnknown, "update %v", id)
	}
	r.version++
	return nil
}

func (r *Registry) Get(id ID) (View, error) {
	v, ok := r.arena.Get(id)
	if !ok {
		return View{}, errors.Wrapf(ErrUnknown, "observer %v", id)
	}
	return v, nil
}

func (r *Registry) Len() int { return r.arena.Len() }

// Snapshot is an immutable per-frame list of views in id order.
type Snapshot struct {
	Views []View
}

// Snapshot returns the current views. Consecutive calls without a mutation
// share the same backing slice.
func (r *Registry) Snapshot() Snapshot {
	if r.snap.Views != nil && r.snapVer == r.version {
		return r.snap
	}
	views := make([]View, 0, r.arena.Len())
	r.arena.Each(func(_ ID, v View) bool {
		views = append(views, v)
		return true
	})
	r.snap = Snapshot{Views: views}
	r.snapVer = r.version
	return r.snap
}
