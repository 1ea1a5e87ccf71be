// Package handle provides generation-checked integer ids over a slot arena.
//
// Registries own their entries; callers hold a Handle and every access
// validates the generation, so a handle to a removed entry never aliases a
// newer one that reused its slot.
package handle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type Handle struct {
	Index uint32
	Gen   uint32
}

// Nil is never returned by an Arena.
var Nil Handle

func (h Handle) IsNil() bool { return h.Gen == 0 }

func (h Handle) String() string { return fmt.Sprintf("%d.%d", h.Index, h.Gen) }

// Parse reads the "index.gen" form produced by String.
func Parse(s string) (Handle, error) {
	i, g, ok := strings.Cut(s, ".")
	if !ok {
		return Nil, errors.Errorf("handle %q: missing generation", s)
	}
	idx, err := strconv.ParseUint(i, 10, 32)
	if err != nil {
		return Nil, errors.Wrapf(err, "handle %q", s)
	}
	gen, err := strconv.ParseUint(g, 10, 32)
	if err != nil {
		return Nil, errors.Wrapf(err, "handle %q", s)
	}
	return Handle{Index: uint32(idx), Gen: uint32(gen)}, nil
}

func (h Handle) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Handle) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// Less orders handles by slot, then generation.
func (h Handle) Less(o Handle) bool {
	if h.Index != o.Index {
		return h.Index < o.Index
	}
	return h.Gen < o.Gen
}

type slot[T any] struct {
	gen   uint32
	alive bool
	val   T
}

// Arena stores values addressed by Handle. Not safe for concurrent use.
type Arena[T any] struct {
	slots []slot[T]
	free  []uint32
	n     int
}

func (a *Arena[T]) Insert(v T) Handle {
	var idx uint32
	if len(a.free) > 0 {
		idx = a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
	} else {
		a.slots = append(a.slots, slot[T]{})
		idx = uint32(len(a.slots) - 1)
	}
	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.alive = true
	s.val = v
	a.n++
	return Handle{Index: idx, Gen: s.gen}
}

func (a *Arena[T]) Get(h Handle) (T, bool) {
	var zero T
	if !a.valid(h) {
		return zero, false
	}
	return a.slots[h.Index].val, true
}

// Set replaces the value behind h. It reports false for a stale handle.
func (a *Arena[T]) Set(h Handle, v T) bool {
	if !a.valid(h) {
		return false
	}
	a.slots[h.Index].val = v
	return true
}

func (a *Arena[T]) Remove(h Handle) (T, bool) {
	var zero T
	if !a.valid(h) {
		return zero, false
	}
	s := &a.slots[h.Index]
	v := s.val
	s.val = zero
	s.alive = false
	a.free = append(a.free, h.Index)
	a.n--
	return v, true
}

func (a *Arena[T]) Contains(h Handle) bool { return a.valid(h) }

func (a *Arena[T]) Len() int { return a.n }

// Each visits live entries in slot order until fn returns false.
func (a *Arena[T]) Each(fn func(Handle, T) bool) {
	for i := range a.slots {
		s := &a.slots[i]
		if !s.alive {
			continue
		}
		if !fn(Handle{Index: uint32(i), Gen: s.gen}, s.val) {
			return
		}
	}
}

func (a *Arena[T]) valid(h Handle) bool {
	if h.Gen == 0 || int(h.Index) >= len(a.slots) {
		return false
	}
	s := &a.slots[h.Index]
	return s.alive && s.gen == h.Gen
}
