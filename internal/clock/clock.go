// Package clock supplies the monotonic frame counter the core stamps
// residency with.
package clock

import "sync/atomic"

type Clock interface {
	Frame() uint64
}

// Counter advances by one each time Advance is called. An Executor given
// the counter in ExecutorConfig.Clock advances it before every tick; a Core
// ticked with a counter nobody advances gets its frames from the Monotonic
// bump.
type Counter struct {
	n atomic.Uint64
}

func (c *Counter) Frame() uint64 { return c.n.Load() }

func (c *Counter) Advance() uint64 { return c.n.Add(1) }

// Manual is a clock tests set explicitly.
type Manual struct {
	n atomic.Uint64
}

func NewManual(start uint64) *Manual {
	m := &Manual{}
	m.n.Store(start)
	return m
}

func (m *Manual) Frame() uint64 { return m.n.Load() }

func (m *Manual) Set(f uint64) { m.n.Store(f) }

// Monotonic wraps a clock and never returns a frame at or below the
// previous one; a stalled or rewound source is bumped by one.
type Monotonic struct {
	src  Clock
	last uint64
}

func NewMonotonic(src Clock) *Monotonic { return &Monotonic{src: src} }

// Next returns the frame for the next tick. Not safe for concurrent use.
func (m *Monotonic) Next() uint64 {
	f := m.src.Frame()
	if f <= m.last {
		f = m.last + 1
	}
	m.last = f
	return f
}
