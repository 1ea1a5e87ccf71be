// Package visibility computes, once per frame, which (mip, tile) pairs of
// every sequence must be resident for the current observers.
package visibility

import (
	"sort"

	"github.com/go-gl/mathgl/mgl32"

	"tilestream.ai/internal/observer"
	"tilestream.ai/internal/primitive"
	"tilestream.ai/internal/sequence"
	"tilestream.ai/internal/tiles"
)

type Config struct {
	MaxTilesPerSequence int
	HysteresisFrames    uint64
	DistanceEpsilon     float32
	FootprintEpsilon    float32
}

func DefaultConfig() Config {
	return Config{
		MaxTilesPerSequence: 4096,
		HysteresisFrames:    4,
		DistanceEpsilon:     1e-3,
		FootprintEpsilon:    1e-6,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxTilesPerSequence <= 0 {
		c.MaxTilesPerSequence = d.MaxTilesPerSequence
	}
	if c.DistanceEpsilon <= 0 {
		c.DistanceEpsilon = d.DistanceEpsilon
	}
	if c.FootprintEpsilon <= 0 {
		c.FootprintEpsilon = d.FootprintEpsilon
	}
}

type Input struct {
	Frame      uint64
	Observers  observer.Snapshot
	Primitives primitive.Snapshot
	Sequences  map[sequence.ID]sequence.Descriptor
}

// SequenceResult is the desired residency of one sequence for one frame.
// It is immutable once returned.
type SequenceResult struct {
	Seq sequence.ID

	// Mips holds a selection for every mip with at least one desired tile.
	Mips map[int]*tiles.Selection

	// PrimaryMip is the finest mip any pair asked for; PrimaryFrac its
	// fractional part. Both are -1/0 when nothing covered the sequence.
	PrimaryMip  int
	PrimaryFrac float32

	// Focus is the mean UV hit of all surviving pairs' view rays.
	Focus mgl32.Vec2

	Pairs    int
	Retained int
	Clipped  int
}

func (r *SequenceResult) Count() int {
	n := 0
	for _, s := range r.Mips {
		n += s.Count()
	}
	return n
}

// SortedMips returns the mips present in ascending order.
func (r *SequenceResult) SortedMips() []int {
	out := make([]int, 0, len(r.Mips))
	for m := range r.Mips {
		out = append(out, m)
	}
	sort.Ints(out)
	return out
}

type Result struct {
	Frame     uint64
	Sequences map[sequence.ID]*SequenceResult
}

// history remembers, per mip and tile, the last frame (+1) with coverage.
type history struct {
	lastCovered map[int][]uint64
}

// Solver is stateful only through its hysteresis history. Not safe for
// concurrent use.
type Solver struct {
	cfg     Config
	history map[sequence.ID]*history
}

func NewSolver(cfg Config) *Solver {
	cfg.applyDefaults()
	return &Solver{cfg: cfg, history: map[sequence.ID]*history{}}
}

func (s *Solver) Config() Config { return s.cfg }

// SetConfig swaps the knobs; history is kept.
func (s *Solver) SetConfig(cfg Config) {
	cfg.applyDefaults()
	s.cfg = cfg
}

// Forget drops hysteresis for a sequence that was unregistered.
func (s *Solver) Forget(seq sequence.ID) { delete(s.history, seq) }

type accum struct {
	desc     sequence.Descriptor
	coverage map[int]*tiles.Selection
	primary  int
	frac     float32
	focusSum mgl32.Vec2
	pairs    int
}

func (a *accum) mark(mip int, uv uvRect, mask map[int]*tiles.Selection) {
	sel := a.coverage[mip]
	if sel == nil {
		sel = a.desc.NewSelection(mip, false)
		a.coverage[mip] = sel
	}
	if mask == nil {
		sel.SetRect(tileRect(uv, sel.Dimensions()))
		return
	}
	tmp := a.desc.NewSelection(mip, false)
	tmp.SetRect(tileRect(uv, tmp.Dimensions()))
	_ = tmp.Intersect(mask[mip])
	_ = sel.Union(tmp)
}

func (s *Solver) Solve(in Input) *Result {
	acc := map[sequence.ID]*accum{}

	for _, p := range in.Primitives.Prims {
		d, ok := in.Sequences[p.Sequence]
		if !ok || p.Degenerate() {
			continue
		}
		a := acc[p.Sequence]
		if a == nil {
			a = &accum{desc: d, coverage: map[int]*tiles.Selection{}, primary: -1}
			acc[p.Sequence] = a
		}
		var mask map[int]*tiles.Selection
		for _, v := range in.Observers.Views {
			if !v.Usable() {
				continue
			}
			var pr pair
			var hit bool
			switch p.Shape {
			case primitive.Sphere:
				pr, hit = s.projectSphere(v, p, d)
			default:
				pr, hit = s.projectPlane(v, p, d)
			}
			if !hit {
				continue
			}
			if p.Mask != nil && mask == nil {
				mask = make(map[int]*tiles.Selection, d.MipCount())
				for m := 0; m < d.MipCount(); m++ {
					mask[m] = p.Mask.Reduce(m)
				}
			}
			a.pairs++
			a.focusSum = a.focusSum.Add(pr.focus)
			if a.primary < 0 || pr.mip < a.primary || (pr.mip == a.primary && pr.frac < a.frac) {
				a.primary, a.frac = pr.mip, pr.frac
			}
			top := d.MipCount() - 1
			for m := pr.mip; m <= min(pr.mip+2, top); m++ {
				a.mark(m, pr.uv, mask)
			}
			a.mark(top, pr.uv, mask)
		}
	}

	out := &Result{Frame: in.Frame, Sequences: map[sequence.ID]*SequenceResult{}}
	for id, a := range acc {
		out.Sequences[id] = s.finish(in.Frame, id, a)
	}
	// Sequences no longer referenced may still hold tiles under hysteresis.
	for id := range s.history {
		if _, done := out.Sequences[id]; done {
			continue
		}
		d, ok := in.Sequences[id]
		if !ok {
			delete(s.history, id)
			continue
		}
		r := s.finish(in.Frame, id, &accum{desc: d, coverage: map[int]*tiles.Selection{}, primary: -1})
		if len(r.Mips) == 0 {
			delete(s.history, id)
			continue
		}
		out.Sequences[id] = r
	}
	return out
}

func (s *Solver) finish(frame uint64, id sequence.ID, a *accum) *SequenceResult {
	r := &SequenceResult{
		Seq:         id,
		Mips:        map[int]*tiles.Selection{},
		PrimaryMip:  a.primary,
		PrimaryFrac: a.frac,
		Focus:       mgl32.Vec2{0.5, 0.5},
		Pairs:       a.pairs,
	}
	if a.pairs > 0 {
		r.Focus = a.focusSum.Mul(1 / float32(a.pairs))
	}

	h := s.history[id]
	if h == nil {
		h = &history{lastCovered: map[int][]uint64{}}
		s.history[id] = h
	}
	for m := 0; m < a.desc.MipCount(); m++ {
		cov := a.coverage[m]
		last := h.lastCovered[m]
		if cov == nil && last == nil {
			continue
		}
		desired := a.desc.NewSelection(m, false)
		if cov != nil {
			_ = desired.Union(cov)
		}
		dim := desired.Dimensions()
		if last == nil {
			last = make([]uint64, dim.X*dim.Y)
			h.lastCovered[m] = last
		}
		if cov != nil {
			for c := range cov.VisibleCoordinates() {
				last[c.Y*dim.X+c.X] = frame + 1
			}
		}
		alive := false
		for i, lc := range last {
			if lc == 0 {
				continue
			}
			if frame-(lc-1) > s.cfg.HysteresisFrames {
				last[i] = 0
				continue
			}
			alive = true
			x, y := i%dim.X, i/dim.X
			if cov == nil || !cov.IsVisible(x, y) {
				_ = desired.SetVisible(x, y)
				r.Retained++
			}
		}
		if !alive {
			delete(h.lastCovered, m)
		}
		if desired.AnyVisible() {
			r.Mips[m] = desired
		}
	}
	r.Clipped = s.clip(r, a.desc)
	for _, sel := range r.Mips {
		sel.VisibleRegion()
	}
	return r
}

type ranked struct {
	c    tiles.Coord
	dist float32
}

// clip enforces MaxTilesPerSequence by dropping the finest tiles farthest
// from the focus first. The coarsest mip is only touched when it alone
// exceeds the budget.
func (s *Solver) clip(r *SequenceResult, d sequence.Descriptor) int {
	budget := s.cfg.MaxTilesPerSequence
	total := r.Count()
	if total <= budget {
		return 0
	}
	dropped := 0
	top := d.MipCount() - 1
	order := r.SortedMips()
	var coarsest []int
	for _, m := range order {
		if m == top {
			coarsest = append(coarsest, m)
		}
	}
	passes := [][]int{filterOut(order, top), coarsest}
	for _, mips := range passes {
		for _, m := range mips {
			if total <= budget {
				return dropped
			}
			sel := r.Mips[m]
			dim := sel.Dimensions()
			var rs []ranked
			for c := range sel.VisibleCoordinates() {
				rs = append(rs, ranked{c: c, dist: tileCenterDist(c, dim, r.Focus)})
			}
			sort.Slice(rs, func(i, j int) bool {
				if rs[i].dist != rs[j].dist {
					return rs[i].dist > rs[j].dist
				}
				if rs[i].c.Y != rs[j].c.Y {
					return rs[i].c.Y > rs[j].c.Y
				}
				return rs[i].c.X > rs[j].c.X
			})
			for _, t := range rs {
				if total <= budget {
					break
				}
				_ = sel.ClearVisible(t.c.X, t.c.Y)
				total--
				dropped++
			}
			if !sel.AnyVisible() {
				delete(r.Mips, m)
			}
		}
	}
	return dropped
}

func filterOut(ms []int, v int) []int {
	out := make([]int, 0, len(ms))
	for _, m := range ms {
		if m != v {
			out = append(out, m)
		}
	}
	return out
}
