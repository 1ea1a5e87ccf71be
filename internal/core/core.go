// Package core is the facade of the tile streaming core: registries, the
// per-frame solver/planner/controller pipeline, and the published frame the
// renderer samples.
package core

import (
	"io"
	"log"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"

	"tilestream.ai/internal/clock"
	"tilestream.ai/internal/codec"
	"tilestream.ai/internal/observer"
	"tilestream.ai/internal/planner"
	"tilestream.ai/internal/primitive"
	"tilestream.ai/internal/residency"
	"tilestream.ai/internal/sequence"
	"tilestream.ai/internal/streaming"
	"tilestream.ai/internal/tiles"
	"tilestream.ai/internal/visibility"
)

var (
	ErrUnknownSequence    = sequence.ErrUnknown
	ErrUnknownPrimitive   = primitive.ErrUnknown
	ErrUnknownObserver    = observer.ErrUnknown
	ErrOutOfRange         = tiles.ErrOutOfRange
	ErrDimensionMismatch  = tiles.ErrDimensionMismatch
	ErrPermanentlyMissing = residency.ErrPermanentlyMissing
	ErrDescriptorChanged  = codec.ErrDescriptorChanged
	ErrClosed             = errors.New("core closed")
)

type Budget = streaming.Budget

type Config struct {
	Visibility visibility.Config
	Planner    planner.Config
	Streaming  streaming.Config

	// AbsentPruneFrames drops Absent entries not desired for this long.
	AbsentPruneFrames uint64
}

func DefaultConfig() Config {
	return Config{
		Visibility:        visibility.DefaultConfig(),
		Streaming:         streaming.DefaultConfig(),
		AbsentPruneFrames: 600,
	}
}

// RemovedFunc is told about a sequence that left the core. reason is nil
// for UnregisterSequence and wraps ErrDescriptorChanged for a forced removal.
type RemovedFunc func(id sequence.ID, d sequence.Descriptor, reason error)

type removal struct {
	id     sequence.ID
	desc   sequence.Descriptor
	reason error
}

// Core is single-threaded: every method except Frame and
// CurrentSelectionSnapshot must be called from one goroutine, normally the
// Executor's.
type Core struct {
	cfg    Config
	logger *log.Logger
	codec  codec.Codec
	clock  *clock.Monotonic

	seqs  sequence.Registry
	obs   observer.Registry
	prims *primitive.Registry

	solver  *visibility.Solver
	planner *planner.Planner
	cache   *residency.Cache
	ctl     *streaming.Controller

	frame atomic.Pointer[Frame]

	listeners []RemovedFunc
	removed   []removal
	closed    bool
}

func New(cfg Config, c codec.Codec, clk clock.Clock, logger *log.Logger) *Core {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.AbsentPruneFrames == 0 {
		cfg.AbsentPruneFrames = DefaultConfig().AbsentPruneFrames
	}
	cache := residency.New()
	co := &Core{
		cfg:     cfg,
		logger:  logger,
		codec:   c,
		clock:   clock.NewMonotonic(clk),
		solver:  visibility.NewSolver(cfg.Visibility),
		planner: planner.New(cfg.Planner),
		cache:   cache,
		ctl:     streaming.New(cfg.Streaming, c, cache, logger),
	}
	co.prims = primitive.NewRegistry(&co.seqs)
	co.frame.Store(&Frame{})
	return co
}

// SetConfig swaps tuning knobs between ticks. The completion queue keeps
// the capacity it was created with.
func (c *Core) SetConfig(cfg Config) {
	if cfg.AbsentPruneFrames == 0 {
		cfg.AbsentPruneFrames = DefaultConfig().AbsentPruneFrames
	}
	c.cfg = cfg
	c.solver.SetConfig(cfg.Visibility)
	c.planner.SetConfig(cfg.Planner)
	c.ctl.SetConfig(cfg.Streaming)
}

func (c *Core) Config() Config { return c.cfg }

func (c *Core) RegisterSequence(d sequence.Descriptor) (sequence.ID, error) {
	if c.closed {
		return sequence.ID{}, ErrClosed
	}
	if d.MipCount() < 1 {
		return sequence.ID{}, errors.Wrapf(sequence.ErrInvalid, "register %q: mip count %d", d.Name(), d.MipCount())
	}
	id := c.seqs.Register(d)
	if b, ok := c.codec.(codec.Binder); ok {
		if err := b.Bind(id, d); err != nil {
			_, _ = c.seqs.Unregister(id)
			return sequence.ID{}, errors.Wrapf(err, "bind %s", d.Name())
		}
	}
	return id, nil
}

func (c *Core) UnregisterSequence(id sequence.ID) error {
	return c.dropSequence(id, nil)
}

func (c *Core) dropSequence(id sequence.ID, reason error) error {
	d, err := c.seqs.Unregister(id)
	if err != nil {
		return err
	}
	prims := c.prims.RemoveSequence(id)
	st := c.ctl.DropSequence(id)
	c.solver.Forget(id)
	if b, ok := c.codec.(codec.Binder); ok {
		b.Unbind(id)
	}
	if reason != nil {
		c.logger.Printf("sequence %v (%s) force-unregistered: %v; %d primitives, %d tiles released", id, d.Name(), reason, len(prims), st.Evicted)
	}
	c.removed = append(c.removed, removal{id: id, desc: d, reason: reason})
	return nil
}

func (c *Core) Sequence(id sequence.ID) (sequence.Descriptor, error) { return c.seqs.Get(id) }

// Sequences visits registered sequences in id order.
func (c *Core) Sequences(fn func(sequence.ID, sequence.Descriptor) bool) { c.seqs.Each(fn) }

// OnSequenceRemoved registers fn to run after the tick in which a sequence
// was removed, explicitly or by force.
func (c *Core) OnSequenceRemoved(fn RemovedFunc) {
	c.listeners = append(c.listeners, fn)
}

func (c *Core) AddPrimitive(p primitive.Info) (primitive.ID, error) {
	return c.prims.Add(p)
}

func (c *Core) RemovePrimitive(id primitive.ID) error { return c.prims.Remove(id) }

func (c *Core) UpdatePrimitiveTransform(id primitive.ID, m mgl32.Mat4) error {
	return c.prims.UpdateTransform(id, m)
}

// SetPrimitiveMask installs a mip-0 mask, or clears it when mask is nil.
func (c *Core) SetPrimitiveMask(id primitive.ID, mask *tiles.Selection) error {
	return c.prims.SetMask(id, mask)
}

func (c *Core) Primitive(id primitive.ID) (*primitive.Info, error) { return c.prims.Get(id) }

func (c *Core) AddObserver(st observer.State) observer.ID { return c.obs.Add(st) }

func (c *Core) RemoveObserver(id observer.ID) error { return c.obs.Remove(id) }

func (c *Core) UpdateObserver(id observer.ID, st observer.State) error {
	return c.obs.Update(id, st)
}

// QueryResident reports the residency of one tile. A suppressed tile
// reports Absent with ErrPermanentlyMissing.
func (c *Core) QueryResident(seq sequence.ID, mip int, tile tiles.Coord) (residency.State, error) {
	d, err := c.seqs.Get(seq)
	if err != nil {
		return residency.Absent, err
	}
	if !d.ValidMip(mip) {
		return residency.Absent, errors.Wrapf(ErrOutOfRange, "mip %d of %d", mip, d.MipCount())
	}
	g := d.TileCountAtMip(mip)
	if tile.X < 0 || tile.Y < 0 || tile.X >= g.X || tile.Y >= g.Y {
		return residency.Absent, errors.Wrapf(ErrOutOfRange, "tile %d,%d at mip %d (%dx%d)", tile.X, tile.Y, mip, g.X, g.Y)
	}
	return c.cache.Query(sequence.TileKey{Seq: seq, Mip: mip, Tile: tile})
}

// Frame returns the last published frame. Safe from any goroutine.
func (c *Core) Frame() *Frame { return c.frame.Load() }

// CurrentSelectionSnapshot returns copies of the desired selections of seq
// from the last published frame. Safe from any goroutine.
func (c *Core) CurrentSelectionSnapshot(seq sequence.ID) (map[int]*tiles.Selection, error) {
	f := c.frame.Load()
	r, ok := f.Desired[seq]
	if !ok {
		if _, known := f.Sequences[seq]; !known {
			return nil, errors.Wrapf(ErrUnknownSequence, "snapshot %v", seq)
		}
		return map[int]*tiles.Selection{}, nil
	}
	out := make(map[int]*tiles.Selection, len(r.Mips))
	for m, s := range r.Mips {
		out[m] = s.Clone()
	}
	return out, nil
}

// Tick runs one frame: solve, touch, plan, stream, publish.
func (c *Core) Tick(b Budget) (TickStats, error) {
	if c.closed {
		return TickStats{}, ErrClosed
	}
	frame := c.clock.Next()
	descs := c.seqs.Map()
	res := c.solver.Solve(visibility.Input{
		Frame:      frame,
		Observers:  c.obs.Snapshot(),
		Primitives: c.prims.Snapshot(),
		Sequences:  descs,
	})

	ts := TickStats{
		Frame:      frame,
		Sequences:  len(descs),
		Observers:  c.obs.Len(),
		Primitives: c.prims.Len(),
	}
	for id, r := range res.Sequences {
		for m, sel := range r.Mips {
			for t := range sel.VisibleCoordinates() {
				c.cache.Touch(sequence.TileKey{Seq: id, Mip: m, Tile: t}, frame)
			}
			ts.Desired += sel.Count()
		}
		ts.Pairs += r.Pairs
		ts.Retained += r.Retained
		ts.Clipped += r.Clipped
	}

	plan := c.planner.Build(planner.Input{Frame: frame, Desired: res.Sequences, Sequences: descs}, c.cache)
	ts.Planned = len(plan.Fetches)
	ts.Regions = plan.Regions
	ts.Stream = c.ctl.Tick(frame, plan, b)

	for _, id := range c.ctl.TakeFatal() {
		if err := c.dropSequence(id, errors.Wrapf(ErrDescriptorChanged, "sequence %v", id)); err == nil {
			delete(res.Sequences, id)
			delete(descs, id)
			ts.Removed = append(ts.Removed, id)
		}
	}
	ts.Pruned = c.cache.Prune(frame, c.cfg.AbsentPruneFrames)
	ts.Resident = c.cache.Count(residency.Resident)
	ts.Pending = c.cache.Count(residency.Pending)
	ts.Candidates = c.ctl.Candidates()
	ts.ResidentBytes = c.cache.ResidentBytes()
	ts.InFlight = c.ctl.InFlight()
	ts.Owed = c.ctl.Owed()

	c.publish(frame, res, descs, ts)
	c.notify()
	return ts, nil
}

func (c *Core) publish(frame uint64, res *visibility.Result, descs map[sequence.ID]sequence.Descriptor, ts TickStats) {
	f := &Frame{
		Number:    frame,
		Sequences: descs,
		Desired:   res.Sequences,
		Resident:  make(map[sequence.ID]map[int]*tiles.Selection, len(descs)),
		Stats:     ts,
	}
	for id, d := range descs {
		r := c.cache.Resident(id, d)
		for _, s := range r {
			s.VisibleRegion()
		}
		f.Resident[id] = r
	}
	c.frame.Store(f)
}

func (c *Core) notify() {
	pending := c.removed
	c.removed = nil
	for _, r := range pending {
		for _, fn := range c.listeners {
			fn(r.id, r.desc, r.reason)
		}
	}
}

// Close unregisters every sequence, releasing payloads and cancelling
// fetches, and rejects further ticks. Completions the codec delivers after
// Close are released without being queued, so the codec can be closed
// afterwards from any goroutine.
func (c *Core) Close() {
	if c.closed {
		return
	}
	var ids []sequence.ID
	c.seqs.Each(func(id sequence.ID, _ sequence.Descriptor) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		_ = c.dropSequence(id, nil)
	}
	c.notify()
	c.ctl.Close()
	c.closed = true
}
