// Package planner diffs the desired tile selections against residency state
// and emits the fetch, evict, revive and cancel requests for one tick.
package planner

import (
	"sort"

	"github.com/go-gl/mathgl/mgl32"

	"tilestream.ai/internal/residency"
	"tilestream.ai/internal/sequence"
	"tilestream.ai/internal/tiles"
	"tilestream.ai/internal/visibility"
)

// Config selects the fetch ordering. With DistanceWeight zero the order is
// lexicographic: coarser mip first, then distance to focus. A positive weight
// blends the two into one score, mip levels minus weight times distance.
type Config struct {
	DistanceWeight float32
}

type Fetch struct {
	Key         sequence.TileKey
	Bytes       int64
	Dist        float32
	WantedSince uint64
	score       float32
}

type Plan struct {
	Frame uint64

	// Fetches are in priority order.
	Fetches []Fetch
	// Evicts are resident tiles no longer desired.
	Evicts []sequence.TileKey
	// Revives are eviction candidates desired again.
	Revives []sequence.TileKey
	// Cancels are pending tiles no longer desired.
	Cancels []sequence.TileKey

	Regions int
}

func (p *Plan) FetchBytes() int64 {
	var n int64
	for _, f := range p.Fetches {
		n += f.Bytes
	}
	return n
}

type Input struct {
	Frame     uint64
	Desired   map[sequence.ID]*visibility.SequenceResult
	Sequences map[sequence.ID]sequence.Descriptor
}

// Store is the read side of the residency cache.
type Store interface {
	Get(k residency.Key) (*residency.Entry, bool)
	Sets(seq sequence.ID, d sequence.Descriptor) map[int]*residency.Sets
	Sequences() []sequence.ID
}

type Planner struct {
	cfg Config
}

func New(cfg Config) *Planner { return &Planner{cfg: cfg} }

func (p *Planner) SetConfig(cfg Config) { p.cfg = cfg }

// Build is a pure function of its inputs: the same desired selections over
// the same residency state yield the same plan.
func (p *Planner) Build(in Input, st Store) Plan {
	plan := Plan{Frame: in.Frame}
	for _, seq := range sequenceOrder(in, st) {
		d, ok := in.Sequences[seq]
		if !ok {
			continue
		}
		r := in.Desired[seq]
		focus := mgl32.Vec2{0.5, 0.5}
		if r != nil {
			focus = r.Focus
		}
		sets := st.Sets(seq, d)
		for m := 0; m < d.MipCount(); m++ {
			var want *tiles.Selection
			if r != nil {
				want = r.Mips[m]
			}
			s := sets[m]
			if want != nil {
				p.fetches(&plan, st, seq, d, m, want, s, focus, in.Frame)
			}
			if s == nil {
				continue
			}
			plan.Evicts = appendKeys(plan.Evicts, seq, m, s.Resident, want, false)
			plan.Cancels = appendKeys(plan.Cancels, seq, m, s.Pending, want, false)
			if want != nil {
				plan.Revives = appendKeys(plan.Revives, seq, m, s.Candidate, want, true)
			}
		}
	}
	sort.SliceStable(plan.Fetches, func(i, j int) bool { return p.before(plan.Fetches[i], plan.Fetches[j]) })
	return plan
}

func (p *Planner) fetches(plan *Plan, st Store, seq sequence.ID, d sequence.Descriptor, m int, want *tiles.Selection, s *residency.Sets, focus mgl32.Vec2, frame uint64) {
	var held *tiles.Selection
	if s != nil {
		held = s.Held()
	}
	regions, err := want.CoalescedRegions(held)
	if err != nil {
		return
	}
	plan.Regions += len(regions)
	dim := want.Dimensions()
	bytes := d.TileBytes(m)
	for _, rc := range regions {
		for y := rc.Min.Y; y < rc.Max.Y; y++ {
			for x := rc.Min.X; x < rc.Max.X; x++ {
				k := sequence.TileKey{Seq: seq, Mip: m, Tile: tiles.Coord{X: x, Y: y}}
				since := frame
				if e, ok := st.Get(k); ok {
					since = e.WantedSince
				}
				dist := tileDist(k.Tile, dim, focus)
				plan.Fetches = append(plan.Fetches, Fetch{
					Key:         k,
					Bytes:       bytes,
					Dist:        dist,
					WantedSince: since,
					score:       float32(m) - p.cfg.DistanceWeight*dist,
				})
			}
		}
	}
}

func (p *Planner) before(a, b Fetch) bool {
	if p.cfg.DistanceWeight > 0 {
		if a.score != b.score {
			return a.score > b.score
		}
	} else {
		if a.Key.Mip != b.Key.Mip {
			return a.Key.Mip > b.Key.Mip
		}
		if a.Dist != b.Dist {
			return a.Dist < b.Dist
		}
	}
	if a.WantedSince != b.WantedSince {
		return a.WantedSince < b.WantedSince
	}
	return a.Key.Less(b.Key)
}

// appendKeys appends tiles of have that are (keep=true) or are not
// (keep=false) in want.
func appendKeys(dst []sequence.TileKey, seq sequence.ID, m int, have, want *tiles.Selection, keep bool) []sequence.TileKey {
	for c := range have.VisibleCoordinates() {
		in := want != nil && want.IsVisible(c.X, c.Y)
		if in == keep {
			dst = append(dst, sequence.TileKey{Seq: seq, Mip: m, Tile: c})
		}
	}
	return dst
}

func sequenceOrder(in Input, st Store) []sequence.ID {
	seen := map[sequence.ID]struct{}{}
	var out []sequence.ID
	for id := range in.Desired {
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range st.Sequences() {
		if _, ok := seen[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func tileDist(c, dim tiles.Coord, focus mgl32.Vec2) float32 {
	u := (float32(c.X)+0.5)/float32(dim.X) - focus.X()
	v := (float32(c.Y)+0.5)/float32(dim.Y) - focus.Y()
	return mgl32.Vec2{u, v}.Len()
}
