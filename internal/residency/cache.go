// Package residency records the lifecycle state of every tile the core has
// ever wanted. It makes no decisions; the streaming controller drives the
// transitions and the planner reads the result.
package residency

import (
	"sort"

	"github.com/pkg/errors"

	"tilestream.ai/internal/codec"
	"tilestream.ai/internal/sequence"
	"tilestream.ai/internal/tiles"
)

// ErrPermanentlyMissing is reported for a tile whose fetch failed too often
// within the retry window. It stays suppressed until the sequence is
// registered again.
var ErrPermanentlyMissing = errors.New("tile permanently missing")

type State uint8

const (
	Absent State = iota
	Pending
	Resident
	EvictionCandidate
)

func (s State) String() string {
	switch s {
	case Absent:
		return "ABSENT"
	case Pending:
		return "PENDING"
	case Resident:
		return "RESIDENT"
	case EvictionCandidate:
		return "EVICTION_CANDIDATE"
	default:
		return "UNKNOWN"
	}
}

type Key = sequence.TileKey

type Entry struct {
	Key   Key
	State State

	// LastTouched is the last frame the solver desired this tile.
	LastTouched uint64
	// WantedSince is the frame the tile was first desired after being Absent.
	WantedSince uint64

	Payload codec.Payload

	// Ticket identifies the fetch in flight; completions carrying another
	// ticket are stale.
	Ticket      uint64
	IssuedFrame uint64

	// Failures holds the frames of recent fetch failures, oldest first.
	Failures []uint64
	Missing  bool

	CandidateSince uint64
}

// Cache is a hash table of entries plus a per-sequence index. Not safe for
// concurrent use.
type Cache struct {
	entries map[Key]*Entry
	bySeq   map[sequence.ID]map[Key]*Entry

	counts        [4]int
	residentBytes int64
}

func New() *Cache {
	return &Cache{
		entries: map[Key]*Entry{},
		bySeq:   map[sequence.ID]map[Key]*Entry{},
	}
}

func (c *Cache) Get(k Key) (*Entry, bool) {
	e, ok := c.entries[k]
	return e, ok
}

// Touch stamps k as desired at frame, creating an Absent entry if needed.
func (c *Cache) Touch(k Key, frame uint64) *Entry {
	e, ok := c.entries[k]
	if !ok {
		e = &Entry{Key: k, WantedSince: frame}
		c.entries[k] = e
		set := c.bySeq[k.Seq]
		if set == nil {
			set = map[Key]*Entry{}
			c.bySeq[k.Seq] = set
		}
		set[k] = e
		c.counts[Absent]++
	} else if e.State == Absent && frame > e.LastTouched+1 {
		// Wanted again after a gap: restart its age.
		e.WantedSince = frame
	}
	e.LastTouched = frame
	return e
}

// SetState moves e to s, keeping the per-state counters.
func (c *Cache) SetState(e *Entry, s State) {
	if e.State == s {
		return
	}
	c.counts[e.State]--
	c.counts[s]++
	e.State = s
}

// Attach stores a payload on e and accounts its bytes.
func (c *Cache) Attach(e *Entry, p codec.Payload) {
	if e.Payload != nil {
		c.residentBytes -= e.Payload.Size()
	}
	e.Payload = p
	if p != nil {
		c.residentBytes += p.Size()
	}
}

// Detach removes and returns e's payload.
func (c *Cache) Detach(e *Entry) codec.Payload {
	p := e.Payload
	if p != nil {
		c.residentBytes -= p.Size()
	}
	e.Payload = nil
	return p
}

// Query reports the state of k. A permanently missing tile reports Absent
// with ErrPermanentlyMissing.
func (c *Cache) Query(k Key) (State, error) {
	e, ok := c.entries[k]
	if !ok {
		return Absent, nil
	}
	if e.Missing {
		return Absent, errors.Wrapf(ErrPermanentlyMissing, "%v", k)
	}
	return e.State, nil
}

func (c *Cache) remove(e *Entry) {
	delete(c.entries, e.Key)
	if set := c.bySeq[e.Key.Seq]; set != nil {
		delete(set, e.Key)
		if len(set) == 0 {
			delete(c.bySeq, e.Key.Seq)
		}
	}
	c.counts[e.State]--
	if e.Payload != nil {
		c.residentBytes -= e.Payload.Size()
	}
}

// Prune drops Absent entries that are not suppressed and were last desired
// more than after frames ago. It returns the number removed.
func (c *Cache) Prune(frame, after uint64) int {
	var drop []*Entry
	for _, e := range c.entries {
		if e.State == Absent && !e.Missing && e.Payload == nil && frame > e.LastTouched+after {
			drop = append(drop, e)
		}
	}
	for _, e := range drop {
		c.remove(e)
	}
	return len(drop)
}

// DropSequence removes every entry of seq and returns them in key order so
// the caller can cancel fetches and release payloads.
func (c *Cache) DropSequence(seq sequence.ID) []*Entry {
	set := c.bySeq[seq]
	out := make([]*Entry, 0, len(set))
	for _, e := range set {
		out = append(out, e)
	}
	SortEntries(out)
	for _, e := range out {
		c.remove(e)
	}
	return out
}

// Entries returns the entries of seq in key order.
func (c *Cache) Entries(seq sequence.ID) []*Entry {
	set := c.bySeq[seq]
	out := make([]*Entry, 0, len(set))
	for _, e := range set {
		out = append(out, e)
	}
	SortEntries(out)
	return out
}

// Sequences lists sequences with at least one entry, in id order.
func (c *Cache) Sequences() []sequence.ID {
	out := make([]sequence.ID, 0, len(c.bySeq))
	for id := range c.bySeq {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Sets is the per-state view of one mip of one sequence.
type Sets struct {
	Resident  *tiles.Selection
	Pending   *tiles.Selection
	Candidate *tiles.Selection
	Missing   *tiles.Selection
}

// Held is every tile that must not be fetched: resident, pending, waiting
// for reclaim, or suppressed.
func (s *Sets) Held() *tiles.Selection {
	h := s.Resident.Clone()
	_ = h.Union(s.Pending)
	_ = h.Union(s.Candidate)
	_ = h.Union(s.Missing)
	return h
}

// Sets builds the per-mip state selections of seq. Mips without entries are
// absent from the map.
func (c *Cache) Sets(seq sequence.ID, d sequence.Descriptor) map[int]*Sets {
	out := map[int]*Sets{}
	for _, e := range c.bySeq[seq] {
		if !d.ValidMip(e.Key.Mip) {
			continue
		}
		s := out[e.Key.Mip]
		if s == nil {
			s = &Sets{
				Resident:  d.NewSelection(e.Key.Mip, false),
				Pending:   d.NewSelection(e.Key.Mip, false),
				Candidate: d.NewSelection(e.Key.Mip, false),
				Missing:   d.NewSelection(e.Key.Mip, false),
			}
			out[e.Key.Mip] = s
		}
		x, y := e.Key.Tile.X, e.Key.Tile.Y
		if e.Missing {
			_ = s.Missing.SetVisible(x, y)
			continue
		}
		switch e.State {
		case Resident:
			_ = s.Resident.SetVisible(x, y)
		case Pending:
			_ = s.Pending.SetVisible(x, y)
		case EvictionCandidate:
			_ = s.Candidate.SetVisible(x, y)
		}
	}
	return out
}

// Resident returns the resident tiles of seq per mip; used for snapshots.
func (c *Cache) Resident(seq sequence.ID, d sequence.Descriptor) map[int]*tiles.Selection {
	out := map[int]*tiles.Selection{}
	for _, e := range c.bySeq[seq] {
		if e.State != Resident && e.State != EvictionCandidate {
			continue
		}
		if !d.ValidMip(e.Key.Mip) {
			continue
		}
		s := out[e.Key.Mip]
		if s == nil {
			s = d.NewSelection(e.Key.Mip, false)
			out[e.Key.Mip] = s
		}
		_ = s.SetVisible(e.Key.Tile.X, e.Key.Tile.Y)
	}
	return out
}

func (c *Cache) Len() int { return len(c.entries) }

// Count returns how many entries are in state s.
func (c *Cache) Count(s State) int { return c.counts[s] }

func (c *Cache) ResidentBytes() int64 { return c.residentBytes }

// SortEntries orders entries by key.
func SortEntries(es []*Entry) {
	sort.Slice(es, func(i, j int) bool { return es[i].Key.Less(es[j].Key) })
}
