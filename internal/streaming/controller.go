// Package streaming turns plans into codec traffic and reconciles the
// asynchronous completions back into the residency cache.
package streaming

import (
	"io"
	"log"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"tilestream.ai/internal/codec"
	"tilestream.ai/internal/planner"
	"tilestream.ai/internal/residency"
	"tilestream.ai/internal/sequence"
)

type Config struct {
	MaxRetries              int
	RetryWindowFrames       uint64
	FetchDeadlineFrames     uint64
	CompletionQueueCapacity int
	// MaxResidentBytes, when positive, lets reclaim exceed the per-tick
	// evict count until resident bytes fit.
	MaxResidentBytes int64
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:              3,
		RetryWindowFrames:       1800,
		FetchDeadlineFrames:     240,
		CompletionQueueCapacity: 1024,
		MaxResidentBytes:        1 << 30,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryWindowFrames == 0 {
		c.RetryWindowFrames = d.RetryWindowFrames
	}
	if c.FetchDeadlineFrames == 0 {
		c.FetchDeadlineFrames = d.FetchDeadlineFrames
	}
	if c.CompletionQueueCapacity <= 0 {
		c.CompletionQueueCapacity = d.CompletionQueueCapacity
	}
}

// Budget caps the work of one tick. A positive FetchBytes smaller than the
// first tile still lets that one tile start.
type Budget struct {
	FetchBytes int64
	EvictCount int
}

type Stats struct {
	Completed     int   `json:"completed"`
	Failed        int   `json:"failed"`
	Stale         int   `json:"stale"`
	Expired       int   `json:"expired"`
	Started       int   `json:"started"`
	StartedBytes  int64 `json:"started_bytes"`
	Deferred      int   `json:"deferred"`
	Cancelled     int   `json:"cancelled"`
	Marked        int   `json:"marked"`
	Revived       int   `json:"revived"`
	Evicted       int   `json:"evicted"`
	EvictedBytes  int64 `json:"evicted_bytes"`
	Suppressed    int   `json:"suppressed"`
	ReleaseErrors int   `json:"release_errors"`
}

type completion struct {
	key    sequence.TileKey
	ticket uint64
	res    codec.Result
}

// Controller runs on the streaming executor; only the Done callbacks it
// hands to the codec are called from other goroutines.
type Controller struct {
	cfg    Config
	codec  codec.Codec
	cache  *residency.Cache
	logger *log.Logger

	queue      chan completion
	inflight   map[uint64]sequence.TileKey
	nextTicket uint64
	candidates map[sequence.TileKey]*residency.Entry
	// owed counts fetches whose completion has not been drained yet,
	// cancelled and expired ones included. It never exceeds cap(queue).
	owed int

	// closeMu guards closed against Done callbacks; closing unblocks a
	// callback waiting on a full queue.
	closeMu sync.RWMutex
	closed  bool
	closing chan struct{}

	fatal map[sequence.ID]struct{}
}

func New(cfg Config, c codec.Codec, cache *residency.Cache, logger *log.Logger) *Controller {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Controller{
		cfg:        cfg,
		codec:      c,
		cache:      cache,
		logger:     logger,
		queue:      make(chan completion, cfg.CompletionQueueCapacity),
		inflight:   map[uint64]sequence.TileKey{},
		candidates: map[sequence.TileKey]*residency.Entry{},
		closing:    make(chan struct{}),
		fatal:      map[sequence.ID]struct{}{},
	}
}

// SetConfig applies new knobs. The completion queue keeps its original
// capacity; the in-flight cap follows it.
func (c *Controller) SetConfig(cfg Config) {
	cfg.applyDefaults()
	cfg.CompletionQueueCapacity = cap(c.queue)
	c.cfg = cfg
}

func (c *Controller) InFlight() int { return len(c.inflight) }

// Owed is the number of codec completions not yet drained.
func (c *Controller) Owed() int { return c.owed }

func (c *Controller) Candidates() int { return len(c.candidates) }

// TakeFatal returns, in id order, the sequences whose codec reported a
// descriptor change since the last call.
func (c *Controller) TakeFatal() []sequence.ID {
	if len(c.fatal) == 0 {
		return nil
	}
	out := make([]sequence.ID, 0, len(c.fatal))
	for id := range c.fatal {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	c.fatal = map[sequence.ID]struct{}{}
	return out
}

// Tick drains completions, expires overdue fetches, applies plan within
// budget, and reclaims eviction candidates marked in earlier frames.
func (c *Controller) Tick(frame uint64, plan planner.Plan, b Budget) Stats {
	var st Stats
	c.drain(frame, &st)
	c.expire(frame, &st)

	for _, k := range plan.Cancels {
		e, ok := c.cache.Get(k)
		if !ok || e.State != residency.Pending {
			continue
		}
		c.cancel(e)
		st.Cancelled++
	}
	for _, k := range plan.Revives {
		e, ok := c.cache.Get(k)
		if !ok || e.State != residency.EvictionCandidate {
			continue
		}
		delete(c.candidates, k)
		c.cache.SetState(e, residency.Resident)
		st.Revived++
	}
	for _, k := range plan.Evicts {
		e, ok := c.cache.Get(k)
		if !ok || e.State != residency.Resident {
			continue
		}
		e.CandidateSince = frame
		c.cache.SetState(e, residency.EvictionCandidate)
		c.candidates[k] = e
		st.Marked++
	}

	var spent int64
	for i, f := range plan.Fetches {
		e, ok := c.cache.Get(f.Key)
		if !ok || e.State != residency.Absent || e.Missing {
			continue
		}
		if c.owed >= cap(c.queue) {
			st.Deferred += len(plan.Fetches) - i
			break
		}
		if spent+f.Bytes > b.FetchBytes && (st.Started > 0 || b.FetchBytes <= 0) {
			st.Deferred += len(plan.Fetches) - i
			break
		}
		c.begin(frame, e)
		spent += f.Bytes
		st.Started++
	}
	st.StartedBytes = spent

	c.reclaim(frame, b.EvictCount, &st)
	return st
}

func (c *Controller) begin(frame uint64, e *residency.Entry) {
	c.nextTicket++
	t := c.nextTicket
	e.Ticket = t
	e.IssuedFrame = frame
	c.cache.SetState(e, residency.Pending)
	c.inflight[t] = e.Key
	c.owed++
	key := e.Key
	c.codec.BeginFetch(key, func(r codec.Result) {
		c.deliver(completion{key: key, ticket: t, res: r})
	})
}

// deliver runs on the codec's goroutine. After Close the payload goes
// straight back to the codec.
func (c *Controller) deliver(cm completion) {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if !c.closed {
		select {
		case c.queue <- cm:
			return
		case <-c.closing:
		}
	}
	if cm.res.Payload != nil {
		if err := c.codec.Release(cm.res.Payload); err != nil {
			c.logger.Printf("release %v after close: %v", cm.key, err)
		}
	}
}

// Close stops accepting completions. Queued ones are released, and any the
// codec delivers later are released by the callback, so a codec may keep
// resolving fetches while it shuts down.
func (c *Controller) Close() {
	c.closeMu.RLock()
	closed := c.closed
	c.closeMu.RUnlock()
	if closed {
		return
	}
	close(c.closing)
	c.closeMu.Lock()
	c.closed = true
	c.closeMu.Unlock()
	var st Stats
	for {
		select {
		case cm := <-c.queue:
			c.owed--
			c.release(cm.key, cm.res.Payload, &st)
		default:
			return
		}
	}
}

func (c *Controller) cancel(e *residency.Entry) {
	delete(c.inflight, e.Ticket)
	e.Ticket = 0
	c.cache.SetState(e, residency.Absent)
	c.codec.CancelFetch(e.Key)
}

func (c *Controller) drain(frame uint64, st *Stats) {
	for {
		select {
		case cm := <-c.queue:
			c.complete(frame, cm, st)
		default:
			return
		}
	}
}

func (c *Controller) complete(frame uint64, cm completion, st *Stats) {
	c.owed--
	_, live := c.inflight[cm.ticket]
	delete(c.inflight, cm.ticket)
	e, ok := c.cache.Get(cm.key)
	if !live || !ok || e.Ticket != cm.ticket || e.State != residency.Pending {
		st.Stale++
		c.release(cm.key, cm.res.Payload, st)
		return
	}
	e.Ticket = 0
	err := cm.res.Err
	if err == nil && cm.res.Payload == nil {
		err = errors.New("codec returned no payload")
	}
	if err != nil {
		c.release(cm.key, cm.res.Payload, st)
		if errors.Is(err, codec.ErrDescriptorChanged) {
			c.logger.Printf("sequence %v: %v", cm.key.Seq, err)
			c.fatal[cm.key.Seq] = struct{}{}
			c.cache.SetState(e, residency.Absent)
			return
		}
		c.fail(frame, e, st)
		return
	}
	c.cache.Attach(e, cm.res.Payload)
	c.cache.SetState(e, residency.Resident)
	st.Completed++
}

// fail records a failed attempt in the sliding window and suppresses the
// tile once it has been retried MaxRetries times.
func (c *Controller) fail(frame uint64, e *residency.Entry, st *Stats) {
	st.Failed++
	c.cache.SetState(e, residency.Absent)
	kept := e.Failures[:0]
	for _, f := range e.Failures {
		if frame-f < c.cfg.RetryWindowFrames {
			kept = append(kept, f)
		}
	}
	e.Failures = append(kept, frame)
	if len(e.Failures) > c.cfg.MaxRetries {
		e.Missing = true
		st.Suppressed++
		c.logger.Printf("tile %v permanently missing after %d failures", e.Key, len(e.Failures))
	}
}

func (c *Controller) expire(frame uint64, st *Stats) {
	var overdue []*residency.Entry
	for t, k := range c.inflight {
		e, ok := c.cache.Get(k)
		if !ok || e.Ticket != t {
			delete(c.inflight, t)
			continue
		}
		if frame-e.IssuedFrame >= c.cfg.FetchDeadlineFrames {
			overdue = append(overdue, e)
		}
	}
	residency.SortEntries(overdue)
	for _, e := range overdue {
		c.cancel(e)
		c.fail(frame, e, st)
		st.Expired++
	}
}

func (c *Controller) reclaim(frame uint64, count int, st *Stats) {
	if len(c.candidates) == 0 {
		return
	}
	order := make([]*residency.Entry, 0, len(c.candidates))
	for _, e := range c.candidates {
		order = append(order, e)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].CandidateSince != order[j].CandidateSince {
			return order[i].CandidateSince < order[j].CandidateSince
		}
		return order[i].Key.Less(order[j].Key)
	})
	n := 0
	for _, e := range order {
		pressure := c.cfg.MaxResidentBytes > 0 && c.cache.ResidentBytes() > c.cfg.MaxResidentBytes
		if pressure {
			c.evict(e, st)
			continue
		}
		if n >= count || e.CandidateSince >= frame {
			break
		}
		c.evict(e, st)
		n++
	}
}

func (c *Controller) evict(e *residency.Entry, st *Stats) {
	delete(c.candidates, e.Key)
	p := c.cache.Detach(e)
	c.cache.SetState(e, residency.Absent)
	if p != nil {
		st.EvictedBytes += p.Size()
	}
	c.release(e.Key, p, st)
	st.Evicted++
}

func (c *Controller) release(k sequence.TileKey, p codec.Payload, st *Stats) {
	if p == nil {
		return
	}
	if err := c.codec.Release(p); err != nil {
		st.ReleaseErrors++
		c.logger.Printf("release %v: %v", k, err)
	}
}

// DropSequence cancels and releases everything held for seq and removes its
// residency entries.
func (c *Controller) DropSequence(seq sequence.ID) Stats {
	var st Stats
	for _, e := range c.cache.DropSequence(seq) {
		switch e.State {
		case residency.Pending:
			delete(c.inflight, e.Ticket)
			c.codec.CancelFetch(e.Key)
			st.Cancelled++
		case residency.EvictionCandidate:
			delete(c.candidates, e.Key)
		}
		if e.Payload != nil {
			st.EvictedBytes += e.Payload.Size()
			c.release(e.Key, e.Payload, &st)
			e.Payload = nil
			st.Evicted++
		}
	}
	delete(c.fatal, seq)
	return st
}
