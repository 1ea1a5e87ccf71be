package streaming

import (
	"bytes"
	"log"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilestream.ai/internal/codec"
	"tilestream.ai/internal/codec/codectest"
	"tilestream.ai/internal/handle"
	"tilestream.ai/internal/planner"
	"tilestream.ai/internal/residency"
	"tilestream.ai/internal/sequence"
	"tilestream.ai/internal/tiles"
)

var seqA = handle.Handle{Index: 0, Gen: 1}

func key(x int) sequence.TileKey {
	return sequence.TileKey{Seq: seqA, Tile: tiles.Coord{X: x}}
}

var unlimited = Budget{FetchBytes: 1 << 40, EvictCount: 1 << 20}

type rig struct {
	fake  *codectest.Fake
	cache *residency.Cache
	ctl   *Controller
	logs  *bytes.Buffer
}

func newRig(cfg Config) *rig {
	var buf bytes.Buffer
	f := codectest.New()
	c := residency.New()
	return &rig{fake: f, cache: c, ctl: New(cfg, f, c, log.New(&buf, "", 0)), logs: &buf}
}

func (r *rig) want(frame uint64, keys ...sequence.TileKey) planner.Plan {
	p := planner.Plan{Frame: frame}
	for _, k := range keys {
		r.cache.Touch(k, frame)
		p.Fetches = append(p.Fetches, planner.Fetch{Key: k, Bytes: 1})
	}
	return p
}

func (r *rig) state(t *testing.T, k sequence.TileKey) residency.State {
	t.Helper()
	s, _ := r.cache.Query(k)
	return s
}

func TestTick_RoundTripNextTick(t *testing.T) {
	r := newRig(DefaultConfig())
	st := r.ctl.Tick(1, r.want(1, key(0)), unlimited)
	assert.Equal(t, 1, st.Started)
	assert.Equal(t, residency.Pending, r.state(t, key(0)))
	require.True(t, r.fake.Complete(key(0)))
	assert.Equal(t, residency.Pending, r.state(t, key(0)), "completion waits for the next tick")

	st = r.ctl.Tick(2, planner.Plan{}, unlimited)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, residency.Resident, r.state(t, key(0)))
	assert.Equal(t, int64(1), r.cache.ResidentBytes())
	assert.Equal(t, 0, r.ctl.InFlight())
}

func TestTick_SynchronousCodec(t *testing.T) {
	r := newRig(Config{CompletionQueueCapacity: 2})
	r.fake.Auto = func(k sequence.TileKey) codec.Result {
		return codec.Result{Payload: &codectest.Payload{Key: k, Bytes: 1}}
	}
	st := r.ctl.Tick(1, r.want(1, key(0), key(1), key(2)), unlimited)
	assert.Equal(t, 2, st.Started, "in-flight capped at queue capacity")
	assert.Equal(t, 1, st.Deferred)
	assert.Equal(t, residency.Pending, r.state(t, key(0)))

	r.cache.Touch(key(2), 2)
	st = r.ctl.Tick(2, planner.Plan{Fetches: []planner.Fetch{{Key: key(2), Bytes: 1}}}, unlimited)
	assert.Equal(t, 2, st.Completed)
	assert.Equal(t, 1, st.Started)
}

func TestTick_CancelledFetchesHoldQueueSlots(t *testing.T) {
	r := newRig(Config{CompletionQueueCapacity: 1})
	r.ctl.Tick(1, r.want(1, key(0)), unlimited)

	p := r.want(2, key(1))
	p.Cancels = []sequence.TileKey{key(0)}
	st := r.ctl.Tick(2, p, unlimited)
	assert.Equal(t, 1, st.Cancelled)
	assert.Equal(t, 0, st.Started, "the cancelled fetch still owes a completion")
	assert.Equal(t, 1, st.Deferred)
	assert.Equal(t, 0, r.ctl.InFlight())
	assert.Equal(t, 1, r.ctl.Owed())

	require.True(t, r.fake.Complete(key(0)))
	st = r.ctl.Tick(3, r.want(3, key(1)), unlimited)
	assert.Equal(t, 1, st.Stale)
	assert.Equal(t, 1, st.Started)
	assert.Equal(t, 1, r.ctl.Owed())
}

func TestClose_ReleasesQueuedAndLateCompletions(t *testing.T) {
	r := newRig(Config{CompletionQueueCapacity: 2})
	r.ctl.Tick(1, r.want(1, key(0), key(1)), unlimited)
	require.True(t, r.fake.Complete(key(0)))

	r.ctl.Close()
	assert.Equal(t, []sequence.TileKey{key(0)}, r.fake.Released())

	done := make(chan struct{})
	go func() {
		r.fake.Complete(key(1))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("completion after Close blocked")
	}
	assert.Equal(t, []sequence.TileKey{key(0), key(1)}, r.fake.Released())
	r.ctl.Close()
}

func TestTick_FetchBudget(t *testing.T) {
	r := newRig(DefaultConfig())
	p := r.want(1, key(0), key(1), key(2))
	for i := range p.Fetches {
		p.Fetches[i].Bytes = 10
	}
	st := r.ctl.Tick(1, p, Budget{FetchBytes: 25})
	assert.Equal(t, 2, st.Started)
	assert.Equal(t, int64(20), st.StartedBytes)

	r2 := newRig(DefaultConfig())
	p = r2.want(1, key(0), key(1))
	p.Fetches[0].Bytes, p.Fetches[1].Bytes = 100, 100
	st = r2.ctl.Tick(1, p, Budget{FetchBytes: 5})
	assert.Equal(t, 1, st.Started, "one oversized tile may always start")

	st = r2.ctl.Tick(2, p, Budget{})
	assert.Equal(t, 0, st.Started)
}

func TestTick_RetryThenSuppress(t *testing.T) {
	r := newRig(DefaultConfig())
	frame := uint64(1)
	for attempt := 0; attempt <= 3; attempt++ {
		st := r.ctl.Tick(frame, r.want(frame, key(0)), unlimited)
		require.Equal(t, 1, st.Started, "attempt %d", attempt)
		require.True(t, r.fake.Fail(key(0), nil))
		frame++
		st = r.ctl.Tick(frame, planner.Plan{}, unlimited)
		require.Equal(t, 1, st.Failed)
		frame++
	}
	s, err := r.cache.Query(key(0))
	assert.Equal(t, residency.Absent, s)
	assert.True(t, errors.Is(err, residency.ErrPermanentlyMissing))
	assert.Contains(t, r.logs.String(), "permanently missing")

	st := r.ctl.Tick(frame, r.want(frame, key(0)), unlimited)
	assert.Equal(t, 0, st.Started, "suppressed tiles are not fetched")
}

func TestTick_RetryWindowSlides(t *testing.T) {
	r := newRig(Config{RetryWindowFrames: 10})
	frame := uint64(1)
	for attempt := 0; attempt < 6; attempt++ {
		r.ctl.Tick(frame, r.want(frame, key(0)), unlimited)
		require.True(t, r.fake.Fail(key(0), nil))
		frame += 10
		r.ctl.Tick(frame, planner.Plan{}, unlimited)
	}
	_, err := r.cache.Query(key(0))
	assert.NoError(t, err, "failures spread beyond the window never suppress")
}

func TestTick_CancelledCompletionIsReleased(t *testing.T) {
	r := newRig(DefaultConfig())
	r.ctl.Tick(1, r.want(1, key(0)), unlimited)
	st := r.ctl.Tick(2, planner.Plan{Cancels: []sequence.TileKey{key(0)}}, unlimited)
	assert.Equal(t, 1, st.Cancelled)
	assert.Equal(t, []sequence.TileKey{key(0)}, r.fake.Cancels())
	assert.Equal(t, residency.Absent, r.state(t, key(0)))

	require.True(t, r.fake.Complete(key(0)))
	st = r.ctl.Tick(3, planner.Plan{}, unlimited)
	assert.Equal(t, 1, st.Stale)
	assert.Equal(t, []sequence.TileKey{key(0)}, r.fake.Released())
	assert.Equal(t, residency.Absent, r.state(t, key(0)))
	assert.Equal(t, int64(0), r.cache.ResidentBytes())
}

func TestTick_SupersededTicketIsStale(t *testing.T) {
	r := newRig(DefaultConfig())
	r.ctl.Tick(1, r.want(1, key(0)), unlimited)
	r.ctl.Tick(2, planner.Plan{Cancels: []sequence.TileKey{key(0)}}, unlimited)
	r.ctl.Tick(3, r.want(3, key(0)), unlimited)
	require.Len(t, r.fake.Begins(), 2)

	require.True(t, r.fake.Complete(key(0)), "first fetch")
	st := r.ctl.Tick(4, planner.Plan{}, unlimited)
	assert.Equal(t, 1, st.Stale)
	assert.Equal(t, residency.Pending, r.state(t, key(0)))

	require.True(t, r.fake.Complete(key(0)), "second fetch")
	st = r.ctl.Tick(5, planner.Plan{}, unlimited)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, residency.Resident, r.state(t, key(0)))
}

func TestTick_DeadlineCountsAsFailure(t *testing.T) {
	r := newRig(Config{FetchDeadlineFrames: 5})
	r.ctl.Tick(1, r.want(1, key(0)), unlimited)
	st := r.ctl.Tick(5, planner.Plan{}, unlimited)
	assert.Equal(t, 0, st.Expired)
	st = r.ctl.Tick(6, planner.Plan{}, unlimited)
	assert.Equal(t, 1, st.Expired)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, residency.Absent, r.state(t, key(0)))
	assert.Equal(t, []sequence.TileKey{key(0)}, r.fake.Cancels())
	e, _ := r.cache.Get(key(0))
	assert.Equal(t, []uint64{6}, e.Failures)
}

func resident(t *testing.T, r *rig, frame uint64, keys ...sequence.TileKey) {
	t.Helper()
	r.ctl.Tick(frame, r.want(frame, keys...), unlimited)
	r.fake.CompleteAll()
	r.ctl.Tick(frame+1, planner.Plan{}, unlimited)
	for _, k := range keys {
		require.Equal(t, residency.Resident, r.state(t, k))
	}
}

func TestTick_EvictionCandidateLifecycle(t *testing.T) {
	r := newRig(DefaultConfig())
	resident(t, r, 1, key(0), key(1), key(2))

	st := r.ctl.Tick(10, planner.Plan{Evicts: []sequence.TileKey{key(0), key(1)}}, unlimited)
	assert.Equal(t, 2, st.Marked)
	assert.Equal(t, 0, st.Evicted, "candidates survive the tick that marked them")
	assert.Equal(t, residency.EvictionCandidate, r.state(t, key(0)))

	st = r.ctl.Tick(11, planner.Plan{Revives: []sequence.TileKey{key(1)}}, Budget{EvictCount: 1})
	assert.Equal(t, 1, st.Revived)
	assert.Equal(t, 1, st.Evicted)
	assert.Equal(t, residency.Absent, r.state(t, key(0)))
	assert.Equal(t, residency.Resident, r.state(t, key(1)))
	assert.Equal(t, []sequence.TileKey{key(0)}, r.fake.Released())
	assert.Equal(t, int64(2), r.cache.ResidentBytes())
}

func TestTick_ReclaimOldestFirstWithinCount(t *testing.T) {
	r := newRig(DefaultConfig())
	resident(t, r, 1, key(0), key(1), key(2))
	r.ctl.Tick(5, planner.Plan{Evicts: []sequence.TileKey{key(2)}}, Budget{})
	r.ctl.Tick(6, planner.Plan{Evicts: []sequence.TileKey{key(0), key(1)}}, Budget{})

	st := r.ctl.Tick(7, planner.Plan{}, Budget{EvictCount: 2})
	assert.Equal(t, 2, st.Evicted)
	assert.Equal(t, []sequence.TileKey{key(2), key(0)}, r.fake.Released())
	assert.Equal(t, 1, r.ctl.Candidates())
}

func TestTick_MemoryPressureExceedsCount(t *testing.T) {
	r := newRig(Config{MaxResidentBytes: 1})
	resident(t, r, 1, key(0), key(1), key(2))
	r.ctl.Tick(5, planner.Plan{Evicts: []sequence.TileKey{key(0), key(1), key(2)}}, Budget{})
	assert.Equal(t, int64(1), r.cache.ResidentBytes(), "pressure reclaims down to the cap")
	assert.Equal(t, 1, r.ctl.Candidates())
}

func TestTick_DescriptorChangedIsFatal(t *testing.T) {
	r := newRig(DefaultConfig())
	r.ctl.Tick(1, r.want(1, key(0)), unlimited)
	require.True(t, r.fake.Fail(key(0), errors.Wrap(codec.ErrDescriptorChanged, "mip 0")))
	st := r.ctl.Tick(2, planner.Plan{}, unlimited)
	assert.Equal(t, 0, st.Failed)
	assert.Equal(t, []sequence.ID{seqA}, r.ctl.TakeFatal())
	assert.Nil(t, r.ctl.TakeFatal())
}

func TestTick_ReleaseErrorOnlyLogged(t *testing.T) {
	r := newRig(DefaultConfig())
	r.fake.ReleaseErr = errors.New("boom")
	resident(t, r, 1, key(0))
	r.ctl.Tick(5, planner.Plan{Evicts: []sequence.TileKey{key(0)}}, unlimited)
	st := r.ctl.Tick(6, planner.Plan{}, unlimited)
	assert.Equal(t, 1, st.Evicted)
	assert.Equal(t, 1, st.ReleaseErrors)
	assert.Contains(t, r.logs.String(), "boom")
	assert.Equal(t, residency.Absent, r.state(t, key(0)))
}

func TestDropSequence_CancelsAndReleases(t *testing.T) {
	r := newRig(DefaultConfig())
	resident(t, r, 1, key(0))
	r.ctl.Tick(5, r.want(5, key(1)), unlimited)

	st := r.ctl.DropSequence(seqA)
	assert.Equal(t, 1, st.Cancelled)
	assert.Equal(t, 1, st.Evicted)
	assert.Equal(t, 0, r.cache.Len())
	assert.Equal(t, 0, r.ctl.InFlight())

	require.True(t, r.fake.Complete(key(1)))
	st2 := r.ctl.Tick(6, planner.Plan{}, unlimited)
	assert.Equal(t, 1, st2.Stale)
	assert.ElementsMatch(t, []sequence.TileKey{key(0), key(1)}, r.fake.Released())
}
