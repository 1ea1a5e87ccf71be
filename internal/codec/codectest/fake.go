// Package codectest provides an in-memory codec.Codec for scripting fetch
// outcomes in tests.
package codectest

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"tilestream.ai/internal/codec"
	"tilestream.ai/internal/sequence"
)

var ErrInjected = errors.New("injected fetch failure")

type Payload struct {
	Key   sequence.TileKey
	Bytes int64
}

func (p *Payload) Size() int64 { return p.Bytes }

// Fake queues every BeginFetch until the test resolves it with Complete or
// Fail. Auto, when set, resolves fetches synchronously inside BeginFetch.
type Fake struct {
	mu       sync.Mutex
	pending  map[sequence.TileKey][]codec.Done
	begins   []sequence.TileKey
	cancels  []sequence.TileKey
	released []sequence.TileKey

	TileBytes  int64
	Auto       func(sequence.TileKey) codec.Result
	ReleaseErr error
}

func New() *Fake {
	return &Fake{pending: map[sequence.TileKey][]codec.Done{}, TileBytes: 1}
}

func (f *Fake) BeginFetch(key sequence.TileKey, done codec.Done) {
	f.mu.Lock()
	f.begins = append(f.begins, key)
	auto := f.Auto
	if auto == nil {
		f.pending[key] = append(f.pending[key], done)
	}
	f.mu.Unlock()
	if auto != nil {
		done(auto(key))
	}
}

// CancelFetch only records the call; the test still decides how the fetch
// resolves.
func (f *Fake) CancelFetch(key sequence.TileKey) {
	f.mu.Lock()
	f.cancels = append(f.cancels, key)
	f.mu.Unlock()
}

func (f *Fake) Release(p codec.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fp, ok := p.(*Payload); ok {
		f.released = append(f.released, fp.Key)
	}
	return f.ReleaseErr
}

func (f *Fake) take(key sequence.TileKey) (codec.Done, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.pending[key]
	if len(q) == 0 {
		return nil, false
	}
	done := q[0]
	if len(q) == 1 {
		delete(f.pending, key)
	} else {
		f.pending[key] = q[1:]
	}
	return done, true
}

// Complete resolves the oldest outstanding fetch of key with a payload. It
// reports false when nothing was outstanding.
func (f *Fake) Complete(key sequence.TileKey) bool {
	done, ok := f.take(key)
	if !ok {
		return false
	}
	done(codec.Result{Payload: &Payload{Key: key, Bytes: f.TileBytes}})
	return true
}

// Fail resolves the oldest outstanding fetch of key with err, or
// ErrInjected when err is nil.
func (f *Fake) Fail(key sequence.TileKey, err error) bool {
	done, ok := f.take(key)
	if !ok {
		return false
	}
	if err == nil {
		err = ErrInjected
	}
	done(codec.Result{Err: err})
	return true
}

// CompleteAll resolves every outstanding fetch in key order.
func (f *Fake) CompleteAll() int {
	n := 0
	for _, k := range f.Outstanding() {
		for f.Complete(k) {
			n++
		}
	}
	return n
}

// Outstanding lists keys with unresolved fetches in a stable order.
func (f *Fake) Outstanding() []sequence.TileKey {
	f.mu.Lock()
	keys := make([]sequence.TileKey, 0, len(f.pending))
	for k := range f.pending {
		keys = append(keys, k)
	}
	f.mu.Unlock()
	SortKeys(keys)
	return keys
}

func (f *Fake) Begins() []sequence.TileKey   { return f.snapshot(&f.begins) }
func (f *Fake) Cancels() []sequence.TileKey  { return f.snapshot(&f.cancels) }
func (f *Fake) Released() []sequence.TileKey { return f.snapshot(&f.released) }

func (f *Fake) snapshot(src *[]sequence.TileKey) []sequence.TileKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sequence.TileKey(nil), (*src)...)
}

// SortKeys orders keys by sequence, mip, row, column.
func SortKeys(keys []sequence.TileKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}
