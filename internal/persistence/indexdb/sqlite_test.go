package indexdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"

	"tilestream.ai/internal/core"
	"tilestream.ai/internal/handle"
	"tilestream.ai/internal/sequence"
	"tilestream.ai/internal/streaming"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqTick, tick: core.TickStats{Frame: 1}}

	_ = s.WriteTick(core.TickStats{Frame: 2})
	s.RecordEvent(2, "registered", handle.Handle{Index: 0, Gen: 1}, sequence.Descriptor{}, nil)

	st := s.Stats()
	if st.DropTickTotal != 1 {
		t.Fatalf("DropTickTotal=%d want=1", st.DropTickTotal)
	}
	if st.DropEventTotal != 1 {
		t.Fatalf("DropEventTotal=%d want=1", st.DropEventTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_TicksAndEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "tilestream.sqlite")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	for f := uint64(1); f <= 5; f++ {
		_ = s.WriteTick(core.TickStats{
			Frame:         f,
			Desired:       int(f),
			Resident:      int(f) * 2,
			ResidentBytes: int64(f) << 10,
			Stream:        streaming.Stats{Started: 1, Completed: int(f) - 1},
		})
	}
	d, err := sequence.NewDescriptor("atrium", sequence.Dim{X: 8, Y: 8}, sequence.Dim{X: 1, Y: 1}, 1, 4)
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	id := handle.Handle{Index: 1, Gen: 3}
	s.RecordEvent(1, "registered", id, d, nil)
	s.RecordEvent(4, "forced_unregister", id, d, errors.New("mip 0 missing"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	ticks, err := s.RecentTicks(ctx, 2)
	if err != nil {
		t.Fatalf("ticks: %v", err)
	}
	if len(ticks) != 2 || ticks[0].Frame != 5 || ticks[1].Frame != 4 {
		t.Fatalf("ticks=%+v", ticks)
	}
	if ticks[0].Resident != 10 || ticks[0].ResidentBytes != 5<<10 || ticks[0].Completed != 4 {
		t.Fatalf("row=%+v", ticks[0])
	}

	evs, err := s.SequenceEvents(ctx, "atrium")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evs) != 2 || evs[0].Kind != "registered" || evs[0].Reason != "" {
		t.Fatalf("events=%+v", evs)
	}
	if evs[1].Seq != "1.3" || evs[1].Reason != "mip 0 missing" || evs[1].Frame != 4 {
		t.Fatalf("forced=%+v", evs[1])
	}
	if st := s.Stats(); st.WrittenTotal != 7 {
		t.Fatalf("written=%d", st.WrittenTotal)
	}
}

func TestSQLiteIndex_RecordConfigIsIdempotent(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "i.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	cfg := map[string]int{"tick_rate_hz": 60}
	for i := 0; i < 2; i++ {
		if err := s.RecordConfig(cfg); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM configs`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("configs=%d want 1", n)
	}
}
