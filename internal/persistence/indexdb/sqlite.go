// Package indexdb mirrors the tick journal into SQLite for ad-hoc queries.
// The journal stays the source of truth; the index drops rows rather than
// stall the tick loop.
package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"tilestream.ai/internal/core"
	"tilestream.ai/internal/sequence"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick  atomic.Uint64
	dropEvent atomic.Uint64
	written   atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqEvent
	reqFlush
)

type req struct {
	kind reqKind

	tick  core.TickStats
	event eventRow
	flush chan struct{}
}

type eventRow struct {
	Frame  uint64
	Seq    string
	Name   string
	Kind   string
	Reason string
	At     string
}

// Stats reports queue health.
type Stats struct {
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	DropTickTotal  uint64 `json:"drop_tick_total"`
	DropEventTotal uint64 `json:"drop_event_total"`
	WrittenTotal   uint64 `json:"written_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS configs (
			digest TEXT PRIMARY KEY,
			json TEXT NOT NULL,
			applied_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			frame INTEGER PRIMARY KEY,
			sequences INTEGER NOT NULL,
			observers INTEGER NOT NULL,
			desired INTEGER NOT NULL,
			clipped INTEGER NOT NULL,
			started INTEGER NOT NULL,
			completed INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			evicted INTEGER NOT NULL,
			resident INTEGER NOT NULL,
			pending INTEGER NOT NULL,
			resident_bytes INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sequence_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			frame INTEGER NOT NULL,
			seq TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			reason TEXT,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sequence_events_name ON sequence_events(name, frame);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropTickTotal:  s.dropTick.Load(),
		DropEventTotal: s.dropEvent.Load(),
		WrittenTotal:   s.written.Load(),
	}
}

func (s *SQLiteIndex) WriteTick(ts core.TickStats) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: ts}:
	default:
		s.dropTick.Add(1)
	}
	return nil
}

// RecordEvent indexes a sequence lifecycle change. kind matches the
// journal's event kinds.
func (s *SQLiteIndex) RecordEvent(frame uint64, kind string, id sequence.ID, d sequence.Descriptor, reason error) {
	if s == nil || s.closed.Load() {
		return
	}
	r := eventRow{
		Frame: frame,
		Seq:   id.String(),
		Name:  d.Name(),
		Kind:  kind,
		At:    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if reason != nil {
		r.Reason = reason.Error()
	}
	select {
	case s.ch <- req{kind: reqEvent, event: r}:
	default:
		s.dropEvent.Add(1)
	}
}

// Flush blocks until everything queued before it is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, flush: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordConfig stores the knobs in effect, keyed by their digest.
func (s *SQLiteIndex) RecordConfig(v any) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	digest := hex.EncodeToString(sum[:])
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.Exec(`INSERT OR REPLACE INTO configs(digest,json,applied_at) VALUES(?,?,?)`, digest, string(b), now)
	return err
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(frame,sequences,observers,desired,clipped,started,completed,failed,evicted,resident,pending,resident_bytes,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertEvent, _ := s.db.Prepare(`INSERT INTO sequence_events(frame,seq,name,kind,reason,recorded_at) VALUES(?,?,?,?,?,?)`)
	defer func() {
		if insertTick != nil {
			_ = insertTick.Close()
		}
		if insertEvent != nil {
			_ = insertEvent.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 600
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		if r.kind == reqFlush {
			commit()
			close(r.flush)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			t := r.tick
			b, _ := json.Marshal(t)
			if insertTick != nil {
				if _, err := tx.Stmt(insertTick).Exec(
					int64(t.Frame),
					t.Sequences,
					t.Observers,
					t.Desired,
					t.Clipped,
					t.Stream.Started,
					t.Stream.Completed,
					t.Stream.Failed,
					t.Stream.Evicted,
					t.Resident,
					t.Pending,
					t.ResidentBytes,
					string(b),
				); err != nil {
					rollback()
					continue
				}
				opCount++
				s.written.Add(1)
			}

		case reqEvent:
			ev := r.event
			if insertEvent != nil {
				var reason any
				if ev.Reason != "" {
					reason = ev.Reason
				}
				if _, err := tx.Stmt(insertEvent).Exec(int64(ev.Frame), ev.Seq, ev.Name, ev.Kind, reason, ev.At); err != nil {
					rollback()
					continue
				}
				opCount++
				s.written.Add(1)
			}
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}
