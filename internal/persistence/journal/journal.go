// Package journal keeps hourly-rotated, zstd-compressed JSONL records of
// what the streaming core did.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"tilestream.ai/internal/core"
	"tilestream.ai/internal/sequence"
)

const hourLayout = "2006-01-02-15"

type Writer struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewWriter(baseDir, prefix string) *Writer {
	return &Writer{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// Write appends v as one line, rotating when the UTC hour changes. Every
// line is flushed through the encoder so a crash loses at most the frame
// in progress.
func (w *Writer) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format(hourLayout)
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *Writer) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	p := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *Writer) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *Writer) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// TickEntry is one line of the tick journal.
type TickEntry struct {
	UnixMS int64 `json:"ts"`
	core.TickStats
}

// TickJournal writes one entry per tick.
type TickJournal struct{ w *Writer }

func NewTickJournal(dir string) *TickJournal {
	return &TickJournal{w: NewWriter(filepath.Join(dir, "ticks"), "ticks")}
}

func (j *TickJournal) WriteTick(ts core.TickStats) error {
	return j.w.Write(TickEntry{UnixMS: j.w.now().UnixMilli(), TickStats: ts})
}

func (j *TickJournal) Close() error { return j.w.Close() }

// Event kinds.
const (
	EventRegistered   = "registered"
	EventUnregistered = "unregistered"
	EventForced       = "forced_unregister"
)

type Event struct {
	UnixMS int64       `json:"ts"`
	Kind   string      `json:"kind"`
	Seq    sequence.ID `json:"seq"`
	Name   string      `json:"name"`
	Reason string      `json:"reason,omitempty"`
}

// EventJournal records sequence lifecycle changes.
type EventJournal struct{ w *Writer }

func NewEventJournal(dir string) *EventJournal {
	return &EventJournal{w: NewWriter(filepath.Join(dir, "events"), "events")}
}

func (j *EventJournal) Registered(id sequence.ID, d sequence.Descriptor) error {
	return j.w.Write(Event{UnixMS: j.w.now().UnixMilli(), Kind: EventRegistered, Seq: id, Name: d.Name()})
}

// Removed has the shape of core.RemovedFunc minus the error return.
func (j *EventJournal) Removed(id sequence.ID, d sequence.Descriptor, reason error) error {
	ev := Event{UnixMS: j.w.now().UnixMilli(), Kind: EventUnregistered, Seq: id, Name: d.Name()}
	if reason != nil {
		ev.Kind = EventForced
		ev.Reason = reason.Error()
	}
	return j.w.Write(ev)
}

func (j *EventJournal) Close() error { return j.w.Close() }

// Files lists the journal files of prefix under dir, oldest first.
func Files(dir, prefix string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// ReadFile calls fn for each line of one journal file.
func ReadFile(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return errors.Wrapf(err, "%s:%d", filepath.Base(path), n)
		}
	}
	return sc.Err()
}

// ReadTicks replays every tick entry under dir in file order.
func ReadTicks(dir string, fn func(TickEntry) error) error {
	files, err := Files(filepath.Join(dir, "ticks"), "ticks")
	if err != nil {
		return err
	}
	for _, p := range files {
		err := ReadFile(p, func(line []byte) error {
			var e TickEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return err
			}
			return fn(e)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadEvents replays every lifecycle event under dir in file order.
func ReadEvents(dir string, fn func(Event) error) error {
	files, err := Files(filepath.Join(dir, "events"), "events")
	if err != nil {
		return err
	}
	for _, p := range files {
		err := ReadFile(p, func(line []byte) error {
			var e Event
			if err := json.Unmarshal(line, &e); err != nil {
				return err
			}
			return fn(e)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
