package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"tilestream.ai/internal/persistence/journal"
)

type summary struct {
	Frames     int
	First      uint64
	Last       uint64
	Gaps       int
	PeakDesire int
	PeakBytes  int64
	PeakFrame  uint64

	Started    int
	Completed  int
	Failed     int
	Expired    int
	Evicted    int
	Suppressed int
	Fetched    int64
	Reclaimed  int64
}

func (s *summary) add(e journal.TickEntry) error {
	if s.Frames > 0 {
		if e.Frame <= s.Last {
			return fmt.Errorf("frame %d after %d: frames must increase", e.Frame, s.Last)
		}
		if e.Frame != s.Last+1 {
			s.Gaps++
		}
	} else {
		s.First = e.Frame
	}
	s.Frames++
	s.Last = e.Frame
	if e.Desired > s.PeakDesire {
		s.PeakDesire = e.Desired
	}
	if e.ResidentBytes > s.PeakBytes {
		s.PeakBytes = e.ResidentBytes
		s.PeakFrame = e.Frame
	}
	s.Started += e.Stream.Started
	s.Completed += e.Stream.Completed
	s.Failed += e.Stream.Failed
	s.Expired += e.Stream.Expired
	s.Evicted += e.Stream.Evicted
	s.Suppressed += e.Stream.Suppressed
	s.Fetched += e.Stream.StartedBytes
	s.Reclaimed += e.Stream.EvictedBytes
	return nil
}

func main() {
	var (
		dataDir   = flag.String("journal", "./data", "journal directory containing ticks/ and events/")
		fromFrame = flag.Uint64("from_frame", 0, "first frame to include (optional)")
		toFrame   = flag.Uint64("to_frame", 0, "last frame to include (optional)")
		events    = flag.Bool("events", true, "print sequence lifecycle events")
	)
	flag.Parse()

	var s summary
	err := journal.ReadTicks(*dataDir, func(e journal.TickEntry) error {
		if e.Frame < *fromFrame || (*toFrame > 0 && e.Frame > *toFrame) {
			return nil
		}
		return s.add(e)
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "read ticks:", err)
		os.Exit(1)
	}
	if s.Frames == 0 {
		fmt.Println("no ticks")
		return
	}

	fmt.Printf("frames %d..%d (%d entries, %d gaps)\n", s.First, s.Last, s.Frames, s.Gaps)
	fmt.Printf("peak desired tiles %d, peak resident %s at frame %d\n", s.PeakDesire, humanize.IBytes(uint64(s.PeakBytes)), s.PeakFrame)
	fmt.Printf("fetches started=%d (%s) completed=%d failed=%d expired=%d suppressed=%d\n",
		s.Started, humanize.IBytes(uint64(s.Fetched)), s.Completed, s.Failed, s.Expired, s.Suppressed)
	fmt.Printf("evicted=%d (%s)\n", s.Evicted, humanize.IBytes(uint64(s.Reclaimed)))

	if !*events {
		return
	}
	err = journal.ReadEvents(*dataDir, func(ev journal.Event) error {
		line := fmt.Sprintf("%s %-17s %s (%v)", humanize.Time(time.UnixMilli(ev.UnixMS)), ev.Kind, ev.Name, ev.Seq)
		if ev.Reason != "" {
			line += ": " + ev.Reason
		}
		fmt.Println(line)
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "read events:", err)
		os.Exit(1)
	}
}
