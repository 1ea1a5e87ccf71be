package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/handlers"

	"tilestream.ai/internal/clock"
	"tilestream.ai/internal/codec/dircodec"
	"tilestream.ai/internal/core"
	"tilestream.ai/internal/persistence/journal"
	"tilestream.ai/internal/sequence"
	"tilestream.ai/internal/transport/feed"
	"tilestream.ai/internal/tuning"
)

func main() {
	var (
		addr         = flag.String("addr", "127.0.0.1:8070", "http listen address")
		configDir    = flag.String("configs", "./configs", "config directory")
		tuningPath   = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		manifestPath = flag.String("sequences", "", "path to sequences.yaml (default: <configs>/sequences.yaml)")
		tileRoot     = flag.String("tiles", "./tiles", "tile directory root")
		dataDir      = flag.String("data", "./data", "runtime data directory")
		workers      = flag.Int("codec_workers", 4, "tile read workers")
		disableDB    = flag.Bool("disable_db", false, "disable the sqlite tick index")
		allowRemote  = flag.Bool("allow_remote", false, "serve non-loopback clients")
		statusEvery  = flag.Duration("status_every", 10*time.Second, "status log interval (0 to disable)")
		accessLog    = flag.Bool("access_log", false, "log http requests to stdout")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[tilestreamd] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	mp := strings.TrimSpace(*manifestPath)
	if mp == "" {
		mp = filepath.Join(*configDir, "sequences.yaml")
	}

	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	manifest, err := tuning.LoadManifest(mp)
	if err != nil {
		logger.Fatalf("load sequences: %v", err)
	}
	descs, err := manifest.Descriptors()
	if err != nil {
		logger.Fatalf("sequences: %v", err)
	}

	tc, err := dircodec.New(*tileRoot, *workers, log.New(os.Stdout, "[dircodec] ", log.LstdFlags|log.Lmicroseconds))
	if err != nil {
		logger.Fatalf("tile codec: %v", err)
	}
	defer tc.Close()

	idx, err := openRuntimeIndex(*dataDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.RecordConfig(tune); err != nil {
			logger.Printf("index backend: record config: %v", err)
		}
	}

	ticks := journal.NewTickJournal(*dataDir)
	events := journal.NewEventJournal(*dataDir)
	defer ticks.Close()
	defer events.Close()

	frames := &clock.Counter{}
	c := core.New(tune.CoreConfig(), tc, frames, log.New(os.Stdout, "[core] ", log.LstdFlags|log.Lmicroseconds))
	c.OnSequenceRemoved(func(id sequence.ID, d sequence.Descriptor, reason error) {
		if err := events.Removed(id, d, reason); err != nil {
			logger.Printf("event journal: %v", err)
		}
		kind := journal.EventUnregistered
		if reason != nil {
			kind = journal.EventForced
			logger.Printf("sequence %s (%v) removed: %v", d.Name(), id, reason)
		}
		var frame uint64
		if f := c.Frame(); f != nil {
			frame = f.Number
		}
		idx.RecordEvent(frame, kind, id, d, reason)
	})
	for _, d := range descs {
		id, err := c.RegisterSequence(d)
		if err != nil {
			logger.Printf("register %s: %v", d.Name(), err)
			continue
		}
		if err := events.Registered(id, d); err != nil {
			logger.Printf("event journal: %v", err)
		}
		idx.RecordEvent(0, journal.EventRegistered, id, d, nil)
		logger.Printf("sequence %s id=%v %s mips=%d top tile %s", d.Name(), id, d, d.MipCount(), humanize.IBytes(uint64(d.TileBytes(0))))
	}

	ec := tune.ExecutorConfig()
	ec.Clock = frames
	exec := core.NewExecutor(c, ec)
	var last atomic.Pointer[core.TickStats]
	exec.OnTick(func(ts core.TickStats) {
		if err := ticks.WriteTick(ts); err != nil {
			logger.Printf("tick journal: %v", err)
		}
		_ = idx.WriteTick(ts)
		last.Store(&ts)
	})

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		err := tuning.Watch(ctx, tp, logger, func(next tuning.Tuning) {
			if next.TickRateHz != tune.TickRateHz || next.CommandBufferCapacity != tune.CommandBufferCapacity {
				logger.Printf("tuning: tick_rate_hz and command_buffer_capacity apply on restart")
			}
			err := exec.Post(ctx, func(c *core.Core) error {
				c.SetConfig(next.CoreConfig())
				return nil
			})
			if err == nil {
				err = exec.SetBudget(ctx, next.Budget())
			}
			if err != nil {
				logger.Printf("tuning: apply: %v", err)
				return
			}
			if err := idx.RecordConfig(next); err != nil {
				logger.Printf("index backend: record config: %v", err)
			}
			logger.Printf("tuning reloaded: fetch budget %s/tick, resident cap %s",
				humanize.IBytes(uint64(next.FetchBudgetBytes)), humanize.IBytes(uint64(next.MaxResidentBytes)))
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("tuning watch: %v", err)
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- exec.Run(ctx) }()

	srv, err := feed.NewServer(exec, feed.Options{TickRateHz: tune.TickRateHz, AllowRemote: *allowRemote}, log.New(os.Stdout, "[feed] ", log.LstdFlags|log.Lmicroseconds))
	if err != nil {
		logger.Fatalf("feed: %v", err)
	}
	router := srv.Router()
	router.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	router.HandleFunc("/metrics", metricsHandler(&last, tc, idx))

	var h http.Handler = handlers.RecoveryHandler(handlers.RecoveryLogger(logger))(router)
	if *accessLog {
		h = handlers.LoggingHandler(os.Stdout, h)
	}
	httpSrv := &http.Server{Addr: *addr, Handler: h}
	go func() {
		logger.Printf("listening on %s (tick %d Hz, fetch budget %s/tick)", *addr, tune.TickRateHz, humanize.IBytes(uint64(tune.FetchBudgetBytes)))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("http: %v", err)
			cancel()
		}
	}()

	if *statusEvery > 0 {
		go statusLoop(ctx, *statusEvery, &last, tc, logger)
	}

	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("executor stopped: %v", err)
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpSrv.Shutdown(shutdownCtx)
	// Run has returned; nothing else touches the core now.
	c.Close()
	logger.Printf("stopped")
}

func statusLoop(ctx context.Context, every time.Duration, last *atomic.Pointer[core.TickStats], tc *dircodec.Codec, logger *log.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ts := last.Load()
			if ts == nil {
				continue
			}
			cs := tc.Stats()
			logger.Printf("frame=%d sequences=%d observers=%d desired=%d resident=%d (%s) pending=%d in_flight=%d codec_live=%s",
				ts.Frame, ts.Sequences, ts.Observers, ts.Desired, ts.Resident,
				humanize.IBytes(uint64(ts.ResidentBytes)), ts.Pending, ts.InFlight, humanize.IBytes(uint64(cs.LiveBytes)))
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}
