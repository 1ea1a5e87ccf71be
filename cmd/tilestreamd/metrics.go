package main

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"tilestream.ai/internal/codec/dircodec"
	"tilestream.ai/internal/core"
	"tilestream.ai/internal/persistence/indexdb"
)

func metricsHandler(last *atomic.Pointer[core.TickStats], tc *dircodec.Codec, idx *indexdb.SQLiteIndex) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		ts := last.Load()
		if ts == nil {
			ts = &core.TickStats{}
		}

		// Minimal Prometheus exposition format.
		gauge := func(name, help string, v any) {
			fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
			fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
			fmt.Fprintf(rw, "%s %v\n", name, v)
		}
		gauge("tilestream_frame", "Last completed frame.", ts.Frame)
		gauge("tilestream_sequences", "Registered sequences.", ts.Sequences)
		gauge("tilestream_observers", "Registered observers.", ts.Observers)
		gauge("tilestream_primitives", "Registered primitives.", ts.Primitives)
		gauge("tilestream_desired_tiles", "Tiles desired in the last frame.", ts.Desired)
		gauge("tilestream_clipped_tiles", "Tiles dropped by the per-sequence budget.", ts.Clipped)
		gauge("tilestream_resident_tiles", "Resident tiles, candidates excluded.", ts.Resident)
		gauge("tilestream_pending_tiles", "Tiles with a fetch in flight.", ts.Pending)
		gauge("tilestream_candidate_tiles", "Eviction candidates awaiting reclaim.", ts.Candidates)
		gauge("tilestream_resident_bytes", "Payload bytes held by the cache.", ts.ResidentBytes)
		gauge("tilestream_owed_completions", "Codec completions not yet drained.", ts.Owed)

		fmt.Fprintf(rw, "# HELP tilestream_stream_tick Streaming work done in the last frame.\n")
		fmt.Fprintf(rw, "# TYPE tilestream_stream_tick gauge\n")
		for _, kv := range []struct {
			k string
			v int
		}{
			{"started", ts.Stream.Started},
			{"completed", ts.Stream.Completed},
			{"failed", ts.Stream.Failed},
			{"stale", ts.Stream.Stale},
			{"expired", ts.Stream.Expired},
			{"deferred", ts.Stream.Deferred},
			{"cancelled", ts.Stream.Cancelled},
			{"evicted", ts.Stream.Evicted},
			{"revived", ts.Stream.Revived},
			{"suppressed", ts.Stream.Suppressed},
		} {
			fmt.Fprintf(rw, "tilestream_stream_tick{kind=%q} %d\n", kv.k, kv.v)
		}

		cs := tc.Stats()
		fmt.Fprintf(rw, "# HELP tilestream_codec_total Tile reads by outcome.\n")
		fmt.Fprintf(rw, "# TYPE tilestream_codec_total counter\n")
		fmt.Fprintf(rw, "tilestream_codec_total{outcome=%q} %d\n", "fetched", cs.Fetched)
		fmt.Fprintf(rw, "tilestream_codec_total{outcome=%q} %d\n", "failed", cs.Failed)
		fmt.Fprintf(rw, "tilestream_codec_total{outcome=%q} %d\n", "cancelled", cs.Cancelled)
		fmt.Fprintf(rw, "tilestream_codec_total{outcome=%q} %d\n", "released", cs.Released)
		gauge("tilestream_codec_live_bytes", "Decoded bytes handed out and not yet released.", cs.LiveBytes)

		if idx != nil {
			st := idx.Stats()
			gauge("tilestream_index_queue_depth", "Index writer backlog.", st.QueueDepth)
			fmt.Fprintf(rw, "# HELP tilestream_index_drop_total Rows dropped by the index writer.\n")
			fmt.Fprintf(rw, "# TYPE tilestream_index_drop_total counter\n")
			fmt.Fprintf(rw, "tilestream_index_drop_total{kind=%q} %d\n", "tick", st.DropTickTotal)
			fmt.Fprintf(rw, "tilestream_index_drop_total{kind=%q} %d\n", "event", st.DropEventTotal)
		}
	}
}
