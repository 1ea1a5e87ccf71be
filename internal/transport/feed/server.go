// Package feed serves the websocket control and selection feed of
// tilestreamd.
package feed

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"tilestream.ai/internal/core"
	"tilestream.ai/internal/feedproto"
	"tilestream.ai/internal/handle"
	"tilestream.ai/internal/sequence"
)

type Options struct {
	TickRateHz int
	// AllowRemote serves non-loopback peers.
	AllowRemote bool
	// CommandTimeout bounds how long one command may wait for the executor.
	CommandTimeout time.Duration
}

type Server struct {
	exec   *core.Executor
	valid  *feedproto.Validator
	opts   Options
	log    *log.Logger
	nextID atomic.Uint64

	upgrader websocket.Upgrader
}

func NewServer(exec *core.Executor, opts Options, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Second
	}
	v, err := feedproto.NewValidator()
	if err != nil {
		return nil, err
	}
	return &Server{
		exec:  exec,
		valid: v,
		opts:  opts,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}, nil
}

// Router wires the feed endpoints.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/bootstrap", s.BootstrapHandler()).Methods(http.MethodGet)
	r.HandleFunc("/v1/sequences/{id}/selection", s.SelectionHandler()).Methods(http.MethodGet)
	r.HandleFunc("/v1/ws", s.WSHandler())
	return r
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		resp := feedproto.BootstrapResponse{
			ProtocolVersion: feedproto.Version,
			TickRateHz:      s.opts.TickRateHz,
			Sequences:       []feedproto.SequenceInfo{},
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.CommandTimeout)
		defer cancel()
		err := s.exec.Do(ctx, func(c *core.Core) error {
			if f := c.Frame(); f != nil {
				resp.Frame = f.Number
			}
			c.Sequences(func(id sequence.ID, d sequence.Descriptor) bool {
				resp.Sequences = append(resp.Sequences, feedproto.Info(id, d))
				return true
			})
			return nil
		})
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(rw, http.StatusOK, resp)
	}
}

// SelectionHandler returns the last published selection of one sequence,
// resident regions included.
func (s *Server) SelectionHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		id, err := handle.Parse(mux.Vars(r)["id"])
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, feedproto.NewError("", feedproto.ErrProtoBadRequest, err.Error()))
			return
		}
		var (
			msg   feedproto.SelectionMsg
			found bool
		)
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.CommandTimeout)
		defer cancel()
		err = s.exec.Do(ctx, func(c *core.Core) error {
			if f := c.Frame(); f != nil {
				msg, found = feedproto.Selection(f, id, true)
			}
			return nil
		})
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if !found {
			writeJSON(rw, http.StatusNotFound, feedproto.NewError("", feedproto.ErrUnknownSequence, "sequence "+id.String()))
			return
		}
		writeJSON(rw, http.StatusOK, msg)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := newSession(s, conn)
		s.log.Printf("session %s connected from %s", sess.id, r.RemoteAddr)
		sess.run()
		s.log.Printf("session %s closed", sess.id)
	}
}

func (s *Server) allowed(r *http.Request) bool {
	return s.opts.AllowRemote || isLoopbackRemote(r.RemoteAddr)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
