package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"tilestream.ai/internal/core"
	"tilestream.ai/internal/feedproto"
	"tilestream.ai/internal/handle"
	"tilestream.ai/internal/observer"
	"tilestream.ai/internal/primitive"
	"tilestream.ai/internal/sequence"
)

type subscription struct {
	seqs     []sequence.ID
	resident bool
	every    uint64
}

var errSessionClosed = errors.New("session closed")

// owned tracks what a session created. Commands record ids from inside the
// executor, so an add whose caller timed out is still removed on close.
type owned struct {
	mu         sync.Mutex
	closed     bool
	observers  map[observer.ID]struct{}
	primitives map[primitive.ID]struct{}
}

// keepObserver records id; false means the session already closed and the
// caller must remove the observer itself.
func (o *owned) keepObserver(id observer.ID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.observers[id] = struct{}{}
	return true
}

func (o *owned) keepPrimitive(id primitive.ID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.primitives[id] = struct{}{}
	return true
}

func (o *owned) dropObserver(id observer.ID) {
	o.mu.Lock()
	delete(o.observers, id)
	o.mu.Unlock()
}

func (o *owned) dropPrimitive(id primitive.ID) {
	o.mu.Lock()
	delete(o.primitives, id)
	o.mu.Unlock()
}

func (o *owned) close() (map[observer.ID]struct{}, map[primitive.ID]struct{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	obs, prims := o.observers, o.primitives
	o.observers, o.primitives = nil, nil
	return obs, prims
}

// session is one websocket connection. Observers and primitives it created
// are removed when it closes.
type session struct {
	srv  *Server
	conn *websocket.Conn
	id   string
	out  chan []byte

	mu  sync.Mutex
	sub subscription

	own owned
}

func newSession(s *Server, conn *websocket.Conn) *session {
	return &session{
		srv:  s,
		conn: conn,
		id:   fmt.Sprintf("F%d", s.nextID.Add(1)),
		out:  make(chan []byte, 256),
		own: owned{
			observers:  map[observer.ID]struct{}{},
			primitives: map[primitive.ID]struct{}{},
		},
	}
}

func (ss *session) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames, unsubscribe := ss.srv.exec.Subscribe()
	defer unsubscribe()

	writeErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				writeErr <- ctx.Err()
				return
			case b := <-ss.out:
				_ = ss.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := ss.conn.WriteMessage(websocket.TextMessage, b); err != nil {
					writeErr <- err
					cancel()
					return
				}
			}
		}
	}()
	go ss.pump(ctx, frames)

	for {
		_ = ss.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := ss.conn.ReadMessage()
		if err != nil {
			break
		}
		ss.handle(ctx, msg)
	}

	cancel()
	ss.cleanup()
	_ = ss.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	select {
	case <-writeErr:
	case <-time.After(500 * time.Millisecond):
	}
}

// send queues a SELECTION for the writer; a full queue drops it and the
// next frame supersedes it.
func (ss *session) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		ss.srv.log.Printf("session %s encode %T: %v", ss.id, v, err)
		return
	}
	select {
	case ss.out <- b:
	default:
	}
}

// reply queues an ACK or ERROR. Replies are never dropped: a client that
// cannot keep up is disconnected instead.
func (ss *session) reply(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		ss.srv.log.Printf("session %s encode %T: %v", ss.id, v, err)
		return
	}
	select {
	case ss.out <- b:
	default:
		ss.srv.log.Printf("session %s send queue full; closing", ss.id)
		_ = ss.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "send queue full"), time.Now().Add(time.Second))
		_ = ss.conn.Close()
	}
}

func (ss *session) sendError(reqID, code string, err error) {
	ss.reply(feedproto.NewError(reqID, code, err.Error()))
}

func (ss *session) ack(reqID string, id *handle.Handle) {
	ss.reply(feedproto.AckMsg{Type: feedproto.TypeAck, ProtocolVersion: feedproto.Version, ReqID: reqID, ID: id})
}

// pump turns published frames into SELECTION messages.
func (ss *session) pump(ctx context.Context, frames <-chan *core.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-frames:
			if f == nil {
				continue
			}
			ss.mu.Lock()
			sub := ss.sub
			ss.mu.Unlock()
			if len(sub.seqs) == 0 || (sub.every > 1 && f.Number%sub.every != 0) {
				continue
			}
			for _, id := range sub.seqs {
				if msg, ok := feedproto.Selection(f, id, sub.resident); ok {
					ss.send(msg)
				}
			}
		}
	}
}

func (ss *session) do(ctx context.Context, fn func(*core.Core) error) error {
	ctx, cancel := context.WithTimeout(ctx, ss.srv.opts.CommandTimeout)
	defer cancel()
	return ss.srv.exec.Do(ctx, fn)
}

func (ss *session) handle(ctx context.Context, msg []byte) {
	base, err := ss.srv.valid.ValidateRaw(msg)
	if err != nil {
		code := feedproto.ErrProtoBadRequest
		if base.ProtocolVersion != "" && base.ProtocolVersion != feedproto.Version {
			code = feedproto.ErrProtoVersion
		}
		ss.sendError(base.ReqID, code, err)
		return
	}

	var created *handle.Handle
	switch base.Type {
	case feedproto.TypeAddObserver:
		var m feedproto.AddObserverMsg
		if err = json.Unmarshal(msg, &m); err != nil {
			break
		}
		var id observer.ID
		err = ss.do(ctx, func(c *core.Core) error {
			id = c.AddObserver(m.State.ToState())
			if !ss.own.keepObserver(id) {
				_ = c.RemoveObserver(id)
				return errSessionClosed
			}
			return nil
		})
		if err == nil {
			created = &id
		}

	case feedproto.TypeUpdateObserver:
		var m feedproto.UpdateObserverMsg
		if err = json.Unmarshal(msg, &m); err != nil {
			break
		}
		err = ss.do(ctx, func(c *core.Core) error { return c.UpdateObserver(m.ID, m.State.ToState()) })

	case feedproto.TypeRemoveObserver:
		var m feedproto.RemoveObserverMsg
		if err = json.Unmarshal(msg, &m); err != nil {
			break
		}
		err = ss.do(ctx, func(c *core.Core) error {
			if err := c.RemoveObserver(m.ID); err != nil {
				return err
			}
			ss.own.dropObserver(m.ID)
			return nil
		})

	case feedproto.TypeAddPrimitive:
		var m feedproto.AddPrimitiveMsg
		if err = json.Unmarshal(msg, &m); err != nil {
			break
		}
		var info primitive.Info
		if info, err = m.Primitive.ToInfo(); err != nil {
			break
		}
		var id primitive.ID
		err = ss.do(ctx, func(c *core.Core) error {
			var err error
			if id, err = c.AddPrimitive(info); err != nil {
				return err
			}
			if !ss.own.keepPrimitive(id) {
				_ = c.RemovePrimitive(id)
				return errSessionClosed
			}
			return nil
		})
		if err == nil {
			created = &id
		}

	case feedproto.TypeUpdatePrimitive:
		var m feedproto.UpdatePrimitiveMsg
		if err = json.Unmarshal(msg, &m); err != nil {
			break
		}
		err = ss.do(ctx, func(c *core.Core) error { return c.UpdatePrimitiveTransform(m.ID, m.Transform) })

	case feedproto.TypeSetMask:
		var m feedproto.SetMaskMsg
		if err = json.Unmarshal(msg, &m); err != nil {
			break
		}
		mask, merr := m.Mask.ToSelection()
		if merr != nil {
			err = merr
			break
		}
		err = ss.do(ctx, func(c *core.Core) error { return c.SetPrimitiveMask(m.ID, mask) })

	case feedproto.TypeRemovePrimitive:
		var m feedproto.RemovePrimitiveMsg
		if err = json.Unmarshal(msg, &m); err != nil {
			break
		}
		err = ss.do(ctx, func(c *core.Core) error {
			if err := c.RemovePrimitive(m.ID); err != nil {
				return err
			}
			ss.own.dropPrimitive(m.ID)
			return nil
		})

	case feedproto.TypeSubscribe:
		var m feedproto.SubscribeMsg
		if err = json.Unmarshal(msg, &m); err != nil {
			break
		}
		seqs := append([]sequence.ID(nil), m.Sequences...)
		sort.Slice(seqs, func(i, j int) bool { return seqs[i].Less(seqs[j]) })
		every := uint64(1)
		if m.EveryFrames > 1 {
			every = uint64(m.EveryFrames)
		}
		ss.mu.Lock()
		ss.sub = subscription{seqs: seqs, resident: m.Resident, every: every}
		ss.mu.Unlock()

	default:
		ss.sendError(base.ReqID, feedproto.ErrProtoBadRequest, fmt.Errorf("%s is not a command", base.Type))
		return
	}

	if err != nil {
		ss.sendError(base.ReqID, feedproto.CodeOf(err), err)
		return
	}
	ss.ack(base.ReqID, created)
}

// cleanup removes what the session created. It runs on the executor after
// any command the session already queued, so adds that timed out on the
// client side are covered too. Primitives whose sequence went away are
// already gone; those errors are ignored.
func (ss *session) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), ss.srv.opts.CommandTimeout)
	defer cancel()
	err := ss.srv.exec.Post(ctx, func(c *core.Core) error {
		obs, prims := ss.own.close()
		for id := range prims {
			_ = c.RemovePrimitive(id)
		}
		for id := range obs {
			_ = c.RemoveObserver(id)
		}
		return nil
	})
	if err != nil {
		ss.own.close()
		ss.srv.log.Printf("session %s cleanup: %v", ss.id, err)
	}
}
