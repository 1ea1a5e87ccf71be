package feed

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tilestream.ai/internal/clock"
	"tilestream.ai/internal/codec/codectest"
	"tilestream.ai/internal/core"
	"tilestream.ai/internal/feedproto"
	"tilestream.ai/internal/sequence"
)

type rig struct {
	exec *core.Executor
	srv  *httptest.Server
	seq  sequence.ID
	stop func()
}

func newRig(t *testing.T) *rig {
	t.Helper()
	c := core.New(core.DefaultConfig(), codectest.New(), &clock.Counter{}, nil)
	exec := core.NewExecutor(c, core.ExecutorConfig{TickRateHz: 100, Budget: core.Budget{FetchBytes: 1 << 30, EvictCount: 64}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = exec.Run(ctx)
		close(done)
	}()

	var seq sequence.ID
	err := exec.Do(ctx, func(c *core.Core) error {
		d, err := sequence.NewDescriptor("wall", sequence.Dim{X: 1024, Y: 1024}, sequence.Dim{X: 4, Y: 4}, 3, 4)
		if err != nil {
			return err
		}
		seq, err = c.RegisterSequence(d)
		return err
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	s, err := NewServer(exec, Options{TickRateHz: 100}, nil)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	r := &rig{exec: exec, srv: srv, seq: seq}
	r.stop = func() {
		srv.Close()
		cancel()
		<-done
	}
	t.Cleanup(r.stop)
	return r
}

func (r *rig) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, s string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readType skips messages until one of type typ arrives.
func readType(t *testing.T, conn *websocket.Conn, typ string) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		_, b, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %s: %v", typ, err)
		}
		base, err := feedproto.DecodeBase(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if base.Type == typ {
			return b
		}
	}
	t.Fatalf("no %s before deadline", typ)
	return nil
}

const addObserver = `{"type":"ADD_OBSERVER","protocol_version":"1.0","req_id":"o1",
  "state":{"position":[0,0,2],"forward":[0,0,-1],"up":[0,1,0],"fov":1.5708,"viewport":[1920,1080]}}`

func TestBootstrap_ListsSequences(t *testing.T) {
	r := newRig(t)
	resp, err := http.Get(r.srv.URL + "/v1/bootstrap")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var b feedproto.BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.ProtocolVersion != feedproto.Version || b.TickRateHz != 100 {
		t.Fatalf("bootstrap=%+v", b)
	}
	if len(b.Sequences) != 1 || b.Sequences[0].ID != r.seq || b.Sequences[0].TileGrid != [2]int{4, 4} {
		t.Fatalf("sequences=%+v", b.Sequences)
	}

	post, err := http.Post(r.srv.URL+"/v1/bootstrap", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("post status=%d", post.StatusCode)
	}
}

func TestSelection_HTTPSnapshot(t *testing.T) {
	r := newRig(t)
	get := func(id string) (*http.Response, []byte) {
		t.Helper()
		resp, err := http.Get(r.srv.URL + "/v1/sequences/" + id + "/selection")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var buf strings.Builder
		if _, err := io.Copy(&buf, resp.Body); err != nil {
			t.Fatalf("body: %v", err)
		}
		return resp, []byte(buf.String())
	}

	if resp, _ := get("nope"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad id status=%d", resp.StatusCode)
	}
	resp, b := get("9.1")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown id status=%d", resp.StatusCode)
	}
	var em feedproto.ErrorMsg
	if err := json.Unmarshal(b, &em); err != nil || em.Code != feedproto.ErrUnknownSequence {
		t.Fatalf("unknown id body=%s err=%v", b, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, b := get(r.seq.String())
		if resp.StatusCode == http.StatusOK {
			var sel feedproto.SelectionMsg
			if err := json.Unmarshal(b, &sel); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if sel.Sequence != r.seq || sel.Name != "wall" || len(sel.Desired) != 0 {
				t.Fatalf("selection=%+v", sel)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("status=%d body=%s", resp.StatusCode, b)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWS_CommandsAndSelectionFeed(t *testing.T) {
	r := newRig(t)
	conn := r.dial(t)

	send(t, conn, addObserver)
	var ack feedproto.AckMsg
	if err := json.Unmarshal(readType(t, conn, feedproto.TypeAck), &ack); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if ack.ReqID != "o1" || ack.ID == nil || ack.ID.IsNil() {
		t.Fatalf("observer ack=%+v", ack)
	}

	send(t, conn, `{"type":"ADD_PRIMITIVE","protocol_version":"1.0","req_id":"p1",
	  "primitive":{"sequence":"`+r.seq.String()+`","half_extents":[1,1]}}`)
	ack = feedproto.AckMsg{}
	if err := json.Unmarshal(readType(t, conn, feedproto.TypeAck), &ack); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if ack.ReqID != "p1" || ack.ID == nil {
		t.Fatalf("primitive ack=%+v", ack)
	}
	prim := ack.ID.String()

	send(t, conn, `{"type":"SET_MASK","protocol_version":"1.0","req_id":"m1","id":"`+prim+`","mask":{"grid":[4,4],"rects":[[0,0,2,2]]}}`)
	readType(t, conn, feedproto.TypeAck)

	send(t, conn, `{"type":"SUBSCRIBE","protocol_version":"1.0","req_id":"s1","sequences":["`+r.seq.String()+`"],"resident":true}`)
	readType(t, conn, feedproto.TypeAck)

	deadline := time.Now().Add(5 * time.Second)
	for {
		var sel feedproto.SelectionMsg
		if err := json.Unmarshal(readType(t, conn, feedproto.TypeSelection), &sel); err != nil {
			t.Fatalf("selection: %v", err)
		}
		if sel.Sequence != r.seq || sel.Name != "wall" {
			t.Fatalf("selection=%+v", sel)
		}
		if len(sel.Desired) > 0 {
			for _, mr := range sel.Desired {
				for _, reg := range mr.Regions {
					limit := 2 >> mr.Mip
					if limit < 1 {
						limit = 1
					}
					if reg[2] > limit || reg[3] > limit {
						t.Fatalf("mip %d region %v escapes the mask", mr.Mip, reg)
					}
				}
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("selection never had desired tiles")
		}
	}
}

func TestWS_ErrorsCarryCodes(t *testing.T) {
	r := newRig(t)
	conn := r.dial(t)

	cases := []struct {
		msg  string
		code string
	}{
		{`{"type":"REMOVE_OBSERVER","protocol_version":"1.0","req_id":"a","id":"9.1"}`, feedproto.ErrUnknownObserver},
		{`{"type":"REMOVE_OBSERVER","protocol_version":"0.1","req_id":"b","id":"9.1"}`, feedproto.ErrProtoVersion},
		{`{"type":"REMOVE_OBSERVER","protocol_version":"1.0","req_id":"c"}`, feedproto.ErrProtoBadRequest},
		{`{"type":"ACK","protocol_version":"1.0","req_id":"d"}`, feedproto.ErrProtoBadRequest},
		{`{"type":"ADD_PRIMITIVE","protocol_version":"1.0","req_id":"e","primitive":{"sequence":"5.5","half_extents":[1,1]}}`, feedproto.ErrUnknownSequence},
	}
	for _, c := range cases {
		send(t, conn, c.msg)
		var em feedproto.ErrorMsg
		if err := json.Unmarshal(readType(t, conn, feedproto.TypeError), &em); err != nil {
			t.Fatalf("error msg: %v", err)
		}
		if em.Code != c.code {
			t.Fatalf("%s: code=%s want=%s (%s)", c.msg, em.Code, c.code, em.Message)
		}
	}
}

func TestWS_DisconnectRemovesOwnedObjects(t *testing.T) {
	r := newRig(t)
	conn := r.dial(t)
	send(t, conn, addObserver)
	readType(t, conn, feedproto.TypeAck)
	_ = conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var n int
		err := r.exec.Do(context.Background(), func(c *core.Core) error {
			if f := c.Frame(); f != nil {
				n = f.Stats.Observers
			}
			return nil
		})
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("observer outlived its session")
}

func TestWS_TimedOutAddIsRemovedOnDisconnect(t *testing.T) {
	// The executor is not running, so commands queue and the session
	// times out while the add is still pending.
	c := core.New(core.DefaultConfig(), codectest.New(), &clock.Counter{}, nil)
	exec := core.NewExecutor(c, core.ExecutorConfig{Budget: core.Budget{FetchBytes: 1 << 30}})
	s, err := NewServer(exec, Options{TickRateHz: 60, CommandTimeout: 50 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	defer srv.Close()
	r := &rig{exec: exec, srv: srv}
	conn := r.dial(t)

	send(t, conn, addObserver)
	var em feedproto.ErrorMsg
	if err := json.Unmarshal(readType(t, conn, feedproto.TypeError), &em); err != nil {
		t.Fatalf("error msg: %v", err)
	}
	if em.ReqID != "o1" || em.Code != feedproto.ErrBusy {
		t.Fatalf("timeout reply=%+v", em)
	}
	_ = conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		ts, err := exec.Step()
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		if ts.Observers == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("observer created after the timeout outlived its session")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWS_FullReplyQueueClosesConnection(t *testing.T) {
	r := newRig(t)
	s, err := NewServer(r.exec, Options{}, nil)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, req, nil)
		if err != nil {
			return
		}
		sess := newSession(s, conn)
		sess.out = make(chan []byte)
		sess.ack("r1", nil)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("read err=%v want close %d", err, websocket.CloseTryAgainLater)
	}
}
