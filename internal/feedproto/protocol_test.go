package feedproto

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"

	"tilestream.ai/internal/core"
	"tilestream.ai/internal/handle"
	"tilestream.ai/internal/primitive"
	"tilestream.ai/internal/sequence"
	"tilestream.ai/internal/tiles"
	"tilestream.ai/internal/visibility"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	return v
}

func TestSchemas_ValidateSamples(t *testing.T) {
	v := newValidator(t)
	good := []string{
		`{"type":"ADD_OBSERVER","protocol_version":"1.0","req_id":"r1",
		  "state":{"position":[0,0,10],"forward":[0,0,-1],"up":[0,1,0],"fov":1.5708,"viewport":[1920,1080]}}`,
		`{"type":"UPDATE_OBSERVER","protocol_version":"1.0","id":"0.1",
		  "state":{"position":[0,0,5],"forward":[0,0,-1],"up":[0,1,0],"right":[1,0,0],"fov":1.0,"viewport":[800,600]}}`,
		`{"type":"REMOVE_OBSERVER","protocol_version":"1.0","id":"3.2"}`,
		`{"type":"ADD_PRIMITIVE","protocol_version":"1.0",
		  "primitive":{"sequence":"0.1","shape":"PLANE","half_extents":[1,1],"lod_bias":-0.5}}`,
		`{"type":"UPDATE_PRIMITIVE","protocol_version":"1.0","id":"0.1",
		  "transform":[1,0,0,0, 0,1,0,0, 0,0,1,0, 0,0,-2,1]}`,
		`{"type":"SET_MASK","protocol_version":"1.0","id":"0.1","mask":{"grid":[4,4],"tiles":[[0,0]],"rects":[[1,1,3,3]]}}`,
		`{"type":"SET_MASK","protocol_version":"1.0","id":"0.1","mask":null}`,
		`{"type":"REMOVE_PRIMITIVE","protocol_version":"1.0","id":"0.1"}`,
		`{"type":"SUBSCRIBE","protocol_version":"1.0","sequences":["0.1"],"resident":true,"every_frames":2}`,
	}
	for _, s := range good {
		if _, err := v.ValidateRaw([]byte(s)); err != nil {
			t.Fatalf("validate %s: %v", s, err)
		}
	}

	bad := []string{
		`{"type":"ADD_OBSERVER","protocol_version":"1.0","state":{"position":[0,0],"forward":[0,0,-1],"up":[0,1,0],"fov":1,"viewport":[1,1]}}`,
		`{"type":"REMOVE_OBSERVER","protocol_version":"0.9","id":"0.1"}`,
		`{"type":"REMOVE_OBSERVER","protocol_version":"1.0","id":"0.0"}`,
		`{"type":"ADD_PRIMITIVE","protocol_version":"1.0","primitive":{"sequence":"0.1","shape":"CUBE","half_extents":[1,1]}}`,
		`{"type":"SUBSCRIBE","protocol_version":"1.0","sequences":["0.1"],"extra":1}`,
		`{"type":"TELEPORT","protocol_version":"1.0"}`,
		`not json`,
	}
	for _, s := range bad {
		if _, err := v.ValidateRaw([]byte(s)); err == nil {
			t.Fatalf("accepted %s", s)
		}
	}
}

func TestSchemas_OutboundMessagesConform(t *testing.T) {
	v := newValidator(t)
	id := handle.Handle{Index: 4, Gen: 2}
	if err := v.Validate(AckMsg{Type: TypeAck, ProtocolVersion: Version, ReqID: "r", ID: &id}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := v.Validate(NewError("r", ErrUnknownObserver, "unknown observer 4.2")); err != nil {
		t.Fatalf("error: %v", err)
	}

	f := sampleFrame(t)
	msg, ok := Selection(f, seqID, true)
	if !ok {
		t.Fatalf("selection missing")
	}
	if err := v.Validate(msg); err != nil {
		t.Fatalf("selection: %v", err)
	}
}

var seqID = handle.Handle{Index: 0, Gen: 1}

func sampleFrame(t *testing.T) *core.Frame {
	t.Helper()
	d, err := sequence.NewDescriptor("wall", sequence.Dim{X: 1024, Y: 1024}, sequence.Dim{X: 4, Y: 4}, 3, 4)
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	mip0 := d.NewSelection(0, false)
	mip0.SetRect(tiles.R(1, 1, 3, 3))
	top := d.NewSelection(2, true)
	res := d.NewSelection(2, true)
	return &core.Frame{
		Number:    9,
		Sequences: map[sequence.ID]sequence.Descriptor{seqID: d},
		Desired: map[sequence.ID]*visibility.SequenceResult{seqID: {
			Seq:        seqID,
			Mips:       map[int]*tiles.Selection{0: mip0, 2: top},
			PrimaryMip: 0,
			Focus:      mgl32.Vec2{0.5, 0.5},
		}},
		Resident: map[sequence.ID]map[int]*tiles.Selection{seqID: {2: res}},
	}
}

func TestSelection_CoalescesPerMip(t *testing.T) {
	f := sampleFrame(t)
	msg, ok := Selection(f, seqID, false)
	if !ok {
		t.Fatalf("selection missing")
	}
	if msg.Frame != 9 || msg.Name != "wall" || msg.PrimaryMip != 0 {
		t.Fatalf("msg=%+v", msg)
	}
	if len(msg.Desired) != 2 {
		t.Fatalf("desired=%+v", msg.Desired)
	}
	if got := msg.Desired[0]; got.Mip != 0 || got.Count != 4 || len(got.Regions) != 1 || got.Regions[0] != [4]int{1, 1, 3, 3} {
		t.Fatalf("mip0=%+v", got)
	}
	if got := msg.Desired[1]; got.Mip != 2 || got.Regions[0] != [4]int{0, 0, 1, 1} {
		t.Fatalf("mip2=%+v", got)
	}
	if msg.Resident != nil {
		t.Fatalf("resident sent without request")
	}
	b, _ := json.Marshal(msg)
	var back SelectionMsg
	if err := json.Unmarshal(b, &back); err != nil || back.Sequence != seqID {
		t.Fatalf("round trip: %v %v", err, back.Sequence)
	}

	if _, ok := Selection(f, handle.Handle{Index: 7, Gen: 1}, false); ok {
		t.Fatalf("unknown sequence rendered")
	}
}

func TestCodeOf_MapsCoreErrors(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{errors.Wrap(core.ErrUnknownSequence, "x"), ErrUnknownSequence},
		{errors.Wrap(core.ErrUnknownPrimitive, "x"), ErrUnknownPrimitive},
		{errors.Wrap(core.ErrUnknownObserver, "x"), ErrUnknownObserver},
		{errors.Wrap(core.ErrOutOfRange, "x"), ErrOutOfRange},
		{errors.Wrap(core.ErrDimensionMismatch, "x"), ErrDimensionMismatch},
		{errors.Wrap(core.ErrPermanentlyMissing, "x"), ErrPermanentlyMissing},
		{core.ErrCommandBufferClosed, ErrBusy},
		{errors.Wrap(context.DeadlineExceeded, "add observer"), ErrBusy},
		{errors.New("disk on fire"), ErrInternal},
	}
	for _, c := range cases {
		got := CodeOf(c.err)
		if got != c.want {
			t.Fatalf("CodeOf(%v)=%s want=%s", c.err, got, c.want)
		}
		if !IsKnownCode(got) {
			t.Fatalf("code %s not in table", got)
		}
	}
	if CodeOf(nil) != "" || !IsKnownCode("") || IsKnownCode("E_NOPE") {
		t.Fatalf("nil/unknown code handling")
	}
}

func TestPrimitiveSpec_ToInfo(t *testing.T) {
	m := [16]float32{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 3, 4, 5, 1}
	info, err := PrimitiveSpec{Sequence: seqID, Shape: "SPHERE", Transform: &m, HalfExtents: [2]float32{2, 0}}.ToInfo()
	if err != nil {
		t.Fatalf("to info: %v", err)
	}
	if info.Shape != primitive.Sphere || info.Transform.Col(3) != (mgl32.Vec4{3, 4, 5, 1}) {
		t.Fatalf("info=%+v", info)
	}
	info, err = PrimitiveSpec{Sequence: seqID, HalfExtents: [2]float32{1, 1}}.ToInfo()
	if err != nil || info.Shape != primitive.Plane || info.Transform != mgl32.Ident4() {
		t.Fatalf("defaults: %+v %v", info, err)
	}
	if _, err := (PrimitiveSpec{Shape: "CUBE"}).ToInfo(); err == nil {
		t.Fatalf("unknown shape accepted")
	}
}

func TestMaskSpec_ToSelection(t *testing.T) {
	sel, err := (&MaskSpec{Grid: [2]int{4, 4}, Tiles: [][2]int{{0, 0}}, Rects: [][4]int{{2, 2, 4, 4}, {1, 1, 1, 1}}}).ToSelection()
	if err != nil {
		t.Fatalf("mask: %v", err)
	}
	if sel.Count() != 5 || !sel.IsVisible(0, 0) || !sel.IsVisible(3, 3) {
		t.Fatalf("count=%d", sel.Count())
	}
	if _, err := (&MaskSpec{Grid: [2]int{4, 4}, Tiles: [][2]int{{4, 0}}}).ToSelection(); !errors.Is(err, tiles.ErrOutOfRange) {
		t.Fatalf("tile out of range err=%v", err)
	}
	if _, err := (&MaskSpec{Grid: [2]int{4, 4}, Rects: [][4]int{{2, 2, 5, 4}}}).ToSelection(); !errors.Is(err, tiles.ErrOutOfRange) {
		t.Fatalf("rect out of range err=%v", err)
	}
	var none *MaskSpec
	if sel, err := none.ToSelection(); sel != nil || err != nil {
		t.Fatalf("nil mask: %v %v", sel, err)
	}
}
