package feedproto

import (
	"tilestream.ai/internal/handle"
)

// ObserverState is a camera. Right may be omitted; the core derives it from
// Forward and Up.
type ObserverState struct {
	Position [3]float32  `json:"position"`
	Forward  [3]float32  `json:"forward"`
	Up       [3]float32  `json:"up"`
	Right    *[3]float32 `json:"right,omitempty"`
	FOV      float32     `json:"fov"`
	Viewport [2]int      `json:"viewport"`
}

type AddObserverMsg struct {
	BaseMessage
	State ObserverState `json:"state"`
}

type UpdateObserverMsg struct {
	BaseMessage
	ID    handle.Handle `json:"id"`
	State ObserverState `json:"state"`
}

type RemoveObserverMsg struct {
	BaseMessage
	ID handle.Handle `json:"id"`
}

// PrimitiveSpec describes a textured surface. Transform is a column-major
// local-to-world matrix; a missing transform means identity.
type PrimitiveSpec struct {
	Sequence    handle.Handle `json:"sequence"`
	Shape       string        `json:"shape"`
	Transform   *[16]float32  `json:"transform,omitempty"`
	HalfExtents [2]float32    `json:"half_extents"`
	LODBias     float32       `json:"lod_bias,omitempty"`
	Owner       uint64        `json:"owner,omitempty"`
}

type AddPrimitiveMsg struct {
	BaseMessage
	Primitive PrimitiveSpec `json:"primitive"`
}

type UpdatePrimitiveMsg struct {
	BaseMessage
	ID        handle.Handle `json:"id"`
	Transform [16]float32   `json:"transform"`
}

// MaskSpec lists the mip-0 tiles a primitive may use. Rects are
// [x0, y0, x1, y1) and are added to Tiles.
type MaskSpec struct {
	Grid  [2]int   `json:"grid"`
	Tiles [][2]int `json:"tiles,omitempty"`
	Rects [][4]int `json:"rects,omitempty"`
}

// SetMaskMsg installs Mask, or with a null mask clears it.
type SetMaskMsg struct {
	BaseMessage
	ID   handle.Handle `json:"id"`
	Mask *MaskSpec     `json:"mask"`
}

type RemovePrimitiveMsg struct {
	BaseMessage
	ID handle.Handle `json:"id"`
}

// SubscribeMsg replaces the connection's selection subscription. An empty
// list unsubscribes. EveryFrames thins the feed; 0 and 1 mean every frame.
type SubscribeMsg struct {
	BaseMessage
	Sequences   []handle.Handle `json:"sequences"`
	Resident    bool            `json:"resident,omitempty"`
	EveryFrames int             `json:"every_frames,omitempty"`
}

// AckMsg answers a command. ID is the handle a command created.
type AckMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	ReqID           string         `json:"req_id,omitempty"`
	ID              *handle.Handle `json:"id,omitempty"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

// MipRegions is one mip of a selection as coalesced [x0, y0, x1, y1) rects.
type MipRegions struct {
	Mip     int      `json:"mip"`
	Count   int      `json:"count"`
	Regions [][4]int `json:"regions"`
}

// SelectionMsg is sent once per frame per subscribed sequence.
type SelectionMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Frame           uint64        `json:"frame"`
	Sequence        handle.Handle `json:"sequence"`
	Name            string        `json:"name"`
	PrimaryMip      int           `json:"primary_mip"`
	Focus           [2]float32    `json:"focus"`
	Desired         []MipRegions  `json:"desired"`
	Resident        []MipRegions  `json:"resident,omitempty"`
}

type SequenceInfo struct {
	ID            handle.Handle `json:"id"`
	Name          string        `json:"name"`
	PixelDim      [2]int        `json:"pixel_dim"`
	TileGrid      [2]int        `json:"tile_grid"`
	MipCount      int           `json:"mip_count"`
	BytesPerPixel int           `json:"bytes_per_pixel"`
}

// BootstrapResponse is served at GET /v1/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string         `json:"protocol_version"`
	TickRateHz      int            `json:"tick_rate_hz"`
	Frame           uint64         `json:"frame"`
	Sequences       []SequenceInfo `json:"sequences"`
}
