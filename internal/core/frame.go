package core

import (
	"tilestream.ai/internal/sequence"
	"tilestream.ai/internal/streaming"
	"tilestream.ai/internal/tiles"
	"tilestream.ai/internal/visibility"
)

// Frame is the immutable result of one tick. Readers must not mutate the
// selections; CurrentSelectionSnapshot hands out copies for that.
type Frame struct {
	Number    uint64
	Sequences map[sequence.ID]sequence.Descriptor
	Desired   map[sequence.ID]*visibility.SequenceResult
	// Resident holds, per sequence and mip, the tiles with a payload,
	// including eviction candidates not yet reclaimed.
	Resident map[sequence.ID]map[int]*tiles.Selection
	Stats    TickStats
}

type TickStats struct {
	Frame      uint64 `json:"frame"`
	Sequences  int    `json:"sequences"`
	Observers  int    `json:"observers"`
	Primitives int    `json:"primitives"`

	Pairs    int `json:"pairs"`
	Desired  int `json:"desired"`
	Retained int `json:"retained"`
	Clipped  int `json:"clipped"`
	Planned  int `json:"planned"`
	Regions  int `json:"regions"`

	Stream streaming.Stats `json:"stream"`

	Removed []sequence.ID `json:"removed,omitempty"`
	Pruned  int           `json:"pruned"`

	Resident      int   `json:"resident"`
	Pending       int   `json:"pending"`
	Candidates    int   `json:"candidates"`
	ResidentBytes int64 `json:"resident_bytes"`
	InFlight      int   `json:"in_flight"`
	// Owed counts completions still due from the codec, cancelled and
	// expired fetches included.
	Owed int `json:"owed"`
}
