// Package codec defines the capability set the streaming core consumes from
// a tile decoder: begin a fetch, cancel it, release a payload.
package codec

import (
	"github.com/pkg/errors"

	"tilestream.ai/internal/sequence"
)

var (
	// ErrDescriptorChanged is returned in a Result when the source behind a
	// sequence no longer matches its registered descriptor. The core treats
	// it as fatal for that sequence.
	ErrDescriptorChanged = errors.New("sequence descriptor changed")
	ErrCancelled         = errors.New("fetch cancelled")
)

// Payload is a decoded tile held in memory until released.
type Payload interface {
	Size() int64
}

type Result struct {
	Payload Payload
	Err     error
}

// Done is the completion callback. It is invoked exactly once per
// BeginFetch, on any goroutine, and may block.
type Done func(Result)

// Codec is implemented by tile sources. BeginFetch must not block on I/O.
// CancelFetch is advisory: done still runs, either with the payload or with
// ErrCancelled.
type Codec interface {
	BeginFetch(key sequence.TileKey, done Done)
	CancelFetch(key sequence.TileKey)
	Release(p Payload) error
}

// Binder is implemented by codecs that need to know a sequence's
// descriptor before fetching its tiles.
type Binder interface {
	Bind(id sequence.ID, d sequence.Descriptor) error
	Unbind(id sequence.ID)
}
