package feedproto

import (
	"context"

	"github.com/pkg/errors"

	"tilestream.ai/internal/core"
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Core taxonomy.
	ErrUnknownSequence    = "E_UNKNOWN_SEQUENCE"
	ErrUnknownPrimitive   = "E_UNKNOWN_PRIMITIVE"
	ErrUnknownObserver    = "E_UNKNOWN_OBSERVER"
	ErrOutOfRange         = "E_OUT_OF_RANGE"
	ErrDimensionMismatch  = "E_DIMENSION_MISMATCH"
	ErrPermanentlyMissing = "E_PERMANENTLY_MISSING"
	ErrBusy               = "E_BUSY"
	ErrInternal           = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:    {},
	ErrProtoVersion:       {},
	ErrUnknownSequence:    {},
	ErrUnknownPrimitive:   {},
	ErrUnknownObserver:    {},
	ErrOutOfRange:         {},
	ErrDimensionMismatch:  {},
	ErrPermanentlyMissing: {},
	ErrBusy:               {},
	ErrInternal:           {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// CodeOf maps a core error onto its wire code.
func CodeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, core.ErrUnknownSequence):
		return ErrUnknownSequence
	case errors.Is(err, core.ErrUnknownPrimitive):
		return ErrUnknownPrimitive
	case errors.Is(err, core.ErrUnknownObserver):
		return ErrUnknownObserver
	case errors.Is(err, core.ErrOutOfRange):
		return ErrOutOfRange
	case errors.Is(err, core.ErrDimensionMismatch):
		return ErrDimensionMismatch
	case errors.Is(err, core.ErrPermanentlyMissing):
		return ErrPermanentlyMissing
	case errors.Is(err, core.ErrCommandBufferClosed), errors.Is(err, context.DeadlineExceeded):
		return ErrBusy
	default:
		return ErrInternal
	}
}

func NewError(reqID, code, msg string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, ReqID: reqID, Code: code, Message: msg}
}
