// Package feedproto is the JSON wire protocol between tilestreamd and the
// renderer-side clients that drive observers and primitives.
package feedproto

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeAddObserver     = "ADD_OBSERVER"
	TypeUpdateObserver  = "UPDATE_OBSERVER"
	TypeRemoveObserver  = "REMOVE_OBSERVER"
	TypeAddPrimitive    = "ADD_PRIMITIVE"
	TypeUpdatePrimitive = "UPDATE_PRIMITIVE"
	TypeSetMask         = "SET_MASK"
	TypeRemovePrimitive = "REMOVE_PRIMITIVE"
	TypeSubscribe       = "SUBSCRIBE"

	TypeAck       = "ACK"
	TypeError     = "ERROR"
	TypeSelection = "SELECTION"
)

// BaseMessage lets the transport route a message by type before decoding it
// fully. ReqID is echoed in the ACK or ERROR that answers it.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	ReqID           string `json:"req_id,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
