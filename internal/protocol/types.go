package protocol

import "encoding/json"

// Frame types understood on the wire. Any other type still decodes so the
// dispatcher can reject it explicitly.
const (
	TypeOnDuty  = "staff.onduty"
	TypeOffDuty = "staff.offduty"
	TypeOrder   = "order"
	TypePayload = "payload"
	TypeResult  = "result"
	TypeError   = "error"
)

// Frame is one newline-delimited JSON message exchanged with a connection.
type Frame struct {
	Type string `json:"type"`

	// ID identifies the worker (staff.onduty, staff.offduty).
	ID string `json:"id,omitempty"`
	// Capabilities are declared by a worker going on duty.
	Capabilities []string `json:"capabilities,omitempty"`
	// Capability is the one requested by an order.
	Capability string `json:"capability,omitempty"`

	// Payload carries job payloads and results.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Error carries a failure message in place of a result.
	Error string `json:"error,omitempty"`
}

// Known reports whether the frame type is one this protocol defines.
func (f *Frame) Known() bool {
	switch f.Type {
	case TypeOnDuty, TypeOffDuty, TypeOrder, TypePayload, TypeResult, TypeError:
		return true
	}
	return false
}
