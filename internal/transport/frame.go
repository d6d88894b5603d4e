// Package transport implements the correlated envelope protocol between the
// UI side and the background sync context. Every request carries a fresh
// correlation identifier; responses, streamed or single-shot, are routed
// back by matching that identifier, never by arrival order.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame is the wire envelope. Exactly one shape is populated:
//
//	request:  Kind + CorrelationID (+ Payload)
//	response: CorrelationID + Payload + Final
//	error:    CorrelationID + Error
//	event:    Event (unsolicited, no correlation)
type Frame struct {
	Kind          string          `json:"kind,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Final         bool            `json:"final,omitempty"`
	Error         *WireError      `json:"error,omitempty"`
	Event         *EventFrame     `json:"event,omitempty"`
}

// IsRequest reports whether the frame is an outbound request.
func (f Frame) IsRequest() bool { return f.Kind != "" && f.CorrelationID != "" }

// EventFrame is an unsolicited notification pushed without a matching
// request (cache invalidation, newly loaded users, status changes).
type EventFrame struct {
	Subkind string          `json:"subkind"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// WireError is an error serialized for the channel. Native error values do
// not cross the boundary as-is; the message and any structured fields do,
// and the receiving side gets this opaque reconstruction rather than the
// original type or stack.
type WireError struct {
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (e *WireError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s %v", e.Message, e.Fields)
}

// FieldsProvider lets typed errors expose structured fields that survive
// serialization across the channel.
type FieldsProvider interface {
	ErrorFields() map[string]string
}

// NewWireError serializes err: its message plus any fields it exposes.
func NewWireError(err error) *WireError {
	we := &WireError{Message: err.Error()}
	var fp FieldsProvider
	if errors.As(err, &fp) {
		we.Fields = fp.ErrorFields()
	}
	return we
}
