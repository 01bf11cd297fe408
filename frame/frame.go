// Package frame implements the sockmux wire codec. Every transmitted unit is
// a JSON array [frameType, sequence, body]. The sequence is a per-socket,
// per-direction monotonically increasing integer assigned by the sender; each
// side tracks only the last sequence it has seen so it can echo it back in
// acknowledgements via the Req field.
package frame

import (
	"encoding/json"
	"fmt"

	"github.com/c360/sockmux/errors"
)

// Type identifies the purpose of a frame on the wire.
type Type string

const (
	// TypeLogin asserts an identity/credential to authenticate a new
	// connection. Client to server only.
	TypeLogin Type = "login"
	// TypeConnect initiates or confirms a connection's connect handshake.
	// Initiation is server to client only; the client echoes it back.
	TypeConnect Type = "connect"
	// TypeDisconnect initiates or confirms a connection's disconnect
	// handshake. Either direction.
	TypeDisconnect Type = "disconnect"
	// TypeEvent delivers application payload over a connected connection.
	TypeEvent Type = "event"
	// TypeAnswer is an optional reply correlated to a previous event by its
	// sequence number.
	TypeAnswer Type = "answer"
	// TypeReject refuses a frame (bad login, protocol violation, disallowed
	// initiation).
	TypeReject Type = "reject"
)

// knownTypes guards decoding against arbitrary frame type strings.
var knownTypes = map[Type]struct{}{
	TypeLogin:      {},
	TypeConnect:    {},
	TypeDisconnect: {},
	TypeEvent:      {},
	TypeAnswer:     {},
	TypeReject:     {},
}

// Frame is one wire unit. Body stays raw until the receiver knows which typed
// body to decode it into.
type Frame struct {
	Type Type
	Seq  int
	Body json.RawMessage
}

// MarshalJSON encodes the frame as the [type, seq, body] array form.
func (f Frame) MarshalJSON() ([]byte, error) {
	body := f.Body
	if body == nil {
		body = json.RawMessage("null")
	}
	return json.Marshal([3]json.RawMessage{
		mustMarshal(string(f.Type)),
		mustMarshal(f.Seq),
		body,
	})
}

// UnmarshalJSON decodes the [type, seq, body] array form.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return errors.WrapInvalid(errors.ErrInvalidFrame, "Frame", "UnmarshalJSON",
			fmt.Sprintf("frame is not a JSON array: %v", err))
	}
	if len(parts) != 3 {
		return errors.WrapInvalid(errors.ErrInvalidFrame, "Frame", "UnmarshalJSON",
			fmt.Sprintf("frame has %d elements, want 3", len(parts)))
	}

	var typ string
	if err := json.Unmarshal(parts[0], &typ); err != nil {
		return errors.WrapInvalid(errors.ErrInvalidFrame, "Frame", "UnmarshalJSON",
			"frame type is not a string")
	}
	if _, ok := knownTypes[Type(typ)]; !ok {
		return errors.WrapInvalid(errors.ErrUnknownFrameType, "Frame", "UnmarshalJSON",
			fmt.Sprintf("frame type %q", typ))
	}

	var seq int
	if err := json.Unmarshal(parts[1], &seq); err != nil {
		return errors.WrapInvalid(errors.ErrInvalidFrame, "Frame", "UnmarshalJSON",
			"frame sequence is not an integer")
	}

	f.Type = Type(typ)
	f.Seq = seq
	f.Body = parts[2]
	return nil
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Only reachable with unmarshalable values, which the fixed
		// body shapes below cannot produce.
		panic(err)
	}
	return data
}

// LoginBody asserts a credential to authenticate a new connection. The
// credential is opaque to the transport; the gateway's authenticator gives it
// meaning.
type LoginBody struct {
	Credential json.RawMessage `json:"credential,omitempty"`
}

// ConnectBody carries a connect handshake step. Req is the sequence of the
// frame being echoed; zero on the initiating frame.
type ConnectBody struct {
	ConnectionID string `json:"connectionId"`
	Req          int    `json:"req,omitempty"`
}

// DisconnectBody carries a disconnect handshake step.
type DisconnectBody struct {
	ConnectionID string `json:"connectionId"`
	Req          int    `json:"req,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// EventBody delivers application payload over a connected connection. ScopeID
// annotates which broadcast scope (topic) the event was fanned out under, when
// any.
type EventBody struct {
	ConnectionID string          `json:"connectionId"`
	Type         string          `json:"type"`
	Subtype      string          `json:"subtype,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ScopeID      string          `json:"scopeId,omitempty"`
}

// AnswerBody replies to a previous event frame, correlated by Req.
type AnswerBody struct {
	Req     int             `json:"req"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RejectBody refuses the frame identified by Req.
type RejectBody struct {
	Req    int    `json:"req"`
	Reason string `json:"reason,omitempty"`
}

// New builds a frame with an encoded body. Callers assign Seq at send time.
func New(t Type, seq int, body any) (Frame, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Frame{}, errors.WrapInvalid(err, "Frame", "New", "encode body")
	}
	return Frame{Type: t, Seq: seq, Body: data}, nil
}

// DecodeBody decodes the raw body into the typed shape for the frame's type.
func DecodeBody[T any](f Frame) (T, error) {
	var body T
	if err := json.Unmarshal(f.Body, &body); err != nil {
		return body, errors.WrapInvalid(errors.ErrInvalidFrame, "Frame", "DecodeBody",
			fmt.Sprintf("decode %s body: %v", f.Type, err))
	}
	return body, nil
}
