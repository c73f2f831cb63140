// Package protocol defines the WebSocket envelope types exchanged between a
// chat client and the routing server. Every envelope is a JSON object with a
// "type" discriminator; the remaining fields depend on the type.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> Server envelope types.
const (
	TypeIdentify = "identify"
	TypeChat     = "chat"
)

// Server -> Client envelope types. TypeChat is shared: a delivered message
// uses the same discriminator as the inbound chat envelope.
const (
	TypeInitOK = "init_ok"
	TypeDelete = "delete"
)

// Content kinds carried in the msgType field.
const (
	KindText = "text"
	KindFile = "file"
)

// Envelope holds the type discriminator and the raw JSON payload for
// deferred decoding into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the payload can be decoded later against the matching struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// IdentifyMsg binds the connection to an authenticated identity. The userId
// is trusted here; credential verification happens upstream of the router.
type IdentifyMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// ChatMsg is an inbound chat envelope. Exactly one routing target applies:
// To (private), GroupID (group), or neither (public broadcast). When both
// are present, To wins.
type ChatMsg struct {
	Type          string `json:"type"`
	Sender        string `json:"sender"`
	To            string `json:"to,omitempty"`
	GroupID       string `json:"groupId,omitempty"`
	Content       string `json:"content"`
	MsgType       string `json:"msgType,omitempty"`
	DisappearTime int    `json:"disappearTime,omitempty"`
}

// InitOKMsg acknowledges a successful identify.
type InitOKMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// DeliveredMsg is the server-assigned form of a chat message pushed to
// recipients: the inbound envelope plus id and timestamp.
type DeliveredMsg struct {
	Type          string `json:"type"`
	ID            string `json:"id"`
	Sender        string `json:"sender"`
	To            string `json:"to,omitempty"`
	GroupID       string `json:"groupId,omitempty"`
	Content       string `json:"content"`
	MsgType       string `json:"msgType"`
	Timestamp     int64  `json:"timestamp"`
	DisappearTime int    `json:"disappearTime,omitempty"`
}

// DeleteMsg notifies clients that a message has been removed (expired).
type DeleteMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ErrUnknownType marks an envelope whose type has no registered decoder.
// Unknown types are not a protocol violation; the router ignores them.
type ErrUnknownType struct {
	Type string
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("protocol: unknown client envelope type: %q", e.Type)
}

// ParseClientMessage parses raw WebSocket bytes into a typed client
// envelope. It returns the type string, the decoded struct, and any error.
// Unknown types return *ErrUnknownType so callers can distinguish "ignore"
// from "malformed".
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse envelope: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeIdentify:
		var m IdentifyMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChat:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, &ErrUnknownType{Type: env.Type}
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage JSON-encodes a server envelope, injecting msgType under
// the "type" key so the payload structs never need to carry it themselves.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server envelope: %w", err)
	}
	return out, nil
}
