// Package protocol defines the wire protocol spoken between the gateway and
// its nodes: the tagged frame union, the lane message model, RFC 7807 problem
// details, and the WebSocket close codes. Frames are single JSON objects with
// a "kind" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind identifies a frame type on the wire.
type Kind string

const (
	KindRegister       Kind = "node.register"
	KindRegisterAck    Kind = "node.register.ack"
	KindDeregister     Kind = "node.deregister"
	KindHeartbeatPing  Kind = "heartbeat.ping"
	KindHeartbeatPong  Kind = "heartbeat.pong"
	KindLaneMessage    Kind = "lane.message"
	KindLaneAck        Kind = "lane.message.ack"
	KindSessionUpdate  Kind = "session.update"
	KindIdentityUpdate Kind = "session.identity.update"
	KindConfigChanged  Kind = "config.changed"
	KindError          Kind = "error"
)

// Frame is the sealed union of all protocol frames. Concrete frame types are
// pointers; adding a new kind requires extending Decode and every type switch
// over Frame, which the compiler enforces through the unexported marker.
type Frame interface {
	FrameKind() Kind
	Validate() error
	isFrame()
}

// Register is the first frame a node sends after connecting. At least one of
// Token or Signature must satisfy the gateway's auth mode; the codec accepts
// either being absent because auth policy belongs to the supervisor.
type Register struct {
	Kind         Kind         `json:"kind"`
	NodeID       string       `json:"nodeId"`
	Capabilities Capabilities `json:"capabilities"`
	Token        string       `json:"token,omitempty"`
	Signature    string       `json:"signature,omitempty"`
	PublicKey    string       `json:"publicKey,omitempty"`
}

// RegisterAck confirms a successful registration and carries the session ID
// assigned to this connection.
type RegisterAck struct {
	Kind      Kind   `json:"kind"`
	NodeID    string `json:"nodeId"`
	SessionID string `json:"sessionId"`
}

// Deregister announces an orderly departure. The gateway transitions the
// session to disconnected and closes the connection cleanly.
type Deregister struct {
	Kind   Kind   `json:"kind"`
	NodeID string `json:"nodeId,omitempty"`
}

// HeartbeatPing carries a positive integer millisecond timestamp. The peer
// echoes it back in a HeartbeatPong.
type HeartbeatPing struct {
	Kind      Kind  `json:"kind"`
	Timestamp int64 `json:"timestamp"`
}

// HeartbeatPong echoes the timestamp of the ping it answers.
type HeartbeatPong struct {
	Kind      Kind  `json:"kind"`
	Timestamp int64 `json:"timestamp"`
}

// LaneMessageFrame delivers one lane message. The frame-level lane must agree
// with the embedded message's lane.
type LaneMessageFrame struct {
	Kind    Kind        `json:"kind"`
	Lane    Lane        `json:"lane"`
	Message LaneMessage `json:"message"`
}

// LaneAck acknowledges receipt and handling of a lane message.
type LaneAck struct {
	Kind      Kind   `json:"kind"`
	MessageID string `json:"messageId"`
}

// SessionUpdate notifies the node of a session state change.
type SessionUpdate struct {
	Kind      Kind         `json:"kind"`
	SessionID string       `json:"sessionId"`
	NodeID    string       `json:"nodeId"`
	State     SessionState `json:"state"`
	Timestamp int64        `json:"timestamp"`
}

// IdentityUpdate replaces the session-level identity override. All identity
// fields are optional but bounded.
type IdentityUpdate struct {
	Kind      Kind     `json:"kind"`
	SessionID string   `json:"sessionId"`
	NodeID    string   `json:"nodeId"`
	Identity  Identity `json:"identity"`
	Timestamp int64    `json:"timestamp"`
}

// ConfigChanged announces a hot reload, listing the names of the fields that
// changed.
type ConfigChanged struct {
	Kind      Kind     `json:"kind"`
	Fields    []string `json:"fields"`
	Timestamp int64    `json:"timestamp"`
}

// ErrorFrame surfaces a problem tied to a single inbound frame. It never by
// itself terminates the connection.
type ErrorFrame struct {
	Kind      Kind    `json:"kind"`
	RequestID string  `json:"requestId,omitempty"`
	Problem   Problem `json:"error"`
	Timestamp int64   `json:"timestamp"`
}

func (*Register) FrameKind() Kind         { return KindRegister }
func (*RegisterAck) FrameKind() Kind      { return KindRegisterAck }
func (*Deregister) FrameKind() Kind       { return KindDeregister }
func (*HeartbeatPing) FrameKind() Kind    { return KindHeartbeatPing }
func (*HeartbeatPong) FrameKind() Kind    { return KindHeartbeatPong }
func (*LaneMessageFrame) FrameKind() Kind { return KindLaneMessage }
func (*LaneAck) FrameKind() Kind          { return KindLaneAck }
func (*SessionUpdate) FrameKind() Kind    { return KindSessionUpdate }
func (*IdentityUpdate) FrameKind() Kind   { return KindIdentityUpdate }
func (*ConfigChanged) FrameKind() Kind    { return KindConfigChanged }
func (*ErrorFrame) FrameKind() Kind       { return KindError }

func (*Register) isFrame()         {}
func (*RegisterAck) isFrame()      {}
func (*Deregister) isFrame()       {}
func (*HeartbeatPing) isFrame()    {}
func (*HeartbeatPong) isFrame()    {}
func (*LaneMessageFrame) isFrame() {}
func (*LaneAck) isFrame()         {}
func (*SessionUpdate) isFrame()    {}
func (*IdentityUpdate) isFrame()   {}
func (*ConfigChanged) isFrame()    {}
func (*ErrorFrame) isFrame()       {}

func (f *Register) Validate() error {
	if f.NodeID == "" {
		return malformed("node.register: nodeId is required")
	}
	if err := f.Capabilities.Validate(); err != nil {
		return malformed("node.register: %v", err)
	}
	return nil
}

func (f *RegisterAck) Validate() error {
	if f.NodeID == "" || f.SessionID == "" {
		return malformed("node.register.ack: nodeId and sessionId are required")
	}
	return nil
}

func (f *Deregister) Validate() error { return nil }

func (f *HeartbeatPing) Validate() error {
	if f.Timestamp <= 0 {
		return malformed("heartbeat.ping: timestamp must be a positive integer")
	}
	return nil
}

func (f *HeartbeatPong) Validate() error {
	if f.Timestamp <= 0 {
		return malformed("heartbeat.pong: timestamp must be a positive integer")
	}
	return nil
}

func (f *LaneMessageFrame) Validate() error {
	if !f.Lane.Valid() {
		return malformed("lane.message: unknown lane %q", f.Lane)
	}
	if f.Lane != f.Message.Lane {
		return malformed("lane.message: frame lane %q does not match message lane %q", f.Lane, f.Message.Lane)
	}
	if err := f.Message.Validate(); err != nil {
		return malformed("lane.message: %v", err)
	}
	return nil
}

func (f *LaneAck) Validate() error {
	if f.MessageID == "" {
		return malformed("lane.message.ack: messageId is required")
	}
	return nil
}

func (f *SessionUpdate) Validate() error {
	if f.SessionID == "" || f.NodeID == "" {
		return malformed("session.update: sessionId and nodeId are required")
	}
	if !f.State.Valid() {
		return malformed("session.update: unknown state %q", f.State)
	}
	if f.Timestamp <= 0 {
		return malformed("session.update: timestamp must be a positive integer")
	}
	return nil
}

func (f *IdentityUpdate) Validate() error {
	if f.SessionID == "" || f.NodeID == "" {
		return malformed("session.identity.update: sessionId and nodeId are required")
	}
	if f.Timestamp <= 0 {
		return malformed("session.identity.update: timestamp must be a positive integer")
	}
	if err := f.Identity.Validate(); err != nil {
		return malformed("session.identity.update: %v", err)
	}
	return nil
}

func (f *ConfigChanged) Validate() error {
	if len(f.Fields) == 0 {
		return malformed("config.changed: fields must not be empty")
	}
	for _, name := range f.Fields {
		if name == "" {
			return malformed("config.changed: field names must not be empty")
		}
	}
	if f.Timestamp <= 0 {
		return malformed("config.changed: timestamp must be a positive integer")
	}
	return nil
}

func (f *ErrorFrame) Validate() error {
	if err := f.Problem.Validate(); err != nil {
		return malformed("error: %v", err)
	}
	if f.Timestamp <= 0 {
		return malformed("error: timestamp must be a positive integer")
	}
	return nil
}

// stamper lets Encode fill in the kind discriminator so callers constructing
// frames directly do not have to.
type stamper interface{ stamp() }

func (f *Register) stamp()         { f.Kind = KindRegister }
func (f *RegisterAck) stamp()      { f.Kind = KindRegisterAck }
func (f *Deregister) stamp()       { f.Kind = KindDeregister }
func (f *HeartbeatPing) stamp()    { f.Kind = KindHeartbeatPing }
func (f *HeartbeatPong) stamp()    { f.Kind = KindHeartbeatPong }
func (f *LaneMessageFrame) stamp() { f.Kind = KindLaneMessage }
func (f *LaneAck) stamp()          { f.Kind = KindLaneAck }
func (f *SessionUpdate) stamp()    { f.Kind = KindSessionUpdate }
func (f *IdentityUpdate) stamp()   { f.Kind = KindIdentityUpdate }
func (f *ConfigChanged) stamp()    { f.Kind = KindConfigChanged }
func (f *ErrorFrame) stamp()       { f.Kind = KindError }

// Encode validates the frame, stamps its kind discriminator, and serialises
// it to a single JSON object.
func Encode(f Frame) ([]byte, error) {
	f.(stamper).stamp()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", f.FrameKind(), err)
	}
	return data, nil
}

// envelope extracts the discriminator before the full decode.
type envelope struct {
	Kind Kind `json:"kind"`
}

// Decode parses a single frame, dispatching on the kind discriminator and
// validating the result. Malformed input is reported as a *ProblemError with
// a MalformedFrame problem so callers can echo it back in an error frame.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, malformed("invalid frame JSON: %v", err)
	}

	var f Frame
	switch env.Kind {
	case KindRegister:
		f = &Register{}
	case KindRegisterAck:
		f = &RegisterAck{}
	case KindDeregister:
		f = &Deregister{}
	case KindHeartbeatPing:
		f = &HeartbeatPing{}
	case KindHeartbeatPong:
		f = &HeartbeatPong{}
	case KindLaneMessage:
		f = &LaneMessageFrame{}
	case KindLaneAck:
		f = &LaneAck{}
	case KindSessionUpdate:
		f = &SessionUpdate{}
	case KindIdentityUpdate:
		f = &IdentityUpdate{}
	case KindConfigChanged:
		f = &ConfigChanged{}
	case KindError:
		f = &ErrorFrame{}
	case "":
		return nil, malformed("frame is missing the kind discriminator")
	default:
		return nil, malformed("unknown frame kind %q", env.Kind)
	}

	if err := json.Unmarshal(data, f); err != nil {
		return nil, malformed("invalid %s frame: %v", env.Kind, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func malformed(format string, args ...any) error {
	return &ProblemError{Problem: Problem{
		Type:   TypeMalformedFrame,
		Title:  "Malformed frame",
		Status: 400,
		Detail: fmt.Sprintf(format, args...),
	}}
}
