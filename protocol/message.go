package protocol

import (
	"encoding/json"
	"net/url"
	"unicode/utf8"
)

// Lane is a named priority class for messages delivered to a node.
type Lane string

const (
	LaneSteer    Lane = "steer"
	LaneCollect  Lane = "collect"
	LaneFollowup Lane = "followup"

	// LaneInterrupt is never queued: it is delivered inline, ahead of any
	// dequeue, and preempts in-progress work on the node.
	LaneInterrupt Lane = "interrupt"
)

// Valid reports whether the lane is one of the recognised lanes.
func (l Lane) Valid() bool {
	switch l {
	case LaneSteer, LaneCollect, LaneFollowup, LaneInterrupt:
		return true
	}
	return false
}

// Queueable reports whether messages in this lane are buffered in the lane
// queue. Interrupt bypasses the queue entirely.
func (l Lane) Queueable() bool { return l.Valid() && l != LaneInterrupt }

// Priority returns the dequeue priority of a queueable lane. Lower is
// served first: steer before collect before followup.
func (l Lane) Priority() int {
	switch l {
	case LaneSteer:
		return 0
	case LaneCollect:
		return 1
	default:
		return 2
	}
}

// QueueableLanes lists the buffered lanes in priority order.
var QueueableLanes = [3]Lane{LaneSteer, LaneCollect, LaneFollowup}

// MessageType distinguishes direct and group conversations.
type MessageType string

const (
	MessageTypeDM    MessageType = "dm"
	MessageTypeGroup MessageType = "group"
)

// RoutingContext carries the conversation-scoping inputs attached to a lane
// message.
type RoutingContext struct {
	PeerID      string      `json:"peerId,omitempty"`
	AccountID   string      `json:"accountId,omitempty"`
	GroupID     string      `json:"groupId,omitempty"`
	MessageType MessageType `json:"messageType,omitempty"`
}

// LaneMessage is a single unit of work for a node. The payload is opaque to
// the control plane.
type LaneMessage struct {
	ID             string          `json:"id"`
	Lane           Lane            `json:"lane"`
	ChannelID      string          `json:"channelId"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      int64           `json:"timestamp"`
	RoutingContext *RoutingContext `json:"routingContext,omitempty"`
}

// Validate checks the structural invariants of a lane message.
func (m *LaneMessage) Validate() error {
	if m.ID == "" {
		return malformed("message id is required")
	}
	if !m.Lane.Valid() {
		return malformed("unknown lane %q", m.Lane)
	}
	if m.Timestamp <= 0 {
		return malformed("message timestamp must be a positive integer")
	}
	return nil
}

// Capabilities is what a node advertises at registration time.
type Capabilities struct {
	AgentTypes     []string `json:"agentTypes"`
	AgentIDs       []string `json:"agentIds,omitempty"`
	Tools          []string `json:"tools"`
	MaxConcurrency int      `json:"maxConcurrency"`
	Channels       []string `json:"channels"`
}

// Validate checks the capability invariants.
func (c *Capabilities) Validate() error {
	if len(c.AgentTypes) == 0 {
		return malformed("capabilities.agentTypes must not be empty")
	}
	if c.MaxConcurrency <= 0 {
		return malformed("capabilities.maxConcurrency must be greater than 0")
	}
	if len(c.Channels) == 0 {
		return malformed("capabilities.channels must not be empty")
	}
	return nil
}

// HasChannel reports whether the node serves the given channel.
func (c *Capabilities) HasChannel(channel string) bool {
	for _, ch := range c.Channels {
		if ch == channel {
			return true
		}
	}
	return false
}

// ServesAgent reports whether the node accepts work for the given agent ID.
// An empty agentIds list means any agent.
func (c *Capabilities) ServesAgent(agentID string) bool {
	if len(c.AgentIDs) == 0 {
		return true
	}
	for _, id := range c.AgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

// Identity field length bounds, in runes.
const (
	MaxIdentityName   = 80
	MaxIdentityBio    = 512
	MaxIdentityPrefix = 4096
)

// Identity is a node-facing persona record. Records are immutable; an update
// replaces the whole record.
type Identity struct {
	Name               string `json:"name,omitempty"`
	Avatar             string `json:"avatar,omitempty"`
	Bio                string `json:"bio,omitempty"`
	SystemPromptPrefix string `json:"systemPromptPrefix,omitempty"`
}

// Validate enforces the identity field bounds and that avatar, when present,
// parses as an absolute URL.
func (i *Identity) Validate() error {
	if utf8.RuneCountInString(i.Name) > MaxIdentityName {
		return malformed("identity.name exceeds %d characters", MaxIdentityName)
	}
	if utf8.RuneCountInString(i.Bio) > MaxIdentityBio {
		return malformed("identity.bio exceeds %d characters", MaxIdentityBio)
	}
	if utf8.RuneCountInString(i.SystemPromptPrefix) > MaxIdentityPrefix {
		return malformed("identity.systemPromptPrefix exceeds %d characters", MaxIdentityPrefix)
	}
	if i.Avatar != "" {
		u, err := url.Parse(i.Avatar)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return malformed("identity.avatar is not an absolute URL")
		}
	}
	return nil
}

// IsZero reports whether every identity field is empty.
func (i *Identity) IsZero() bool {
	return i.Name == "" && i.Avatar == "" && i.Bio == "" && i.SystemPromptPrefix == ""
}

// SessionState is the lifecycle state of a node session.
type SessionState string

const (
	StateConnected    SessionState = "connected"
	StateIdle         SessionState = "idle"
	StateSuspended    SessionState = "suspended"
	StateDisconnected SessionState = "disconnected"
)

// Valid reports whether the state is one of the recognised session states.
func (s SessionState) Valid() bool {
	switch s {
	case StateConnected, StateIdle, StateSuspended, StateDisconnected:
		return true
	}
	return false
}
