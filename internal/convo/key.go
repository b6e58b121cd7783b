// Package convo derives deterministic conversation keys from routing context
// and resolves agent bindings for inbound adapter messages. Conversation keys
// partition agent state; two messages with the same key share a conversation.
package convo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hivegate/hivegate/protocol"
)

// Scope selects how finely conversations are partitioned.
type Scope string

const (
	ScopeMain                  Scope = "main"
	ScopePerPeer               Scope = "per-peer"
	ScopePerChannelPeer        Scope = "per-channel-peer"
	ScopePerAccountChannelPeer Scope = "per-account-channel-peer"
)

// Valid reports whether the scope is recognised.
func (s Scope) Valid() bool {
	switch s {
	case ScopeMain, ScopePerPeer, ScopePerChannelPeer, ScopePerAccountChannelPeer:
		return true
	}
	return false
}

var (
	ErrUnknownScope   = errors.New("unknown conversation scope")
	ErrMissingAgent   = errors.New("agentId is required")
	ErrMissingChannel = errors.New("channelId is required for channel-scoped keys")
	ErrMissingPeer    = errors.New("peerId is required for per-peer scopes")
	ErrMissingGroup   = errors.New("groupId is required for group messages")
	ErrReservedColon  = errors.New("routing fields must not contain ':'")
)

// Input is the routing context a conversation key is derived from. Empty
// strings are treated as missing.
type Input struct {
	Scope       Scope
	AgentID     string
	ChannelID   string
	PeerID      string
	AccountID   string
	GroupID     string
	MessageType protocol.MessageType
}

// Resolution is the outcome of a key derivation. EffectiveScope records the
// scope actually used; it differs from RequestedScope only when the
// accountId fallback degraded the key.
type Resolution struct {
	Key            string
	RequestedScope Scope
	EffectiveScope Scope
	Degraded       bool
	Warnings       []string
}

// Resolve derives the conversation key for the given input. Only accountId
// permits graceful degradation; every other missing field required by the
// requested scope is a hard error, as is a colon in any input field.
func Resolve(in Input) (Resolution, error) {
	res := Resolution{RequestedScope: in.Scope, EffectiveScope: in.Scope}

	if !in.Scope.Valid() {
		return res, fmt.Errorf("%w: %q", ErrUnknownScope, in.Scope)
	}
	if in.AgentID == "" {
		return res, ErrMissingAgent
	}
	for _, field := range []string{in.AgentID, in.ChannelID, in.PeerID, in.AccountID, in.GroupID} {
		if strings.Contains(field, ":") {
			return res, fmt.Errorf("%w: %q", ErrReservedColon, field)
		}
	}

	// Group messages collapse every scope onto the group form.
	if in.MessageType == protocol.MessageTypeGroup {
		if in.GroupID == "" {
			return res, ErrMissingGroup
		}
		if in.ChannelID == "" {
			return res, ErrMissingChannel
		}
		res.Key = fmt.Sprintf("agent:%s:%s:group:%s", in.AgentID, in.ChannelID, in.GroupID)
		return res, nil
	}

	scope := in.Scope
	if scope == ScopePerAccountChannelPeer && in.AccountID == "" {
		scope = ScopePerChannelPeer
		res.EffectiveScope = scope
		res.Degraded = true
		res.Warnings = append(res.Warnings, "accountId missing; degraded to per-channel-peer")
	}

	switch scope {
	case ScopeMain:
		res.Key = fmt.Sprintf("agent:%s:main", in.AgentID)
	case ScopePerPeer:
		if in.PeerID == "" {
			return res, ErrMissingPeer
		}
		res.Key = fmt.Sprintf("agent:%s:dm:%s", in.AgentID, in.PeerID)
	case ScopePerChannelPeer:
		if in.PeerID == "" {
			return res, ErrMissingPeer
		}
		if in.ChannelID == "" {
			return res, ErrMissingChannel
		}
		res.Key = fmt.Sprintf("agent:%s:%s:dm:%s", in.AgentID, in.ChannelID, in.PeerID)
	case ScopePerAccountChannelPeer:
		if in.PeerID == "" {
			return res, ErrMissingPeer
		}
		if in.ChannelID == "" {
			return res, ErrMissingChannel
		}
		res.Key = fmt.Sprintf("agent:%s:%s:%s:dm:%s", in.AgentID, in.ChannelID, in.AccountID, in.PeerID)
	}
	return res, nil
}

// Parsed is the inverse view of a conversation key.
type Parsed struct {
	Scope     Scope
	AgentID   string
	ChannelID string
	AccountID string
	PeerID    string
	GroupID   string
	Group     bool
}

// ParseKey recovers the routing fields from a conversation key. It returns
// false for malformed or unrecognised shapes: wrong segment count, empty
// segments, or an unknown connector between channel and body.
func ParseKey(key string) (Parsed, bool) {
	segs := strings.Split(key, ":")
	if len(segs) < 3 || segs[0] != "agent" {
		return Parsed{}, false
	}
	for _, s := range segs {
		if s == "" {
			return Parsed{}, false
		}
	}

	agentID := segs[1]
	switch len(segs) {
	case 3:
		if segs[2] != "main" {
			return Parsed{}, false
		}
		return Parsed{Scope: ScopeMain, AgentID: agentID}, true
	case 4:
		if segs[2] != "dm" {
			return Parsed{}, false
		}
		return Parsed{Scope: ScopePerPeer, AgentID: agentID, PeerID: segs[3]}, true
	case 5:
		switch segs[3] {
		case "dm":
			return Parsed{Scope: ScopePerChannelPeer, AgentID: agentID, ChannelID: segs[2], PeerID: segs[4]}, true
		case "group":
			return Parsed{AgentID: agentID, ChannelID: segs[2], GroupID: segs[4], Group: true}, true
		}
		return Parsed{}, false
	case 6:
		if segs[4] != "dm" {
			return Parsed{}, false
		}
		return Parsed{
			Scope:     ScopePerAccountChannelPeer,
			AgentID:   agentID,
			ChannelID: segs[2],
			AccountID: segs[3],
			PeerID:    segs[5],
		}, true
	}
	return Parsed{}, false
}
