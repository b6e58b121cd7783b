// Package identity holds the persona cascade: a global default, per-channel
// defaults, and a session-level override, resolved field by field.
package identity

import (
	"sync"

	"github.com/hivegate/hivegate/protocol"
)

// Store keeps the global and per-channel identity defaults. Records are
// immutable once set; updates replace the whole record.
type Store struct {
	mu      sync.RWMutex
	global  *protocol.Identity
	channel map[string]*protocol.Identity
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{channel: make(map[string]*protocol.Identity)}
}

// SetGlobal replaces the global default. A nil identity clears it.
func (s *Store) SetGlobal(id *protocol.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = cloneIdentity(id)
}

// SetChannel replaces the default for one channel. A nil identity clears it.
func (s *Store) SetChannel(channelID string, id *protocol.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == nil {
		delete(s.channel, channelID)
		return
	}
	s.channel[channelID] = cloneIdentity(id)
}

// Resolve merges the cascade for a channel with an optional session-level
// override. Each field independently takes the most specific non-empty
// value: override, then channel default, then global default.
func (s *Store) Resolve(channelID string, override *protocol.Identity) protocol.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out protocol.Identity
	for _, layer := range []*protocol.Identity{s.global, s.channel[channelID], override} {
		if layer == nil {
			continue
		}
		if layer.Name != "" {
			out.Name = layer.Name
		}
		if layer.Avatar != "" {
			out.Avatar = layer.Avatar
		}
		if layer.Bio != "" {
			out.Bio = layer.Bio
		}
		if layer.SystemPromptPrefix != "" {
			out.SystemPromptPrefix = layer.SystemPromptPrefix
		}
	}
	return out
}

func cloneIdentity(id *protocol.Identity) *protocol.Identity {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}
