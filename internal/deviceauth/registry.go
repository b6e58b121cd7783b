// Package deviceauth verifies node credentials at registration time. It
// supports a legacy shared bearer token, Ed25519-signed JWTs with
// Trust-On-First-Use key pinning, or both, and guards the policy path with a
// circuit breaker.
package deviceauth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrRegistryFull is returned when TOFU would exceed maxDeviceKeys.
	ErrRegistryFull = errors.New("device key registry is full")

	// ErrKeyExists is returned when installing over an existing pin.
	ErrKeyExists = errors.New("device key already pinned")
)

// Registry is the device key map. The core keeps keys in memory; persistence
// across restarts is an adapter concern (see internal/keystore).
type Registry interface {
	// Lookup returns the pinned key for a node, if any.
	Lookup(nodeID string) (ed25519.PublicKey, bool)

	// Install pins a key for a node. It fails if the node already has a
	// pin or the registry is at capacity.
	Install(nodeID string, key ed25519.PublicKey) error

	// Len returns the number of pinned keys.
	Len() int
}

// MemoryRegistry is the in-memory Registry. Writes are serialized; reads
// take a shared lock.
type MemoryRegistry struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
	max  int
}

// NewMemoryRegistry creates a registry bounded at max keys.
func NewMemoryRegistry(max int) *MemoryRegistry {
	return &MemoryRegistry{
		keys: make(map[string]ed25519.PublicKey),
		max:  max,
	}
}

// Seed installs known keys at boot, overwriting nothing. Invalid entries are
// reported, valid ones are kept.
func (r *MemoryRegistry) Seed(keys map[string]ed25519.PublicKey) error {
	var errs []error
	for nodeID, key := range keys {
		if err := r.Install(nodeID, key); err != nil && !errors.Is(err, ErrKeyExists) {
			errs = append(errs, fmt.Errorf("seed key for %q: %w", nodeID, err))
		}
	}
	return errors.Join(errs...)
}

func (r *MemoryRegistry) Lookup(nodeID string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[nodeID]
	return key, ok
}

func (r *MemoryRegistry) Install(nodeID string, key ed25519.PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("device key for %q has length %d, want %d", nodeID, len(key), ed25519.PublicKeySize)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[nodeID]; ok {
		return ErrKeyExists
	}
	if len(r.keys) >= r.max {
		return ErrRegistryFull
	}
	r.keys[nodeID] = key
	return nil
}

func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}
