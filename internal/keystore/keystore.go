// Package keystore persists pinned device keys in Valkey so that
// trust-on-first-use survives gateway restarts.
package keystore

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hivegate/hivegate/internal/deviceauth"
)

const hashKey = "hivegate:devicekeys"

// Store reads and writes the device key hash in Valkey. Values are stored in
// the wire encoding (unpadded base64url).
type Store struct {
	rdb *redis.Client
}

// NewStore creates a store backed by the given Valkey client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Load returns all persisted device keys. Entries that fail to decode are
// skipped and reported alongside the valid set.
func (s *Store) Load(ctx context.Context) (map[string]ed25519.PublicKey, []string, error) {
	raw, err := s.rdb.HGetAll(ctx, hashKey).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("load device keys: %w", err)
	}

	keys := make(map[string]ed25519.PublicKey, len(raw))
	var skipped []string
	for nodeID, encoded := range raw {
		key, err := deviceauth.DecodeKey(encoded)
		if err != nil {
			skipped = append(skipped, nodeID)
			continue
		}
		keys[nodeID] = key
	}
	return keys, skipped, nil
}

// Save persists one pinned key.
func (s *Store) Save(ctx context.Context, nodeID string, key ed25519.PublicKey) error {
	if err := s.rdb.HSet(ctx, hashKey, nodeID, deviceauth.EncodeKey(key)).Err(); err != nil {
		return fmt.Errorf("save device key: %w", err)
	}
	return nil
}

// Delete removes a pinned key.
func (s *Store) Delete(ctx context.Context, nodeID string) error {
	if err := s.rdb.HDel(ctx, hashKey, nodeID).Err(); err != nil {
		return fmt.Errorf("delete device key: %w", err)
	}
	return nil
}

// PersistentRegistry is a deviceauth.Registry that writes through to Valkey.
// The in-memory registry stays authoritative for the running process; a
// failed write is logged and retried on the next restart's TOFU, never
// surfaced to the registering node.
type PersistentRegistry struct {
	mem     *deviceauth.MemoryRegistry
	store   *Store
	timeout time.Duration
	log     zerolog.Logger
}

// NewPersistentRegistry loads persisted keys into a fresh in-memory registry
// bounded at max and returns the write-through wrapper.
func NewPersistentRegistry(ctx context.Context, store *Store, max int, logger zerolog.Logger) (*PersistentRegistry, error) {
	log := logger.With().Str("component", "keystore").Logger()

	mem := deviceauth.NewMemoryRegistry(max)
	keys, skipped, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	for _, nodeID := range skipped {
		log.Warn().Str("node_id", nodeID).Msg("Skipping undecodable persisted device key")
	}
	if err := mem.Seed(keys); err != nil {
		log.Warn().Err(err).Msg("Some persisted device keys were not loaded")
	}
	log.Info().Int("count", mem.Len()).Msg("Loaded persisted device keys")

	return &PersistentRegistry{
		mem:     mem,
		store:   store,
		timeout: 5 * time.Second,
		log:     log,
	}, nil
}

func (r *PersistentRegistry) Lookup(nodeID string) (ed25519.PublicKey, bool) {
	return r.mem.Lookup(nodeID)
}

func (r *PersistentRegistry) Install(nodeID string, key ed25519.PublicKey) error {
	if err := r.mem.Install(nodeID, key); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.Save(ctx, nodeID, key); err != nil {
		r.log.Error().Err(err).Str("node_id", nodeID).Msg("Failed to persist device key")
	}
	return nil
}

func (r *PersistentRegistry) Len() int {
	return r.mem.Len()
}

// Seed installs configuration-provided keys in memory only. They live in the
// config file, so they are never written back to Valkey.
func (r *PersistentRegistry) Seed(keys map[string]ed25519.PublicKey) error {
	return r.mem.Seed(keys)
}
