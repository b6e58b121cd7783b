package convo

import (
	"sync"
	"time"
)

// Tracker keeps a bounded, TTL-pruned set of active conversation keys so the
// gateway can cap the number of live conversations and expose the count.
// Pruning is lazy: expired entries are collected on Touch and Len.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]time.Time
	max     int
	ttl     time.Duration
	now     func() time.Time
}

// NewTracker creates a tracker holding at most max conversations, each
// expiring ttl after its last touch.
func NewTracker(max int, ttl time.Duration) *Tracker {
	return &Tracker{
		entries: make(map[string]time.Time),
		max:     max,
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetLimits updates the capacity and TTL on hot reload.
func (t *Tracker) SetLimits(max int, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.max = max
	t.ttl = ttl
}

// Touch records activity on a conversation key. It returns false when the
// key is new and the tracker is at capacity after pruning.
func (t *Tracker) Touch(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.pruneLocked(now)

	if _, ok := t.entries[key]; !ok && len(t.entries) >= t.max {
		return false
	}
	t.entries[key] = now.Add(t.ttl)
	return true
}

// Len returns the number of live conversations.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.now())
	return len(t.entries)
}

func (t *Tracker) pruneLocked(now time.Time) {
	for key, deadline := range t.entries {
		if now.After(deadline) {
			delete(t.entries, key)
		}
	}
}
