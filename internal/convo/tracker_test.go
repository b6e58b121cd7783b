package convo

import (
	"testing"
	"time"
)

func TestTrackerCapsNewKeys(t *testing.T) {
	t.Parallel()

	tr := NewTracker(2, time.Minute)
	if !tr.Touch("agent:a1:main") || !tr.Touch("agent:a2:main") {
		t.Fatal("Touch() rejected a key under capacity")
	}
	if tr.Touch("agent:a3:main") {
		t.Error("Touch() accepted a new key at capacity")
	}
	if !tr.Touch("agent:a1:main") {
		t.Error("Touch() rejected an existing key at capacity")
	}
	if got := tr.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestTrackerExpiresIdleKeys(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tr := NewTracker(1, time.Minute)
	tr.now = func() time.Time { return now }

	if !tr.Touch("agent:a1:main") {
		t.Fatal("Touch() rejected the first key")
	}
	if tr.Touch("agent:a2:main") {
		t.Fatal("Touch() accepted a second key at capacity")
	}

	now = now.Add(time.Minute + time.Second)
	if !tr.Touch("agent:a2:main") {
		t.Error("Touch() rejected a new key after the old one expired")
	}
	if got := tr.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestTrackerSetLimits(t *testing.T) {
	t.Parallel()

	tr := NewTracker(1, time.Minute)
	if !tr.Touch("agent:a1:main") {
		t.Fatal("Touch() rejected the first key")
	}
	tr.SetLimits(2, time.Minute)
	if !tr.Touch("agent:a2:main") {
		t.Error("Touch() rejected a key after the capacity was raised")
	}
}
