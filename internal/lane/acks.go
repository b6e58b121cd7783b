package lane

import (
	"sync"
	"time"

	"github.com/hivegate/hivegate/protocol"
)

// ExpireFunc is called off the tracker's lock when a delivered message has
// not been acknowledged within the ack timeout. attempt counts deliveries so
// far: 1 means the first delivery timed out and the message should be
// re-emitted, 2 means the re-emit also timed out and the message should be
// surfaced to operators.
type ExpireFunc func(msg *protocol.LaneMessage, attempt int)

type pendingAck struct {
	msg     *protocol.LaneMessage
	attempt int
	timer   *time.Timer
}

// AckTracker keeps the at-least-once ack obligations for one connection.
// Each tracked message gets a timer; the expiry policy (re-emit once, then
// surface) is the caller's via ExpireFunc.
type AckTracker struct {
	mu       sync.Mutex
	pending  map[string]*pendingAck
	timeout  time.Duration
	onExpire ExpireFunc
	closed   bool
}

// NewAckTracker creates a tracker with the given ack timeout.
func NewAckTracker(timeout time.Duration, onExpire ExpireFunc) *AckTracker {
	return &AckTracker{
		pending:  make(map[string]*pendingAck),
		timeout:  timeout,
		onExpire: onExpire,
	}
}

// SetTimeout applies a hot-reloaded ack timeout to future deliveries.
func (t *AckTracker) SetTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = timeout
}

// Track records a delivery awaiting acknowledgement. Re-tracking the same
// message ID (a re-emit) bumps its attempt count and restarts the timer.
func (t *AckTracker) Track(msg *protocol.LaneMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	p, ok := t.pending[msg.ID]
	if ok {
		p.attempt++
		p.timer.Reset(t.timeout)
		return
	}
	p = &pendingAck{msg: msg, attempt: 1}
	p.timer = time.AfterFunc(t.timeout, func() { t.expire(msg.ID) })
	t.pending[msg.ID] = p
}

// Ack clears the obligation for a message. It returns false for unknown or
// already-cleared IDs.
func (t *AckTracker) Ack(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[messageID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(t.pending, messageID)
	return true
}

// Abandon discards every pending obligation. Used when an interrupt preempts
// in-flight work or the connection closes.
func (t *AckTracker) Abandon() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.pending {
		p.timer.Stop()
		delete(t.pending, id)
	}
}

// Close abandons all obligations and rejects further tracking.
func (t *AckTracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.Abandon()
}

// Pending returns the number of unacknowledged deliveries.
func (t *AckTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *AckTracker) expire(messageID string) {
	t.mu.Lock()
	p, ok := t.pending[messageID]
	if !ok {
		t.mu.Unlock()
		return
	}
	attempt := p.attempt
	if attempt >= 2 {
		// Re-emit already happened; drop the obligation and surface.
		p.timer.Stop()
		delete(t.pending, messageID)
	}
	msg := p.msg
	onExpire := t.onExpire
	t.mu.Unlock()

	if onExpire != nil {
		onExpire(msg, attempt)
	}
}
