// Package lane implements the per-node bounded priority queue across the
// steer, collect, and followup lanes, and the pending-ack tracker for
// at-least-once delivery. A queue belongs to exactly one connection
// supervisor; it is never shared across nodes.
package lane

import (
	"context"
	"errors"
	"sync"

	"github.com/hivegate/hivegate/protocol"
)

var (
	// ErrNotQueueable is returned when an interrupt (or unknown) lane is
	// offered to the queue. Interrupt delivery bypasses the queue.
	ErrNotQueueable = errors.New("lane is not queueable")

	// ErrClosed is returned by Dequeue after Close.
	ErrClosed = errors.New("lane queue closed")
)

// EvictFunc is called when a full lane head-drops its oldest message to
// admit a newer one.
type EvictFunc func(evicted *protocol.LaneMessage)

// Queue is a bounded priority queue. Each queueable lane holds at most
// capacity messages in FIFO order; dequeue serves the highest-priority
// non-empty lane first. Sustained steering starving lower lanes is expected.
type Queue struct {
	mu       sync.Mutex
	lanes    [len(protocol.QueueableLanes)][]*protocol.LaneMessage
	capacity int
	closed   bool
	notify   chan struct{}
	onEvict  EvictFunc
}

// NewQueue creates a queue with the given per-lane capacity. onEvict may be
// nil.
func NewQueue(capacity int, onEvict EvictFunc) *Queue {
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		onEvict:  onEvict,
	}
}

// SetCapacity applies a hot-reloaded per-lane capacity. Lanes already over
// the new capacity head-drop down to it.
func (q *Queue) SetCapacity(capacity int) {
	q.mu.Lock()
	var evicted []*protocol.LaneMessage
	q.capacity = capacity
	for i := range q.lanes {
		for len(q.lanes[i]) > capacity {
			evicted = append(evicted, q.lanes[i][0])
			q.lanes[i] = q.lanes[i][1:]
		}
	}
	q.mu.Unlock()

	if q.onEvict != nil {
		for _, msg := range evicted {
			q.onEvict(msg)
		}
	}
}

// Enqueue admits a message to its lane. When the lane is full the oldest
// message is evicted (head-drop: fresh state of the world beats stale) and
// reported through the evict callback.
func (q *Queue) Enqueue(msg *protocol.LaneMessage) error {
	if !msg.Lane.Queueable() {
		return ErrNotQueueable
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	idx := msg.Lane.Priority()
	var evicted *protocol.LaneMessage
	if len(q.lanes[idx]) >= q.capacity {
		evicted = q.lanes[idx][0]
		q.lanes[idx] = q.lanes[idx][1:]
	}
	q.lanes[idx] = append(q.lanes[idx], msg)
	q.mu.Unlock()

	q.wake()
	if evicted != nil && q.onEvict != nil {
		q.onEvict(evicted)
	}
	return nil
}

// Dequeue blocks until a message is available, the context is cancelled, or
// the queue is closed. It returns the oldest message from the
// highest-priority non-empty lane.
func (q *Queue) Dequeue(ctx context.Context) (*protocol.LaneMessage, error) {
	for {
		msg, ok, closed := q.tryDequeue()
		if ok {
			return msg, nil
		}
		if closed {
			return nil, ErrClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// TryDequeue returns the next message without blocking.
func (q *Queue) TryDequeue() (*protocol.LaneMessage, bool) {
	msg, ok, _ := q.tryDequeue()
	return msg, ok
}

func (q *Queue) tryDequeue() (msg *protocol.LaneMessage, ok bool, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.lanes {
		if len(q.lanes[i]) > 0 {
			msg = q.lanes[i][0]
			q.lanes[i] = q.lanes[i][1:]
			return msg, true, q.closed
		}
	}
	return nil, false, q.closed
}

// Len returns the total number of queued messages across all lanes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for i := range q.lanes {
		total += len(q.lanes[i])
	}
	return total
}

// LaneLen returns the number of messages queued in one lane.
func (q *Queue) LaneLen(l protocol.Lane) int {
	if !l.Queueable() {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes[l.Priority()])
}

// Close wakes all blocked dequeuers and rejects further enqueues. Queued
// messages are discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	for i := range q.lanes {
		q.lanes[i] = nil
	}
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
