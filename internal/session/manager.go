// Package session owns the authoritative per-node session state machine.
// Exactly one non-disconnected session exists per nodeId at any instant;
// inactivity drives connected sessions through idle into suspended, and a
// reconnecting node gets a fresh sessionId with its identity carried over.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hivegate/hivegate/protocol"
)

// Event names the inputs of the state machine.
type Event string

const (
	EventHeartbeat      Event = "heartbeat"
	EventMessage        Event = "message"
	EventIdleTimeout    Event = "idle_timeout"
	EventSuspendTimeout Event = "suspend_timeout"
	EventDisconnect     Event = "disconnect"
	EventReconnect      Event = "reconnect"
)

// Session is the state for one node. Fields are only mutated by the Manager
// under its lock; callers receive copies via Snapshot.
type Session struct {
	ID             string
	NodeID         string
	State          protocol.SessionState
	ConnectedAt    time.Time
	LastActivity   time.Time
	ReconnectCount int
	Identity       *protocol.Identity

	idleTimer    *time.Timer
	suspendTimer *time.Timer
}

// Update describes a completed state transition.
type Update struct {
	SessionID      string
	NodeID         string
	State          protocol.SessionState
	ReconnectCount int
	At             time.Time
}

// UpdateFunc observes state transitions. It is called synchronously under
// the manager lock; implementations must not call back into the Manager.
type UpdateFunc func(Update)

// NoopFunc observes transitions the state table marks as no-ops.
type NoopFunc func(nodeID string, from protocol.SessionState, event Event)

// Manager drives every node's session state machine.
type Manager struct {
	mu             sync.Mutex
	sessions       map[string]*Session
	sessionTimeout time.Duration
	suspendTimeout time.Duration
	onUpdate       UpdateFunc
	onNoop         NoopFunc
	log            zerolog.Logger
	now            func() time.Time
}

// NewManager creates a manager. sessionTimeout moves connected sessions to
// idle, suspendTimeout moves idle sessions to suspended. Either callback may
// be nil.
func NewManager(sessionTimeout, suspendTimeout time.Duration, onUpdate UpdateFunc, onNoop NoopFunc, logger zerolog.Logger) *Manager {
	return &Manager{
		sessions:       make(map[string]*Session),
		sessionTimeout: sessionTimeout,
		suspendTimeout: suspendTimeout,
		onUpdate:       onUpdate,
		onNoop:         onNoop,
		log:            logger.With().Str("component", "session").Logger(),
		now:            time.Now,
	}
}

// SetTimeouts applies reloaded inactivity windows. Sessions pick up the new
// values the next time their timers are armed.
func (m *Manager) SetTimeouts(sessionTimeout, suspendTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionTimeout = sessionTimeout
	m.suspendTimeout = suspendTimeout
}

// Connect establishes a session for a node and returns its snapshot. An
// existing live session is superseded: it is force-disconnected, and the new
// session inherits its identity with reconnectCount incremented.
func (m *Manager) Connect(nodeID string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	reconnects := 0
	var identity *protocol.Identity
	if old, ok := m.sessions[nodeID]; ok {
		event := EventReconnect
		if old.State != protocol.StateSuspended {
			event = EventDisconnect
		}
		reconnects = old.ReconnectCount + 1
		identity = old.Identity
		m.terminate(old, event)
	}

	now := m.now()
	s := &Session{
		ID:             newSessionID(),
		NodeID:         nodeID,
		State:          protocol.StateConnected,
		ConnectedAt:    now,
		LastActivity:   now,
		ReconnectCount: reconnects,
		Identity:       identity,
	}
	m.sessions[nodeID] = s
	m.armIdle(s)

	m.log.Info().
		Str("node_id", nodeID).
		Str("session_id", s.ID).
		Int("reconnect_count", s.ReconnectCount).
		Msg("Session connected")
	m.emit(s)
	return *s
}

// Touch records a heartbeat or message. Connected sessions stay connected
// with their timers reset; idle sessions return to connected; suspended and
// disconnected sessions ignore activity.
func (m *Manager) Touch(nodeID string, event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[nodeID]
	if !ok {
		m.noop(nodeID, protocol.StateDisconnected, event)
		return
	}

	switch s.State {
	case protocol.StateConnected:
		s.LastActivity = m.now()
		m.armIdle(s)
	case protocol.StateIdle:
		s.State = protocol.StateConnected
		s.LastActivity = m.now()
		m.stopTimers(s)
		m.armIdle(s)
		m.log.Debug().Str("node_id", nodeID).Str("session_id", s.ID).Msg("Session resumed from idle")
		m.emit(s)
	default:
		m.noop(nodeID, s.State, event)
	}
}

// Disconnect terminally ends a node's session. Disconnected is absorbing:
// repeated disconnects are no-ops.
func (m *Manager) Disconnect(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[nodeID]
	if !ok {
		m.noop(nodeID, protocol.StateDisconnected, EventDisconnect)
		return
	}
	m.terminate(s, EventDisconnect)
}

// SetIdentity replaces the session-level identity override.
func (m *Manager) SetIdentity(nodeID string, identity *protocol.Identity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[nodeID]
	if !ok {
		return false
	}
	s.Identity = identity
	return true
}

// Get returns a snapshot of a node's live session.
func (m *Manager) Get(nodeID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[nodeID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Len returns the number of non-disconnected sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Snapshot returns copies of all live sessions, for the health endpoint.
func (m *Manager) Snapshot() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}

// Close stops all timers without emitting transitions. Used at shutdown,
// where the supervisor already announced the close to each node.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		m.stopTimers(s)
	}
	m.sessions = make(map[string]*Session)
}

// terminate moves a session to disconnected and drops it. Caller holds the
// lock.
func (m *Manager) terminate(s *Session, event Event) {
	m.stopTimers(s)
	s.State = protocol.StateDisconnected
	delete(m.sessions, s.NodeID)
	m.log.Info().
		Str("node_id", s.NodeID).
		Str("session_id", s.ID).
		Str("event", string(event)).
		Msg("Session disconnected")
	m.emit(s)
}

// armIdle schedules the connected→idle transition. Caller holds the lock.
func (m *Manager) armIdle(s *Session) {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	id := s.ID
	s.idleTimer = time.AfterFunc(m.sessionTimeout, func() { m.onIdleTimeout(s.NodeID, id) })
}

// armSuspend schedules the idle→suspended transition. Caller holds the lock.
func (m *Manager) armSuspend(s *Session) {
	if s.suspendTimer != nil {
		s.suspendTimer.Stop()
	}
	id := s.ID
	s.suspendTimer = time.AfterFunc(m.suspendTimeout, func() { m.onSuspendTimeout(s.NodeID, id) })
}

func (m *Manager) onIdleTimeout(nodeID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[nodeID]
	if !ok || s.ID != sessionID {
		return
	}
	if s.State != protocol.StateConnected {
		m.noop(nodeID, s.State, EventIdleTimeout)
		return
	}
	s.State = protocol.StateIdle
	m.armSuspend(s)
	m.log.Debug().Str("node_id", nodeID).Str("session_id", s.ID).Msg("Session idle")
	m.emit(s)
}

func (m *Manager) onSuspendTimeout(nodeID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[nodeID]
	if !ok || s.ID != sessionID {
		return
	}
	if s.State != protocol.StateIdle {
		m.noop(nodeID, s.State, EventSuspendTimeout)
		return
	}
	s.State = protocol.StateSuspended
	m.stopTimers(s)
	m.log.Info().Str("node_id", nodeID).Str("session_id", s.ID).Msg("Session suspended")
	m.emit(s)
}

func (m *Manager) stopTimers(s *Session) {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if s.suspendTimer != nil {
		s.suspendTimer.Stop()
		s.suspendTimer = nil
	}
}

func (m *Manager) emit(s *Session) {
	if m.onUpdate == nil {
		return
	}
	m.onUpdate(Update{
		SessionID:      s.ID,
		NodeID:         s.NodeID,
		State:          s.State,
		ReconnectCount: s.ReconnectCount,
		At:             m.now(),
	})
}

func (m *Manager) noop(nodeID string, from protocol.SessionState, event Event) {
	m.log.Warn().
		Str("node_id", nodeID).
		Str("state", string(from)).
		Str("event", string(event)).
		Msg("Ignoring session event with no effect")
	if m.onNoop != nil {
		m.onNoop(nodeID, from, event)
	}
}

// newSessionID generates a unique session identifier.
func newSessionID() string {
	return uuid.New().String()
}
