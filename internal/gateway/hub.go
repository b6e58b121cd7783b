// Package gateway is the connection supervisor: it owns the live WebSocket
// connections, runs the register handshake, routes dispatches onto per-node
// lane queues, and enforces heartbeat and rate limits.
package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hivegate/hivegate/internal/config"
	"github.com/hivegate/hivegate/internal/convo"
	"github.com/hivegate/hivegate/internal/deviceauth"
	"github.com/hivegate/hivegate/internal/identity"
	"github.com/hivegate/hivegate/internal/metrics"
	"github.com/hivegate/hivegate/internal/session"
	"github.com/hivegate/hivegate/protocol"
)

var (
	// ErrMaxConnections is returned when the connection limit is reached.
	ErrMaxConnections = errors.New("maximum connections reached")

	// ErrNoAgent is returned when no binding matches a dispatch.
	ErrNoAgent = errors.New("no agent bound for this message")

	// ErrNoNode is returned when no registered node serves the target agent
	// and channel.
	ErrNoNode = errors.New("no registered node serves this agent and channel")
)

// InboundFunc receives lane messages sent by nodes, for forwarding upstream.
type InboundFunc func(nodeID string, msg *protocol.LaneMessage)

// Hub is the connection registry. It supervises one Conn per node, resolves
// dispatches to conversations and lanes, and propagates session and config
// updates to the connected nodes.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	cfg        atomic.Pointer[config.Snapshot]
	sessions   *session.Manager
	verifier   *deviceauth.Verifier
	identities *identity.Store
	tracker    *convo.Tracker
	metrics    *metrics.Metrics
	onInbound  InboundFunc
	log        zerolog.Logger
}

// NewHub creates a hub over the given collaborators. metrics and onInbound
// may be nil.
func NewHub(
	cfg *config.Snapshot,
	sessions *session.Manager,
	verifier *deviceauth.Verifier,
	identities *identity.Store,
	m *metrics.Metrics,
	onInbound InboundFunc,
	logger zerolog.Logger,
) *Hub {
	h := &Hub{
		conns:      make(map[string]*Conn),
		sessions:   sessions,
		verifier:   verifier,
		identities: identities,
		tracker:    convo.NewTracker(cfg.MaxConversations, cfg.ConversationTTL),
		metrics:    m,
		onInbound:  onInbound,
		log:        logger.With().Str("component", "gateway").Logger(),
	}
	h.cfg.Store(cfg)
	return h
}

// ServeWebSocket runs a freshly upgraded connection. bearer carries the
// Authorization header token, if any; it blocks until the connection closes.
func (h *Hub) ServeWebSocket(ws *websocket.Conn, bearer string) {
	c := newConn(h, ws, bearer, h.log)
	go c.writePump()
	c.readPump()
}

// handleRegister authenticates a node.register frame and, on success,
// installs the connection and starts its delivery and heartbeat loops. It
// returns false when the connection must not continue reading.
func (h *Hub) handleRegister(c *Conn, reg *protocol.Register) bool {
	cfg := h.cfg.Load()

	token := reg.Token
	if token == "" {
		token = c.bearer
	}
	res := h.verifier.Verify(deviceauth.Request{
		NodeID:    reg.NodeID,
		Token:     token,
		Signature: reg.Signature,
		PublicKey: reg.PublicKey,
	})
	if !res.Valid {
		h.metrics.RecordAuthFailure()
		c.sendProblem(protocol.ProblemRegistrationFailed())
		c.closeWithCode(protocol.CloseRegistrationFailed, "registration failed")
		return false
	}

	h.mu.Lock()
	if existing, ok := h.conns[reg.NodeID]; ok {
		h.log.Info().Str("node_id", reg.NodeID).Msg("Displacing existing connection")
		existing.cancel()
		existing.closeSend()
		existing.closeWithCode(protocol.CloseSuperseded, "superseded by a new connection")
		delete(h.conns, reg.NodeID)
	} else if len(h.conns) >= cfg.MaxConnections {
		h.mu.Unlock()
		h.log.Warn().Str("node_id", reg.NodeID).Msg("Rejecting registration, connection limit reached")
		c.sendProblem(protocol.ProblemRegistrationFailed())
		c.closeWithCode(protocol.ClosePolicyViolation, "connection limit reached")
		return false
	}
	h.conns[reg.NodeID] = c
	total := len(h.conns)
	h.mu.Unlock()

	// Connect after the map swap so the session.update lands on this
	// connection, not the displaced one.
	sess := h.sessions.Connect(reg.NodeID)

	c.mu.Lock()
	c.nodeID = reg.NodeID
	c.sessionID = sess.ID
	c.caps = reg.Capabilities
	c.registered = true
	c.mu.Unlock()

	h.metrics.SetConnectedNodes(total)
	c.sendFrame(&protocol.RegisterAck{NodeID: reg.NodeID, SessionID: sess.ID})

	go c.deliverLoop()
	go c.heartbeatLoop()

	h.log.Info().
		Str("node_id", reg.NodeID).
		Str("session_id", sess.ID).
		Int("total", total).
		Msg("Node registered")
	return true
}

// unregister removes a connection from the hub. The session is left alive:
// an unexpected transport drop lets the inactivity timers walk the session
// through idle into suspended, where a reconnect can pick it up.
func (h *Hub) unregister(c *Conn) {
	c.cancel()
	c.queue.Close()
	c.acks.Abandon()
	c.acks.Close()

	nodeID := c.NodeID()
	if nodeID == "" {
		c.closeSend()
		return
	}

	h.mu.Lock()
	current, ok := h.conns[nodeID]
	if ok && current == c {
		delete(h.conns, nodeID)
	}
	total := len(h.conns)
	h.mu.Unlock()

	c.closeSend()
	if ok && current == c {
		h.metrics.SetConnectedNodes(total)
		h.log.Debug().Str("node_id", nodeID).Msg("Connection unregistered")
	}
}

// InboundMessage is a dispatch request from the operator surface.
type InboundMessage struct {
	AgentID     string               `json:"agentId,omitempty"`
	Scope       convo.Scope          `json:"scope,omitempty"`
	Lane        protocol.Lane        `json:"lane"`
	ChannelID   string               `json:"channelId"`
	PeerID      string               `json:"peerId,omitempty"`
	AccountID   string               `json:"accountId,omitempty"`
	GroupID     string               `json:"groupId,omitempty"`
	MessageType protocol.MessageType `json:"messageType,omitempty"`
	Payload     json.RawMessage      `json:"payload"`
}

// DispatchResult reports where a dispatch ended up. Identity is the persona
// cascade resolved for the target channel and session.
type DispatchResult struct {
	MessageID       string            `json:"messageId"`
	ConversationKey string            `json:"conversationKey"`
	AgentID         string            `json:"agentId"`
	NodeID          string            `json:"nodeId"`
	SessionID       string            `json:"sessionId"`
	Identity        protocol.Identity `json:"identity,omitzero"`
	Degraded        bool              `json:"degraded,omitempty"`
	Warnings        []string          `json:"warnings,omitempty"`
}

// Dispatch routes one message: bindings pick the agent, the conversation key
// is derived, and the message lands on the serving node's lane queue.
// Interrupt messages bypass the queue and go straight to the wire.
func (h *Hub) Dispatch(msg InboundMessage) (DispatchResult, error) {
	cfg := h.cfg.Load()

	if !msg.Lane.Valid() {
		return DispatchResult{}, &protocol.ProblemError{Problem: protocol.Problem{
			Type:   protocol.TypeMalformedFrame,
			Title:  "Malformed Frame",
			Status: 400,
			Detail: "unknown lane",
		}}
	}

	agentID := msg.AgentID
	if agentID == "" {
		resolved, ok := convo.ResolveAgent(cfg.Bindings, msg.ChannelID, msg.AccountID, msg.PeerID)
		if !ok {
			return DispatchResult{}, ErrNoAgent
		}
		agentID = resolved
	}

	scope := msg.Scope
	if scope == "" {
		scope = cfg.DefaultConversationScope
	}
	res, err := convo.Resolve(convo.Input{
		Scope:       scope,
		AgentID:     agentID,
		ChannelID:   msg.ChannelID,
		PeerID:      msg.PeerID,
		AccountID:   msg.AccountID,
		GroupID:     msg.GroupID,
		MessageType: msg.MessageType,
	})
	if err != nil {
		return DispatchResult{}, err
	}
	if !h.tracker.Touch(res.Key) {
		return DispatchResult{}, &protocol.ProblemError{Problem: protocol.Problem{
			Type:   protocol.TypeRateLimited,
			Title:  "Conversation limit reached",
			Status: 429,
			Detail: "active conversation limit reached; retry after idle conversations expire",
		}}
	}

	c, ok := h.findConn(agentID, msg.ChannelID)
	if !ok {
		return DispatchResult{}, ErrNoNode
	}

	m := &protocol.LaneMessage{
		ID:        uuid.New().String(),
		Lane:      msg.Lane,
		ChannelID: msg.ChannelID,
		Payload:   msg.Payload,
		Timestamp: time.Now().UnixMilli(),
		RoutingContext: &protocol.RoutingContext{
			PeerID:      msg.PeerID,
			AccountID:   msg.AccountID,
			GroupID:     msg.GroupID,
			MessageType: msg.MessageType,
		},
	}

	if msg.Lane == protocol.LaneInterrupt {
		// The interrupt preempts whatever the node is working on, so the
		// in-flight ack obligations are dropped. The interrupt itself is
		// not tracked: a re-emit would deliver it twice.
		c.acks.Abandon()
		c.sendFrame(&protocol.LaneMessageFrame{Lane: m.Lane, Message: *m})
	} else if err := c.queue.Enqueue(m); err != nil {
		return DispatchResult{}, ErrNoNode
	}

	return DispatchResult{
		MessageID:       m.ID,
		ConversationKey: res.Key,
		AgentID:         agentID,
		NodeID:          c.NodeID(),
		SessionID:       c.SessionID(),
		Identity:        h.EffectiveIdentity(c.NodeID(), msg.ChannelID),
		Degraded:        res.Degraded,
		Warnings:        res.Warnings,
	}, nil
}

// EffectiveIdentity resolves the persona cascade for a node on a channel:
// session override, then channel default, then global default.
func (h *Hub) EffectiveIdentity(nodeID, channelID string) protocol.Identity {
	var override *protocol.Identity
	if sess, ok := h.sessions.Get(nodeID); ok {
		override = sess.Identity
	}
	return h.identities.Resolve(channelID, override)
}

// findConn picks a registered connection whose capabilities serve the agent
// and channel.
func (h *Hub) findConn(agentID, channelID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		if !c.IsRegistered() {
			continue
		}
		caps := c.Capabilities()
		if caps.ServesAgent(agentID) && caps.HasChannel(channelID) {
			return c, true
		}
	}
	return nil, false
}

// handleInbound forwards a node-originated lane message upstream.
func (h *Hub) handleInbound(c *Conn, m *protocol.LaneMessage) {
	if h.onInbound == nil {
		h.log.Debug().Str("node_id", c.NodeID()).Str("message_id", m.ID).
			Msg("Dropping node message, no upstream sink configured")
		return
	}
	h.onInbound(c.NodeID(), m)
}

// HandleSessionUpdate delivers a session state change to the affected node
// and records it. Wired as the session manager's OnUpdate callback.
func (h *Hub) HandleSessionUpdate(u session.Update) {
	h.metrics.RecordTransition(string(u.State))

	h.mu.RLock()
	c, ok := h.conns[u.NodeID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	c.sendFrame(&protocol.SessionUpdate{
		SessionID: u.SessionID,
		NodeID:    u.NodeID,
		State:     u.State,
		Timestamp: u.At.UnixMilli(),
	})
}

// HandleSessionNoop records an ignored state machine event. Wired as the
// session manager's OnNoop callback.
func (h *Hub) HandleSessionNoop(_ string, from protocol.SessionState, event session.Event) {
	h.metrics.RecordNoop(string(from), string(event))
}

// ApplyConfig installs a hot-reloaded snapshot, retunes the live
// connections, and broadcasts config.changed.
func (h *Hub) ApplyConfig(ch config.Change) {
	h.cfg.Store(ch.Snapshot)
	h.sessions.SetTimeouts(ch.Snapshot.SessionTimeout, ch.Snapshot.SuspendTimeout)
	h.tracker.SetLimits(ch.Snapshot.MaxConversations, ch.Snapshot.ConversationTTL)

	frame := &protocol.ConfigChanged{Fields: ch.Fields, Timestamp: time.Now().UnixMilli()}

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.queue.SetCapacity(ch.Snapshot.LaneCapacity)
		c.acks.SetTimeout(ch.Snapshot.LaneAckTimeout)
		c.sendFrame(frame)
	}

	h.log.Info().Strs("fields", ch.Fields).Int("notified", len(conns)).Msg("Config change applied")
}

// Conversations returns the number of recently active conversations.
func (h *Hub) Conversations() int {
	return h.tracker.Len()
}

// Count returns the number of connections currently in the registry.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Shutdown gracefully closes all active connections with a going-away code.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*Conn)
	h.mu.Unlock()

	for nodeID, c := range conns {
		c.cancel()
		c.queue.Close()
		c.closeSend()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait),
		)
		_ = c.ws.Close()
		h.sessions.Disconnect(nodeID)
	}
	h.metrics.SetConnectedNodes(0)
	h.log.Info().Int("closed", len(conns)).Msg("Gateway hub shut down")
}
