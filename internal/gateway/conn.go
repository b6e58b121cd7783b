package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/hivegate/hivegate/internal/lane"
	"github.com/hivegate/hivegate/internal/session"
	"github.com/hivegate/hivegate/protocol"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound frame.
	maxMessageSize = 65536

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// registerTimeout is how long a node has to send node.register after
	// connecting.
	registerTimeout = 30 * time.Second
)

// Conn is one node's WebSocket connection. Each connection runs a read pump
// and a write pump; after registration it additionally runs the delivery and
// heartbeat loops. The Conn owns its lane queue and ack tracker.
type Conn struct {
	hub    *Hub
	ws     *websocket.Conn
	send   chan []byte
	bearer string
	log    zerolog.Logger

	// Registration state, written once during handleRegister.
	mu         sync.RWMutex
	nodeID     string
	sessionID  string
	caps       protocol.Capabilities
	registered bool

	queue *lane.Queue
	acks  *lane.AckTracker

	// ctx is cancelled when the connection unregisters; it bounds the
	// delivery and heartbeat loops.
	ctx    context.Context
	cancel context.CancelFunc

	pendingPings atomic.Int32

	// Rate limiting state (only accessed from readPump, no mutex needed).
	frameCount  int
	windowStart time.Time

	closeOnce sync.Once
}

func newConn(hub *Hub, ws *websocket.Conn, bearer string, logger zerolog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		hub:    hub,
		ws:     ws,
		send:   make(chan []byte, 256),
		bearer: bearer,
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
	}

	cfg := hub.cfg.Load()
	c.queue = lane.NewQueue(cfg.LaneCapacity, c.onEvict)
	c.acks = lane.NewAckTracker(cfg.LaneAckTimeout, c.onAckExpire)
	return c
}

// NodeID returns the registered node ID, or empty before registration.
func (c *Conn) NodeID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodeID
}

// SessionID returns the session assigned at registration.
func (c *Conn) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// IsRegistered returns whether the node.register handshake has completed.
func (c *Conn) IsRegistered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registered
}

// Capabilities returns the capabilities announced at registration.
func (c *Conn) Capabilities() protocol.Capabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caps
}

// readPump reads frames from the connection and routes them by kind. It runs
// in its own goroutine and is responsible for cleanup when the loop exits.
func (c *Conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)

	registerTimer := time.AfterFunc(registerTimeout, func() {
		if !c.IsRegistered() {
			c.log.Debug().Msg("Node did not register in time")
			c.closeWithCode(protocol.ClosePolicyViolation, "register timeout")
		}
	})
	defer registerTimer.Stop()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if c.rateLimited() {
			c.hub.metrics.RecordRateLimited()
			c.sendProblem(protocol.ProblemRateLimited())
			c.closeWithCode(protocol.CloseRateLimited, "frame rate exceeded")
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			c.hub.metrics.RecordInvalidFrame()
			c.sendProblem(protocol.AsProblem(err))
			continue
		}
		c.hub.metrics.RecordFrame(string(frame.FrameKind()))

		if !c.IsRegistered() {
			reg, ok := frame.(*protocol.Register)
			if !ok {
				c.closeWithCode(protocol.ClosePolicyViolation, "register first")
				return
			}
			registerTimer.Stop()
			if !c.hub.handleRegister(c, reg) {
				return
			}
			continue
		}

		switch f := frame.(type) {
		case *protocol.Register:
			c.sendProblem(protocol.Problem{
				Type:   protocol.TypeRegistrationFailed,
				Title:  "Already Registered",
				Status: 409,
			})
		case *protocol.HeartbeatPong:
			c.pendingPings.Store(0)
			c.hub.sessions.Touch(c.NodeID(), session.EventHeartbeat)
		case *protocol.HeartbeatPing:
			// Nodes may probe the gateway too; echo and count as activity.
			c.sendFrame(&protocol.HeartbeatPong{Timestamp: f.Timestamp})
			c.hub.sessions.Touch(c.NodeID(), session.EventHeartbeat)
		case *protocol.LaneAck:
			if !c.acks.Ack(f.MessageID) {
				c.log.Debug().Str("message_id", f.MessageID).Msg("Ack for unknown message")
			}
			c.hub.sessions.Touch(c.NodeID(), session.EventMessage)
		case *protocol.LaneMessageFrame:
			c.hub.sessions.Touch(c.NodeID(), session.EventMessage)
			c.hub.handleInbound(c, &f.Message)
		case *protocol.IdentityUpdate:
			c.handleIdentityUpdate(f)
		case *protocol.Deregister:
			c.log.Info().Str("node_id", c.NodeID()).Msg("Node deregistered")
			c.hub.sessions.Disconnect(c.NodeID())
			c.closeWithCode(protocol.CloseNormal, "deregistered")
			return
		default:
			// register.ack, session.update, config.changed and error frames
			// only flow gateway to node.
			c.log.Warn().Str("kind", string(frame.FrameKind())).Msg("Ignoring unexpected frame kind")
		}
	}
}

// writePump writes messages from the send channel to the connection. It runs
// in its own goroutine and exits when the send channel is closed.
func (c *Conn) writePump() {
	defer func() { _ = c.ws.Close() }()

	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Debug().Err(err).Msg("WebSocket write error")
			return
		}
	}
}

// deliverLoop drains the lane queue in priority order, tracking each
// delivery for acknowledgement.
func (c *Conn) deliverLoop() {
	for {
		m, err := c.queue.Dequeue(c.ctx)
		if err != nil {
			return
		}
		c.acks.Track(m)
		c.sendFrame(&protocol.LaneMessageFrame{Lane: m.Lane, Message: *m})
	}
}

// heartbeatLoop pings the node every healthCheckInterval. Two pings without
// a pong close the connection.
func (c *Conn) heartbeatLoop() {
	interval := c.hub.cfg.Load().HealthCheckInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.pendingPings.Add(1) > 2 {
				c.log.Warn().Str("node_id", c.NodeID()).Msg("Heartbeat pongs missed, closing")
				c.hub.metrics.RecordHeartbeatMissed()
				c.sendProblem(protocol.ProblemHeartbeatMissed())
				c.closeWithCode(protocol.CloseHeartbeatMissed, "heartbeat missed")
				return
			}
			c.sendFrame(&protocol.HeartbeatPing{Timestamp: time.Now().UnixMilli()})

			if next := c.hub.cfg.Load().HealthCheckInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// handleIdentityUpdate applies a session identity override in-line on the
// read path, so a lane message that follows observes the new identity.
func (c *Conn) handleIdentityUpdate(f *protocol.IdentityUpdate) {
	nodeID := c.NodeID()
	if f.NodeID != nodeID {
		c.sendProblem(protocol.Problem{
			Type:   protocol.TypeMalformedFrame,
			Title:  "Malformed Frame",
			Status: 400,
			Detail: "identity update nodeId does not match this connection",
		})
		return
	}

	identity := f.Identity
	if !c.hub.sessions.SetIdentity(nodeID, &identity) {
		c.log.Warn().Str("node_id", nodeID).Msg("Identity update for a node without a live session")
		return
	}
	c.hub.sessions.Touch(nodeID, session.EventMessage)
	c.log.Debug().Str("node_id", nodeID).Msg("Applied identity update")
}

// onEvict surfaces one lane overflow to the node for each displaced message.
func (c *Conn) onEvict(m *protocol.LaneMessage) {
	c.hub.metrics.RecordLaneOverflow(string(m.Lane))
	c.sendProblem(protocol.ProblemLaneOverflow(m.Lane, m.ID))
}

// onAckExpire re-emits an unacknowledged delivery once; a second expiry is
// surfaced and the obligation dropped.
func (c *Conn) onAckExpire(m *protocol.LaneMessage, attempt int) {
	if attempt == 1 {
		c.log.Debug().Str("message_id", m.ID).Msg("Delivery not acked, re-emitting")
		c.hub.metrics.RecordAckExpired("1")
		c.acks.Track(m)
		c.sendFrame(&protocol.LaneMessageFrame{Lane: m.Lane, Message: *m})
		return
	}
	c.hub.metrics.RecordAckExpired("2")
	c.log.Error().Str("message_id", m.ID).Str("node_id", c.NodeID()).
		Msg("Delivery unacknowledged after re-emit, giving up")
}

// sendFrame encodes and enqueues one outbound frame.
func (c *Conn) sendFrame(f protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		c.log.Error().Err(err).Str("kind", string(f.FrameKind())).Msg("Failed to encode frame")
		return
	}
	c.enqueue(data)
}

// sendProblem wraps a problem in an error frame and enqueues it.
func (c *Conn) sendProblem(p protocol.Problem) {
	c.sendFrame(protocol.NewErrorFrame("", p))
}

// enqueue sends a message to the write channel. If the channel is full, the
// message is dropped and the connection is closed to prevent backpressure
// from stalling the hub.
func (c *Conn) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Str("node_id", c.NodeID()).Msg("Send buffer full, closing connection")
		_ = c.ws.Close()
	}
}

// closeSend closes the send channel exactly once, stopping the write pump.
func (c *Conn) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// closeWithCode sends a close frame with the given code and reason, then
// closes the underlying connection.
func (c *Conn) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.ws.Close()
}

// rateLimited returns true if the connection has exceeded the inbound frame
// rate limit.
func (c *Conn) rateLimited() bool {
	now := time.Now()
	if now.Sub(c.windowStart) > time.Second {
		c.frameCount = 0
		c.windowStart = now
	}
	c.frameCount++
	return c.frameCount > c.hub.cfg.Load().MaxFramesPerSecond
}
