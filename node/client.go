// Package node is the client library conversational agent nodes use to hold
// a control-plane connection to the gateway: register, heartbeat, receive
// lane messages, and reconnect with backoff after transport drops.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/hivegate/hivegate/protocol"
)

// State is the client's lifecycle phase.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateRegistering  State = "registering"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

const (
	defaultRegistrationTimeout = 5 * time.Second
	defaultBaseDelay           = 500 * time.Millisecond
	defaultMaxDelay            = 30 * time.Second
	defaultMaxRetries          = 10

	clientWriteWait = 10 * time.Second
)

var (
	// ErrStopped is returned by Start after Stop has been called.
	ErrStopped = errors.New("client is stopped")

	// ErrAlreadyStarted is returned by a second Start on the same client.
	ErrAlreadyStarted = errors.New("client is already started")

	// ErrNotConnected is returned by Send while no registered connection is
	// up.
	ErrNotConnected = errors.New("client is not connected")
)

// HandlerError wraps an error or panic escaping a user handler. It is
// surfaced to OnError and never affects the connection.
type HandlerError struct {
	Handler string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s: %v", e.Handler, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Handlers are the application callbacks. All fields are optional. Handlers
// run on the client's read goroutine, so a slow handler delays frame
// processing.
type Handlers struct {
	// OnConnected fires after the first successful registration.
	OnConnected func(sessionID string)

	// OnDisconnected fires when an established connection drops, with the
	// close code and reason.
	OnDisconnected func(code int, reason string)

	// OnReconnecting fires before each backoff wait, with the attempt
	// number and the delay until the next try.
	OnReconnecting func(attempt int, delay time.Duration)

	// OnReconnected fires after a successful re-registration, with the new
	// session ID.
	OnReconnected func(sessionID string)

	// OnMessage receives lane messages. Returning nil acknowledges the
	// message; returning an error withholds the ack so the gateway re-emits
	// it. interrupt is true for interrupt-lane deliveries.
	OnMessage func(msg *protocol.LaneMessage, interrupt bool) error

	// OnSessionUpdate receives session state changes.
	OnSessionUpdate func(u *protocol.SessionUpdate)

	// OnConfigChanged receives the names of hot-reloaded gateway fields.
	OnConfigChanged func(fields []string)

	// OnError receives handler errors, gateway error frames, and the
	// terminal reconnect failure. When nil, errors are logged instead.
	OnError func(err error)
}

// Options configures a Client.
type Options struct {
	// URL is the gateway WebSocket endpoint, e.g.
	// ws://gateway:8080/api/v1/gateway.
	URL string

	// NodeID identifies this node. Required.
	NodeID string

	// Capabilities are announced in the register frame.
	Capabilities protocol.Capabilities

	// Token is the legacy shared secret, sent both as the Authorization
	// header and in the register frame.
	Token string

	// Signature and PublicKey carry the EdDSA registration proof. Use
	// SignRegistration to produce them.
	Signature string
	PublicKey string

	// RegistrationTimeout bounds dial plus register.ack wait. Default 5s.
	RegistrationTimeout time.Duration

	// BaseDelay, MaxDelay and MaxRetries shape the reconnect backoff.
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries uint64

	Handlers Handlers
	Logger   *zerolog.Logger
}

// Client holds one control-plane connection to the gateway.
type Client struct {
	opts Options
	log  zerolog.Logger

	mu        sync.Mutex
	state     State
	ws        *websocket.Conn
	sessionID string
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	done      chan struct{}

	// wmu serialises writes to the current connection.
	wmu sync.Mutex
}

// New validates the options and returns an unstarted client.
func New(opts Options) (*Client, error) {
	if opts.NodeID == "" {
		return nil, errors.New("node: NodeID is required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("node: parse URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("node: URL scheme must be ws or wss, got %q", u.Scheme)
	}
	if opts.RegistrationTimeout <= 0 {
		opts.RegistrationTimeout = defaultRegistrationTimeout
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}

	var log zerolog.Logger
	if opts.Logger != nil {
		log = *opts.Logger
	} else {
		log = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	return &Client{
		opts:  opts,
		log:   log.With().Str("component", "node").Str("node_id", opts.NodeID).Logger(),
		state: StateDisconnected,
	}, nil
}

// State returns the current lifecycle phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the session assigned by the last successful
// registration.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Start dials the gateway and registers. ctx bounds the initial attempt
// only; once Start returns nil the connection is supervised until Stop. A
// Stop during the initial attempt cancels it and Start returns the dial
// error.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.state = StateConnecting

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	// A Stop during the dial cancels through runCtx as well.
	attemptCtx, attemptCancel := context.WithCancel(ctx)
	defer attemptCancel()
	go func() {
		select {
		case <-runCtx.Done():
			attemptCancel()
		case <-attemptCtx.Done():
		}
	}()

	ws, sessionID, err := c.connect(attemptCtx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		cancel()
		return err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = ws.Close()
		return ErrStopped
	}
	c.ws = ws
	c.sessionID = sessionID
	c.state = StateConnected
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.log.Info().Str("session_id", sessionID).Msg("Registered with gateway")
	if h := c.opts.Handlers.OnConnected; h != nil {
		c.invoke("onConnected", func() error { h(sessionID); return nil })
	}

	go c.run(runCtx, ws)
	return nil
}

// Stop deregisters when connected, cancels any in-flight connect or backoff
// wait, and waits for the supervisor goroutine to exit. The client does not
// reconnect after Stop.
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	ws := c.ws
	connected := c.state == StateConnected
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if connected && ws != nil {
		c.writeFrame(ws, &protocol.Deregister{NodeID: c.opts.NodeID})
		msg := websocket.FormatCloseMessage(protocol.CloseNormal, "stopping")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(clientWriteWait))
		_ = ws.Close()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	return nil
}

// Send pushes a node-originated lane message to the gateway.
func (c *Client) Send(m *protocol.LaneMessage) error {
	c.mu.Lock()
	ws := c.ws
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || ws == nil {
		return ErrNotConnected
	}
	return c.writeFrameErr(ws, &protocol.LaneMessageFrame{Lane: m.Lane, Message: *m})
}

// connect dials the gateway and completes the register handshake, returning
// the connection and assigned session ID.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, "", fmt.Errorf("parse gateway URL: %w", err)
	}
	q := u.Query()
	q.Set("nodeId", c.opts.NodeID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.RegistrationTimeout}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, "", fmt.Errorf("dial gateway: %w", err)
	}

	c.setState(StateRegistering)

	if err := c.writeFrameErr(ws, &protocol.Register{
		NodeID:       c.opts.NodeID,
		Capabilities: c.opts.Capabilities,
		Token:        c.opts.Token,
		Signature:    c.opts.Signature,
		PublicKey:    c.opts.PublicKey,
	}); err != nil {
		_ = ws.Close()
		return nil, "", fmt.Errorf("send register: %w", err)
	}

	sessionID, err := c.awaitAck(ws)
	if err != nil {
		_ = ws.Close()
		return nil, "", err
	}
	return ws, sessionID, nil
}

// awaitAck reads until the register ack arrives, bounded by the
// registration timeout. An error frame here means the gateway rejected the
// registration.
func (c *Client) awaitAck(ws *websocket.Conn) (string, error) {
	deadline := time.Now().Add(c.opts.RegistrationTimeout)
	_ = ws.SetReadDeadline(deadline)
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("await register ack: %w", err)
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			return "", fmt.Errorf("await register ack: %w", err)
		}
		switch f := frame.(type) {
		case *protocol.RegisterAck:
			return f.SessionID, nil
		case *protocol.ErrorFrame:
			return "", &protocol.ProblemError{Problem: f.Problem}
		default:
			// The gateway may interleave other frames; keep waiting.
		}
	}
}

// run supervises an established connection: it reads until the transport
// drops, then reconnects with backoff unless the close was terminal or the
// client was stopped.
func (c *Client) run(ctx context.Context, ws *websocket.Conn) {
	defer close(c.done)

	for {
		code, reason := c.readLoop(ws)
		_ = ws.Close()

		if h := c.opts.Handlers.OnDisconnected; h != nil {
			c.invoke("onDisconnected", func() error { h(code, reason); return nil })
		}

		if c.isStopped() || ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		if protocol.TerminalClose(code) {
			c.log.Warn().Int("code", code).Str("reason", reason).
				Msg("Connection closed with a policy code, not reconnecting")
			c.setState(StateDisconnected)
			c.emitError(&protocol.ProblemError{Problem: protocol.Problem{
				Type:   protocol.TypeReconnectExhausted,
				Title:  "Reconnect abandoned",
				Status: 403,
				Detail: fmt.Sprintf("close code %d is terminal: %s", code, reason),
			}})
			return
		}

		next, sessionID, err := c.reconnect(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			if !c.isStopped() && ctx.Err() == nil {
				c.emitError(&protocol.ProblemError{Problem: protocol.Problem{
					Type:   protocol.TypeReconnectExhausted,
					Title:  "Reconnect exhausted",
					Status: 503,
					Detail: err.Error(),
				}})
			}
			return
		}

		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			_ = next.Close()
			c.setState(StateDisconnected)
			return
		}
		c.ws = next
		c.sessionID = sessionID
		c.state = StateConnected
		c.mu.Unlock()

		c.log.Info().Str("session_id", sessionID).Msg("Reconnected to gateway")
		if h := c.opts.Handlers.OnReconnected; h != nil {
			c.invoke("onReconnected", func() error { h(sessionID); return nil })
		}
		ws = next
	}
}

// readLoop processes frames until the connection drops, returning the close
// code and reason.
func (c *Client) readLoop(ws *websocket.Conn) (int, string) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code, ce.Text
			}
			return protocol.CloseAbnormal, err.Error()
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("Dropping malformed frame from gateway")
			continue
		}

		switch f := frame.(type) {
		case *protocol.HeartbeatPing:
			// Answered internally, ahead of any queued handler work, and
			// never surfaced to the application.
			c.writeFrame(ws, &protocol.HeartbeatPong{Timestamp: f.Timestamp})
		case *protocol.LaneMessageFrame:
			c.handleMessage(ws, f)
		case *protocol.SessionUpdate:
			if h := c.opts.Handlers.OnSessionUpdate; h != nil {
				c.invoke("onSessionUpdate", func() error { h(f); return nil })
			}
		case *protocol.ConfigChanged:
			if h := c.opts.Handlers.OnConfigChanged; h != nil {
				c.invoke("onConfigChanged", func() error { h(f.Fields); return nil })
			}
		case *protocol.ErrorFrame:
			c.emitError(&protocol.ProblemError{Problem: f.Problem})
		default:
			c.log.Debug().Str("kind", string(frame.FrameKind())).Msg("Ignoring unexpected frame kind")
		}
	}
}

// handleMessage runs OnMessage and acknowledges the delivery when the
// handler succeeds. A missing handler still acks: the message was delivered.
func (c *Client) handleMessage(ws *websocket.Conn, f *protocol.LaneMessageFrame) {
	m := f.Message
	h := c.opts.Handlers.OnMessage
	if h == nil {
		c.writeFrame(ws, &protocol.LaneAck{MessageID: m.ID})
		return
	}

	ok := c.invoke("onMessage", func() error {
		return h(&m, m.Lane == protocol.LaneInterrupt)
	})
	if ok {
		c.writeFrame(ws, &protocol.LaneAck{MessageID: m.ID})
	}
}

// reconnect retries connect with exponential jittered backoff. Terminal
// registration rejections short-circuit via backoff.Permanent.
func (c *Client) reconnect(ctx context.Context) (*websocket.Conn, string, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.opts.BaseDelay
	expo.MaxInterval = c.opts.MaxDelay
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, c.opts.MaxRetries), ctx)

	var (
		ws        *websocket.Conn
		sessionID string
		attempt   int
	)
	op := func() error {
		attempt++
		c.setState(StateReconnecting)
		w, s, err := c.connect(ctx)
		if err != nil {
			if terminalConnectError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		ws, sessionID = w, s
		return nil
	}
	notify := func(err error, delay time.Duration) {
		c.log.Debug().Err(err).Dur("delay", delay).Int("attempt", attempt).
			Msg("Reconnect attempt failed, backing off")
		if h := c.opts.Handlers.OnReconnecting; h != nil {
			a, d := attempt, delay
			c.invoke("onReconnecting", func() error { h(a, d); return nil })
		}
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, "", err
	}
	return ws, sessionID, nil
}

// terminalConnectError reports whether a connect failure must not be
// retried: a policy-class close during the handshake or an explicit
// registration rejection.
func terminalConnectError(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return protocol.TerminalClose(ce.Code)
	}
	var pe *protocol.ProblemError
	return errors.As(err, &pe)
}

// invoke runs a handler, trapping panics and errors as HandlerError. It
// reports whether the handler completed without error.
func (c *Client) invoke(name string, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			c.emitError(&HandlerError{Handler: name, Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	if err := fn(); err != nil {
		c.emitError(&HandlerError{Handler: name, Err: err})
		return false
	}
	return true
}

// emitError routes an error to OnError, falling back to the logger. A panic
// inside OnError itself is logged, never re-dispatched.
func (c *Client) emitError(err error) {
	h := c.opts.Handlers.OnError
	if h == nil {
		c.log.Error().Err(err).Msg("Client error")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("onError handler panicked")
		}
	}()
	h(err)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// writeFrame encodes and writes a frame, logging failures.
func (c *Client) writeFrame(ws *websocket.Conn, f protocol.Frame) {
	if err := c.writeFrameErr(ws, f); err != nil {
		c.log.Debug().Err(err).Str("kind", string(f.FrameKind())).Msg("Write failed")
	}
}

func (c *Client) writeFrameErr(ws *websocket.Conn, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}
