package node

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/hivegate/hivegate/protocol"
)

var testCaps = protocol.Capabilities{
	AgentTypes:     []string{"assistant"},
	MaxConcurrency: 1,
	Channels:       []string{"whatsapp"},
}

// stubGateway is an in-process gateway: it upgrades, consumes the register
// frame, and hands the connection to a per-test script.
type stubGateway struct {
	srv      *httptest.Server
	accepted atomic.Int32
}

func newStubGateway(t *testing.T, script func(n int, ws *websocket.Conn, reg *protocol.Register)) *stubGateway {
	t.Helper()
	g := &stubGateway{}
	upgrader := websocket.Upgrader{}

	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := int(g.accepted.Add(1))

		_, data, err := ws.ReadMessage()
		if err != nil {
			_ = ws.Close()
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			_ = ws.Close()
			return
		}
		reg, ok := frame.(*protocol.Register)
		if !ok {
			_ = ws.Close()
			return
		}
		script(n, ws, reg)
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *stubGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func sendFrame(t *testing.T, ws *websocket.Conn, f protocol.Frame) {
	t.Helper()
	data, err := protocol.Encode(f)
	if err != nil {
		t.Errorf("Encode(%s) error = %v", f.FrameKind(), err)
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Errorf("WriteMessage(%s) error = %v", f.FrameKind(), err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) protocol.Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	f, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return f
}

func ack(t *testing.T, ws *websocket.Conn, reg *protocol.Register, sessionID string) {
	t.Helper()
	sendFrame(t, ws, &protocol.RegisterAck{NodeID: reg.NodeID, SessionID: sessionID})
}

// hold keeps the server side of a connection open so the client does not see
// a drop and start reconnecting mid-test.
func hold(ws *websocket.Conn) {
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, _ = ws.ReadMessage()
}

func newTestClient(t *testing.T, g *stubGateway, h Handlers) *Client {
	t.Helper()
	log := zerolog.Nop()
	c, err := New(Options{
		URL:                 g.url(),
		NodeID:              "n1",
		Capabilities:        testCaps,
		Token:               "hunter2",
		RegistrationTimeout: 2 * time.Second,
		BaseDelay:           20 * time.Millisecond,
		MaxDelay:            100 * time.Millisecond,
		MaxRetries:          3,
		Handlers:            h,
		Logger:              &log,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{URL: "ws://x", NodeID: ""}); err == nil {
		t.Error("New() without NodeID should fail")
	}
	if _, err := New(Options{URL: "http://x", NodeID: "n1"}); err == nil {
		t.Error("New() with an http URL should fail")
	}
}

func TestStartRegistersAndHeartbeats(t *testing.T) {
	t.Parallel()

	pong := make(chan int64, 1)
	g := newStubGateway(t, func(n int, ws *websocket.Conn, reg *protocol.Register) {
		if n > 1 {
			ack(t, ws, reg, "sess-x")
			hold(ws)
			return
		}
		if reg.Token != "hunter2" {
			t.Errorf("register token = %q, want hunter2", reg.Token)
		}
		ack(t, ws, reg, "sess-1")

		sendFrame(t, ws, &protocol.HeartbeatPing{Timestamp: 1000})
		f := readFrame(t, ws)
		p, ok := f.(*protocol.HeartbeatPong)
		if !ok {
			t.Errorf("frame after ping = %s, want heartbeat.pong", f.FrameKind())
			return
		}
		pong <- p.Timestamp
		hold(ws)
	})

	var connectedWith atomic.Value
	c := newTestClient(t, g, Handlers{
		OnConnected: func(sessionID string) { connectedWith.Store(sessionID) },
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := c.SessionID(); got != "sess-1" {
		t.Errorf("SessionID() = %q, want sess-1", got)
	}
	if got := c.State(); got != StateConnected {
		t.Errorf("State() = %q, want connected", got)
	}
	waitFor(t, "OnConnected", func() bool { return connectedWith.Load() == "sess-1" })

	select {
	case ts := <-pong:
		if ts != 1000 {
			t.Errorf("pong timestamp = %d, want the echoed 1000", ts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never received the pong")
	}
}

func TestMessagesAreAckedAfterHandler(t *testing.T) {
	t.Parallel()

	acked := make(chan string, 2)
	g := newStubGateway(t, func(n int, ws *websocket.Conn, reg *protocol.Register) {
		ack(t, ws, reg, "sess-1")
		if n > 1 {
			hold(ws)
			return
		}

		sendFrame(t, ws, &protocol.LaneMessageFrame{
			Lane: protocol.LaneCollect,
			Message: protocol.LaneMessage{
				ID: "m1", Lane: protocol.LaneCollect, ChannelID: "whatsapp",
				Payload: []byte(`{"text":"hi"}`), Timestamp: 1000,
			},
		})
		sendFrame(t, ws, &protocol.LaneMessageFrame{
			Lane: protocol.LaneInterrupt,
			Message: protocol.LaneMessage{
				ID: "m2", Lane: protocol.LaneInterrupt, ChannelID: "whatsapp",
				Payload: []byte(`{}`), Timestamp: 1001,
			},
		})
		for range 2 {
			f := readFrame(t, ws)
			if a, ok := f.(*protocol.LaneAck); ok {
				acked <- a.MessageID
			}
		}
		hold(ws)
	})

	var mu sync.Mutex
	var got []struct {
		id        string
		interrupt bool
	}
	c := newTestClient(t, g, Handlers{
		OnMessage: func(m *protocol.LaneMessage, interrupt bool) error {
			mu.Lock()
			got = append(got, struct {
				id        string
				interrupt bool
			}{m.ID, interrupt})
			mu.Unlock()
			return nil
		},
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ids := map[string]bool{}
	for range 2 {
		select {
		case id := <-acked:
			ids[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("missing lane ack")
		}
	}
	if !ids["m1"] || !ids["m2"] {
		t.Errorf("acked = %v, want m1 and m2", ids)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("handler saw %d messages, want 2", len(got))
	}
	for _, m := range got {
		if m.id == "m2" && !m.interrupt {
			t.Error("interrupt lane message delivered with interrupt=false")
		}
		if m.id == "m1" && m.interrupt {
			t.Error("collect lane message delivered with interrupt=true")
		}
	}
}

func TestHandlerErrorWithholdsAck(t *testing.T) {
	t.Parallel()

	sawAck := make(chan bool, 1)
	g := newStubGateway(t, func(n int, ws *websocket.Conn, reg *protocol.Register) {
		ack(t, ws, reg, "sess-1")
		if n > 1 {
			hold(ws)
			return
		}
		sendFrame(t, ws, &protocol.LaneMessageFrame{
			Lane: protocol.LaneSteer,
			Message: protocol.LaneMessage{
				ID: "m1", Lane: protocol.LaneSteer, ChannelID: "whatsapp",
				Payload: []byte(`{}`), Timestamp: 1000,
			},
		})
		_ = ws.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		_, _, err := ws.ReadMessage()
		sawAck <- err == nil
	})

	errs := make(chan error, 4)
	c := newTestClient(t, g, Handlers{
		OnMessage: func(*protocol.LaneMessage, bool) error {
			return errors.New("agent busy")
		},
		OnError: func(err error) { errs <- err },
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case err := <-errs:
		var he *HandlerError
		if !errors.As(err, &he) {
			t.Errorf("OnError got %T, want *HandlerError", err)
		} else if he.Handler != "onMessage" {
			t.Errorf("HandlerError.Handler = %q, want onMessage", he.Handler)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler error never surfaced")
	}
	if <-sawAck {
		t.Error("failed handler must not produce a lane ack")
	}
}

func TestHandlerPanicIsTrapped(t *testing.T) {
	t.Parallel()

	g := newStubGateway(t, func(_ int, ws *websocket.Conn, reg *protocol.Register) {
		ack(t, ws, reg, "sess-1")
		sendFrame(t, ws, &protocol.SessionUpdate{
			SessionID: "sess-1", NodeID: reg.NodeID,
			State: protocol.StateConnected, Timestamp: 1000,
		})
		hold(ws)
	})

	errs := make(chan error, 4)
	c := newTestClient(t, g, Handlers{
		OnSessionUpdate: func(*protocol.SessionUpdate) { panic("boom") },
		OnError:         func(err error) { errs <- err },
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case err := <-errs:
		var he *HandlerError
		if !errors.As(err, &he) {
			t.Fatalf("OnError got %T, want *HandlerError", err)
		}
		if !strings.Contains(he.Error(), "panic") {
			t.Errorf("HandlerError = %q, want a panic wrap", he.Error())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("panic never surfaced to OnError")
	}
	if c.State() != StateConnected {
		t.Errorf("State() = %q, a handler panic must not drop the connection", c.State())
	}
}

func TestRegistrationRejectionFailsStart(t *testing.T) {
	t.Parallel()

	g := newStubGateway(t, func(_ int, ws *websocket.Conn, _ *protocol.Register) {
		sendFrame(t, ws, protocol.NewErrorFrame("", protocol.ProblemRegistrationFailed()))
		_ = ws.Close()
	})

	c := newTestClient(t, g, Handlers{})
	err := c.Start(context.Background())
	if err == nil {
		t.Fatal("Start() should fail when registration is rejected")
	}
	var pe *protocol.ProblemError
	if !errors.As(err, &pe) {
		t.Fatalf("Start() error = %T, want *protocol.ProblemError", err)
	}
	if pe.Problem.Type != protocol.TypeRegistrationFailed {
		t.Errorf("problem type = %q, want RegistrationFailed", pe.Problem.Type)
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %q, want disconnected", c.State())
	}
}

func TestReconnectAfterTransportDrop(t *testing.T) {
	t.Parallel()

	g := newStubGateway(t, func(n int, ws *websocket.Conn, reg *protocol.Register) {
		ack(t, ws, reg, "sess-"+string(rune('0'+n)))
		if n == 1 {
			// Drop the transport without a close frame.
			_ = ws.Close()
			return
		}
		hold(ws)
	})

	var reconnected atomic.Int32
	var newSession atomic.Value
	c := newTestClient(t, g, Handlers{
		OnReconnected: func(sessionID string) {
			reconnected.Add(1)
			newSession.Store(sessionID)
		},
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "reconnect", func() bool { return reconnected.Load() == 1 })
	if got := newSession.Load(); got != "sess-2" {
		t.Errorf("OnReconnected session = %v, want sess-2", got)
	}
	waitFor(t, "connected state", func() bool { return c.State() == StateConnected })
	if got := c.SessionID(); got != "sess-2" {
		t.Errorf("SessionID() = %q, want sess-2", got)
	}
}

func TestPolicyCloseIsTerminal(t *testing.T) {
	t.Parallel()

	g := newStubGateway(t, func(_ int, ws *websocket.Conn, reg *protocol.Register) {
		ack(t, ws, reg, "sess-1")
		msg := websocket.FormatCloseMessage(protocol.CloseSuperseded, "superseded")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.Close()
	})

	errs := make(chan error, 4)
	c := newTestClient(t, g, Handlers{
		OnError: func(err error) { errs <- err },
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case err := <-errs:
		var pe *protocol.ProblemError
		if !errors.As(err, &pe) {
			t.Fatalf("OnError got %T, want *protocol.ProblemError", err)
		}
		if pe.Problem.Type != protocol.TypeReconnectExhausted {
			t.Errorf("problem type = %q, want ReconnectExhausted", pe.Problem.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminal close never surfaced")
	}

	waitFor(t, "disconnected state", func() bool { return c.State() == StateDisconnected })
	if got := g.accepted.Load(); got != 1 {
		t.Errorf("gateway accepted %d connections, policy close must not be retried", got)
	}
}

func TestStopSendsDeregister(t *testing.T) {
	t.Parallel()

	dereg := make(chan struct{}, 1)
	g := newStubGateway(t, func(_ int, ws *websocket.Conn, reg *protocol.Register) {
		ack(t, ws, reg, "sess-1")
		f := readFrame(t, ws)
		if _, ok := f.(*protocol.Deregister); ok {
			dereg <- struct{}{}
		}
	})

	c := newTestClient(t, g, Handlers{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case <-dereg:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never received node.deregister")
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %q, want disconnected", c.State())
	}
	if got := c.Start(context.Background()); !errors.Is(got, ErrStopped) {
		t.Errorf("Start() after Stop = %v, want ErrStopped", got)
	}
	if got := g.accepted.Load(); got != 1 {
		t.Errorf("gateway accepted %d connections, no reconnect after Stop", got)
	}
}
