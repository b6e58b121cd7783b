package nexus

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hivegate/hivegate/protocol"
)

func TestForwardPostsEnvelope(t *testing.T) {
	t.Parallel()

	received := make(chan envelope, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/messages" {
			t.Errorf("path = %q, want /api/v1/messages", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("Authorization = %q, want Bearer sekrit", got)
		}
		var env envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			t.Errorf("decode body: %v", err)
		}
		received <- env
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	f := NewForwarder(srv.URL, "sekrit", zerolog.Nop())
	f.Forward("n1", &protocol.LaneMessage{
		ID: "m1", Lane: protocol.LaneCollect, ChannelID: "whatsapp",
		Payload: []byte(`{"text":"hi"}`), Timestamp: 1000,
	})

	select {
	case env := <-received:
		if env.NodeID != "n1" {
			t.Errorf("NodeID = %q, want n1", env.NodeID)
		}
		if env.Message == nil || env.Message.ID != "m1" {
			t.Errorf("Message = %+v, want id m1", env.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nexus never received the forwarded message")
	}
}

func TestForwardWithoutAPIKeyOmitsHeader(t *testing.T) {
	t.Parallel()

	headers := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Get("Authorization")
	}))
	t.Cleanup(srv.Close)

	f := NewForwarder(srv.URL, "", zerolog.Nop())
	f.Forward("n1", &protocol.LaneMessage{
		ID: "m1", Lane: protocol.LaneSteer, ChannelID: "c",
		Payload: []byte(`{}`), Timestamp: 1,
	})

	select {
	case h := <-headers:
		if h != "" {
			t.Errorf("Authorization = %q, want empty", h)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never arrived")
	}
}
