package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/hivegate/hivegate/internal/identity"
	"github.com/hivegate/hivegate/protocol"
)

func newIdentityApp(t *testing.T) (*fiber.App, *identity.Store) {
	t.Helper()
	store := identity.NewStore()
	handler := NewIdentityHandler(store, newTestHub(t))

	app := fiber.New()
	app.Put("/api/v1/identity", handler.SetGlobal)
	app.Delete("/api/v1/identity", handler.ClearGlobal)
	app.Put("/api/v1/identity/channels/:channelId", handler.SetChannel)
	app.Delete("/api/v1/identity/channels/:channelId", handler.ClearChannel)
	return app, store
}

func putJSON(t *testing.T, app *fiber.App, path, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPut, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestSetGlobalIdentity(t *testing.T) {
	t.Parallel()

	app, store := newIdentityApp(t)
	resp := putJSON(t, app, "/api/v1/identity", `{"name":"Hive","bio":"default persona"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	got := store.Resolve("any-channel", nil)
	if got.Name != "Hive" || got.Bio != "default persona" {
		t.Errorf("Resolve() = %+v, want the global record", got)
	}
}

func TestChannelIdentityOverridesGlobal(t *testing.T) {
	t.Parallel()

	app, store := newIdentityApp(t)
	putJSON(t, app, "/api/v1/identity", `{"name":"Hive","bio":"default"}`)
	putJSON(t, app, "/api/v1/identity/channels/whatsapp", `{"name":"Hive WA"}`)

	got := store.Resolve("whatsapp", nil)
	if got.Name != "Hive WA" {
		t.Errorf("Name = %q, want the channel override", got.Name)
	}
	if got.Bio != "default" {
		t.Errorf("Bio = %q, want the global default to show through", got.Bio)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/identity/channels/whatsapp", nil)
	if _, err := app.Test(req); err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if got := store.Resolve("whatsapp", nil); got.Name != "Hive" {
		t.Errorf("Name after clear = %q, want the global default", got.Name)
	}
}

func TestSetIdentityRejectsOversizedName(t *testing.T) {
	t.Parallel()

	app, _ := newIdentityApp(t)
	long := strings.Repeat("x", protocol.MaxIdentityName+1)
	resp := putJSON(t, app, "/api/v1/identity", `{"name":"`+long+`"}`)

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var p protocol.Problem
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if p.Type != protocol.TypeMalformedFrame {
		t.Errorf("problem type = %q, want %q", p.Type, protocol.TypeMalformedFrame)
	}
}
