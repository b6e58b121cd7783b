package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hivegate/hivegate/internal/convo"
	"github.com/hivegate/hivegate/internal/deviceauth"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HIVEGATE_LEGACYTOKEN", "hunter2")

	s, err := Load("", zerolog.Nop())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	c := s.Current()
	if c.Port != 8080 {
		t.Errorf("Port = %d, want 8080", c.Port)
	}
	if c.SessionTimeout != 60*time.Second {
		t.Errorf("SessionTimeout = %v, want 60s", c.SessionTimeout)
	}
	if c.SuspendTimeout != 300*time.Second {
		t.Errorf("SuspendTimeout = %v, want 300s", c.SuspendTimeout)
	}
	if c.LaneCapacity != 256 {
		t.Errorf("LaneCapacity = %d, want 256", c.LaneCapacity)
	}
	if c.MaxFramesPerSecond != 100 {
		t.Errorf("MaxFramesPerSecond = %d, want 100", c.MaxFramesPerSecond)
	}
	if c.AuthMode != deviceauth.ModeDual {
		t.Errorf("AuthMode = %v, want dual", c.AuthMode)
	}
	if c.DefaultConversationScope != convo.ScopePerChannelPeer {
		t.Errorf("DefaultConversationScope = %v, want per-channel-peer", c.DefaultConversationScope)
	}
	if c.MaxDeviceKeys != 10000 {
		t.Errorf("MaxDeviceKeys = %d, want 10000", c.MaxDeviceKeys)
	}
	if c.AllowTOFU {
		t.Error("AllowTOFU = true, want false by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HIVEGATE_LEGACYTOKEN", "hunter2")
	t.Setenv("HIVEGATE_PORT", "9090")
	t.Setenv("HIVEGATE_SESSIONTIMEOUT", "90s")
	t.Setenv("HIVEGATE_AUTHMODE", "legacy")
	t.Setenv("HIVEGATE_MAXFRAMESPERSECOND", "25")

	s, err := Load("", zerolog.Nop())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	c := s.Current()
	if c.Port != 9090 {
		t.Errorf("Port = %d, want 9090", c.Port)
	}
	if c.SessionTimeout != 90*time.Second {
		t.Errorf("SessionTimeout = %v, want 90s", c.SessionTimeout)
	}
	if c.AuthMode != deviceauth.ModeLegacy {
		t.Errorf("AuthMode = %v, want legacy", c.AuthMode)
	}
	if c.MaxFramesPerSecond != 25 {
		t.Errorf("MaxFramesPerSecond = %d, want 25", c.MaxFramesPerSecond)
	}
}

func TestLoadCollectsValidationErrors(t *testing.T) {
	t.Setenv("HIVEGATE_LEGACYTOKEN", "hunter2")
	t.Setenv("HIVEGATE_PORT", "70000")
	t.Setenv("HIVEGATE_LANECAPACITY", "0")
	t.Setenv("HIVEGATE_AUTHMODE", "nope")

	_, err := Load("", zerolog.Nop())
	if err == nil {
		t.Fatal("Load() error = nil, want validation errors")
	}
	for _, want := range []string{"port", "laneCapacity", "auth mode"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadRequiresTokenOutsideEd25519Mode(t *testing.T) {
	t.Setenv("HIVEGATE_AUTHMODE", "dual")

	if _, err := Load("", zerolog.Nop()); err == nil {
		t.Error("Load() error = nil, want legacyToken requirement")
	}

	t.Setenv("HIVEGATE_AUTHMODE", "ed25519")
	if _, err := Load("", zerolog.Nop()); err != nil {
		t.Errorf("Load() in ed25519 mode error = %v", err)
	}
}

const baseYAML = `
legacyToken: hunter2
port: 9000
sessionTimeout: 45s
laneCapacity: 32
bindings:
  - agentId: support
    match:
      channel: whatsapp
`

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hivegate.yaml")
	writeConfig(t, path, baseYAML)

	s, err := Load(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	c := s.Current()
	if c.Port != 9000 {
		t.Errorf("Port = %d, want 9000", c.Port)
	}
	if c.SessionTimeout != 45*time.Second {
		t.Errorf("SessionTimeout = %v, want 45s", c.SessionTimeout)
	}
	if len(c.Bindings) != 1 || c.Bindings[0].AgentID != "support" || c.Bindings[0].Match.Channel != "whatsapp" {
		t.Errorf("Bindings = %+v, want the support/whatsapp rule", c.Bindings)
	}
}

func TestReloadAppliesHotAndFreezesRestartFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hivegate.yaml")
	writeConfig(t, path, baseYAML)

	s, err := Load(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var got Change
	s.OnChange(func(ch Change) { got = ch })

	writeConfig(t, path, `
legacyToken: hunter2
port: 9999
sessionTimeout: 120s
laneCapacity: 64
bindings:
  - agentId: sales
    match:
      channel: whatsapp
`)
	if err := s.v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig() error = %v", err)
	}
	s.reload()

	c := s.Current()
	if c.SessionTimeout != 120*time.Second {
		t.Errorf("SessionTimeout = %v, want 120s after reload", c.SessionTimeout)
	}
	if c.LaneCapacity != 64 {
		t.Errorf("LaneCapacity = %d, want 64 after reload", c.LaneCapacity)
	}
	if c.Port != 9000 {
		t.Errorf("Port = %d, want frozen boot value 9000", c.Port)
	}

	wantFields := map[string]bool{"sessionTimeout": true, "laneCapacity": true, "bindings": true}
	if len(got.Fields) != len(wantFields) {
		t.Fatalf("Fields = %v, want %v", got.Fields, wantFields)
	}
	for _, f := range got.Fields {
		if !wantFields[f] {
			t.Errorf("unexpected changed field %q", f)
		}
	}
}

func TestReloadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hivegate.yaml")
	writeConfig(t, path, baseYAML)

	s, err := Load(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	called := false
	s.OnChange(func(Change) { called = true })

	writeConfig(t, path, "legacyToken: hunter2\nlaneCapacity: 0\n")
	if err := s.v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig() error = %v", err)
	}
	s.reload()

	if called {
		t.Error("OnChange fired for an invalid reload")
	}
	if s.Current().LaneCapacity != 32 {
		t.Errorf("LaneCapacity = %d, want previous value 32", s.Current().LaneCapacity)
	}
}
