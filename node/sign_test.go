package node

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hivegate/hivegate/internal/deviceauth"
)

func TestSignRegistrationVerifies(t *testing.T) {
	t.Parallel()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	creds, err := SignRegistration("n1", priv, time.Minute)
	if err != nil {
		t.Fatalf("SignRegistration() error = %v", err)
	}
	if creds.Signature == "" || creds.PublicKey == "" {
		t.Fatal("SignRegistration() returned empty credentials")
	}

	v := deviceauth.NewVerifier(deviceauth.Config{
		Mode:      deviceauth.ModeEd25519,
		AllowTOFU: true,
		JWTMaxAge: 5 * time.Minute,
	}, deviceauth.NewMemoryRegistry(4), zerolog.Nop())

	res := v.Verify(deviceauth.Request{
		NodeID:    "n1",
		Signature: creds.Signature,
		PublicKey: creds.PublicKey,
	})
	if !res.Valid {
		t.Fatalf("Verify() rejected a freshly signed registration: %v", res.Err)
	}
}

func TestSignRegistrationRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, priv, _ := ed25519.GenerateKey(rand.Reader)

	if _, err := SignRegistration("", priv, time.Minute); err == nil {
		t.Error("SignRegistration() with empty nodeID should fail")
	}
	if _, err := SignRegistration("n1", nil, time.Minute); err == nil {
		t.Error("SignRegistration() with nil key should fail")
	}
}
