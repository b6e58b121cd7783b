package node

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials carry an EdDSA registration proof, ready to be placed in
// Options.Signature and Options.PublicKey.
type Credentials struct {
	Signature string
	PublicKey string
}

// SignRegistration mints a short-lived EdDSA JWT binding the node ID to the
// given key. ttl must not exceed the gateway's jwtMaxAge or registration
// will be rejected.
func SignRegistration(nodeID string, key ed25519.PrivateKey, ttl time.Duration) (Credentials, error) {
	if nodeID == "" {
		return Credentials{}, errors.New("node: nodeID is required")
	}
	if len(key) != ed25519.PrivateKeySize {
		return Credentials{}, errors.New("node: key is not an ed25519 private key")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   nodeID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signature, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	if err != nil {
		return Credentials{}, err
	}

	pub := key.Public().(ed25519.PublicKey)
	return Credentials{
		Signature: signature,
		PublicKey: base64.RawURLEncoding.EncodeToString(pub),
	}, nil
}
