package deviceauth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Mode selects which credentials the gateway accepts at registration.
type Mode string

const (
	// ModeLegacy accepts only the shared bearer token.
	ModeLegacy Mode = "legacy"

	// ModeEd25519 accepts only Ed25519-signed JWTs.
	ModeEd25519 Mode = "ed25519"

	// ModeDual accepts either credential.
	ModeDual Mode = "dual"
)

// ParseMode validates a mode string from configuration.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLegacy, ModeEd25519, ModeDual:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown auth mode %q", s)
}

// DefaultJWTMaxAge bounds how far in the future a registration JWT may
// expire.
const DefaultJWTMaxAge = 5 * time.Minute

// Verification failure reasons. These are logged, never sent to the peer:
// every rejection surfaces as the same generic registration failure.
var (
	ErrNoCredentials   = errors.New("no acceptable credential presented")
	ErrBadToken        = errors.New("bearer token mismatch")
	ErrBadSignature    = errors.New("signature verification failed")
	ErrSubjectMismatch = errors.New("JWT subject does not match nodeId")
	ErrJWTExpired      = errors.New("JWT expired")
	ErrJWTTooLong      = errors.New("JWT expiry exceeds the allowed age")
	ErrDeviceUnknown   = errors.New("device key unknown and TOFU not permitted")
	ErrKeyMismatch     = errors.New("presented key does not match pinned key")
	ErrBreakerOpen     = errors.New("auth circuit breaker open")
)

// Config tunes a Verifier.
type Config struct {
	Mode      Mode
	Token     string
	JWTMaxAge time.Duration
	AllowTOFU bool

	// BreakerThreshold consecutive rejections open the breaker for
	// BreakerCooldown. Zero disables the breaker.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Request carries the credentials announced in a node.register frame.
type Request struct {
	NodeID    string
	Token     string
	Signature string
	PublicKey string
}

// Result is the verification outcome. Err is the internal reason for a
// rejection and must not be echoed to the peer.
type Result struct {
	Valid  bool
	NodeID string
	Exp    time.Time
	Err    error
}

// Verifier authenticates registration requests against the configured mode
// and the device key registry.
type Verifier struct {
	cfg      Config
	registry Registry
	breaker  *Breaker
	log      zerolog.Logger
}

// NewVerifier creates a verifier over the given registry.
func NewVerifier(cfg Config, registry Registry, logger zerolog.Logger) *Verifier {
	if cfg.JWTMaxAge <= 0 {
		cfg.JWTMaxAge = DefaultJWTMaxAge
	}
	return &Verifier{
		cfg:      cfg,
		registry: registry,
		breaker:  NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		log:      logger.With().Str("component", "deviceauth").Logger(),
	}
}

// Verify checks a registration request. The credential that must pass
// depends on the mode: legacy requires the token, ed25519 requires the
// signature, dual accepts either (signature preferred when present).
func (v *Verifier) Verify(req Request) Result {
	if !v.breaker.Allow() {
		return Result{NodeID: req.NodeID, Err: ErrBreakerOpen}
	}

	res := v.verify(req)
	if res.Valid {
		v.breaker.Success()
	} else {
		v.breaker.Failure()
		v.log.Debug().Str("node_id", req.NodeID).Err(res.Err).Msg("Registration rejected")
	}
	return res
}

func (v *Verifier) verify(req Request) Result {
	switch v.cfg.Mode {
	case ModeLegacy:
		if req.Token == "" {
			return Result{NodeID: req.NodeID, Err: ErrNoCredentials}
		}
		return v.verifyToken(req)
	case ModeEd25519:
		if req.Signature == "" {
			return Result{NodeID: req.NodeID, Err: ErrNoCredentials}
		}
		return v.verifySignature(req)
	default: // dual
		if req.Signature != "" {
			return v.verifySignature(req)
		}
		if req.Token != "" {
			return v.verifyToken(req)
		}
		return Result{NodeID: req.NodeID, Err: ErrNoCredentials}
	}
}

// verifyToken compares the presented bearer token against the expected one.
// Both sides are hashed first so the comparison is constant-time and does
// not short-circuit on length differences.
func (v *Verifier) verifyToken(req Request) Result {
	if v.cfg.Token == "" {
		return Result{NodeID: req.NodeID, Err: ErrBadToken}
	}
	want := sha256.Sum256([]byte(v.cfg.Token))
	got := sha256.Sum256([]byte(req.Token))
	if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
		return Result{NodeID: req.NodeID, Err: ErrBadToken}
	}
	return Result{Valid: true, NodeID: req.NodeID}
}

// verifySignature validates an Ed25519-signed JWT and applies the pinning
// policy: a pinned key must match, an unpinned key is installed on first use
// when TOFU is enabled and the registry has room.
func (v *Verifier) verifySignature(req Request) Result {
	pinned, havePin := v.registry.Lookup(req.NodeID)

	var presented ed25519.PublicKey
	if req.PublicKey != "" {
		raw, err := DecodeKey(req.PublicKey)
		if err != nil {
			return Result{NodeID: req.NodeID, Err: fmt.Errorf("decode public key: %w", err)}
		}
		presented = raw
	}

	if havePin && presented != nil && subtle.ConstantTimeCompare(pinned, presented) != 1 {
		return Result{NodeID: req.NodeID, Err: ErrKeyMismatch}
	}

	verifyKey := pinned
	if !havePin {
		if presented == nil {
			return Result{NodeID: req.NodeID, Err: ErrDeviceUnknown}
		}
		verifyKey = presented
	}

	exp, err := v.checkJWT(req.NodeID, req.Signature, verifyKey)
	if err != nil {
		return Result{NodeID: req.NodeID, Err: err}
	}

	if !havePin {
		if !v.cfg.AllowTOFU {
			return Result{NodeID: req.NodeID, Err: ErrDeviceUnknown}
		}
		if err := v.registry.Install(req.NodeID, presented); err != nil {
			if errors.Is(err, ErrKeyExists) {
				// Lost an install race; the now-pinned key must match.
				current, _ := v.registry.Lookup(req.NodeID)
				if subtle.ConstantTimeCompare(current, presented) != 1 {
					return Result{NodeID: req.NodeID, Err: ErrKeyMismatch}
				}
			} else {
				return Result{NodeID: req.NodeID, Err: fmt.Errorf("%w: %v", ErrDeviceUnknown, err)}
			}
		} else {
			v.log.Info().Str("node_id", req.NodeID).Msg("Device key pinned on first use")
		}
	}

	return Result{Valid: true, NodeID: req.NodeID, Exp: exp}
}

func (v *Verifier) checkJWT(nodeID, signature string, key ed25519.PublicKey) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(signature, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return time.Time{}, ErrJWTExpired
		}
		return time.Time{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	if claims.Subject != nodeID {
		return time.Time{}, ErrSubjectMismatch
	}
	exp := claims.ExpiresAt.Time
	if time.Until(exp) > v.cfg.JWTMaxAge {
		return time.Time{}, ErrJWTTooLong
	}
	return exp, nil
}

// DecodeKey accepts base64url with or without padding.
func DecodeKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(s)
		if err != nil {
			return nil, err
		}
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("key length %d, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// EncodeKey renders a public key in the wire encoding (unpadded base64url).
func EncodeKey(key ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(key)
}
