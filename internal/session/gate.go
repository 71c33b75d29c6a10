// ABOUTME: Q4 session integrity gate: HMAC-signed, device-bound, time-limited session tokens
// ABOUTME: Validation is pure and fails closed through an ordered sequence of specific reasons

package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// ErrWeakKey is returned by MintToken when the signing key is too short.
// Validation never returns it; a weak key there fails closed as a reason code.
var ErrWeakKey = errors.New("session signing key below minimum length")

// MinKeyLength is the minimum signing key size in bytes. HMAC-SHA256 with a
// shorter key weakens the whole gate, so short keys fail closed everywhere.
const MinKeyLength = 32

// DefaultTTL is how long a minted token stays valid.
const DefaultTTL = 15 * time.Minute

// successConfidence is deliberately moderate. A fresh session token proves
// only that an earlier grant is still current, not that the grant was strong,
// so this gate alone never reaches the top trust tier.
const successConfidence = 0.75

// Failure reason codes, checked in this exact order during validation.
const (
	ReasonMissing        = "missing"
	ReasonWeakKey        = "weak_key"
	ReasonFormat         = "format"
	ReasonBadSig         = "bad_sig"
	ReasonDeviceMismatch = "device_mismatch"
	ReasonExpired        = "expired"
)

// Clock supplies the current time, injected for deterministic TTL tests.
type Clock func() time.Time

// Payload is the signed content of a session token.
type Payload struct {
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"` // issuance time, unix milliseconds
}

// Result is the outcome of one session validation. Reason is empty on success.
type Result struct {
	Success    bool      `json:"success"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	IssuedAt   time.Time `json:"issued_at,omitempty"`
}

// Gate validates and mints session tokens. Token format is
// base64url(JSON payload) + "." + hex(HMAC-SHA256 over the encoded payload).
type Gate struct {
	key    []byte
	ttl    time.Duration
	clock  Clock
	logger *slog.Logger
}

// NewGate creates a session gate. ttl <= 0 uses DefaultTTL; clock may be nil
// to use time.Now. A short key is accepted here so the gate can still run and
// fail closed per-request rather than crashing the process.
func NewGate(key []byte, ttl time.Duration, clock Clock) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &Gate{
		key:    key,
		ttl:    ttl,
		clock:  clock,
		logger: slog.Default().With("component", "session"),
	}
}

// MintToken issues a signed token bound to the device, stamped with the
// current time. Unlike validation, minting with a weak key is a hard error.
func (g *Gate) MintToken(deviceID string) (string, error) {
	if len(g.key) < MinKeyLength {
		return "", ErrWeakKey
	}

	payload, err := json.Marshal(Payload{
		DeviceID:  deviceID,
		Timestamp: g.clock().UnixMilli(),
	})
	if err != nil {
		return "", err
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + g.sign(encoded), nil
}

// ValidateSession checks a token against the claimed device. It is pure:
// no store access, no state change, the same token and clock always produce
// the same result. Failure reasons are evaluated in a fixed order so the
// first problem found is the one reported.
func (g *Gate) ValidateSession(token, deviceID string) *Result {
	if token == "" {
		return fail(ReasonMissing)
	}
	if len(g.key) < MinKeyLength {
		// Misconfiguration must never downgrade into a weaker check.
		return fail(ReasonWeakKey)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fail(ReasonFormat)
	}
	encoded, sig := parts[0], parts[1]

	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return fail(ReasonFormat)
	}
	expected, err := hex.DecodeString(g.sign(encoded))
	if err != nil {
		return fail(ReasonFormat)
	}
	if !hmac.Equal(sigBytes, expected) {
		return fail(ReasonBadSig)
	}

	// Signature is good; the payload is trusted from here on.
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return fail(ReasonFormat)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fail(ReasonFormat)
	}

	if p.DeviceID != deviceID {
		g.logger.Warn("session token device mismatch", "claimed", deviceID, "embedded", p.DeviceID)
		return fail(ReasonDeviceMismatch)
	}

	// A future issuance time would make the age negative and let a skewed
	// clock extend its own TTL; only 0 <= age <= ttl validates.
	issuedAt := time.UnixMilli(p.Timestamp)
	age := g.clock().Sub(issuedAt)
	if age < 0 || age > g.ttl {
		return fail(ReasonExpired)
	}

	return &Result{
		Success:    true,
		Confidence: successConfidence,
		DeviceID:   p.DeviceID,
		IssuedAt:   issuedAt.UTC(),
	}
}

func (g *Gate) sign(encoded string) string {
	mac := hmac.New(sha256.New, g.key)
	mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}

func fail(reason string) *Result {
	return &Result{Success: false, Reason: reason}
}
