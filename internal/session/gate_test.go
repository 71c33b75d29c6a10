// ABOUTME: Tests for session token minting and validation including the ordered fail-closed reasons
// ABOUTME: Exercises the TTL boundary, weak-key refusal, tampered signatures, and idempotence

package session

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

var testKey = []byte("0123456789abcdef0123456789abcdef") // exactly 32 bytes

func testSessionGate(t *testing.T) (*Gate, *fakeClock) {
	t.Helper()
	// Truncate to the millisecond, matching the token timestamp precision
	clock := &fakeClock{t: time.Now().UTC().Truncate(time.Millisecond)}
	return NewGate(testKey, 15*time.Minute, clock.Now), clock
}

func TestGate_MintAndValidate(t *testing.T) {
	gate, clock := testSessionGate(t)

	token, err := gate.MintToken("dev-1")
	require.NoError(t, err)
	assert.Len(t, strings.Split(token, "."), 2)

	res := gate.ValidateSession(token, "dev-1")
	assert.True(t, res.Success)
	assert.Equal(t, 0.75, res.Confidence)
	assert.Empty(t, res.Reason)
	assert.Equal(t, "dev-1", res.DeviceID)
	assert.WithinDuration(t, clock.Now(), res.IssuedAt, time.Second)
}

func TestGate_ValidateSession_Missing(t *testing.T) {
	gate, _ := testSessionGate(t)

	res := gate.ValidateSession("", "dev-1")
	assert.False(t, res.Success)
	assert.Equal(t, ReasonMissing, res.Reason)
}

// A signing key below the minimum must fail every validation, never degrade
// into a weaker check.
func TestGate_ValidateSession_WeakKeyFailsClosed(t *testing.T) {
	strong, _ := testSessionGate(t)
	token, err := strong.MintToken("dev-1")
	require.NoError(t, err)

	weak := NewGate([]byte("short"), 15*time.Minute, nil)
	res := weak.ValidateSession(token, "dev-1")
	assert.False(t, res.Success)
	assert.Equal(t, ReasonWeakKey, res.Reason)

	// Minting with a weak key is a hard error
	_, err = weak.MintToken("dev-1")
	assert.ErrorIs(t, err, ErrWeakKey)
}

func TestGate_ValidateSession_Format(t *testing.T) {
	gate, _ := testSessionGate(t)

	for _, token := range []string{
		"no-dot-at-all",
		"one.two.three",
		".onlysig",
		"onlypayload.",
		"payload.not-hex-signature",
	} {
		res := gate.ValidateSession(token, "dev-1")
		assert.False(t, res.Success, "token %q", token)
		assert.Equal(t, ReasonFormat, res.Reason, "token %q", token)
	}
}

func TestGate_ValidateSession_TamperedPayload(t *testing.T) {
	gate, _ := testSessionGate(t)

	token, err := gate.MintToken("dev-1")
	require.NoError(t, err)

	// Swap the payload for one claiming a different device, keep the signature
	parts := strings.Split(token, ".")
	forged := base64.RawURLEncoding.EncodeToString([]byte(`{"deviceId":"dev-2","timestamp":0}`))
	res := gate.ValidateSession(forged+"."+parts[1], "dev-2")
	assert.False(t, res.Success)
	assert.Equal(t, ReasonBadSig, res.Reason)
}

func TestGate_ValidateSession_WrongKey(t *testing.T) {
	gate, _ := testSessionGate(t)
	other := NewGate([]byte("ffffffffffffffffffffffffffffffff"), 15*time.Minute, nil)

	token, err := other.MintToken("dev-1")
	require.NoError(t, err)

	res := gate.ValidateSession(token, "dev-1")
	assert.False(t, res.Success)
	assert.Equal(t, ReasonBadSig, res.Reason)
}

func TestGate_ValidateSession_DeviceMismatch(t *testing.T) {
	gate, _ := testSessionGate(t)

	token, err := gate.MintToken("dev-1")
	require.NoError(t, err)

	res := gate.ValidateSession(token, "dev-2")
	assert.False(t, res.Success)
	assert.Equal(t, ReasonDeviceMismatch, res.Reason)
}

// Concrete scenario: a correctly signed token issued 20 minutes ago with a
// 15 minute TTL fails with the expired reason, nothing else.
func TestGate_ValidateSession_Expired(t *testing.T) {
	gate, clock := testSessionGate(t)

	token, err := gate.MintToken("dev-1")
	require.NoError(t, err)

	clock.t = clock.t.Add(20 * time.Minute)
	res := gate.ValidateSession(token, "dev-1")
	assert.False(t, res.Success)
	assert.Equal(t, ReasonExpired, res.Reason)
}

// A token stamped in the future must not validate: a negative age would let
// a skewed issuing clock grant itself more than the TTL.
func TestGate_ValidateSession_FutureTimestamp(t *testing.T) {
	gate, clock := testSessionGate(t)

	// Mint with the clock pushed an hour ahead, then validate at real time
	clock.t = clock.t.Add(time.Hour)
	token, err := gate.MintToken("dev-1")
	require.NoError(t, err)

	clock.t = clock.t.Add(-time.Hour)
	res := gate.ValidateSession(token, "dev-1")
	assert.False(t, res.Success)
	assert.Equal(t, ReasonExpired, res.Reason)
}

func TestGate_ValidateSession_TTLBoundary(t *testing.T) {
	gate, clock := testSessionGate(t)

	token, err := gate.MintToken("dev-1")
	require.NoError(t, err)

	// Exactly at the TTL still passes; one millisecond past fails
	clock.t = clock.t.Add(15 * time.Minute)
	assert.True(t, gate.ValidateSession(token, "dev-1").Success)

	clock.t = clock.t.Add(time.Millisecond)
	res := gate.ValidateSession(token, "dev-1")
	assert.False(t, res.Success)
	assert.Equal(t, ReasonExpired, res.Reason)
}

// Validation has no side effects: the same token validates twice with
// identical results.
func TestGate_ValidateSession_Idempotent(t *testing.T) {
	gate, _ := testSessionGate(t)

	token, err := gate.MintToken("dev-1")
	require.NoError(t, err)

	first := gate.ValidateSession(token, "dev-1")
	second := gate.ValidateSession(token, "dev-1")
	assert.Equal(t, first, second)
	assert.True(t, second.Success)
	assert.Equal(t, first.Confidence, second.Confidence)
}
