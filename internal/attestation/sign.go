// ABOUTME: Device-side challenge signing and the canonical signed payload
// ABOUTME: Lives outside the verifier's trust boundary; the server never calls Sign with real keys

package attestation

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"
)

// Signature is the device's response to a challenge. Ephemeral: it exists
// only for the duration of one validation call.
type Signature struct {
	ChallengeID string    `json:"challenge_id"`
	Signature   []byte    `json:"signature"`
	PublicKey   string    `json:"public_key,omitempty"` // optional, OpenSSH format
	SignedAt    time.Time `json:"signed_at"`
}

// canonicalPayload builds the exact byte string a device signs for a
// challenge. Both sides must agree on this format; any change breaks every
// deployed device.
func canonicalPayload(challengeID, deviceID string, nonce []byte, signedAt time.Time) []byte {
	payload := fmt.Sprintf("%s|%s|%s|%d",
		challengeID,
		deviceID,
		base64.StdEncoding.EncodeToString(nonce),
		signedAt.UnixMilli(),
	)
	return []byte(payload)
}

// SignChallenge produces a Signature over the canonical challenge payload.
// This is the device-side operation: it takes the device's private key and is
// used by device simulators and tests, never by the verifying server.
func SignChallenge(challenge *Challenge, deviceID string, privKey ed25519.PrivateKey, signedAt time.Time) *Signature {
	payload := canonicalPayload(challenge.ID, deviceID, challenge.Nonce, signedAt)
	return &Signature{
		ChallengeID: challenge.ID,
		Signature:   ed25519.Sign(privKey, payload),
		SignedAt:    signedAt,
	}
}
