// ABOUTME: Q1 device attestation gate: ed25519 challenge/response verification
// ABOUTME: Issues single-use nonce challenges and validates signed responses with replay protection

package attestation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sevenofnine/quadran-lock/internal/replay"
	"github.com/sevenofnine/quadran-lock/internal/store"
)

// Gate errors. These are configuration/infrastructure class; validation
// failures are reported as data in Result, never as errors.
var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrDeviceRevoked = errors.New("device revoked")
)

// Evidence codes attached to Result.Errors for failed checks.
const (
	CodeDeviceRevoked     = "device_revoked"
	CodeChallengeNotFound = "challenge_not_found"
	CodeChallengeMismatch = "challenge_device_mismatch"
	CodeChallengeExpired  = "challenge_expired"
	CodeNonceReplayed     = "nonce_already_used"
	CodeSignatureInvalid  = "signature_invalid"
	CodePubkeyMismatch    = "pubkey_mismatch"
	CodeClockSkewExceeded = "clock_skew_exceeded"
	CodeTrustBelowMinimum = "trust_below_minimum"
)

// NonceSize is the length of generated challenge nonces. The contract
// requires a minimum of 16 bytes; we use 32.
const NonceSize = 32

// Confidence weights for the individual checks. Signature correctness
// dominates; the rest shade the score so evidence stays diagnostic.
const (
	weightSignature = 0.40
	weightFreshness = 0.20
	weightReplay    = 0.15
	weightSkew      = 0.15
	weightTrust     = 0.10
)

// Clock supplies the current time; injected so expiry and skew boundaries
// are testable to the millisecond.
type Clock func() time.Time

// DeviceStore is the device keystore surface the gate needs.
type DeviceStore interface {
	CreateDevice(ctx context.Context, d *store.Device) error
	GetDevice(ctx context.Context, deviceID string) (*store.Device, error)
	TouchDevice(ctx context.Context, deviceID string, usedAt time.Time) error
	SetTrustLevel(ctx context.Context, deviceID string, level int) error
	RevokeDevice(ctx context.Context, deviceID, reason string) error
}

// NonceStore is the challenge nonce surface the gate needs.
type NonceStore interface {
	CreateNonce(ctx context.Context, n *store.ChallengeNonce) error
	GetNonce(ctx context.Context, id string) (*store.ChallengeNonce, error)
	ConsumeNonce(ctx context.Context, id string, usedAt time.Time) error
}

// Options configures gate thresholds and windows.
type Options struct {
	ChallengeTTL  time.Duration // challenge validity window
	ClockSkew     time.Duration // allowed distance between SignedAt and validation time
	MinTrustLevel int           // minimum device trust level for acceptance
	PassThreshold float64       // minimum weighted confidence for success
}

// Challenge is an issued attestation challenge. The nonce is returned to the
// device because the device must sign it; single-use consumption is what
// prevents replay, not nonce secrecy.
type Challenge struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	Nonce      []byte    `json:"nonce"`
	Difficulty int       `json:"difficulty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Evidence itemizes the individual checks of one validation.
type Evidence struct {
	DeviceActive   bool `json:"device_active"`
	ChallengeFound bool `json:"challenge_found"`
	NotExpired     bool `json:"not_expired"`
	NotReplayed    bool `json:"not_replayed"`
	SignatureValid bool `json:"signature_valid"`
	ClockSkewOK    bool `json:"clock_skew_ok"`
	TrustLevelOK   bool `json:"trust_level_ok"`
}

// Result is the structured outcome of one attestation validation.
type Result struct {
	Success    bool     `json:"success"`
	Confidence float64  `json:"confidence"`
	Evidence   Evidence `json:"evidence"`
	Errors     []string `json:"errors,omitempty"`
}

// Gate implements the Q1 device attestation check.
type Gate struct {
	devices DeviceStore
	nonces  NonceStore
	guard   *replay.Guard
	clock   Clock
	rand    io.Reader
	opts    Options
	logger  *slog.Logger
}

// NewGate creates an attestation gate. rand may be nil to use crypto/rand;
// clock may be nil to use time.Now.
func NewGate(devices DeviceStore, nonces NonceStore, guard *replay.Guard, opts Options, clock Clock, randSource io.Reader) *Gate {
	if clock == nil {
		clock = time.Now
	}
	if randSource == nil {
		randSource = rand.Reader
	}
	return &Gate{
		devices: devices,
		nonces:  nonces,
		guard:   guard,
		clock:   clock,
		rand:    randSource,
		opts:    opts,
		logger:  slog.Default().With("component", "attestation"),
	}
}

// RegisterDevice registers a device's public key. If pubKey is empty, a
// fresh keypair is generated and the private half returned exactly once;
// it is never persisted.
func (g *Gate) RegisterDevice(ctx context.Context, deviceID, name, pubKey string, initialTrust int) (*store.Device, ed25519.PrivateKey, error) {
	var privKey ed25519.PrivateKey
	if pubKey == "" {
		var err error
		pubKey, privKey, err = GenerateDeviceKey()
		if err != nil {
			return nil, nil, err
		}
	}

	fingerprint, err := ComputeFingerprint(pubKey)
	if err != nil {
		return nil, nil, fmt.Errorf("registering device %s: %w", deviceID, err)
	}

	if initialTrust < 0 {
		initialTrust = 0
	}
	if initialTrust > 10 {
		initialTrust = 10
	}

	d := &store.Device{
		DeviceID:    deviceID,
		Name:        name,
		PublicKey:   pubKey,
		Fingerprint: fingerprint,
		TrustLevel:  initialTrust,
		Status:      store.DeviceStatusActive,
		CreatedAt:   g.clock().UTC(),
	}

	if err := g.devices.CreateDevice(ctx, d); err != nil {
		return nil, nil, fmt.Errorf("registering device %s: %w", deviceID, err)
	}

	g.logger.Info("registered device", "device_id", deviceID, "fingerprint", fingerprint, "trust_level", initialTrust)
	return d, privKey, nil
}

// RevokeDevice marks a device untrusted. Subsequent validations fail fast
// with the device_revoked evidence code.
func (g *Gate) RevokeDevice(ctx context.Context, deviceID, reason string) error {
	if err := g.devices.RevokeDevice(ctx, deviceID, reason); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}
		return fmt.Errorf("revoking device %s: %w", deviceID, err)
	}
	return nil
}

// GenerateChallenge creates a single-use nonce challenge for a registered
// device. Difficulty scales inversely with trust: less-trusted devices get
// harder (shorter-lived) challenges.
func (g *Gate) GenerateChallenge(ctx context.Context, deviceID string) (*Challenge, error) {
	d, err := g.devices.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}
		return nil, fmt.Errorf("loading device %s: %w", deviceID, err)
	}
	if d.Status == store.DeviceStatusRevoked {
		return nil, fmt.Errorf("%w: %s", ErrDeviceRevoked, deviceID)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(g.rand, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	now := g.clock().UTC()
	difficulty := scaleDifficulty(d.TrustLevel)
	ttl := g.opts.ChallengeTTL - time.Duration(difficulty-1)*(g.opts.ChallengeTTL/20)

	n := &store.ChallengeNonce{
		ID:         uuid.New().String(),
		DeviceID:   deviceID,
		Nonce:      nonce,
		Difficulty: difficulty,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := g.nonces.CreateNonce(ctx, n); err != nil {
		return nil, fmt.Errorf("storing challenge: %w", err)
	}

	g.logger.Debug("issued attestation challenge",
		"challenge_id", n.ID,
		"device_id", deviceID,
		"difficulty", difficulty,
		"expires_at", n.ExpiresAt,
	)

	return &Challenge{
		ID:         n.ID,
		DeviceID:   n.DeviceID,
		Nonce:      n.Nonce,
		Difficulty: n.Difficulty,
		CreatedAt:  n.CreatedAt,
		ExpiresAt:  n.ExpiresAt,
	}, nil
}

// scaleDifficulty maps trust level 0-10 to challenge difficulty 1-10.
func scaleDifficulty(trustLevel int) int {
	difficulty := 11 - trustLevel
	if difficulty < 1 {
		difficulty = 1
	}
	if difficulty > 10 {
		difficulty = 10
	}
	return difficulty
}

// ValidateAttestation verifies a signed challenge response.
//
// Consumption policy: the nonce is consumed on every validation attempt that
// reaches the replay check, whether or not the signature then verifies. A
// captured signature is therefore worthless after the first attempt against
// it, even a failed one.
//
// Validation failures are returned as a Result with Success=false and the
// failing evidence flagged. Errors are reserved for unknown devices
// (configuration) and store faults (infrastructure).
func (g *Gate) ValidateAttestation(ctx context.Context, deviceID string, sig *Signature) (*Result, error) {
	d, err := g.devices.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}
		return nil, fmt.Errorf("loading device %s: %w", deviceID, err)
	}

	res := &Result{Evidence: Evidence{DeviceActive: d.Status == store.DeviceStatusActive}}

	// Revoked devices fail fast; nothing else is worth checking.
	if !res.Evidence.DeviceActive {
		res.Errors = append(res.Errors, CodeDeviceRevoked)
		return res, nil
	}

	n, err := g.nonces.GetNonce(ctx, sig.ChallengeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			res.Errors = append(res.Errors, CodeChallengeNotFound)
			return res, nil
		}
		return nil, fmt.Errorf("loading challenge %s: %w", sig.ChallengeID, err)
	}
	res.Evidence.ChallengeFound = true

	if n.DeviceID != deviceID {
		res.Errors = append(res.Errors, CodeChallengeMismatch)
		return res, nil
	}

	now := g.clock()
	res.Evidence.NotExpired = !now.After(n.ExpiresAt)
	if !res.Evidence.NotExpired {
		res.Errors = append(res.Errors, CodeChallengeExpired)
		return res, nil
	}

	// Atomic consumption: the in-memory guard fences concurrent validations
	// in this process, the store UPDATE is authoritative across restarts.
	replayed := g.guard.Consume("attestation:" + n.ID)
	if !replayed {
		if err := g.nonces.ConsumeNonce(ctx, n.ID, now); err != nil {
			if errors.Is(err, store.ErrNonceConsumed) {
				replayed = true
			} else {
				return nil, fmt.Errorf("consuming nonce %s: %w", n.ID, err)
			}
		}
	}
	res.Evidence.NotReplayed = !replayed
	if replayed {
		res.Errors = append(res.Errors, CodeNonceReplayed)
	}

	// Signature over the canonical payload under the stored public key. A
	// caller-supplied public key must match the registered one.
	res.Evidence.SignatureValid = g.verifySignature(d, deviceID, n, sig, res)

	skew := now.Sub(sig.SignedAt)
	if skew < 0 {
		skew = -skew
	}
	res.Evidence.ClockSkewOK = skew <= g.opts.ClockSkew
	if !res.Evidence.ClockSkewOK {
		res.Errors = append(res.Errors, CodeClockSkewExceeded)
	}

	res.Evidence.TrustLevelOK = d.TrustLevel >= g.opts.MinTrustLevel
	if !res.Evidence.TrustLevelOK {
		res.Errors = append(res.Errors, CodeTrustBelowMinimum)
	}

	res.Confidence = g.confidence(res.Evidence)
	res.Success = len(res.Errors) == 0 && res.Confidence >= g.opts.PassThreshold

	if res.Success {
		g.recordSuccess(ctx, d, now)
	}

	g.logger.Debug("validated attestation",
		"device_id", deviceID,
		"challenge_id", sig.ChallengeID,
		"success", res.Success,
		"confidence", res.Confidence,
		"errors", res.Errors,
	)
	return res, nil
}

// verifySignature checks the ed25519 signature and the optional supplied key.
func (g *Gate) verifySignature(d *store.Device, deviceID string, n *store.ChallengeNonce, sig *Signature, res *Result) bool {
	if sig.PublicKey != "" {
		fp, err := ComputeFingerprint(sig.PublicKey)
		if err != nil || fp != d.Fingerprint {
			res.Errors = append(res.Errors, CodePubkeyMismatch)
			return false
		}
	}

	pub, err := ParseDeviceKey(d.PublicKey)
	if err != nil {
		// Stored key material is corrupt; treat as signature failure but flag it.
		res.Errors = append(res.Errors, CodeSignatureInvalid)
		return false
	}

	payload := canonicalPayload(n.ID, deviceID, n.Nonce, sig.SignedAt)
	if !ed25519.Verify(pub, payload, sig.Signature) {
		res.Errors = append(res.Errors, CodeSignatureInvalid)
		return false
	}
	return true
}

// confidence combines the check outcomes into a weighted score.
func (g *Gate) confidence(e Evidence) float64 {
	var score float64
	if e.SignatureValid {
		score += weightSignature
	}
	if e.NotExpired {
		score += weightFreshness
	}
	if e.NotReplayed {
		score += weightReplay
	}
	if e.ClockSkewOK {
		score += weightSkew
	}
	if e.TrustLevelOK {
		score += weightTrust
	}
	return score
}

// recordSuccess updates last-used and nudges trust upward, capped at 10.
// Best effort: a failed bookkeeping write never fails the validation.
func (g *Gate) recordSuccess(ctx context.Context, d *store.Device, now time.Time) {
	if err := g.devices.TouchDevice(ctx, d.DeviceID, now); err != nil {
		g.logger.Warn("updating last-used failed", "device_id", d.DeviceID, "error", err)
	}
	if d.TrustLevel < 10 {
		if err := g.devices.SetTrustLevel(ctx, d.DeviceID, d.TrustLevel+1); err != nil {
			g.logger.Warn("updating trust level failed", "device_id", d.DeviceID, "error", err)
		}
	}
}
