// ABOUTME: Store interfaces and entity types for devices, nonces, and challenges
// ABOUTME: Defines the persistence contract consumed by the gates and orchestrator

package store

import (
	"context"
	"errors"
	"time"
)

// Common store errors
var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicateDevice is returned when registering a device id or key
	// fingerprint that already exists
	ErrDuplicateDevice = errors.New("device already registered")

	// ErrNonceConsumed is returned when consuming a nonce that was already used
	ErrNonceConsumed = errors.New("nonce already consumed")
)

// DeviceStatus represents the lifecycle state of a registered device.
type DeviceStatus string

const (
	DeviceStatusActive  DeviceStatus = "active"
	DeviceStatusRevoked DeviceStatus = "revoked"
)

// Device represents a registered device and its public key material.
// Private keys are owned exclusively by the device and never stored here.
type Device struct {
	DeviceID      string       // caller-chosen identifier (e.g., "dev-1")
	Name          string       // human-readable device name
	PublicKey     string       // OpenSSH authorized-key format (ssh-ed25519 ...)
	Fingerprint   string       // SHA256 fingerprint of the public key, lowercase hex
	TrustLevel    int          // 0-10; revocation forces 0
	Status        DeviceStatus // active or revoked
	CreatedAt     time.Time
	LastUsedAt    *time.Time // updated on successful attestation
	RevokedReason *string    // set when status is revoked
}

// ChallengeNonce represents a single-use attestation challenge.
type ChallengeNonce struct {
	ID         string // UUID v4
	DeviceID   string
	Nonce      []byte // 32 random bytes
	Difficulty int    // 1-10, scaled from device trust level
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Used       bool
	UsedAt     *time.Time
}

// SemanticChallenge is the persisted half of a knowledge challenge: the
// prompt shown to the caller plus the scoring material (constraints, expected
// knowledge elements, anti-patterns) serialized as JSON.
type SemanticChallenge struct {
	ID          string // UUID v4
	DeviceID    string
	Category    string
	Prompt      string
	Difficulty  int
	PayloadJSON string // scoring material, opaque to the store
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Used        bool
	UsedAt      *time.Time
}

// DeviceStore persists registered devices and their trust state.
type DeviceStore interface {
	CreateDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
	TouchDevice(ctx context.Context, deviceID string, usedAt time.Time) error
	SetTrustLevel(ctx context.Context, deviceID string, level int) error
	RevokeDevice(ctx context.Context, deviceID, reason string) error
}

// NonceStore persists attestation challenge nonces. ConsumeNonce is the one
// operation with a concurrency contract: check-unused-and-mark-used must be a
// single atomic update so two concurrent validations never both succeed.
type NonceStore interface {
	CreateNonce(ctx context.Context, n *ChallengeNonce) error
	GetNonce(ctx context.Context, id string) (*ChallengeNonce, error)
	ConsumeNonce(ctx context.Context, id string, usedAt time.Time) error
	DeleteExpiredNonces(ctx context.Context, before time.Time) (int64, error)
}

// SemanticStore persists semantic knowledge challenges. Consumption carries
// the same atomicity contract as NonceStore.
type SemanticStore interface {
	CreateSemanticChallenge(ctx context.Context, c *SemanticChallenge) error
	GetSemanticChallenge(ctx context.Context, id string) (*SemanticChallenge, error)
	ConsumeSemanticChallenge(ctx context.Context, id string, usedAt time.Time) error
}

// AuditStore appends and queries the append-only audit log. There are
// deliberately no update or delete methods: retention is an external
// collaborator's job.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Store combines all persistence interfaces backed by a single database.
type Store interface {
	DeviceStore
	NonceStore
	SemanticStore
	AuditStore
	Close() error
}
