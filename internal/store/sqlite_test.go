// ABOUTME: Tests for the SQLite store covering devices, nonces, and semantic challenges
// ABOUTME: Exercises atomic nonce consumption under concurrency and revocation semantics

package store

import (
	"context"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a SQLite store backed by a temp file.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quadran-test.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// testDevice creates a device row for tests.
func testDevice(id string) *Device {
	return &Device{
		DeviceID:    id,
		Name:        "test device " + id,
		PublicKey:   "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIFakeKeyMaterialFor" + id,
		Fingerprint: "fp-" + id,
		TrustLevel:  7,
		Status:      DeviceStatusActive,
		CreatedAt:   time.Now().UTC(),
	}
}

// testNonce creates an unexpired challenge nonce for the device.
func testNonce(t *testing.T, deviceID string) *ChallengeNonce {
	t.Helper()
	nonce := make([]byte, 32)
	_, err := rand.Read(nonce)
	require.NoError(t, err)

	now := time.Now().UTC()
	return &ChallengeNonce{
		ID:         uuid.New().String(),
		DeviceID:   deviceID,
		Nonce:      nonce,
		Difficulty: 5,
		CreatedAt:  now,
		ExpiresAt:  now.Add(90 * time.Second),
	}
}

func TestSQLiteStore_CreateDevice_AndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	d := testDevice("dev-1")
	require.NoError(t, s.CreateDevice(ctx, d))

	got, err := s.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, d.DeviceID, got.DeviceID)
	assert.Equal(t, d.PublicKey, got.PublicKey)
	assert.Equal(t, d.Fingerprint, got.Fingerprint)
	assert.Equal(t, 7, got.TrustLevel)
	assert.Equal(t, DeviceStatusActive, got.Status)
	assert.Nil(t, got.LastUsedAt)
	assert.Nil(t, got.RevokedReason)
}

func TestSQLiteStore_CreateDevice_Duplicate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDevice(ctx, testDevice("dev-1")))

	err := s.CreateDevice(ctx, testDevice("dev-1"))
	assert.ErrorIs(t, err, ErrDuplicateDevice)
}

func TestSQLiteStore_CreateDevice_DuplicateFingerprint(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDevice(ctx, testDevice("dev-1")))

	// Different device id, same key fingerprint
	d := testDevice("dev-2")
	d.Fingerprint = "fp-dev-1"
	err := s.CreateDevice(ctx, d)
	assert.ErrorIs(t, err, ErrDuplicateDevice)
}

func TestSQLiteStore_GetDevice_NotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetDevice(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_RevokeDevice(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDevice(ctx, testDevice("dev-1")))
	require.NoError(t, s.RevokeDevice(ctx, "dev-1", "key compromised"))

	got, err := s.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, DeviceStatusRevoked, got.Status)
	assert.Equal(t, 0, got.TrustLevel)
	require.NotNil(t, got.RevokedReason)
	assert.Equal(t, "key compromised", *got.RevokedReason)
}

func TestSQLiteStore_RevokeDevice_NotFound(t *testing.T) {
	s := setupTestStore(t)

	err := s.RevokeDevice(context.Background(), "missing", "reason")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_TouchDevice(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDevice(ctx, testDevice("dev-1")))

	usedAt := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.TouchDevice(ctx, "dev-1", usedAt))

	got, err := s.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, got.LastUsedAt.Equal(usedAt))
}

func TestSQLiteStore_SetTrustLevel(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDevice(ctx, testDevice("dev-1")))
	require.NoError(t, s.SetTrustLevel(ctx, "dev-1", 9))

	got, err := s.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 9, got.TrustLevel)
}

func TestSQLiteStore_ListDevices(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := testDevice(fmt.Sprintf("dev-%d", i))
		d.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, s.CreateDevice(ctx, d))
	}

	devices, err := s.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 3)
	assert.Equal(t, "dev-0", devices[0].DeviceID)
	assert.Equal(t, "dev-2", devices[2].DeviceID)
}

func TestSQLiteStore_CreateNonce_AndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDevice(ctx, testDevice("dev-1")))

	n := testNonce(t, "dev-1")
	require.NoError(t, s.CreateNonce(ctx, n))

	got, err := s.GetNonce(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.DeviceID, got.DeviceID)
	assert.Equal(t, n.Nonce, got.Nonce)
	assert.False(t, got.Used)
	assert.Nil(t, got.UsedAt)

	// Sub-second expiry precision must survive the round trip
	assert.True(t, got.ExpiresAt.Equal(n.ExpiresAt))
}

func TestSQLiteStore_ConsumeNonce_Once(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDevice(ctx, testDevice("dev-1")))
	n := testNonce(t, "dev-1")
	require.NoError(t, s.CreateNonce(ctx, n))

	require.NoError(t, s.ConsumeNonce(ctx, n.ID, time.Now().UTC()))

	got, err := s.GetNonce(ctx, n.ID)
	require.NoError(t, err)
	assert.True(t, got.Used)
	require.NotNil(t, got.UsedAt)
}

func TestSQLiteStore_ConsumeNonce_Replay(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDevice(ctx, testDevice("dev-1")))
	n := testNonce(t, "dev-1")
	require.NoError(t, s.CreateNonce(ctx, n))

	require.NoError(t, s.ConsumeNonce(ctx, n.ID, time.Now().UTC()))

	// Second consumption must fail no matter what
	err := s.ConsumeNonce(ctx, n.ID, time.Now().UTC())
	assert.ErrorIs(t, err, ErrNonceConsumed)
}

func TestSQLiteStore_ConsumeNonce_NotFound(t *testing.T) {
	s := setupTestStore(t)

	err := s.ConsumeNonce(context.Background(), uuid.New().String(), time.Now().UTC())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ConsumeNonce_Concurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDevice(ctx, testDevice("dev-1")))
	n := testNonce(t, "dev-1")
	require.NoError(t, s.CreateNonce(ctx, n))

	// Exactly one of N concurrent consumers may win.
	const goroutines = 20
	var wins atomic.Int64
	var wg sync.WaitGroup

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			if err := s.ConsumeNonce(ctx, n.ID, time.Now().UTC()); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())
}

func TestSQLiteStore_DeleteExpiredNonces(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDevice(ctx, testDevice("dev-1")))

	expired := testNonce(t, "dev-1")
	expired.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.CreateNonce(ctx, expired))

	fresh := testNonce(t, "dev-1")
	require.NoError(t, s.CreateNonce(ctx, fresh))

	deleted, err := s.DeleteExpiredNonces(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = s.GetNonce(ctx, expired.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetNonce(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestSQLiteStore_SemanticChallenge_Lifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDevice(ctx, testDevice("dev-1")))

	now := time.Now().UTC()
	c := &SemanticChallenge{
		ID:          uuid.New().String(),
		DeviceID:    "dev-1",
		Category:    "technical",
		Prompt:      "Describe the regeneration alcove calibration procedure.",
		Difficulty:  6,
		PayloadJSON: `{"expected":["alcove","calibration"]}`,
		CreatedAt:   now,
		ExpiresAt:   now.Add(2 * time.Minute),
	}
	require.NoError(t, s.CreateSemanticChallenge(ctx, c))

	got, err := s.GetSemanticChallenge(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "technical", got.Category)
	assert.Equal(t, c.PayloadJSON, got.PayloadJSON)
	assert.False(t, got.Used)

	require.NoError(t, s.ConsumeSemanticChallenge(ctx, c.ID, time.Now().UTC()))

	err = s.ConsumeSemanticChallenge(ctx, c.ID, time.Now().UTC())
	assert.ErrorIs(t, err, ErrNonceConsumed)
}

func TestSQLiteStore_SemanticChallenge_NotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetSemanticChallenge(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.ConsumeSemanticChallenge(context.Background(), "missing", time.Now().UTC())
	assert.ErrorIs(t, err, ErrNotFound)
}
