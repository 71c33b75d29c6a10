// ABOUTME: Tests for audit log append and list operations
// ABOUTME: Covers filtering, append-only semantics, and ed25519 tamper-evidence signatures

package store

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditStore_Append(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	entry := &AuditEntry{
		Actor:      "dev-1",
		Action:     AuditAuthAttempt,
		TargetType: "device",
		TargetID:   "dev-1",
		Detail:     map[string]any{"passed": true, "failed_gate": nil},
	}

	err := s.AppendAuditLog(ctx, entry)
	require.NoError(t, err)

	// Should have generated ID and timestamp
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())
}

func TestAuditStore_List_NoFilter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i, action := range []AuditAction{AuditRegisterDevice, AuditIssueChallenge, AuditAuthAttempt} {
		entry := &AuditEntry{
			Actor:      "dev-1",
			Action:     action,
			TargetType: "device",
			TargetID:   fmt.Sprintf("target-%d", i),
			Timestamp:  time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.AppendAuditLog(ctx, entry))
	}

	entries, err := s.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// Newest first
	assert.Equal(t, AuditAuthAttempt, entries[0].Action)
}

func TestAuditStore_List_ByAction(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, action := range []AuditAction{AuditAuthAttempt, AuditRevokeDevice, AuditAuthAttempt} {
		require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{
			Actor:      "dev-1",
			Action:     action,
			TargetType: "device",
			TargetID:   "dev-1",
		}))
	}

	action := AuditAuthAttempt
	entries, err := s.ListAuditLog(ctx, AuditFilter{Action: &action})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestAuditStore_List_ByActor(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, actor := range []string{"dev-1", "dev-2", "dev-1"} {
		require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{
			Actor:      actor,
			Action:     AuditAuthAttempt,
			TargetType: "device",
			TargetID:   actor,
		}))
	}

	actor := "dev-2"
	entries, err := s.ListAuditLog(ctx, AuditFilter{Actor: &actor})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dev-2", entries[0].Actor)
}

func TestAuditStore_List_BySince(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{
			Actor:      "dev-1",
			Action:     AuditAuthAttempt,
			TargetType: "device",
			TargetID:   "dev-1",
			Timestamp:  base.Add(time.Duration(i) * time.Hour),
		}))
	}

	since := base.Add(90 * time.Minute)
	entries, err := s.ListAuditLog(ctx, AuditFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAuditStore_List_Empty(t *testing.T) {
	s := setupTestStore(t)

	entries, err := s.ListAuditLog(context.Background(), AuditFilter{})
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestAuditStore_SignedEntries(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s.SetAuditSigner(NewEd25519AuditSigner(priv))

	entry := &AuditEntry{
		Actor:      "dev-1",
		Action:     AuditAuthAttempt,
		TargetType: "device",
		TargetID:   "dev-1",
		Detail:     map[string]any{"passed": false, "failed_gate": "Q1"},
	}
	require.NoError(t, s.AppendAuditLog(ctx, entry))
	assert.NotEmpty(t, entry.Signature)

	// Round trip through the database and verify
	entries, err := s.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	ok, err := VerifyAuditEntry(&entries[0], pub)
	require.NoError(t, err)
	assert.True(t, ok)

	// Tampering with the entry must break the signature
	tampered := entries[0]
	tampered.Actor = "dev-666"
	ok, err = VerifyAuditEntry(&tampered, pub)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuditStore_VerifyUnsigned(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	entry := &AuditEntry{ID: "e-1"}
	_, err = VerifyAuditEntry(entry, pub)
	assert.Error(t, err)
}
