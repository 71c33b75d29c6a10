// ABOUTME: Append-only audit log entities and store methods
// ABOUTME: Records every authentication attempt and administrative action, optionally signed

package store

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditAuthAttempt      AuditAction = "auth_attempt"
	AuditRegisterDevice   AuditAction = "register_device"
	AuditRevokeDevice     AuditAction = "revoke_device"
	AuditIssueChallenge   AuditAction = "issue_challenge"
	AuditIssueSemantic    AuditAction = "issue_semantic_challenge"
	AuditMintSessionToken AuditAction = "mint_session_token"
)

// AuditEntry represents a single immutable audit log entry. Entries are never
// mutated or deleted from the hot log; retention and archival are an external
// collaborator's job.
type AuditEntry struct {
	ID         string         // UUID v4
	Actor      string         // who performed the action (device id or operator)
	Action     AuditAction    // what action was performed
	TargetType string         // "device", "challenge", "session"
	TargetID   string         // ID of the affected resource
	Timestamp  time.Time      // when it happened
	Detail     map[string]any // per-gate evidence and redacted inputs
	Signature  string         // hex ed25519 signature over the canonical entry, "" if unsigned
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since      *time.Time   // entries after this time
	Until      *time.Time   // entries before this time
	Actor      *string      // filter by actor
	Action     *AuditAction // filter by action type
	TargetType *string      // filter by target type
	TargetID   *string      // filter by target ID
	Limit      int          // max results (default 100, max 1000)
}

// AuditSigner signs canonical audit entry bytes for tamper evidence.
type AuditSigner interface {
	Sign(canonical []byte) (string, error)
}

// Ed25519AuditSigner signs audit entries with an ed25519 key.
type Ed25519AuditSigner struct {
	key ed25519.PrivateKey
}

// NewEd25519AuditSigner creates a signer from a private key.
func NewEd25519AuditSigner(key ed25519.PrivateKey) *Ed25519AuditSigner {
	return &Ed25519AuditSigner{key: key}
}

// Sign returns the hex-encoded ed25519 signature over the canonical bytes.
func (s *Ed25519AuditSigner) Sign(canonical []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.key, canonical)), nil
}

// VerifyAuditEntry checks an entry's signature against a public key.
func VerifyAuditEntry(e *AuditEntry, pub ed25519.PublicKey) (bool, error) {
	if e.Signature == "" {
		return false, fmt.Errorf("entry %s is unsigned", e.ID)
	}
	sig, err := hex.DecodeString(e.Signature)
	if err != nil {
		return false, fmt.Errorf("decoding signature: %w", err)
	}
	canonical, err := canonicalAuditBytes(e)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, canonical, sig), nil
}

// canonicalAuditBytes produces the deterministic byte form that gets signed.
// The signature field itself is excluded.
func canonicalAuditBytes(e *AuditEntry) ([]byte, error) {
	canonical := struct {
		ID         string         `json:"id"`
		Actor      string         `json:"actor"`
		Action     AuditAction    `json:"action"`
		TargetType string         `json:"target_type"`
		TargetID   string         `json:"target_id"`
		Timestamp  string         `json:"ts"`
		Detail     map[string]any `json:"detail,omitempty"`
	}{
		ID:         e.ID,
		Actor:      e.Actor,
		Action:     e.Action,
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
		Timestamp:  e.Timestamp.UTC().Format(timeFormat),
		Detail:     e.Detail,
	}
	data, err := json.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("marshaling canonical audit entry: %w", err)
	}
	return data, nil
}

// SetAuditSigner enables tamper-evident signing of appended audit entries.
// Entries appended before the signer is set remain unsigned.
func (s *SQLiteStore) SetAuditSigner(signer AuditSigner) {
	s.auditSigner = signer
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set; signs the entry when a signer is configured.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	// Generate ID if not set
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	// Generate timestamp if not set
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if s.auditSigner != nil && e.Signature == "" {
		canonical, err := canonicalAuditBytes(e)
		if err != nil {
			return err
		}
		sig, err := s.auditSigner.Sign(canonical)
		if err != nil {
			return fmt.Errorf("signing audit entry: %w", err)
		}
		e.Signature = sig
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO audit_log (audit_id, actor, action, target_type, target_id, ts, detail_json, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Actor,
		e.Action,
		e.TargetType,
		e.TargetID,
		e.Timestamp.UTC().Format(timeFormat),
		detailJSON,
		nullString(e.Signature),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.Actor,
		"action", e.Action,
		"target", e.TargetType+"/"+e.TargetID,
	)
	return nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// scanAuditEntry scans a row into an AuditEntry.
func scanAuditEntry(scanner interface{ Scan(dest ...any) error }) (AuditEntry, error) {
	var e AuditEntry
	var actionStr, tsStr string
	var detailJSON, signature *string

	if err := scanner.Scan(
		&e.ID,
		&e.Actor,
		&actionStr,
		&e.TargetType,
		&e.TargetID,
		&tsStr,
		&detailJSON,
		&signature,
	); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = AuditAction(actionStr)
	var err error
	e.Timestamp, err = time.Parse(timeFormat, tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	if signature != nil {
		e.Signature = *signature
	}
	return e, nil
}

const auditLogQuery = `
	SELECT audit_id, actor, action, target_type, target_id, ts, detail_json, signature
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR actor = ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR target_type = ?)
	  AND (? IS NULL OR target_id = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// auditQueryArgs builds the query arguments from an AuditFilter.
type auditQueryArgs struct {
	sinceStr  *string
	untilStr  *string
	actionStr *string
}

// buildAuditQueryArgs converts filter time/action fields to query args.
func buildAuditQueryArgs(f AuditFilter) auditQueryArgs {
	var args auditQueryArgs
	if f.Since != nil {
		s := f.Since.UTC().Format(timeFormat)
		args.sinceStr = &s
	}
	if f.Until != nil {
		s := f.Until.UTC().Format(timeFormat)
		args.untilStr = &s
	}
	if f.Action != nil {
		a := string(*f.Action)
		args.actionStr = &a
	}
	return args
}

// ListAuditLog returns audit entries matching the filter criteria.
// Results are returned newest first (DESC by timestamp).
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := normalizeAuditLimit(f.Limit)
	args := buildAuditQueryArgs(f)

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		args.sinceStr, args.sinceStr,
		args.untilStr, args.untilStr,
		f.Actor, f.Actor,
		args.actionStr, args.actionStr,
		f.TargetType, f.TargetType,
		f.TargetID, f.TargetID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	if entries == nil {
		entries = []AuditEntry{}
	}
	return entries, nil
}
