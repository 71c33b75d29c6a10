// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides device/nonce/challenge persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db          *sql.DB
	logger      *slog.Logger
	auditSigner AuditSigner // optional, set via SetAuditSigner
}

// timeFormat is RFC3339 with nanoseconds. Nonce and challenge expiry
// comparisons are millisecond-sensitive, so second precision is not enough.
const timeFormat = time.RFC3339Nano

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS devices (
			device_id      TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			public_key     TEXT NOT NULL,
			fingerprint    TEXT NOT NULL UNIQUE,
			trust_level    INTEGER NOT NULL,
			status         TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			last_used_at   TEXT,
			revoked_reason TEXT,

			CHECK (status IN ('active', 'revoked')),
			CHECK (trust_level BETWEEN 0 AND 10)
		);

		CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status);
		CREATE INDEX IF NOT EXISTS idx_devices_fingerprint ON devices(fingerprint);

		CREATE TABLE IF NOT EXISTS challenge_nonces (
			nonce_id   TEXT PRIMARY KEY,
			device_id  TEXT NOT NULL REFERENCES devices(device_id),
			nonce      BLOB NOT NULL,
			difficulty INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			used       INTEGER NOT NULL DEFAULT 0,
			used_at    TEXT,

			CHECK (used IN (0, 1))
		);

		CREATE INDEX IF NOT EXISTS idx_nonces_device ON challenge_nonces(device_id);
		CREATE INDEX IF NOT EXISTS idx_nonces_expires ON challenge_nonces(expires_at);

		CREATE TABLE IF NOT EXISTS semantic_challenges (
			challenge_id TEXT PRIMARY KEY,
			device_id    TEXT NOT NULL REFERENCES devices(device_id),
			category     TEXT NOT NULL,
			prompt       TEXT NOT NULL,
			difficulty   INTEGER NOT NULL,
			payload_json TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			expires_at   TEXT NOT NULL,
			used         INTEGER NOT NULL DEFAULT 0,
			used_at      TEXT,

			CHECK (used IN (0, 1)),
			CHECK (category IN ('personal', 'technical', 'emotional', 'historical', 'creative'))
		);

		CREATE INDEX IF NOT EXISTS idx_semantic_device ON semantic_challenges(device_id);
		CREATE INDEX IF NOT EXISTS idx_semantic_expires ON semantic_challenges(expires_at);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor       TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT,
			signature   TEXT,

			CHECK (action IN (
				'auth_attempt',
				'register_device',
				'revoke_device',
				'issue_challenge',
				'issue_semantic_challenge',
				'mint_session_token'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateDevice inserts a new device registration.
// Returns ErrDuplicateDevice if the device id or key fingerprint already exists.
func (s *SQLiteStore) CreateDevice(ctx context.Context, d *Device) error {
	query := `
		INSERT INTO devices (device_id, name, public_key, fingerprint, trust_level, status, created_at, last_used_at, revoked_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		d.DeviceID,
		d.Name,
		d.PublicKey,
		d.Fingerprint,
		d.TrustLevel,
		d.Status,
		d.CreatedAt.UTC().Format(timeFormat),
		nullTime(d.LastUsedAt),
		d.RevokedReason,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateDevice
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	s.logger.Debug("created device", "device_id", d.DeviceID, "trust_level", d.TrustLevel)
	return nil
}

// nullTime returns nil for nil times, otherwise the formatted string
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

// scanDevice scans a row into a Device.
func scanDevice(scanner interface{ Scan(dest ...any) error }) (*Device, error) {
	var d Device
	var statusStr, createdAtStr string
	var lastUsedAtStr, revokedReason sql.NullString

	err := scanner.Scan(
		&d.DeviceID,
		&d.Name,
		&d.PublicKey,
		&d.Fingerprint,
		&d.TrustLevel,
		&statusStr,
		&createdAtStr,
		&lastUsedAtStr,
		&revokedReason,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning device: %w", err)
	}

	d.Status = DeviceStatus(statusStr)
	d.CreatedAt, err = time.Parse(timeFormat, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	if lastUsedAtStr.Valid {
		t, err := time.Parse(timeFormat, lastUsedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_used_at: %w", err)
		}
		d.LastUsedAt = &t
	}
	if revokedReason.Valid {
		d.RevokedReason = &revokedReason.String
	}

	return &d, nil
}

const deviceColumns = `device_id, name, public_key, fingerprint, trust_level, status, created_at, last_used_at, revoked_reason`

// GetDevice retrieves a device by ID.
// Returns ErrNotFound if the device doesn't exist.
func (s *SQLiteStore) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, deviceID)
	return scanDevice(row)
}

// ListDevices returns all registered devices ordered by creation time.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device rows: %w", err)
	}
	return devices, nil
}

// TouchDevice updates a device's last-used timestamp after a successful attestation.
// Returns ErrNotFound if the device doesn't exist.
func (s *SQLiteStore) TouchDevice(ctx context.Context, deviceID string, usedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_used_at = ? WHERE device_id = ?`,
		usedAt.UTC().Format(timeFormat), deviceID)
	if err != nil {
		return fmt.Errorf("touching device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTrustLevel adjusts a device's trust level (clamped 0-10 by the schema CHECK).
// Returns ErrNotFound if the device doesn't exist.
func (s *SQLiteStore) SetTrustLevel(ctx context.Context, deviceID string, level int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE devices SET trust_level = ? WHERE device_id = ?`, level, deviceID)
	if err != nil {
		return fmt.Errorf("setting trust level: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("set trust level", "device_id", deviceID, "level", level)
	return nil
}

// RevokeDevice marks a device revoked and forces its trust level to 0.
// Devices are never deleted, only revoked.
// Returns ErrNotFound if the device doesn't exist.
func (s *SQLiteStore) RevokeDevice(ctx context.Context, deviceID, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE devices
		SET status = ?, trust_level = 0, revoked_reason = ?
		WHERE device_id = ?
	`, DeviceStatusRevoked, reason, deviceID)
	if err != nil {
		return fmt.Errorf("revoking device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Info("revoked device", "device_id", deviceID, "reason", reason)
	return nil
}

// CreateNonce inserts a new challenge nonce.
func (s *SQLiteStore) CreateNonce(ctx context.Context, n *ChallengeNonce) error {
	query := `
		INSERT INTO challenge_nonces (nonce_id, device_id, nonce, difficulty, created_at, expires_at, used, used_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, NULL)
	`

	_, err := s.db.ExecContext(ctx, query,
		n.ID,
		n.DeviceID,
		n.Nonce,
		n.Difficulty,
		n.CreatedAt.UTC().Format(timeFormat),
		n.ExpiresAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting nonce: %w", err)
	}

	s.logger.Debug("created challenge nonce", "id", n.ID, "device_id", n.DeviceID, "expires_at", n.ExpiresAt)
	return nil
}

// GetNonce retrieves a challenge nonce by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetNonce(ctx context.Context, id string) (*ChallengeNonce, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT nonce_id, device_id, nonce, difficulty, created_at, expires_at, used, used_at
		FROM challenge_nonces WHERE nonce_id = ?
	`, id)

	var n ChallengeNonce
	var createdAtStr, expiresAtStr string
	var usedInt int
	var usedAtStr sql.NullString

	err := row.Scan(&n.ID, &n.DeviceID, &n.Nonce, &n.Difficulty, &createdAtStr, &expiresAtStr, &usedInt, &usedAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning nonce: %w", err)
	}

	n.Used = usedInt == 1
	n.CreatedAt, err = time.Parse(timeFormat, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	n.ExpiresAt, err = time.Parse(timeFormat, expiresAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if usedAtStr.Valid {
		t, err := time.Parse(timeFormat, usedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing used_at: %w", err)
		}
		n.UsedAt = &t
	}

	return &n, nil
}

// ConsumeNonce atomically marks a nonce used. The check-unused-and-mark-used
// is a single UPDATE guarded by "used = 0", so concurrent consumers of the
// same nonce cannot both succeed.
// Returns ErrNonceConsumed if the nonce was already used, ErrNotFound if it
// doesn't exist.
func (s *SQLiteStore) ConsumeNonce(ctx context.Context, id string, usedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE challenge_nonces
		SET used = 1, used_at = ?
		WHERE nonce_id = ? AND used = 0
	`, usedAt.UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("consuming nonce: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return nil
	}

	// Nothing updated: either the nonce doesn't exist or it was already used.
	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM challenge_nonces WHERE nonce_id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking nonce existence: %w", err)
	}
	return ErrNonceConsumed
}

// DeleteExpiredNonces removes nonces whose expiry is before the given time.
// Low-priority maintenance; callers run it on a timer, never on the auth path.
func (s *SQLiteStore) DeleteExpiredNonces(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM challenge_nonces WHERE expires_at <= ?`,
		before.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("deleting expired nonces: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		s.logger.Debug("deleted expired nonces", "count", rowsAffected)
	}
	return rowsAffected, nil
}

// CreateSemanticChallenge inserts a new semantic knowledge challenge.
func (s *SQLiteStore) CreateSemanticChallenge(ctx context.Context, c *SemanticChallenge) error {
	query := `
		INSERT INTO semantic_challenges (challenge_id, device_id, category, prompt, difficulty, payload_json, created_at, expires_at, used, used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL)
	`

	_, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.DeviceID,
		c.Category,
		c.Prompt,
		c.Difficulty,
		c.PayloadJSON,
		c.CreatedAt.UTC().Format(timeFormat),
		c.ExpiresAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting semantic challenge: %w", err)
	}

	s.logger.Debug("created semantic challenge", "id", c.ID, "device_id", c.DeviceID, "category", c.Category)
	return nil
}

// GetSemanticChallenge retrieves a semantic challenge by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetSemanticChallenge(ctx context.Context, id string) (*SemanticChallenge, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT challenge_id, device_id, category, prompt, difficulty, payload_json, created_at, expires_at, used, used_at
		FROM semantic_challenges WHERE challenge_id = ?
	`, id)

	var c SemanticChallenge
	var createdAtStr, expiresAtStr string
	var usedInt int
	var usedAtStr sql.NullString

	err := row.Scan(&c.ID, &c.DeviceID, &c.Category, &c.Prompt, &c.Difficulty, &c.PayloadJSON, &createdAtStr, &expiresAtStr, &usedInt, &usedAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning semantic challenge: %w", err)
	}

	c.Used = usedInt == 1
	c.CreatedAt, err = time.Parse(timeFormat, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	c.ExpiresAt, err = time.Parse(timeFormat, expiresAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if usedAtStr.Valid {
		t, err := time.Parse(timeFormat, usedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing used_at: %w", err)
		}
		c.UsedAt = &t
	}

	return &c, nil
}

// ConsumeSemanticChallenge atomically marks a semantic challenge used, with
// the same single-UPDATE contract as ConsumeNonce.
// Returns ErrNonceConsumed if already used, ErrNotFound if it doesn't exist.
func (s *SQLiteStore) ConsumeSemanticChallenge(ctx context.Context, id string, usedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE semantic_challenges
		SET used = 1, used_at = ?
		WHERE challenge_id = ? AND used = 0
	`, usedAt.UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("consuming semantic challenge: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM semantic_challenges WHERE challenge_id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking semantic challenge existence: %w", err)
	}
	return ErrNonceConsumed
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
