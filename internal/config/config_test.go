// ABOUTME: Tests for configuration loading, env expansion, and validation
// ABOUTME: Covers defaults, duration parsing, and signing key length enforcement

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes YAML content to a temp file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Minimal(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:7847"
database:
  path: "/tmp/quadran.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7847", cfg.Server.HTTPAddr)
	assert.Equal(t, "/tmp/quadran.db", cfg.Database.Path)

	// Defaults fill in everything else
	assert.Equal(t, DefaultChallengeTTL, cfg.Attestation.ChallengeTTL)
	assert.Equal(t, DefaultClockSkew, cfg.Attestation.ClockSkew)
	assert.Equal(t, DefaultSessionTTL, cfg.Session.TTL)
	assert.Equal(t, DefaultMinResponseTime, cfg.Semantic.MinResponseTime)
	assert.Equal(t, DefaultCodexThreshold, cfg.Codex.PassThreshold)
}

func TestLoad_Durations(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:7847"
database:
  path: "/tmp/quadran.db"
attestation:
  challenge_ttl: "2m"
  clock_skew: "10s"
session:
  ttl: "30m"
semantic:
  min_response_time: "250ms"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Attestation.ChallengeTTL)
	assert.Equal(t, 10*time.Second, cfg.Attestation.ClockSkew)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 250*time.Millisecond, cfg.Semantic.MinResponseTime)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:7847"
database:
  path: "/tmp/quadran.db"
session:
  ttl: "fifteen minutes"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session.ttl")
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("QUADRAN_TEST_DB", "/tmp/from-env.db")
	t.Setenv("QUADRAN_TEST_KEY", "0123456789abcdef0123456789abcdef")

	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:7847"
database:
  path: "${QUADRAN_TEST_DB}"
session:
  signing_key: "${QUADRAN_TEST_KEY}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-env.db", cfg.Database.Path)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Session.SigningKey)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/gateway.yaml")
	assert.Error(t, err)
}

func TestValidate_MissingDatabasePath(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
}

func TestValidate_ShortJWTSecret(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Path = "/tmp/quadran.db"
	cfg.Auth.JWTSecret = "guessable"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.jwt_secret")
}

func TestValidate_ShortSigningKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Path = "/tmp/quadran.db"
	cfg.Session.SigningKey = "too-short"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing_key")
}

func TestValidate_ThresholdBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Path = "/tmp/quadran.db"
	cfg.Codex.PassThreshold = 150

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "codex.pass_threshold")
}

func TestValidate_BadLoggingFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Path = "/tmp/quadran.db"
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.format")
}
