// ABOUTME: Configuration loading and parsing for quadran-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete quadran-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Attestation AttestationConfig `yaml:"attestation"`
	Codex       CodexConfig       `yaml:"codex"`
	Semantic    SemanticConfig    `yaml:"semantic"`
	Session     SessionConfig     `yaml:"session"`
	Quorum      QuorumConfig      `yaml:"quorum"`
	Audit       AuditConfig       `yaml:"audit"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds API caller authentication configuration
type AuthConfig struct {
	// JWTSecret signs bearer tokens for operators and trusted internal
	// callers of the HTTP API. Callers holding the "evidence" scope receive
	// full per-gate evidence in responses.
	JWTSecret string `yaml:"jwt_secret"`
}

// AttestationConfig holds Q1 device attestation gate configuration
type AttestationConfig struct {
	ChallengeTTL  time.Duration `yaml:"-"`
	ClockSkew     time.Duration `yaml:"-"`
	MinTrustLevel int           `yaml:"min_trust_level"`
	PassThreshold float64       `yaml:"pass_threshold"`

	// Raw string values for YAML unmarshaling
	ChallengeTTLRaw string `yaml:"challenge_ttl"`
	ClockSkewRaw    string `yaml:"clock_skew"`
}

// CodexConfig holds Q2 behavioral codex gate configuration
type CodexConfig struct {
	// MarkersPath points at the TOML marker-set file
	MarkersPath string `yaml:"markers_path"`
	// PassThreshold is the minimum confidence (0-100) for the gate to pass
	PassThreshold float64 `yaml:"pass_threshold"`
}

// SemanticConfig holds Q3 semantic knowledge gate configuration
type SemanticConfig struct {
	// LorePath points at the TOML lore/fact base
	LorePath        string        `yaml:"lore_path"`
	MinResponseTime time.Duration `yaml:"-"`
	PassThreshold   float64       `yaml:"pass_threshold"`

	MinResponseTimeRaw string `yaml:"min_response_time"`
}

// SessionConfig holds Q4 session integrity gate configuration
type SessionConfig struct {
	// SigningKey is the HMAC key for session tokens; must be at least 32
	// bytes or every session validation fails closed.
	SigningKey string        `yaml:"signing_key"`
	TTL        time.Duration `yaml:"-"`

	TTLRaw string `yaml:"ttl"`
}

// QuorumConfig holds the orchestrator's gate-combination policy knobs
type QuorumConfig struct {
	// GateTimeout bounds each gate evaluation within one attempt
	GateTimeout time.Duration `yaml:"-"`

	GateTimeoutRaw string `yaml:"gate_timeout"`
}

// AuditConfig holds audit log signing configuration
type AuditConfig struct {
	// SigningKeyPath points at an ed25519 private key (PEM); empty disables
	// entry signing.
	SigningKeyPath string `yaml:"signing_key_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Defaults for durations and thresholds when the config omits them.
const (
	DefaultChallengeTTL    = 90 * time.Second
	DefaultClockSkew       = 5 * time.Second
	DefaultSessionTTL      = 15 * time.Minute
	DefaultMinResponseTime = 500 * time.Millisecond
	DefaultGateTimeout     = 10 * time.Second

	DefaultMinTrustLevel        = 5
	DefaultAttestationThreshold = 0.8
	DefaultCodexThreshold       = 60.0
	DefaultSemanticThreshold    = 0.7
)

// DefaultConfig returns a config populated with defaults. The database path
// and secrets still have to be supplied before Validate passes.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: "localhost:8080"},
		Attestation: AttestationConfig{
			ChallengeTTL:  DefaultChallengeTTL,
			ClockSkew:     DefaultClockSkew,
			MinTrustLevel: DefaultMinTrustLevel,
			PassThreshold: DefaultAttestationThreshold,
		},
		Codex: CodexConfig{
			PassThreshold: DefaultCodexThreshold,
		},
		Semantic: SemanticConfig{
			MinResponseTime: DefaultMinResponseTime,
			PassThreshold:   DefaultSemanticThreshold,
		},
		Session: SessionConfig{
			TTL: DefaultSessionTTL,
		},
		Quorum: QuorumConfig{
			GateTimeout: DefaultGateTimeout,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes, got %d", len(c.Auth.JWTSecret))
	}

	if c.Session.SigningKey != "" && len(c.Session.SigningKey) < 32 {
		return fmt.Errorf("session.signing_key must be at least 32 bytes, got %d", len(c.Session.SigningKey))
	}

	if c.Attestation.MinTrustLevel < 0 || c.Attestation.MinTrustLevel > 10 {
		return fmt.Errorf("attestation.min_trust_level must be between 0 and 10, got %d", c.Attestation.MinTrustLevel)
	}

	if c.Attestation.PassThreshold < 0 || c.Attestation.PassThreshold > 1 {
		return fmt.Errorf("attestation.pass_threshold must be between 0 and 1, got %v", c.Attestation.PassThreshold)
	}

	if c.Codex.PassThreshold < 0 || c.Codex.PassThreshold > 100 {
		return fmt.Errorf("codex.pass_threshold must be between 0 and 100, got %v", c.Codex.PassThreshold)
	}

	if c.Semantic.PassThreshold < 0 || c.Semantic.PassThreshold > 1 {
		return fmt.Errorf("semantic.pass_threshold must be between 0 and 1, got %v", c.Semantic.PassThreshold)
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	durations := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Attestation.ChallengeTTLRaw, &cfg.Attestation.ChallengeTTL, "attestation.challenge_ttl"},
		{cfg.Attestation.ClockSkewRaw, &cfg.Attestation.ClockSkew, "attestation.clock_skew"},
		{cfg.Semantic.MinResponseTimeRaw, &cfg.Semantic.MinResponseTime, "semantic.min_response_time"},
		{cfg.Session.TTLRaw, &cfg.Session.TTL, "session.ttl"},
		{cfg.Quorum.GateTimeoutRaw, &cfg.Quorum.GateTimeout, "quorum.gate_timeout"},
	}

	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = parsed
	}

	return nil
}
