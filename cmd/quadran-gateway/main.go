// ABOUTME: Entry point for the quadran-lock authentication gateway
// ABOUTME: Serves the four-gate protocol over HTTP with SQLite persistence

package main

import (
	"context"
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/sevenofnine/quadran-lock/internal/attestation"
	"github.com/sevenofnine/quadran-lock/internal/auth"
	"github.com/sevenofnine/quadran-lock/internal/codex"
	"github.com/sevenofnine/quadran-lock/internal/config"
	"github.com/sevenofnine/quadran-lock/internal/httpapi"
	"github.com/sevenofnine/quadran-lock/internal/quadran"
	"github.com/sevenofnine/quadran-lock/internal/replay"
	"github.com/sevenofnine/quadran-lock/internal/semantic"
	"github.com/sevenofnine/quadran-lock/internal/session"
	"github.com/sevenofnine/quadran-lock/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                          _                       _            _
  __ _ _   _  __ _  __| |_ __ __ _ _ __        | | ___   ___| | __
 / _' | | | |/ _' |/ _' | '__/ _' | '_ \ _____| |/ _ \ / __| |/ /
| (_| | |_| | (_| | (_| | | | (_| | | | |_____| | (_) | (__|   <
 \__, |\__,_|\__,_|\__,_|_|  \__,_|_| |_|     |_|\___/ \___|_|\_\
    |_|
`

// getConfigPath returns the path to the gateway config file.
// Priority: QUADRAN_CONFIG env var > XDG_CONFIG_HOME/quadran/gateway.yaml > ~/.config/quadran/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("QUADRAN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "quadran", "gateway.yaml")
}

// getDataPath returns the path to the quadran data directory.
// Priority: XDG_DATA_HOME/quadran > ~/.local/share/quadran
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "quadran")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: quadran-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the authentication gateway")
		fmt.Println("  init                   Write a starter config and signing keys")
		fmt.Println("  bootstrap --name NAME  Create config, secrets, and an admin token")
		fmt.Println("  health                 Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "bootstrap":
		err = runBootstrap()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting quadran-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	if cfg.Audit.SigningKeyPath != "" {
		key, err := loadAuditKey(cfg.Audit.SigningKeyPath)
		if err != nil {
			return fmt.Errorf("loading audit signing key: %w", err)
		}
		st.SetAuditSigner(store.NewEd25519AuditSigner(key))
		logger.Info("audit entry signing enabled", "key", cfg.Audit.SigningKeyPath)
	}

	guard := replay.New(2*cfg.Attestation.ChallengeTTL, 100000)
	defer guard.Close()

	attGate := attestation.NewGate(st, st, guard, attestation.Options{
		ChallengeTTL:  cfg.Attestation.ChallengeTTL,
		ClockSkew:     cfg.Attestation.ClockSkew,
		MinTrustLevel: cfg.Attestation.MinTrustLevel,
		PassThreshold: cfg.Attestation.PassThreshold,
	}, nil, nil)

	markers, err := loadMarkers(cfg.Codex.MarkersPath, logger)
	if err != nil {
		return err
	}
	analyzer := codex.NewAnalyzer(markers, cfg.Codex.PassThreshold)

	lore, err := loadLore(cfg.Semantic.LorePath, logger)
	if err != nil {
		return err
	}
	semOpts := semantic.DefaultOptions()
	semOpts.MinResponseTime = cfg.Semantic.MinResponseTime
	semOpts.PassThreshold = cfg.Semantic.PassThreshold
	semGate := semantic.NewGate(st, guard, lore, semOpts, nil)

	sessGate := session.NewGate([]byte(cfg.Session.SigningKey), cfg.Session.TTL, nil)

	orch := quadran.New(attGate, analyzer, semGate, sessGate, st, nil, nil, quadran.Options{
		GateTimeout: cfg.Quorum.GateTimeout,
	})

	// A verifier built on a missing secret would accept forged admin tokens
	if len(cfg.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be configured with at least 32 bytes (run bootstrap)")
	}
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	api := httpapi.New(st, attGate, semGate, sessGate, orch, verifier)

	server := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      api.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Sweep consumed and expired nonces so the challenge table stays small
	go runNonceCleanup(ctx, st, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// runNonceCleanup deletes expired challenge nonces once a minute.
func runNonceCleanup(ctx context.Context, st *store.SQLiteStore, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.DeleteExpiredNonces(ctx, time.Now().UTC())
			if err != nil {
				logger.Warn("nonce cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("deleted expired nonces", "count", n)
			}
		}
	}
}

func loadMarkers(path string, logger *slog.Logger) (*codex.MarkerSet, error) {
	if path == "" {
		logger.Info("using built-in behavioral marker set")
		return codex.DefaultMarkerSet(), nil
	}
	set, err := codex.LoadMarkerSet(path)
	if err != nil {
		return nil, fmt.Errorf("loading marker set: %w", err)
	}
	logger.Info("loaded behavioral marker set", "path", path, "markers", len(set.Markers))
	return set, nil
}

func loadLore(path string, logger *slog.Logger) (*semantic.LoreBase, error) {
	if path == "" {
		logger.Warn("using built-in lore base; configure lore_path for production")
		return semantic.DefaultLoreBase(), nil
	}
	lore, err := semantic.LoadLoreBase(path)
	if err != nil {
		return nil, fmt.Errorf("loading lore base: %w", err)
	}
	logger.Info("loaded lore base", "path", path, "entries", len(lore.Entries))
	return lore, nil
}

// loadAuditKey reads a PEM-encoded PKCS#8 ed25519 private key.
func loadAuditKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s is not an ed25519 key", path)
	}
	return key, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runInit writes a starter config with fresh secrets and signing keys. It
// refuses to touch an existing config.
func runInit() error {
	configPath := getConfigPath()
	dataPath := getDataPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	if _, err := writeStarterConfig(configPath, dataPath); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	green.Printf("  ✓ Audit signing key: %s\n", filepath.Join(dataPath, "audit-signing.pem"))
	fmt.Println()
	fmt.Println("Next: run 'quadran-gateway bootstrap --name <operator>' to mint an admin token,")
	fmt.Println("then 'quadran-gateway serve'.")
	return nil
}

// writeStarterConfig creates the config and data directories, generates the
// audit signing key, and writes a config file with fresh secrets. Returns the
// generated JWT secret.
func writeStarterConfig(configPath, dataPath string) (string, error) {
	jwtSecret := randomSecret()
	sessionKey := randomSecret()
	dbPath := filepath.Join(dataPath, "quadran.db")
	auditKeyPath := filepath.Join(dataPath, "audit-signing.pem")

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}

	if err := writeAuditKey(auditKeyPath); err != nil {
		return "", fmt.Errorf("writing audit signing key: %w", err)
	}

	configContent := fmt.Sprintf(`# quadran-lock gateway configuration
# Generated by quadran-gateway

server:
  http_addr: "localhost:8080"

database:
  path: "%s"

auth:
  jwt_secret: "%s"

session:
  signing_key: "%s"
  ttl: "15m"

audit:
  signing_key_path: "%s"

logging:
  level: "info"
  format: "text"
`, dbPath, jwtSecret, sessionKey, auditKeyPath)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return jwtSecret, nil
}

// runBootstrap performs first-time setup:
// 1. Creates a config file with random JWT and session signing secrets
// 2. Generates an ed25519 audit signing key
// 3. Mints a 30-day admin token for the named operator
//
// One-command setup: quadran-gateway bootstrap --name "Your Name"
func runBootstrap() error {
	// Supports both "--name value" and "--name=value" formats
	var operatorName string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--name" || arg == "-n":
			if i+1 >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			operatorName = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			operatorName = strings.TrimPrefix(arg, "--name=")
		case strings.HasPrefix(arg, "-n="):
			operatorName = strings.TrimPrefix(arg, "-n=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	operatorName = strings.TrimSpace(operatorName)
	if operatorName == "" {
		return fmt.Errorf("--name flag is required")
	}
	if len(operatorName) > 100 {
		return fmt.Errorf("operator name exceeds maximum length of 100 characters")
	}

	configPath := getConfigPath()
	dataPath := getDataPath()
	auditKeyPath := filepath.Join(dataPath, "audit-signing.pem")

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	var cfg *config.Config
	var jwtSecret string

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		jwtSecret, err = writeStarterConfig(configPath, dataPath)
		if err != nil {
			return err
		}
		green.Printf("  ✓ Audit signing key: %s\n", auditKeyPath)
		green.Printf("  ✓ Created config: %s\n", configPath)

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	} else {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("jwt_secret not configured in %s (required for bootstrap)", configPath)
		}
		jwtSecret = cfg.Auth.JWTSecret
		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	// Open the store once to run migrations so serve starts clean
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()
	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)

	// Mint a 30-day admin token for the operator
	verifier := auth.NewJWTVerifier([]byte(jwtSecret))
	tokenTTL := 30 * 24 * time.Hour
	expiresAt := time.Now().Add(tokenTTL).UTC()

	token, err := verifier.Generate(operatorName, []string{auth.ScopeAdmin, auth.ScopeEvidence}, tokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	green.Printf("  ✓ Saved token: %s\n", tokenPath)

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  Operator")
	cyan.Println("  --------")
	fmt.Printf("  Name:   %s\n", operatorName)
	fmt.Printf("  Scopes: admin, evidence\n")
	fmt.Printf("  Token:  %s (expires %s)\n", tokenPath, expiresAt.Format("Jan 02, 2006"))
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    quadran-gateway serve       # start the gateway")
	fmt.Println("    quadran-admin devices       # list registered devices")
	fmt.Println()

	return nil
}

// randomSecret returns 32 random bytes base64-encoded.
func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := crand.Read(buf); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// writeAuditKey generates an ed25519 key and writes it as PKCS#8 PEM.
func writeAuditKey(path string) error {
	_, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return err
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0600)
}
