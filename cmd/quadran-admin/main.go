// ABOUTME: Admin CLI for the quadran-lock gateway device and audit management
// ABOUTME: Talks JSON over HTTP with JWT bearer authentication

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/sevenofnine/quadran-lock/internal/httpapi"
)

const banner = `
                        _                               _           _
  __ _ _   _  __ _  __| |_ __ __ _ _ __         __ _  __| |_ __ ___ (_)_ __
 / _' | | | |/ _' |/ _' | '__/ _' | '_ \ _____ / _' |/ _' | '_ ' _ \| | '_ \
| (_| | |_| | (_| | (_| | | | (_| | | | |_____| (_| | (_| | | | | | | | | | |
 \__, |\__,_|\__,_|\__,_|_|  \__,_|_| |_|      \__,_|\__,_|_| |_| |_|_|_| |_|
    |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("QUADRAN_GATEWAY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	token := getToken()

	cmd := os.Args[1]
	args := os.Args[2:]

	c := &client{baseURL: strings.TrimRight(baseURL, "/"), token: token}

	var err error
	switch cmd {
	case "devices":
		err = cmdDevices(c)
	case "register":
		err = cmdRegister(c, args)
	case "revoke":
		err = cmdRevoke(c, args)
	case "token", "mint-token":
		err = cmdToken(c, args)
	case "audit":
		err = cmdAudit(c, args)
	case "status":
		err = cmdStatus(c)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: quadran-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                           Show gateway health")
	fmt.Println("  devices                          List registered devices")
	fmt.Println("  register --id ID --name NAME     Register a device (generates a key pair)")
	fmt.Println("           [--trust N] [--pubkey KEY]")
	fmt.Println("  revoke <device-id> [--reason R]  Revoke a device")
	fmt.Println("  token <device-id>                Mint a session token for a device")
	fmt.Println("  audit [--action A] [--actor A] [--limit N]")
	fmt.Println("                                   List audit trail entries")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  QUADRAN_GATEWAY_URL   Gateway base URL (default: http://localhost:8080)")
	fmt.Println("  QUADRAN_TOKEN         JWT bearer token (falls back to the bootstrap token file)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  quadran-admin register --id workstation-7 --name 'Lab workstation' --trust 7")
	fmt.Println("  quadran-admin revoke workstation-7 --reason stolen")
	fmt.Println("  quadran-admin audit --action auth_attempt --limit 20")
	fmt.Println()
}

// getToken reads QUADRAN_TOKEN or falls back to the bootstrap token file.
func getToken() string {
	if token := os.Getenv("QUADRAN_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	data, err := os.ReadFile(filepath.Join(configDir, "quadran", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// client is a minimal JSON HTTP client for the gateway API.
type client struct {
	baseURL string
	token   string
}

func (c *client) do(method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequest(method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("status %d from %s", resp.StatusCode, path)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func cmdStatus(c *client) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	cyan.Print(banner)
	fmt.Println()

	var health map[string]string
	if err := c.do(http.MethodGet, "/healthz", nil, &health); err != nil {
		fmt.Printf("  Gateway:  ")
		color.Red("UNREACHABLE (%v)\n", err)
		return nil
	}

	green.Printf("  Gateway:  ")
	fmt.Printf("%s (%s)\n", c.baseURL, health["status"])
	fmt.Println()
	return nil
}

func cmdDevices(c *client) error {
	var devices []httpapi.DeviceResponse
	if err := c.do(http.MethodGet, "/v1/devices", nil, &devices); err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No devices registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tNAME\tTRUST\tSTATUS\tLAST USED\tFINGERPRINT")
	for _, d := range devices {
		lastUsed := "never"
		if d.LastUsedAt != nil {
			lastUsed = *d.LastUsedAt
		}
		fp := d.Fingerprint
		if len(fp) > 16 {
			fp = fp[:16] + "…"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			d.DeviceID, d.Name, d.TrustLevel, d.Status, lastUsed, fp)
	}
	return w.Flush()
}

func cmdRegister(c *client, args []string) error {
	req := httpapi.RegisterDeviceRequest{TrustLevel: 5}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--id":
			i++
			if i >= len(args) {
				return fmt.Errorf("--id requires a value")
			}
			req.DeviceID = args[i]
		case "--name":
			i++
			if i >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			req.Name = args[i]
		case "--trust":
			i++
			if i >= len(args) {
				return fmt.Errorf("--trust requires a value")
			}
			n, err := strconv.Atoi(args[i])
			if err != nil {
				return fmt.Errorf("--trust must be an integer")
			}
			req.TrustLevel = n
		case "--pubkey":
			i++
			if i >= len(args) {
				return fmt.Errorf("--pubkey requires a value")
			}
			req.PublicKey = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if req.DeviceID == "" {
		return fmt.Errorf("--id is required")
	}

	var resp httpapi.RegisterDeviceResponse
	if err := c.do(http.MethodPost, "/v1/devices", req, &resp); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Printf("  ✓ Registered device: %s\n", resp.DeviceID)
	fmt.Printf("  Fingerprint: %s\n", resp.Fingerprint)
	fmt.Printf("  Trust level: %d\n", resp.TrustLevel)
	if resp.PrivateKey != "" {
		fmt.Println()
		yellow.Println("  Private key (shown once, store it on the device now):")
		fmt.Printf("  %s\n", resp.PrivateKey)
	}
	return nil
}

func cmdRevoke(c *client, args []string) error {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("usage: quadran-admin revoke <device-id> [--reason R]")
	}
	deviceID := args[0]

	reason := "revoked by operator"
	for i := 1; i < len(args); i++ {
		if args[i] == "--reason" {
			i++
			if i >= len(args) {
				return fmt.Errorf("--reason requires a value")
			}
			reason = args[i]
		}
	}

	if err := c.do(http.MethodPost, "/v1/devices/"+deviceID+"/revoke", httpapi.RevokeDeviceRequest{Reason: reason}, nil); err != nil {
		return err
	}

	color.Green("  ✓ Revoked device: %s\n", deviceID)
	return nil
}

func cmdToken(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: quadran-admin token <device-id>")
	}

	var resp httpapi.MintTokenResponse
	if err := c.do(http.MethodPost, "/v1/session/token", httpapi.MintTokenRequest{DeviceID: args[0]}, &resp); err != nil {
		return err
	}

	fmt.Println(resp.Token)
	return nil
}

func cmdAudit(c *client, args []string) error {
	query := make([]string, 0, 3)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--action":
			i++
			if i >= len(args) {
				return fmt.Errorf("--action requires a value")
			}
			query = append(query, "action="+args[i])
		case "--actor":
			i++
			if i >= len(args) {
				return fmt.Errorf("--actor requires a value")
			}
			query = append(query, "actor="+args[i])
		case "--limit":
			i++
			if i >= len(args) {
				return fmt.Errorf("--limit requires a value")
			}
			query = append(query, "limit="+args[i])
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	path := "/v1/audit"
	if len(query) > 0 {
		path += "?" + strings.Join(query, "&")
	}

	var entries []httpapi.AuditEntryResponse
	if err := c.do(http.MethodGet, path, nil, &entries); err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("No audit entries.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tACTOR\tACTION\tTARGET\tDETAIL")
	for _, e := range entries {
		detail := ""
		if e.Detail != nil {
			data, err := json.Marshal(e.Detail)
			if err == nil {
				detail = string(data)
				if len(detail) > 60 {
					detail = detail[:60] + "…"
				}
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\t%s\n",
			e.Timestamp, e.Actor, e.Action, e.TargetType, e.TargetID, detail)
	}
	return w.Flush()
}
