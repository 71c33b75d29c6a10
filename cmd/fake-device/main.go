// ABOUTME: Minimal fake device for E2E testing — registers, signs a challenge, authenticates.
// ABOUTME: Usage: fake-device [-url http://localhost:8080] [-id e2e-device] [-key device.key]
package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/sevenofnine/quadran-lock/internal/attestation"
	"github.com/sevenofnine/quadran-lock/internal/httpapi"
)

func main() {
	url := flag.String("url", "http://localhost:8080", "Gateway base URL")
	deviceID := flag.String("id", "e2e-device", "Device ID")
	name := flag.String("name", "E2E test device", "Device display name")
	trust := flag.Int("trust", 7, "Requested trust level")
	keyPath := flag.String("key", "fake-device.key", "Path to the device private key")
	token := flag.String("token", "", "Admin JWT for registration (or QUADRAN_TOKEN)")
	sample := flag.String("sample", defaultSample, "Behavioral sample sent with authentication")
	flag.Parse()

	if *token == "" {
		*token = os.Getenv("QUADRAN_TOKEN")
	}

	if err := run(*url, *deviceID, *name, *trust, *keyPath, *token, *sample); err != nil {
		log.Fatal(err)
	}
}

const defaultSample = "Assessment complete. Efficiency is optimal and precisely within acceptable limits. I choose to proceed; my individuality is not negotiable."

func run(url, deviceID, name string, trust int, keyPath, token, sample string) error {
	priv, err := loadOrRegister(url, deviceID, name, trust, keyPath, token)
	if err != nil {
		return err
	}

	// Fetch a challenge and sign it the way a real device would.
	var challenge httpapi.ChallengeResponse
	if err := post(url+"/v1/challenge", token, httpapi.ChallengeRequest{DeviceID: deviceID}, &challenge); err != nil {
		return fmt.Errorf("requesting challenge: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(challenge.Nonce)
	if err != nil {
		return fmt.Errorf("decoding nonce: %w", err)
	}
	fmt.Fprintf(os.Stderr, "challenge %s (difficulty %d)\n", challenge.ID, challenge.Difficulty)

	signedAt := time.Now().UTC()
	sig := attestation.SignChallenge(&attestation.Challenge{ID: challenge.ID, Nonce: nonce}, deviceID, priv, signedAt)

	var result httpapi.AuthenticateResponse
	req := httpapi.AuthenticateRequest{
		DeviceID:       deviceID,
		Timestamp:      signedAt.UnixMilli(),
		ChallengeID:    challenge.ID,
		Signature:      base64.StdEncoding.EncodeToString(sig.Signature),
		SignedAt:       signedAt.UnixMilli(),
		BehaviorSample: sample,
	}
	if err := post(url+"/v1/authenticate", token, req, &result); err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}

	fmt.Printf("passed: %v\n", result.Passed)
	for gate, ok := range result.GateResults {
		fmt.Printf("  %s: %v\n", gate, ok)
	}
	if !result.Passed {
		if result.FailedGate != nil {
			fmt.Printf("failed gate: %s\n", *result.FailedGate)
		}
		fmt.Printf("reason: %s\n", result.Reason)
		os.Exit(1)
	}
	return nil
}

// loadOrRegister reads the device key from keyPath, registering the device
// and persisting the generated key when the file does not exist yet.
func loadOrRegister(url, deviceID, name string, trust int, keyPath, token string) (ed25519.PrivateKey, error) {
	if data, err := os.ReadFile(keyPath); err == nil {
		priv, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(data)))
		if err != nil {
			return nil, fmt.Errorf("decoding key file %s: %w", keyPath, err)
		}
		if len(priv) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("key file %s: wrong key size %d", keyPath, len(priv))
		}
		return ed25519.PrivateKey(priv), nil
	}

	var resp httpapi.RegisterDeviceResponse
	req := httpapi.RegisterDeviceRequest{DeviceID: deviceID, Name: name, TrustLevel: trust}
	if err := post(url+"/v1/devices", token, req, &resp); err != nil {
		return nil, fmt.Errorf("registering device: %w", err)
	}
	if resp.PrivateKey == "" {
		return nil, fmt.Errorf("gateway returned no private key for %s", deviceID)
	}
	if err := os.WriteFile(keyPath, []byte(resp.PrivateKey), 0o600); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}
	fmt.Fprintf(os.Stderr, "registered %s (fingerprint %s), key saved to %s\n", resp.DeviceID, resp.Fingerprint, keyPath)

	priv, err := base64.StdEncoding.DecodeString(resp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decoding returned key: %w", err)
	}
	return ed25519.PrivateKey(priv), nil
}

func post(url, token string, body, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
