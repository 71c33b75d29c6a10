// ABOUTME: Device key material helpers for the attestation gate
// ABOUTME: Generates ed25519 keypairs and computes SSH-format fingerprints

package attestation

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// GenerateDeviceKey creates a fresh ed25519 keypair for a device. The public
// half is returned in OpenSSH authorized-key format; the private half belongs
// to the device and is never persisted by the server.
func GenerateDeviceKey() (pubKey string, privKey ed25519.PrivateKey, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("generating device key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", nil, fmt.Errorf("encoding public key: %w", err)
	}

	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))), priv, nil
}

// ParseDeviceKey parses an OpenSSH authorized-key string and returns the raw
// ed25519 public key. Only ed25519 keys are accepted.
func ParseDeviceKey(pubKeyStr string) (ed25519.PublicKey, error) {
	sshPub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubKeyStr))
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}

	cryptoPub, ok := sshPub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %s", sshPub.Type())
	}

	edPub, ok := cryptoPub.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %s, want ssh-ed25519", sshPub.Type())
	}

	return edPub, nil
}

// ComputeFingerprint computes the SHA256 fingerprint of a public key string.
// Returns lowercase hex encoding without colons.
func ComputeFingerprint(pubKeyStr string) (string, error) {
	sshPub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubKeyStr))
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	hash := sha256.Sum256(sshPub.Marshal())
	return hex.EncodeToString(hash[:]), nil
}
