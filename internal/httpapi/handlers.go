// ABOUTME: HTTP handlers and JSON request/response types for the quadran-lock API
// ABOUTME: Authentication responses narrow to verdict-only for callers without the evidence scope

package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sevenofnine/quadran-lock/internal/attestation"
	"github.com/sevenofnine/quadran-lock/internal/auth"
	"github.com/sevenofnine/quadran-lock/internal/quadran"
	"github.com/sevenofnine/quadran-lock/internal/semantic"
	"github.com/sevenofnine/quadran-lock/internal/store"
)

// RegisterDeviceRequest is the JSON request body for POST /v1/devices.
type RegisterDeviceRequest struct {
	DeviceID   string `json:"device_id"`
	Name       string `json:"name"`
	PublicKey  string `json:"public_key,omitempty"` // OpenSSH format; generated when empty
	TrustLevel int    `json:"trust_level"`
}

// RegisterDeviceResponse returns the stored device plus, when the key pair
// was generated server-side, the private key. It appears exactly once.
type RegisterDeviceResponse struct {
	DeviceID    string `json:"device_id"`
	Name        string `json:"name"`
	PublicKey   string `json:"public_key"`
	Fingerprint string `json:"fingerprint"`
	TrustLevel  int    `json:"trust_level"`
	PrivateKey  string `json:"private_key,omitempty"` // base64, only for generated keys
}

// DeviceResponse is one device in GET /v1/devices.
type DeviceResponse struct {
	DeviceID    string  `json:"device_id"`
	Name        string  `json:"name"`
	Fingerprint string  `json:"fingerprint"`
	TrustLevel  int     `json:"trust_level"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	LastUsedAt  *string `json:"last_used_at,omitempty"`
}

// RevokeDeviceRequest is the JSON request body for POST /v1/devices/{id}/revoke.
type RevokeDeviceRequest struct {
	Reason string `json:"reason"`
}

// ChallengeRequest is the JSON request body for POST /v1/challenge and
// POST /v1/semantic/challenge.
type ChallengeRequest struct {
	DeviceID string `json:"device_id"`
}

// ChallengeResponse is the issued attestation challenge.
type ChallengeResponse struct {
	ID         string `json:"id"`
	DeviceID   string `json:"device_id"`
	Nonce      string `json:"nonce"` // base64
	Difficulty int    `json:"difficulty"`
	ExpiresAt  string `json:"expires_at"`
}

// SemanticChallengeResponse is the issued knowledge challenge. The expected
// answer elements never leave the server.
type SemanticChallengeResponse struct {
	ID         string `json:"id"`
	DeviceID   string `json:"device_id"`
	Category   string `json:"category"`
	Prompt     string `json:"prompt"`
	Difficulty int    `json:"difficulty"`
	WindowMs   int64  `json:"window_ms"`
	ExpiresAt  string `json:"expires_at"`
}

// MintTokenRequest is the JSON request body for POST /v1/session/token.
type MintTokenRequest struct {
	DeviceID string `json:"device_id"`
}

// MintTokenResponse carries the freshly minted session token.
type MintTokenResponse struct {
	Token string `json:"token"`
}

// AuthenticateRequest is the JSON request body for POST /v1/authenticate.
// Fields are populated according to which gates the caller exercises.
type AuthenticateRequest struct {
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix milliseconds

	ChallengeID string `json:"challengeId,omitempty"`
	Signature   string `json:"signature,omitempty"` // base64 ed25519 signature
	SignedAt    int64  `json:"signedAt,omitempty"`  // unix milliseconds

	BehaviorSample string `json:"behaviorSample,omitempty"`

	SemanticChallengeID string `json:"semanticChallengeId,omitempty"`
	SemanticText        string `json:"semanticText,omitempty"`
	SemanticResponseMs  int64  `json:"semanticResponseMs,omitempty"`

	SessionToken string `json:"sessionToken,omitempty"`
}

// AuthenticateResponse is the consolidated verdict. Evidence is present only
// for callers holding the evidence scope; everyone else gets the verdict,
// the first failed gate, and the per-gate booleans.
type AuthenticateResponse struct {
	Passed      bool                          `json:"passed"`
	FailedGate  *string                       `json:"failed_gate"`
	Reason      string                        `json:"reason"`
	TS          int64                         `json:"ts"` // unix milliseconds
	GateResults map[string]bool               `json:"gate_results"`
	Evidence    map[string]quadran.GateResult `json:"evidence,omitempty"`
}

// AuditEntryResponse is one entry in GET /v1/audit.
type AuditEntryResponse struct {
	ID         string         `json:"id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Timestamp  string         `json:"timestamp"`
	Detail     map[string]any `json:"detail,omitempty"`
	Signature  string         `json:"signature,omitempty"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DeviceID == "" {
		sendJSONError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	device, privKey, err := s.attestation.RegisterDevice(r.Context(), req.DeviceID, req.Name, req.PublicKey, req.TrustLevel)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateDevice) {
			sendJSONError(w, http.StatusConflict, "device already registered")
			return
		}
		s.logger.Error("device registration failed", "device_id", req.DeviceID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	s.audit(r, store.AuditRegisterDevice, "device", device.DeviceID, map[string]any{
		"name":        device.Name,
		"trust_level": device.TrustLevel,
	})

	resp := RegisterDeviceResponse{
		DeviceID:    device.DeviceID,
		Name:        device.Name,
		PublicKey:   device.PublicKey,
		Fingerprint: device.Fingerprint,
		TrustLevel:  device.TrustLevel,
	}
	if privKey != nil {
		resp.PrivateKey = base64.StdEncoding.EncodeToString(privKey)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.logger.Error("listing devices failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "listing devices failed")
		return
	}

	resp := make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		dr := DeviceResponse{
			DeviceID:    d.DeviceID,
			Name:        d.Name,
			Fingerprint: d.Fingerprint,
			TrustLevel:  d.TrustLevel,
			Status:      string(d.Status),
			CreatedAt:   d.CreatedAt.UTC().Format(time.RFC3339),
		}
		if d.LastUsedAt != nil {
			lu := d.LastUsedAt.UTC().Format(time.RFC3339)
			dr.LastUsedAt = &lu
		}
		resp = append(resp, dr)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")

	var req RevokeDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.attestation.RevokeDevice(r.Context(), deviceID, req.Reason); err != nil {
		if errors.Is(err, attestation.ErrUnknownDevice) {
			sendJSONError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("device revocation failed", "device_id", deviceID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "revocation failed")
		return
	}

	s.audit(r, store.AuditRevokeDevice, "device", deviceID, map[string]any{"reason": req.Reason})
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleIssueChallenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	challenge, err := s.attestation.GenerateChallenge(r.Context(), req.DeviceID)
	if err != nil {
		switch {
		case errors.Is(err, attestation.ErrUnknownDevice):
			sendJSONError(w, http.StatusNotFound, "device not found")
		case errors.Is(err, attestation.ErrDeviceRevoked):
			sendJSONError(w, http.StatusForbidden, "device revoked")
		default:
			s.logger.Error("challenge generation failed", "device_id", req.DeviceID, "error", err)
			sendJSONError(w, http.StatusInternalServerError, "challenge generation failed")
		}
		return
	}

	s.audit(r, store.AuditIssueChallenge, "challenge", challenge.ID, map[string]any{
		"device_id":  req.DeviceID,
		"difficulty": challenge.Difficulty,
	})

	writeJSON(w, http.StatusCreated, ChallengeResponse{
		ID:         challenge.ID,
		DeviceID:   challenge.DeviceID,
		Nonce:      base64.StdEncoding.EncodeToString(challenge.Nonce),
		Difficulty: challenge.Difficulty,
		ExpiresAt:  challenge.ExpiresAt.UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleIssueSemanticChallenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	device, err := s.store.GetDevice(r.Context(), req.DeviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			sendJSONError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("device lookup failed", "device_id", req.DeviceID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "device lookup failed")
		return
	}
	if device.Status == store.DeviceStatusRevoked {
		sendJSONError(w, http.StatusForbidden, "device revoked")
		return
	}

	// Less-trusted devices get deeper knowledge probes
	difficulty := 11 - device.TrustLevel
	if difficulty < 1 {
		difficulty = 1
	}
	if difficulty > 10 {
		difficulty = 10
	}

	challenge, err := s.semantic.GenerateChallenge(r.Context(), req.DeviceID, difficulty)
	if err != nil {
		s.logger.Error("semantic challenge generation failed", "device_id", req.DeviceID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "challenge generation failed")
		return
	}

	s.audit(r, store.AuditIssueSemantic, "semantic_challenge", challenge.ID, map[string]any{
		"device_id":  req.DeviceID,
		"category":   string(challenge.Category),
		"difficulty": difficulty,
	})

	writeJSON(w, http.StatusCreated, SemanticChallengeResponse{
		ID:         challenge.ID,
		DeviceID:   challenge.DeviceID,
		Category:   string(challenge.Category),
		Prompt:     challenge.Prompt,
		Difficulty: challenge.Difficulty,
		WindowMs:   challenge.TimeWindow.Milliseconds(),
		ExpiresAt:  challenge.ExpiresAt.UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleMintSessionToken(w http.ResponseWriter, r *http.Request) {
	var req MintTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	device, err := s.store.GetDevice(r.Context(), req.DeviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			sendJSONError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("device lookup failed", "device_id", req.DeviceID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "device lookup failed")
		return
	}
	if device.Status == store.DeviceStatusRevoked {
		sendJSONError(w, http.StatusForbidden, "device revoked")
		return
	}

	token, err := s.session.MintToken(req.DeviceID)
	if err != nil {
		s.logger.Error("token minting failed", "device_id", req.DeviceID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "token minting failed")
		return
	}

	s.audit(r, store.AuditMintSessionToken, "device", req.DeviceID, nil)
	writeJSON(w, http.StatusCreated, MintTokenResponse{Token: token})
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req AuthenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DeviceID == "" {
		sendJSONError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	authCtx, err := buildAuthContext(&req)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.orchestrator.Run(r.Context(), authCtx)
	if err != nil {
		s.logger.Error("authentication attempt failed", "device_id", req.DeviceID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "authentication failed")
		return
	}

	resp := AuthenticateResponse{
		Passed:      result.Passed,
		Reason:      result.Reason,
		TS:          result.Timestamp.UnixMilli(),
		GateResults: map[string]bool{},
	}
	if result.FailedGate != "" {
		fg := result.FailedGate
		resp.FailedGate = &fg
	}
	for name, gr := range result.GateResults {
		if gr.Attempted {
			resp.GateResults[name] = gr.Passed
		}
	}

	// Full per-gate evidence is scoped: an attacker probing the API must not
	// learn which individual check tripped.
	if caller := auth.FromContext(r.Context()); caller != nil && caller.HasScope(auth.ScopeEvidence) {
		resp.Evidence = map[string]quadran.GateResult{}
		for name, gr := range result.GateResults {
			if gr.Attempted {
				resp.Evidence[name] = gr
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// buildAuthContext translates the wire request into orchestrator input.
func buildAuthContext(req *AuthenticateRequest) (*quadran.AuthContext, error) {
	authCtx := &quadran.AuthContext{
		DeviceID:       req.DeviceID,
		BehaviorSample: req.BehaviorSample,
		SessionToken:   req.SessionToken,
	}
	if req.Timestamp != 0 {
		authCtx.Timestamp = time.UnixMilli(req.Timestamp)
	}

	if req.ChallengeID != "" {
		sig, err := base64.StdEncoding.DecodeString(req.Signature)
		if err != nil {
			return nil, errors.New("signature must be base64")
		}
		authCtx.Attestation = &attestation.Signature{
			ChallengeID: req.ChallengeID,
			Signature:   sig,
			SignedAt:    time.UnixMilli(req.SignedAt),
		}
	}

	if req.SemanticChallengeID != "" {
		authCtx.SemanticResponse = &semantic.Response{
			ChallengeID:  req.SemanticChallengeID,
			Text:         req.SemanticText,
			ResponseTime: time.Duration(req.SemanticResponseMs) * time.Millisecond,
		}
	}

	return authCtx, nil
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	filter := store.AuditFilter{}
	q := r.URL.Query()

	if actor := q.Get("actor"); actor != "" {
		filter.Actor = &actor
	}
	if action := q.Get("action"); action != "" {
		a := store.AuditAction(action)
		filter.Action = &a
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = &t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		filter.Limit = n
	}

	entries, err := s.store.ListAuditLog(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit log failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "listing audit log failed")
		return
	}

	resp := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, AuditEntryResponse{
			ID:         e.ID,
			Actor:      e.Actor,
			Action:     string(e.Action),
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
			Detail:     e.Detail,
			Signature:  e.Signature,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// audit writes an administrative audit entry attributed to the API caller.
// Failures are logged, never surfaced to the client.
func (s *Server) audit(r *http.Request, action store.AuditAction, targetType, targetID string, detail map[string]any) {
	actor := "anonymous"
	if caller := auth.FromContext(r.Context()); caller != nil {
		actor = caller.Subject
	}
	entry := &store.AuditEntry{
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	}
	if err := s.store.AppendAuditLog(r.Context(), entry); err != nil {
		s.logger.Error("failed to write audit entry", "action", action, "error", err)
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
