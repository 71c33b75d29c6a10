// ABOUTME: JWT verification for authenticating API callers of the quadran-lock service
// ABOUTME: Uses HS256 signing with a configurable secret and a scopes claim

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Scopes grantable to API callers.
const (
	// ScopeAdmin allows device registration, revocation, and audit reads.
	ScopeAdmin = "admin"
	// ScopeEvidence allows reading full per-gate evidence in authentication
	// results. Unscoped callers get only the verdict and failed gate, so the
	// detailed failure breakdown cannot be farmed by an attacker probing the API.
	ScopeEvidence = "evidence"
)

// TokenVerifier defines the interface for caller token verification.
type TokenVerifier interface {
	Verify(tokenString string) (*Caller, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts the caller identity from the "sub"
// claim and granted scopes from the "scopes" claim.
func (v *JWTVerifier) Verify(tokenString string) (*Caller, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	var scopes []string
	if raw, ok := claims["scopes"].([]interface{}); ok {
		for _, s := range raw {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
	}

	return &Caller{Subject: sub, Scopes: scopes}, nil
}

// Generate creates a new JWT for the given caller with expiration.
func (v *JWTVerifier) Generate(subject string, scopes []string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":    subject,
		"scopes": scopes,
		"iat":    now.Unix(),
		"exp":    now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
