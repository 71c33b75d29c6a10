// ABOUTME: Tests for JWT caller verification and the scope-checking HTTP middleware
// ABOUTME: Covers expiry, wrong-secret rejection, scope propagation, and anonymous fallthrough

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-for-caller-tokens")

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	token, err := v.Generate("ops-console", []string{ScopeAdmin, ScopeEvidence}, time.Hour)
	require.NoError(t, err)

	caller, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ops-console", caller.Subject)
	assert.True(t, caller.IsAdmin())
	assert.True(t, caller.HasScope(ScopeEvidence))
	assert.False(t, caller.HasScope("nonexistent"))
}

func TestJWTVerifier_Expired(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	token, err := v.Generate("ops-console", nil, -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	other := NewJWTVerifier([]byte("a-different-secret-entirely"))

	token, err := other.Generate("ops-console", nil, time.Hour)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifier_MissingSubject(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	token, err := v.Generate("", nil, time.Hour)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestMiddleware_AttachesCaller(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	token, err := v.Generate("ops-console", []string{ScopeEvidence}, time.Hour)
	require.NoError(t, err)

	var seen *Caller
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "ops-console", seen.Subject)
	assert.True(t, seen.HasScope(ScopeEvidence))
}

func TestMiddleware_RejectsBadHeader(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	for _, header := range []string{"", "Basic abc", "Bearer ", "Bearer not-a-jwt"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}
}

func TestOptionalMiddleware_AnonymousPassesThrough(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	var seen *Caller
	called := false
	handler := OptionalMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		seen = FromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.True(t, called)
	assert.Nil(t, seen)
}

func TestRequireScope(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	handler := Middleware(v)(RequireScope(ScopeAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	// Caller with the scope gets through
	adminToken, err := v.Generate("ops-console", []string{ScopeAdmin}, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Caller without it is forbidden
	plainToken, err := v.Generate("reader", []string{ScopeEvidence}, time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+plainToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
