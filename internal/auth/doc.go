// Package auth provides JWT-based caller authentication for the HTTP API.
//
// Callers present an HS256-signed bearer token whose "sub" claim names the
// caller and whose "scopes" claim lists granted scopes. The admin scope
// gates device registration, revocation, and audit reads; the evidence
// scope controls whether authentication responses include full per-gate
// evidence or only the verdict.
package auth
