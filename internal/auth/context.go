// ABOUTME: Caller identity for tracking the authenticated API client through request handlers
// ABOUTME: Provides WithCaller/FromContext for propagating identity via context

package auth

import (
	"context"
)

// Caller holds the authenticated API caller extracted from a request.
// Populated by the HTTP middleware and retrieved from context in handlers.
type Caller struct {
	Subject string   // caller identifier from the token's sub claim
	Scopes  []string // granted scopes
}

// HasScope returns true if the caller was granted the named scope.
func (c *Caller) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// IsAdmin returns true if the caller holds the admin scope.
func (c *Caller) IsAdmin() bool {
	return c.HasScope(ScopeAdmin)
}

// callerKey is the key type for storing a Caller in context.Context.
type callerKey struct{}

// WithCaller returns a new context with the Caller attached.
func WithCaller(ctx context.Context, caller *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// FromContext retrieves the Caller from the context, returning nil if not present.
func FromContext(ctx context.Context) *Caller {
	val := ctx.Value(callerKey{})
	if val == nil {
		return nil
	}
	caller, ok := val.(*Caller)
	if !ok {
		return nil
	}
	return caller
}
