// Package session mints and validates short-lived session tokens.
//
// A token is base64url(JSON{deviceId, timestamp}) + "." + hex(HMAC-SHA256),
// signed with a server-held key of at least 32 bytes. Validation is a pure
// function over the token, the claimed device, and the clock; it fails
// closed through an ordered list of reasons (missing, weak_key, format,
// bad_sig, device_mismatch, expired) so the caller always learns the first
// problem found and a misconfigured key can never weaken the check into a
// false accept.
//
// A passing token yields a fixed moderate confidence. It proves an earlier
// authentication is still fresh, not that the original grant was strong.
package session
