// Package replay provides an in-memory, TTL-based guard against nonce and
// challenge replay.
//
// The guard is a second line of defense in front of the persistent nonce
// store: the store's consume is already atomic, but the guard answers in
// memory without touching SQLite, and keeps covering the window where a
// validation consumed a nonce but the process crashed before the caller saw
// the result.
//
// The only operation that matters for correctness is Consume, which checks
// and marks under a single lock acquisition. Seen exists for diagnostics and
// must never be used as a pre-check before Consume.
package replay
