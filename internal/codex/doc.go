// Package codex implements the Q2 gate: behavioral fingerprint scoring of
// free-text input.
//
// A marker set defines weighted positive signals (tactical phrasing, humor
// style, values statements) and red-flag anti-markers (depersonalized
// "collective" phrasing that indicates impersonation or drift). Marker sets
// live in TOML files validated at load time; a built-in default is used when
// none is configured.
//
// The gate is deliberately probabilistic. Its output is one weighted signal
// among several: the orchestrator always combines it with at least one
// cryptographic or knowledge-based gate, and a passing codex score alone
// never grants access.
package codex
