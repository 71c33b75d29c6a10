// Package store provides SQLite-backed persistence for the authentication
// core: the device keystore, the single-use nonce and challenge stores, and
// the append-only audit log.
//
// # Entities
//
//   - Device: a registered device's public key, fingerprint, and trust level.
//     Devices are never deleted, only revoked (trust forced to 0).
//   - ChallengeNonce: a single-use attestation challenge with an expiry.
//   - SemanticChallenge: a single-use knowledge challenge plus its scoring
//     material as opaque JSON.
//   - AuditEntry: one immutable record per authentication attempt or
//     administrative action, optionally ed25519-signed for tamper evidence.
//
// # Atomic consumption
//
// ConsumeNonce and ConsumeSemanticChallenge implement the one concurrency
// invariant the core depends on: check-unused-and-mark-used is a single
// UPDATE guarded by "used = 0". Two concurrent validations of the same nonce
// can never both succeed, because only one UPDATE observes the unused row.
//
// # Append-only audit log
//
// AppendAuditLog and ListAuditLog are the only audit operations. The store
// deliberately exposes no way to edit or remove entries; retention and
// compression of old entries belong to an external collaborator.
package store
