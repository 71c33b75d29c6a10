// Package attestation implements the Q1 gate: cryptographic proof that a
// request originates from a registered device's private key.
//
// The protocol is a standard challenge/response:
//
//  1. GenerateChallenge issues a single-use 32-byte random nonce with an
//     expiry window scaled to the device's trust level.
//  2. The device signs the canonical payload
//     "challengeID|deviceID|base64(nonce)|signedAtMs" with its ed25519 key
//     (SignChallenge — device-side only, the server never holds private keys).
//  3. ValidateAttestation verifies the response: challenge exists and is
//     unexpired, the nonce has not been consumed, the signature verifies
//     under the registered public key, the signing timestamp is within the
//     clock-skew window, and the device's trust level meets the minimum.
//
// Replay resistance is the load-bearing invariant: a nonce is consumed
// atomically on the first validation attempt that reaches the replay check,
// so a captured response can never validate twice. Consumption combines an
// in-process replay guard with a guarded single-row UPDATE in the store.
//
// Validation outcomes are data: Result carries a weighted confidence score
// and itemized evidence, and Success=false for every expected failure mode.
// Errors are reserved for unknown devices and store faults.
package attestation
