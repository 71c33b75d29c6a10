// Package quadran is the top of the quadran-lock protocol.
//
// An authentication attempt carries inputs for any subset of the four
// gates: Q1 device attestation, Q2 behavioral codex, Q3 semantic knowledge,
// Q4 session integrity. The orchestrator evaluates the supplied gates
// concurrently, each under its own deadline, then consolidates under the
// quorum policy:
//
//   - first-time authentication: Q1 must pass, plus at least one of Q2/Q3
//   - session continuation: when no fresh attestation is attempted, a valid
//     Q4 token substitutes for the quorum, unless the behavioral check
//     hard-failed (red flags), which refuses continuation
//
// The verdict names the first failing gate in the fixed order Q1, Q2, Q3,
// Q4 so error messages are reproducible regardless of evaluation order. A
// gate that panics or exceeds its deadline resolves as a failure; nothing
// inside a gate can turn into a false accept. A gate broken by an
// infrastructure fault (store error, panic) still yields the fail-closed
// verdict, but Run additionally returns an error wrapping ErrInfrastructure
// so callers can distinguish an outage from a deliberate denial. Every
// attempt writes exactly one audit entry containing the verdict and
// per-gate evidence summary.
package quadran
