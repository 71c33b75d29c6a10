// Package semantic issues and scores personalized knowledge challenges.
//
// A challenge is drawn from a curated lore base (TOML, five categories:
// personal, technical, emotional, historical, creative) at a difficulty
// matched to the device's trust level. Answers are scored on three axes:
//
//   - content: coverage of expected elements, penalized by anti-pattern
//     hits that indicate a cloned or scripted persona
//   - timing: the answer must arrive inside a plausible human window, not
//     faster than the configured minimum and not after expiry
//   - style: word length, reading level, and tone against the operator's
//     known writing profile
//
// Timing is a hard gate. Content and style contribute weighted confidence,
// but an answer outside the timing window fails regardless of score.
// Challenges are single-use; a second validation of the same challenge ID
// is reported as a replay.
package semantic
