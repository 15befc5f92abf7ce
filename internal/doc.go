// Package internal contains helpers that are private to tokenGuard: secure
// random generation and the refresh token wire codec.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - flows: pure-function orchestrators for login, refresh, risk and setup flows
//   - metrics: lock-free counters and latency histograms
//   - rate: Redis fixed-window and in-process token-bucket limiters
//   - secrets: keyed BLAKE2b hashing of secrets and identifiers
//   - stores: Redis-backed setup-flow token store
//
// # What this package must NOT do
//
//   - Export types that appear in the public tokenGuard API.
//   - Be imported by any package outside the tokenGuard module.
package internal
