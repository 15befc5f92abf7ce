// Package stores provides the Redis-backed store for setup-flow records: the
// server-side half of the single-use token handed out when a login stops at
// a setup step.
//
// # Design
//
// Records are versioned, binary-encoded and kept under the keyed hash of
// their token with a TTL. Consume uses GETDEL so a token is spent by exactly
// one caller, even when the record turns out to be expired.
//
// # What this package must NOT do
//
//   - Import tokenGuard or any sibling internal package.
//   - Store or log plaintext setup-flow tokens.
package stores
