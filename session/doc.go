// Package session holds the device, session and refresh-token records and the
// Redis-backed [Store] that persists them.
//
// # Storage layout
//
// Each record is a Redis hash (see encoder.go for the field names). Timestamps
// are unix milliseconds and an empty field means "unset". A token family is a
// set of token ids; the rotation chain itself lives in the tokens' "next"
// field and rows never move.
//
// # Atomicity
//
// Rotation, family revocation, session revocation, risk updates and device
// get-or-create each run as one Lua script. Two callers presenting the same
// refresh token are serialized by Redis: one sees RotateOK, every other caller
// sees RotateReused and the family is already revoked when it returns.
//
// The family scripts build token keys from set members at run time, so every
// key shares the prefix's hash tag. Cluster deployments get one slot per
// Store; see [NewStore].
//
// # What this package must NOT do
//
//   - Import tokenGuard or jwt (no upward imports).
//   - Decide login or refresh outcomes; it reports row state only.
//   - Store raw refresh secrets or raw device keys.
package session
