// Package jwt issues and verifies tokenGuard access tokens.
//
// An access token carries uid, sid, did and the session risk level at issue
// time. Verification pins the algorithm, checks issuer, audience, expiry and
// leeway, and selects the verification key by kid.
//
// # Key rotation
//
// Keys live in a [Keyring], an atomically swapped immutable snapshot. Call
// [Keyring.Replace] with the next [KeySet] (new signing key plus every key that
// still verifies) or run [Keyring.Run] against a [KeySource]. A failed load
// keeps the previous snapshot.
package jwt
