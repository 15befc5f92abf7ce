// Package flows contains the orchestration behind every Engine operation.
//
// Each Run function (RunLogin, RunRefresh, RunCompleteSetup, RunLogout,
// RunValidate) takes a typed dependency struct and returns a result with a
// FailureKind. The root package maps kinds to public error codes and owns
// audit, metrics and tracing; flows only talk to the store, the principal
// store and the signing key.
//
// # Ordering
//
// RunLogin checks proof of work, then the rate limit, then credentials.
// RunRefresh checks token reuse before expiry; a retired token always revokes
// its whole family. The access token is signed before the rotation commits, so
// a committed rotation always reaches the caller.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import tokenGuard (to avoid import cycles).
package flows
