// Package middleware adapts the engine to net/http.
//
// # Guards
//
//   - [Guard] validates the bearer access token in the mode given.
//   - [RequireJWTOnly] checks signature and claims only, no store call.
//   - [RequireStrict] also requires the session to be live.
//
// Each guard reads the Authorization header, calls Engine.ValidateAccess, and
// stores the [tokenGuard.AccessResult] in the request context.
//
// [ClientContext] records the caller's IP, User-Agent and a request id in the
// context so the engine can attach them to audit events.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly.
//   - Access Redis or Postgres.
//   - Make authorization decisions beyond pass/reject from ValidateAccess.
package middleware
