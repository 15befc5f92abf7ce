// Package rate provides the login rate limiters.
//
// # Window semantics
//
// [Limiter] is a Redis fixed-window counter: INCR + conditional EXPIRE on the
// first hit, retry-after taken from the key's remaining TTL. [LocalLimiter] is
// an in-process token bucket built on golang.org/x/time/rate for single-node
// deployments.
//
// Both take an opaque key. The engine passes "login:<identifier hash>" so raw
// identifiers never reach the limiter.
//
// # What this package must NOT do
//
//   - Decide what to do with a denied attempt (the engine maps it to
//     rate_limit_exceeded).
//   - Be imported outside the tokenGuard module.
package rate
