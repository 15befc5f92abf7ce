// Package tokenGuard issues, rotates and revokes credentials for
// authenticated principals and scores session risk from client drift.
//
// Login hands out a short-lived access JWT and an opaque refresh token of the
// form <id>.<secret>. Only a keyed hash of the secret is stored. Every refresh
// retires the presented token and mints exactly one successor in the same
// family; presenting a retired token is treated as theft and revokes the
// family and its session.
//
// Each refresh compares the caller's IP and User-Agent with the session's
// last values. Drift raises a monotonic risk score; reaching the critical
// threshold revokes the session on the triggering call.
//
// Principals with outstanding setup work (password change, recovery email,
// second factor) receive a single-use setup-flow token instead of
// credentials and continue through [Engine.CompleteSetup].
//
// # Errors
//
// Domain outcomes are returned as an [ErrorCode] inside the result with a nil
// error. A non-nil error always wraps [ErrInternal] and means a collaborator
// failed; retry the whole operation.
//
// # Architecture boundaries
//
// tokenGuard is the public surface: [Engine], [Builder], [Config] and value
// types. Flow orchestration, setup-flow storage, rate limiting, audit
// dispatch and metrics live under internal/. Token storage is behind
// [TokenStore], implemented by [session.Store] (Redis) and storage/postgres.
package tokenGuard
