// Package audit implements async delivery of security events.
//
// # Components
//
//   - [Sink] for event consumers (channel, JSON lines, slog, no-op).
//   - [Dispatcher], a buffered relay. In drop-if-full mode ordinary events
//     are shed when the buffer is full; critical events wait for room or for
//     the caller's context.
//   - [Event], the structured record.
//
// # What this package must NOT do
//
//   - Decide which events to emit (the engine does).
//   - Import tokenGuard or any sibling internal package.
package audit
