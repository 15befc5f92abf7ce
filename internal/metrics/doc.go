// Package metrics provides lock-free counters and latency histograms for the
// engine.
//
// # Design
//
// Counters are stored in cache-line-padded uint64 slots and incremented
// atomically. Histograms use 8 fixed buckets (≤5ms … +Inf) and exist only for
// login and refresh latency. Both are allocation-free on the write path.
//
// Export (Prometheus, OTel) lives in metrics/export/ and reads [Snapshot]
// values through the engine.
//
// # What this package must NOT do
//
//   - Perform I/O or network calls.
//   - Import tokenGuard or any sibling package.
//   - Expose global metric registries.
package metrics
