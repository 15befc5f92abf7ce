// Package prometheus exposes engine metrics as a Prometheus collector.
//
// [NewCollector] wraps an [tokenGuard.Engine]; register it on a
// prometheus.Registerer and serve it with promhttp. Counters are named
// tokenguard_*_total; login and refresh latency are histograms.
//
// # What this package must NOT do
//
//   - Register into the global Prometheus registry on its own.
//   - Mutate engine state.
package prometheus
