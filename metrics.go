package tokenGuard

import (
	internalmetrics "github.com/MrEthical07/tokenGuard/internal/metrics"
)

// MetricID identifies one engine counter or latency histogram.
type MetricID = internalmetrics.MetricID

const (
	MetricLoginSuccess           = internalmetrics.LoginSuccess
	MetricLoginFailure           = internalmetrics.LoginFailure
	MetricLoginRateLimited       = internalmetrics.LoginRateLimited
	MetricLoginPoWRejected       = internalmetrics.LoginPoWRejected
	MetricLoginSetupRequired     = internalmetrics.LoginSetupRequired
	MetricSetupCompleted         = internalmetrics.SetupCompleted
	MetricRefreshSuccess         = internalmetrics.RefreshSuccess
	MetricRefreshFailure         = internalmetrics.RefreshFailure
	MetricRefreshReuseDetected   = internalmetrics.RefreshReuseDetected
	MetricRefreshExpired         = internalmetrics.RefreshExpired
	MetricRiskElevated           = internalmetrics.RiskElevated
	MetricSessionRevokedSecurity = internalmetrics.SessionRevokedSecurity
	MetricFingerprintMismatch    = internalmetrics.FingerprintMismatch
	MetricSessionCreated         = internalmetrics.SessionCreated
	MetricDeviceCreated          = internalmetrics.DeviceCreated
	MetricNotificationFailed     = internalmetrics.NotificationFailed
	MetricLogout                 = internalmetrics.Logout
	MetricLoginLatency           = internalmetrics.LoginLatency
	MetricRefreshLatency         = internalmetrics.RefreshLatency
)

// MetricsSnapshot is a point-in-time copy of engine metrics. Histogram
// buckets are non-cumulative with upper bounds 5, 10, 25, 50, 100, 250 and
// 500ms, then +Inf.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// IsHistogramMetric reports whether id is a latency histogram.
func IsHistogramMetric(id MetricID) bool {
	return internalmetrics.IsHistogram(id)
}
