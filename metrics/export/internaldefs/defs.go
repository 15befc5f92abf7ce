package internaldefs

import (
	tokenGuard "github.com/MrEthical07/tokenGuard"
)

// CounterDef binds an engine counter to its exported name.
type CounterDef struct {
	ID   tokenGuard.MetricID
	Name string
	Help string
}

// HistogramDef binds an engine latency histogram to its exported name.
type HistogramDef struct {
	ID   tokenGuard.MetricID
	Name string
	Help string
}

// AuditDroppedName is the counter for audit events lost to backpressure.
const AuditDroppedName = "tokenguard_audit_dropped_total"

// AuditDroppedHelp describes AuditDroppedName.
const AuditDroppedHelp = "Dropped audit events due to dispatcher backpressure."

var CounterDefs = []CounterDef{
	{ID: tokenGuard.MetricLoginSuccess, Name: "tokenguard_login_success_total", Help: "Logins that issued a token pair."},
	{ID: tokenGuard.MetricLoginFailure, Name: "tokenguard_login_failure_total", Help: "Logins rejected for credentials, account or device state."},
	{ID: tokenGuard.MetricLoginRateLimited, Name: "tokenguard_login_rate_limited_total", Help: "Logins denied by the attempt limiter."},
	{ID: tokenGuard.MetricLoginPoWRejected, Name: "tokenguard_login_pow_rejected_total", Help: "Logins with a missing or invalid proof of work."},
	{ID: tokenGuard.MetricLoginSetupRequired, Name: "tokenguard_login_setup_required_total", Help: "Logins that returned a setup-flow token."},
	{ID: tokenGuard.MetricSetupCompleted, Name: "tokenguard_setup_completed_total", Help: "Setup flows that ended in issuance."},
	{ID: tokenGuard.MetricRefreshSuccess, Name: "tokenguard_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: tokenGuard.MetricRefreshFailure, Name: "tokenguard_refresh_failure_total", Help: "Refreshes rejected for any reason."},
	{ID: tokenGuard.MetricRefreshReuseDetected, Name: "tokenguard_refresh_reuse_detected_total", Help: "Retired refresh tokens presented again."},
	{ID: tokenGuard.MetricRefreshExpired, Name: "tokenguard_refresh_expired_total", Help: "Refreshes with an expired token."},
	{ID: tokenGuard.MetricRiskElevated, Name: "tokenguard_risk_elevated_total", Help: "Refreshes that raised a session's risk level."},
	{ID: tokenGuard.MetricSessionRevokedSecurity, Name: "tokenguard_session_revoked_security_total", Help: "Sessions revoked on reaching critical risk."},
	{ID: tokenGuard.MetricFingerprintMismatch, Name: "tokenguard_fingerprint_mismatch_total", Help: "Refreshes whose user agent differs from the token's."},
	{ID: tokenGuard.MetricSessionCreated, Name: "tokenguard_session_created_total", Help: "Sessions created by login or setup completion."},
	{ID: tokenGuard.MetricDeviceCreated, Name: "tokenguard_device_created_total", Help: "Devices seen for the first time."},
	{ID: tokenGuard.MetricNotificationFailed, Name: "tokenguard_notification_failed_total", Help: "Login notifications the publisher failed to deliver."},
	{ID: tokenGuard.MetricLogout, Name: "tokenguard_logout_total", Help: "Sessions closed by logout."},
}

var HistogramDefs = []HistogramDef{
	{ID: tokenGuard.MetricLoginLatency, Name: "tokenguard_login_latency_seconds", Help: "Login latency."},
	{ID: tokenGuard.MetricRefreshLatency, Name: "tokenguard_refresh_latency_seconds", Help: "Refresh latency."},
}

// UpperBounds are the finite bucket bounds in seconds. The engine keeps one
// more bucket for +Inf.
var UpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// NormalizeBuckets copies raw into a fixed-size array, zero-filling missing
// buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals; the last
// element is the sample count.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
