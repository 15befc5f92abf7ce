package tokenGuard

import (
	"context"
)

const (
	auditEventLoginSuccess           = "login_success"
	auditEventLoginFailure           = "login_failure"
	auditEventLoginRateLimited       = "login_rate_limited"
	auditEventLoginPoWRejected       = "login_pow_rejected"
	auditEventLoginSetupRequired     = "login_setup_required"
	auditEventSetupFlowCompleted     = "setup_flow_completed"
	auditEventRefreshSuccess         = "refresh_success"
	auditEventRefreshFailure         = "refresh_failure"
	auditEventRefreshReuseDetected   = "refresh_reuse_detected"
	auditEventSessionRiskElevated    = "session_risk_elevated"
	auditEventSessionRevokedSecurity = "session_revoked_security"
	auditEventSessionRevoked         = "session_revoked"
	auditEventFamilyRevoked          = "family_revoked"
	auditEventDeviceBlocked          = "device_blocked"
	auditEventLogout                 = "logout"
)

// auditSubject names what an event is about. Empty fields are omitted.
type auditSubject struct {
	UserID    string
	SessionID string
	DeviceID  string
	Family    string
	IP        string
	UserAgent string
}

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	severity AuditSeverity,
	success bool,
	subject auditSubject,
	code ErrorCode,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}
	if id := RequestIDFromContext(ctx); id != "" {
		if metadata == nil {
			metadata = make(map[string]string, 1)
		}
		metadata["request_id"] = id
	}

	ip := subject.IP
	if ip == "" {
		ip = ClientIPFromContext(ctx)
	}
	userAgent := subject.UserAgent
	if userAgent == "" {
		userAgent = UserAgentFromContext(ctx)
	}

	e.audit.Emit(ctx, AuditEvent{
		Timestamp: e.clock.Now().UTC(),
		EventType: eventType,
		Severity:  severity,
		UserID:    subject.UserID,
		SessionID: subject.SessionID,
		DeviceID:  subject.DeviceID,
		Family:    subject.Family,
		IP:        ip,
		UserAgent: userAgent,
		Success:   success,
		Error:     string(code),
		Metadata:  metadata,
	})
}
