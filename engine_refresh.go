package tokenGuard

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrEthical07/tokenGuard/internal/flows"
)

// Refresh rotates a refresh token. Exactly one of any set of concurrent
// calls presenting the same token succeeds; the others see
// token_compromised and the whole family is revoked.
func (e *Engine) Refresh(ctx context.Context, req RefreshRequest) (RefreshResult, error) {
	if !e.ready() {
		return RefreshResult{}, ErrEngineNotReady
	}
	ctx, span := e.tracer.Start(ctx, "tokenguard.Refresh")
	defer span.End()
	defer e.observeSince(MetricRefreshLatency, time.Now())

	res := flows.RunRefresh(ctx, req.RefreshToken, flows.Client{
		DeviceKey: req.DeviceKey,
		ClientIP:  req.ClientIP,
		UserAgent: req.UserAgent,
	}, e.flows.Refresh)

	subject := auditSubject{IP: req.ClientIP, UserAgent: req.UserAgent}
	if res.Token != nil {
		subject.UserID = res.Token.UserID
		subject.SessionID = res.Token.SessionID
		subject.DeviceID = res.Token.DeviceID
		subject.Family = res.Token.Family
	}

	if res.FingerprintMismatch {
		e.metricInc(MetricFingerprintMismatch)
	}

	if res.Failure == flows.RefreshFailureInternal {
		e.metricInc(MetricRefreshFailure)
		return RefreshResult{}, e.internal(ctx, span, "refresh", res.Err)
	}

	code := refreshCode(res.Failure)
	span.SetAttributes(attribute.String("tokenguard.outcome", outcome(code)))

	switch res.Failure {
	case flows.RefreshFailureNone:
	case flows.RefreshFailureCompromised:
		e.metricInc(MetricRefreshReuseDetected)
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshReuseDetected, SeverityCritical, false, subject, code, func() map[string]string {
			return map[string]string{"family_revoked": strconv.Itoa(res.FamilyRevoked)}
		})
		return RefreshResult{ErrorCode: code}, nil
	case flows.RefreshFailureRevokedSecurity:
		e.metricInc(MetricSessionRevokedSecurity)
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventSessionRevokedSecurity, SeverityCritical, false, subject, code, func() map[string]string {
			return riskMetadata(res.Risk)
		})
		return RefreshResult{ErrorCode: code}, nil
	case flows.RefreshFailureExpired:
		e.metricInc(MetricRefreshExpired)
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshFailure, SeverityInfo, false, subject, code, nil)
		return RefreshResult{ErrorCode: code}, nil
	default:
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshFailure, SeverityInfo, false, subject, code, nil)
		return RefreshResult{ErrorCode: code}, nil
	}

	if res.Risk.Escalated {
		e.metricInc(MetricRiskElevated)
		e.emitAudit(ctx, auditEventSessionRiskElevated, SeverityWarning, true, subject, CodeNone, func() map[string]string {
			return riskMetadata(res.Risk)
		})
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, SeverityInfo, true, subject, CodeNone, nil)

	return RefreshResult{
		Success:          true,
		AccessToken:      res.AccessToken,
		RefreshToken:     res.RefreshToken,
		AccessExpiresAt:  res.AccessExpiresAt,
		RefreshExpiresAt: res.RefreshExpiresAt,
	}, nil
}

func riskMetadata(a flows.RiskAssessment) map[string]string {
	return map[string]string{
		"previous_level": string(a.Previous),
		"level":          string(a.Update.Level),
		"score":          strconv.Itoa(a.Update.Score),
		"ip_changed":     strconv.FormatBool(a.IPChanged),
		"ua_changed":     strconv.FormatBool(a.UAChanged),
	}
}

func refreshCode(kind flows.RefreshFailureKind) ErrorCode {
	switch kind {
	case flows.RefreshFailureNone:
		return CodeNone
	case flows.RefreshFailureCompromised:
		return CodeTokenCompromised
	case flows.RefreshFailureExpired:
		return CodeTokenExpired
	case flows.RefreshFailureUserBlocked:
		return CodeUserBlocked
	case flows.RefreshFailureDeviceUnauthorized:
		return CodeDeviceUnauthorized
	case flows.RefreshFailureSessionInvalid:
		return CodeSessionInvalid
	case flows.RefreshFailureRevokedSecurity:
		return CodeSessionRevokedSecurity
	default:
		return CodeInvalidToken
	}
}
