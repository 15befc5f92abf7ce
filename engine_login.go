package tokenGuard

import (
	"context"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrEthical07/tokenGuard/internal/flows"
)

// Login authenticates a principal and opens a new session. Domain failures
// come back in LoginResult.ErrorCode with a nil error; a non-nil error wraps
// [ErrInternal].
//
// Evaluation order is proof of work, rate limit, principal lookup, blocked
// check, password. A principal with an outstanding setup step receives a
// setup-flow token instead of credentials.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	if !e.ready() {
		return LoginResult{}, ErrEngineNotReady
	}
	ctx, span := e.tracer.Start(ctx, "tokenguard.Login")
	defer span.End()
	defer e.observeSince(MetricLoginLatency, time.Now())

	client := flows.Client{DeviceKey: req.DeviceKey, ClientIP: req.ClientIP, UserAgent: req.UserAgent}
	res := flows.RunLogin(ctx, flows.LoginInput{
		Identifier:     req.Identifier,
		Password:       req.Password,
		PoWChallengeID: req.PoWChallengeID,
		PoWNonce:       req.PoWNonce,
		Client:         client,
	}, e.flows.Login)

	subject := auditSubject{IP: req.ClientIP, UserAgent: req.UserAgent}
	if res.Principal != nil {
		subject.UserID = res.Principal.ID
	}

	if res.Failure == flows.LoginFailureInternal {
		e.metricInc(MetricLoginFailure)
		return LoginResult{}, e.internal(ctx, span, "login", res.Err)
	}

	code := loginCode(res.Failure)
	span.SetAttributes(attribute.String("tokenguard.outcome", outcome(code)))

	switch res.Failure {
	case flows.LoginFailureNone:
	case flows.LoginFailurePoWMissing, flows.LoginFailurePoWFailed:
		e.metricInc(MetricLoginPoWRejected)
		e.emitAudit(ctx, auditEventLoginPoWRejected, SeverityWarning, false, subject, code, nil)
		return LoginResult{ErrorCode: code}, nil
	case flows.LoginFailureRateLimited:
		e.metricInc(MetricLoginRateLimited)
		e.emitAudit(ctx, auditEventLoginRateLimited, SeverityWarning, false, subject, code, nil)
		return LoginResult{ErrorCode: code, RetryAfterSeconds: retryAfterSeconds(res.RetryAfter)}, nil
	default:
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, SeverityInfo, false, subject, code, nil)
		return LoginResult{ErrorCode: code}, nil
	}

	if res.Setup != nil {
		e.metricInc(MetricLoginSetupRequired)
		e.emitAudit(ctx, auditEventLoginSetupRequired, SeverityInfo, false, subject, CodeNone, func() map[string]string {
			return map[string]string{"next_step": string(res.Setup.Step)}
		})
		return setupResult(res.Setup), nil
	}

	e.metricInc(MetricLoginSuccess)
	return e.issuedResult(ctx, auditEventLoginSuccess, res.Issued, subject, nil), nil
}

// issuedResult records a new session and starts the login notification.
func (e *Engine) issuedResult(ctx context.Context, eventType string, issued *flows.Issued, subject auditSubject, metadata func() map[string]string) LoginResult {
	e.metricInc(MetricSessionCreated)
	if issued.NewDevice {
		e.metricInc(MetricDeviceCreated)
	}

	subject.UserID = issued.Session.UserID
	subject.SessionID = issued.Session.ID
	subject.DeviceID = issued.Device.ID
	subject.Family = issued.Session.Family
	e.emitAudit(ctx, eventType, SeverityInfo, true, subject, CodeNone, metadata)

	e.notifyLogin(LoginNotification{
		UserID:    issued.Session.UserID,
		SessionID: issued.Session.ID,
		DeviceID:  issued.Device.ID,
		NewDevice: issued.NewDevice,
		ClientIP:  subject.IP,
		UserAgent: subject.UserAgent,
		At:        issued.Session.CreatedAt,
		RequestID: RequestIDFromContext(ctx),
	})

	return LoginResult{
		Success:          true,
		AccessToken:      issued.AccessToken,
		RefreshToken:     issued.RefreshToken,
		AccessExpiresAt:  issued.AccessExpiresAt,
		RefreshExpiresAt: issued.RefreshExpiresAt,
		UserID:           issued.Session.UserID,
	}
}

func setupResult(t *flows.SetupTicket) LoginResult {
	return LoginResult{
		UserID:              t.UserID,
		NextStep:            NextStep(t.Step),
		SetupFlowToken:      t.Token,
		SetupFlowExpiresAt:  t.ExpiresAt,
		MaskedRecoveryEmail: t.MaskedEmail,
	}
}

func loginCode(kind flows.LoginFailureKind) ErrorCode {
	switch kind {
	case flows.LoginFailureNone:
		return CodeNone
	case flows.LoginFailurePoWMissing:
		return CodePoWMissing
	case flows.LoginFailurePoWFailed:
		return CodePoWFailed
	case flows.LoginFailureRateLimited:
		return CodeRateLimitExceeded
	case flows.LoginFailureUserBlocked:
		return CodeUserBlocked
	case flows.LoginFailurePasswordNotSet:
		return CodePasswordNotSet
	case flows.LoginFailureDeviceUnauthorized:
		return CodeDeviceUnauthorized
	default:
		return CodeInvalidCredentials
	}
}

func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}

func outcome(code ErrorCode) string {
	if code == CodeNone {
		return "ok"
	}
	return string(code)
}
