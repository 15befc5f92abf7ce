package tokenGuard

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrEthical07/tokenGuard/internal/flows"
	"github.com/MrEthical07/tokenGuard/internal/stores"
)

// CompleteSetup resumes a login that stopped at a setup step. The setup-flow
// token is consumed even when completion fails. If the principal still has
// an outstanding step a new token for that step is returned; otherwise the
// first token pair is issued exactly as [Engine.Login] would.
func (e *Engine) CompleteSetup(ctx context.Context, req CompleteSetupRequest) (LoginResult, error) {
	if !e.ready() {
		return LoginResult{}, ErrEngineNotReady
	}
	ctx, span := e.tracer.Start(ctx, "tokenguard.CompleteSetup")
	defer span.End()

	res := flows.RunCompleteSetup(ctx, req.SetupFlowToken, flows.Client{
		DeviceKey: req.DeviceKey,
		ClientIP:  req.ClientIP,
		UserAgent: req.UserAgent,
	}, req.SecondFactorCode, e.flows.Setup)

	subject := auditSubject{UserID: res.UserID, IP: req.ClientIP, UserAgent: req.UserAgent}

	if res.Failure == flows.SetupFailureInternal {
		return LoginResult{}, e.internal(ctx, span, "complete setup", res.Err)
	}

	code := setupCode(res.Failure)
	span.SetAttributes(attribute.String("tokenguard.outcome", outcome(code)))
	if code != CodeNone {
		e.emitAudit(ctx, auditEventLoginFailure, SeverityWarning, false, subject, code, func() map[string]string {
			return map[string]string{"stage": "setup"}
		})
		return LoginResult{ErrorCode: code}, nil
	}

	metadata := func() map[string]string {
		return map[string]string{
			"completed_step": string(res.PreviousStep),
			"client_drift":   strconv.FormatBool(res.ClientDrift),
		}
	}

	if res.Ticket != nil {
		e.emitAudit(ctx, auditEventLoginSetupRequired, SeverityInfo, false, subject, CodeNone, func() map[string]string {
			m := metadata()
			m["next_step"] = string(res.Ticket.Step)
			return m
		})
		return setupResult(res.Ticket), nil
	}

	e.metricInc(MetricSetupCompleted)
	return e.issuedResult(ctx, auditEventSetupFlowCompleted, res.Issued, subject, metadata), nil
}

// InspectSetupFlow reports who a setup-flow token belongs to and which step
// it is for, without consuming it. Unknown and expired tokens return
// [ErrSetupFlowNotFound].
func (e *Engine) InspectSetupFlow(ctx context.Context, token string) (SetupFlowInfo, error) {
	if !e.ready() {
		return SetupFlowInfo{}, ErrEngineNotReady
	}
	info, err := flows.InspectSetupFlow(ctx, token, e.flows.Setup)
	if err != nil {
		if errors.Is(err, stores.ErrSetupFlowNotFound) {
			return SetupFlowInfo{}, ErrSetupFlowNotFound
		}
		return SetupFlowInfo{}, fmt.Errorf("%w: %w", ErrInternal, err)
	}
	return SetupFlowInfo{
		UserID:    info.UserID,
		NextStep:  NextStep(info.Step),
		CreatedAt: info.CreatedAt,
		ExpiresAt: info.ExpiresAt,
	}, nil
}

func setupCode(kind flows.SetupFailureKind) ErrorCode {
	switch kind {
	case flows.SetupFailureNone:
		return CodeNone
	case flows.SetupFailureUserBlocked:
		return CodeUserBlocked
	case flows.SetupFailureDeviceUnauthorized:
		return CodeDeviceUnauthorized
	case flows.SetupFailureSecondFactorFailed:
		return CodeSecondFactorFailed
	default:
		return CodeSetupFlowInvalid
	}
}
