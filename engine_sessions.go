package tokenGuard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MrEthical07/tokenGuard/internal/flows"
	"github.com/MrEthical07/tokenGuard/session"
)

// Logout ends the session behind refreshToken and revokes its family. It
// reports whether this call closed the session; repeating it, or presenting
// an unknown token, returns false with a nil error.
func (e *Engine) Logout(ctx context.Context, refreshToken string) (bool, error) {
	if !e.ready() {
		return false, ErrEngineNotReady
	}

	res := flows.RunLogout(ctx, refreshToken, e.flows.Revoke)
	switch res.Failure {
	case flows.LogoutFailureInvalidToken:
		return false, nil
	case flows.LogoutFailureInternal:
		return false, fmt.Errorf("%w: %w", ErrInternal, res.Err)
	}

	if res.SessionClosed {
		e.metricInc(MetricLogout)
		e.emitAudit(ctx, auditEventLogout, SeverityInfo, true, auditSubject{
			UserID:    res.Token.UserID,
			SessionID: res.Token.SessionID,
			DeviceID:  res.Token.DeviceID,
			Family:    res.Token.Family,
		}, CodeNone, func() map[string]string {
			return map[string]string{"family_revoked": strconv.Itoa(res.FamilyRevoked)}
		})
	}
	return res.SessionClosed, nil
}

// RevokeSession revokes a session and its token family. Revoking an already
// revoked session is a no-op that keeps the original reason.
func (e *Engine) RevokeSession(ctx context.Context, sessionID, reason string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if strings.TrimSpace(reason) == "" {
		reason = "admin"
	}

	sess, changed, n, err := flows.RevokeSessionCascade(ctx, sessionID, reason, e.flows.Revoke)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
	if changed {
		e.emitAudit(ctx, auditEventSessionRevoked, SeverityWarning, true, auditSubject{
			UserID:    sess.UserID,
			SessionID: sess.ID,
			DeviceID:  sess.DeviceID,
			Family:    sess.Family,
		}, CodeNone, func() map[string]string {
			return map[string]string{"reason": reason, "family_revoked": strconv.Itoa(n)}
		})
	}
	return nil
}

// RevokeFamily revokes every non-terminal token in a family and returns how
// many changed. The owning session stays open until it is revoked or
// expires, but cannot be refreshed.
func (e *Engine) RevokeFamily(ctx context.Context, family string) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	n, err := e.store.RevokeFamily(ctx, family, e.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInternal, err)
	}
	if n > 0 {
		e.emitAudit(ctx, auditEventFamilyRevoked, SeverityWarning, true, auditSubject{Family: family}, CodeNone, func() map[string]string {
			return map[string]string{"revoked": strconv.Itoa(n)}
		})
	}
	return n, nil
}

// ListSessions returns the user's sessions that are neither revoked nor
// expired.
func (e *Engine) ListSessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	active, err := flows.ActiveSessions(ctx, userID, e.flows.Revoke)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInternal, err)
	}

	out := make([]SessionInfo, 0, len(active))
	for _, s := range active {
		out = append(out, SessionInfo{
			SessionID:      s.ID,
			DeviceID:       s.DeviceID,
			IssuerIP:       s.IssuerIP,
			LastIP:         s.LastIP,
			LastUserAgent:  s.LastUserAgent,
			RiskScore:      s.RiskScore,
			RiskLevel:      s.RiskLevel,
			IsSuspicious:   s.IsSuspicious,
			CreatedAt:      s.CreatedAt,
			LastActivityAt: s.LastActivityAt,
			ExpiresAt:      s.ExpiresAt,
		})
	}
	return out, nil
}

// BlockDevice marks a device blocked. Its refreshes and logins fail with
// device_unauthorized; existing access tokens run out on their own.
func (e *Engine) BlockDevice(ctx context.Context, deviceID string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if err := e.store.BlockDevice(ctx, deviceID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrDeviceNotFound
		}
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
	e.emitAudit(ctx, auditEventDeviceBlocked, SeverityWarning, true, auditSubject{DeviceID: deviceID}, CodeNone, nil)
	return nil
}

// ValidateAccess verifies an access token against the current keyring. In
// [ModeStrict] the session must also be live, so revocation applies before
// the token expires.
func (e *Engine) ValidateAccess(ctx context.Context, accessToken string, mode ValidationMode) (AccessResult, error) {
	if !e.ready() {
		return AccessResult{}, ErrEngineNotReady
	}

	res := flows.RunValidate(ctx, accessToken, mode, e.flows.Validate)
	switch res.Failure {
	case flows.ValidateFailureNone:
	case flows.ValidateFailureInternal:
		return AccessResult{}, fmt.Errorf("%w: %w", ErrInternal, res.Err)
	case flows.ValidateFailureSessionInvalid:
		return AccessResult{ErrorCode: CodeSessionInvalid}, nil
	default:
		return AccessResult{ErrorCode: CodeUnauthorized}, nil
	}

	out := AccessResult{
		Valid:     true,
		UserID:    res.Claims.UID,
		SessionID: res.Claims.SID,
		DeviceID:  res.Claims.DID,
		RiskLevel: session.RiskLevel(res.Claims.RiskLevel),
	}
	if res.Claims.ExpiresAt != nil {
		out.ExpiresAt = res.Claims.ExpiresAt.Time
	}
	if res.Session != nil {
		out.RiskLevel = res.Session.RiskLevel
	}
	return out, nil
}
