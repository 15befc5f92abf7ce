package flows

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/tokenGuard/internal"
	"github.com/MrEthical07/tokenGuard/internal/secrets"
	"github.com/MrEthical07/tokenGuard/session"
)

// Revocation reasons written to sessions by the refresh flow.
const (
	ReasonRefreshReuse = "refresh_reuse"
	ReasonRiskCritical = "risk_critical"
)

// RefreshFailureKind classifies refresh failures for root-level mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureMalformed
	RefreshFailureInvalidToken
	RefreshFailureCompromised
	RefreshFailureExpired
	RefreshFailureUserBlocked
	RefreshFailureDeviceUnauthorized
	RefreshFailureSessionInvalid
	RefreshFailureRevokedSecurity
	RefreshFailureInternal
)

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	Core
	Risk RiskPolicy
}

// RefreshResult carries either the rotated pair or failure metadata. Token
// and Session are filled as far as the flow got.
type RefreshResult struct {
	Failure             RefreshFailureKind
	Err                 error
	Token               *session.RefreshToken
	Session             *session.Session
	Risk                RiskAssessment
	FamilyRevoked       int
	FingerprintMismatch bool

	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// RunRefresh validates the presented token and rotates it. Reuse of a retired
// token is checked before expiry and always cascades to the whole family.
func RunRefresh(ctx context.Context, presented string, client Client, d RefreshDeps) RefreshResult {
	id, secret, err := internal.DecodeRefreshToken(presented)
	if err != nil {
		return RefreshResult{Failure: RefreshFailureMalformed, Err: err}
	}

	tok, err := d.Store.GetRefreshToken(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return RefreshResult{Failure: RefreshFailureInvalidToken}
		}
		return RefreshResult{Failure: RefreshFailureInternal, Err: err}
	}
	hash := d.Hasher.RefreshSecret(secret[:])
	if !secrets.Equal(hash, tok.TokenHash) {
		return RefreshResult{Failure: RefreshFailureInvalidToken}
	}

	res := RefreshResult{Token: tok}
	now := d.Now()

	if tok.IsRetired() {
		return d.compromised(ctx, res, now, false)
	}
	if tok.IsExpired(now) {
		res.Failure = RefreshFailureExpired
		return res
	}

	p, err := d.principalByID(ctx, tok.UserID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			res.Failure = RefreshFailureSessionInvalid
			return res
		}
		res.Failure, res.Err = RefreshFailureInternal, err
		return res
	}
	if p.Blocked {
		res.Failure = RefreshFailureUserBlocked
		return res
	}

	device, err := d.Store.GetDevice(ctx, tok.DeviceID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			res.Failure = RefreshFailureDeviceUnauthorized
			return res
		}
		res.Failure, res.Err = RefreshFailureInternal, err
		return res
	}
	if device.IsBlocked || strings.TrimSpace(client.DeviceKey) == "" ||
		!secrets.Equal(d.Hasher.DeviceKey(client.DeviceKey), device.DeviceKeyHash) {
		res.Failure = RefreshFailureDeviceUnauthorized
		return res
	}

	sess, err := d.Store.GetSession(ctx, tok.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			res.Failure = RefreshFailureSessionInvalid
			return res
		}
		res.Failure, res.Err = RefreshFailureInternal, err
		return res
	}
	res.Session = sess
	if !sess.IsActive(now) {
		res.Failure = RefreshFailureSessionInvalid
		return res
	}

	if tok.DeviceFingerprint != "" && client.UserAgent != tok.DeviceFingerprint {
		res.FingerprintMismatch = true
		d.warn("tokenGuard: refresh fingerprint mismatch", "user_id", tok.UserID, "session_id", sess.ID)
	}

	res.Risk = AssessRisk(d.Risk, sess, client.ClientIP, client.UserAgent, now)
	if res.Risk.NowCritical {
		return d.revokeForRisk(ctx, res, now)
	}

	access, accessExp, err := d.Access.CreateAccess(tok.UserID, sess.ID, device.ID, string(res.Risk.Update.Level))
	if err != nil {
		res.Failure, res.Err = RefreshFailureInternal, err
		return res
	}
	nextID, err := internal.NewTokenID()
	if err != nil {
		res.Failure, res.Err = RefreshFailureInternal, err
		return res
	}
	nextSecret, err := internal.NewSecret()
	if err != nil {
		res.Failure, res.Err = RefreshFailureInternal, err
		return res
	}
	successor := &session.RefreshToken{
		ID:                nextID,
		UserID:            tok.UserID,
		SessionID:         sess.ID,
		DeviceID:          device.ID,
		TokenHash:         d.Hasher.RefreshSecret(nextSecret[:]),
		Family:            tok.Family,
		DeviceFingerprint: tok.DeviceFingerprint,
		IssuedAt:          now,
		ExpiresAt:         refreshExpiry(now, d.RefreshTTL, sess.ExpiresAt),
		LastIP:            client.ClientIP,
		LastUserAgent:     client.UserAgent,
	}

	status, err := d.Store.RotateRefreshToken(ctx, session.Rotation{
		PresentedID:   tok.ID,
		PresentedHash: hash,
		Now:           now,
		Successor:     successor,
		ClientIP:      client.ClientIP,
		UserAgent:     client.UserAgent,
		Risk:          res.Risk.Update,
	})
	if err != nil {
		res.Failure, res.Err = RefreshFailureInternal, err
		return res
	}

	switch status {
	case session.RotateOK:
		res.AccessToken = access
		res.AccessExpiresAt = accessExp
		res.RefreshToken = internal.EncodeRefreshToken(nextID, nextSecret)
		res.RefreshExpiresAt = successor.ExpiresAt
	case session.RotateReused:
		return d.compromised(ctx, res, now, true)
	case session.RotateExpired:
		res.Failure = RefreshFailureExpired
	case session.RotateSessionRevoked:
		res.Failure = RefreshFailureSessionInvalid
	default:
		res.Failure = RefreshFailureInvalidToken
	}
	return res
}

// compromised runs the theft response. familyRevoked is set when the store
// already revoked the family inside the rotation script.
func (d RefreshDeps) compromised(ctx context.Context, res RefreshResult, now time.Time, familyRevoked bool) RefreshResult {
	res.Failure = RefreshFailureCompromised
	tok := res.Token

	if !familyRevoked {
		n, err := d.Store.RevokeFamily(ctx, tok.Family, now)
		if err != nil {
			res.Failure, res.Err = RefreshFailureInternal, err
			return res
		}
		res.FamilyRevoked = n
	}

	if _, err := d.Store.RevokeSession(ctx, tok.SessionID, ReasonRefreshReuse, now); err != nil && !errors.Is(err, session.ErrNotFound) {
		d.warn("tokenGuard: session revoke after token reuse failed", "session_id", tok.SessionID, "family", tok.Family, "error", err)
	}
	return res
}

func (d RefreshDeps) revokeForRisk(ctx context.Context, res RefreshResult, now time.Time) RefreshResult {
	sess := res.Session
	if err := d.Store.UpdateSessionRisk(ctx, sess.ID, res.Risk.Update); err != nil && !errors.Is(err, session.ErrNotFound) {
		d.warn("tokenGuard: persisting critical risk failed", "session_id", sess.ID, "error", err)
	}

	n, err := d.Store.RevokeFamily(ctx, res.Token.Family, now)
	if err != nil {
		res.Failure, res.Err = RefreshFailureInternal, err
		return res
	}
	res.FamilyRevoked = n
	if _, err := d.Store.RevokeSession(ctx, sess.ID, ReasonRiskCritical, now); err != nil && !errors.Is(err, session.ErrNotFound) {
		res.Failure, res.Err = RefreshFailureInternal, err
		return res
	}

	res.Failure = RefreshFailureRevokedSecurity
	return res
}
