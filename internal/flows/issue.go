package flows

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrEthical07/tokenGuard/internal"
	"github.com/MrEthical07/tokenGuard/session"
)

// IssueFailureKind classifies issuance failures for root-level mapping.
type IssueFailureKind int

const (
	IssueFailureNone IssueFailureKind = iota
	IssueFailureDeviceUnauthorized
	IssueFailureInternal
)

// Issued is a freshly minted session with its first token pair.
type Issued struct {
	Session          *session.Session
	Device           *session.Device
	NewDevice        bool
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// IssueResult carries either the issued pair or failure metadata.
type IssueResult struct {
	Failure IssueFailureKind
	Err     error
	Issued  Issued
}

// RunIssue resolves the device, opens a new session and mints the first token
// of a new family. The access token is signed before anything is persisted.
func RunIssue(ctx context.Context, userID string, client Client, c Core) IssueResult {
	if strings.TrimSpace(client.DeviceKey) == "" {
		return IssueResult{Failure: IssueFailureDeviceUnauthorized}
	}

	now := c.Now()
	device, created, err := c.Store.ResolveDevice(ctx, userID, c.Hasher.DeviceKey(client.DeviceKey), now)
	if err != nil {
		return IssueResult{Failure: IssueFailureInternal, Err: err}
	}
	if device.IsBlocked {
		return IssueResult{Failure: IssueFailureDeviceUnauthorized, Issued: Issued{Device: device}}
	}

	sess := &session.Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		DeviceID:        device.ID,
		Family:          uuid.NewString(),
		IssuerIP:        client.ClientIP,
		IssuerUserAgent: client.UserAgent,
		LastIP:          client.ClientIP,
		LastUserAgent:   client.UserAgent,
		RiskLevel:       session.RiskLow,
		CreatedAt:       now,
		LastActivityAt:  now,
		ExpiresAt:       now.Add(c.SessionTTL),
	}

	tokenID, err := internal.NewTokenID()
	if err != nil {
		return IssueResult{Failure: IssueFailureInternal, Err: err}
	}
	secret, err := internal.NewSecret()
	if err != nil {
		return IssueResult{Failure: IssueFailureInternal, Err: err}
	}
	token := &session.RefreshToken{
		ID:                tokenID,
		UserID:            userID,
		SessionID:         sess.ID,
		DeviceID:          device.ID,
		TokenHash:         c.Hasher.RefreshSecret(secret[:]),
		Family:            sess.Family,
		DeviceFingerprint: client.UserAgent,
		IssuedAt:          now,
		ExpiresAt:         refreshExpiry(now, c.RefreshTTL, sess.ExpiresAt),
		LastIP:            client.ClientIP,
		LastUserAgent:     client.UserAgent,
	}

	access, accessExp, err := c.Access.CreateAccess(userID, sess.ID, device.ID, string(session.RiskLow))
	if err != nil {
		return IssueResult{Failure: IssueFailureInternal, Err: err}
	}

	if err := c.Store.CreateSession(ctx, sess); err != nil {
		return IssueResult{Failure: IssueFailureInternal, Err: err}
	}
	if err := c.Store.InsertRefreshToken(ctx, token); err != nil {
		if _, revokeErr := c.Store.RevokeSession(ctx, sess.ID, "issue_failed", now); revokeErr != nil {
			c.warn("tokenGuard: orphan session left after failed token insert", "session_id", sess.ID, "error", revokeErr)
		}
		return IssueResult{Failure: IssueFailureInternal, Err: err}
	}

	return IssueResult{Issued: Issued{
		Session:          sess,
		Device:           device,
		NewDevice:        created,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     internal.EncodeRefreshToken(tokenID, secret),
		RefreshExpiresAt: token.ExpiresAt,
	}}
}

// refreshExpiry never lets a token outlive its session.
func refreshExpiry(now time.Time, ttl time.Duration, sessionExpiry time.Time) time.Time {
	exp := now.Add(ttl)
	if sessionExpiry.Before(exp) {
		return sessionExpiry
	}
	return exp
}
