package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/tokenGuard/internal"
	"github.com/MrEthical07/tokenGuard/internal/secrets"
	"github.com/MrEthical07/tokenGuard/session"
)

const ReasonLogout = "logout"

// RevokeDeps captures logout and administrative revocation dependencies.
type RevokeDeps struct {
	Core
}

type LogoutFailureKind int

const (
	LogoutFailureNone LogoutFailureKind = iota
	LogoutFailureInvalidToken
	LogoutFailureInternal
)

type LogoutResult struct {
	Failure       LogoutFailureKind
	Err           error
	Token         *session.RefreshToken
	FamilyRevoked int
	SessionClosed bool
}

// RunLogout ends the session behind a refresh token. The token must still
// prove possession of its secret, but it may already be retired; logging out
// twice is not an error.
func RunLogout(ctx context.Context, presented string, d RevokeDeps) LogoutResult {
	id, secret, err := internal.DecodeRefreshToken(presented)
	if err != nil {
		return LogoutResult{Failure: LogoutFailureInvalidToken}
	}
	tok, err := d.Store.GetRefreshToken(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return LogoutResult{Failure: LogoutFailureInvalidToken}
		}
		return LogoutResult{Failure: LogoutFailureInternal, Err: err}
	}
	if !secrets.Equal(d.Hasher.RefreshSecret(secret[:]), tok.TokenHash) {
		return LogoutResult{Failure: LogoutFailureInvalidToken}
	}

	res := LogoutResult{Token: tok}
	now := d.Now()
	n, err := d.Store.RevokeFamily(ctx, tok.Family, now)
	if err != nil {
		res.Failure, res.Err = LogoutFailureInternal, err
		return res
	}
	res.FamilyRevoked = n

	closed, err := d.Store.RevokeSession(ctx, tok.SessionID, ReasonLogout, now)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		res.Failure, res.Err = LogoutFailureInternal, err
		return res
	}
	res.SessionClosed = closed
	return res
}

// RevokeSessionCascade revokes a session and its token family. It reports
// whether the session changed state; both halves are idempotent.
func RevokeSessionCascade(ctx context.Context, sessionID, reason string, d RevokeDeps) (*session.Session, bool, int, error) {
	sess, err := d.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false, 0, err
	}
	now := d.Now()
	n, err := d.Store.RevokeFamily(ctx, sess.Family, now)
	if err != nil {
		return sess, false, 0, err
	}
	changed, err := d.Store.RevokeSession(ctx, sessionID, reason, now)
	if err != nil {
		return sess, false, n, err
	}
	return sess, changed, n, nil
}

// ActiveSessions filters a user's sessions down to those usable at now.
func ActiveSessions(ctx context.Context, userID string, d RevokeDeps) ([]*session.Session, error) {
	all, err := d.Store.ListUserSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := d.Now()
	out := all[:0]
	for _, s := range all {
		if s.IsActive(now) {
			out = append(out, s)
		}
	}
	return out, nil
}
