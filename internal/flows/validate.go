package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/tokenGuard/jwt"
	"github.com/MrEthical07/tokenGuard/session"
)

// ValidationMode selects how much of an access token is checked.
type ValidationMode int

const (
	// ModeJWTOnly checks signature and claims only.
	ModeJWTOnly ValidationMode = iota
	// ModeStrict also requires the session to be live in the store, so
	// revocation takes effect before the access token expires.
	ModeStrict
)

// ValidateFailureKind classifies validation failures for root-level mapping.
type ValidateFailureKind int

const (
	ValidateFailureNone ValidateFailureKind = iota
	ValidateFailureUnauthorized
	ValidateFailureSessionInvalid
	ValidateFailureInternal
)

type ValidateDeps struct {
	Parse func(string) (*jwt.AccessClaims, error)
	Core
}

// ValidateResult returns either claims/session success payload or classified failure.
type ValidateResult struct {
	Failure ValidateFailureKind
	Err     error
	Claims  *jwt.AccessClaims
	Session *session.Session
}

func RunValidate(ctx context.Context, token string, mode ValidationMode, d ValidateDeps) ValidateResult {
	claims, err := d.Parse(token)
	if err != nil {
		return ValidateResult{Failure: ValidateFailureUnauthorized, Err: err}
	}
	if mode != ModeStrict {
		return ValidateResult{Claims: claims}
	}

	sess, err := d.Store.GetSession(ctx, claims.SID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ValidateResult{Failure: ValidateFailureSessionInvalid, Claims: claims}
		}
		return ValidateResult{Failure: ValidateFailureInternal, Err: err, Claims: claims}
	}
	if sess.UserID != claims.UID {
		return ValidateResult{Failure: ValidateFailureUnauthorized, Claims: claims}
	}
	if !sess.IsActive(d.Now()) {
		return ValidateResult{Failure: ValidateFailureSessionInvalid, Claims: claims, Session: sess}
	}
	return ValidateResult{Claims: claims, Session: sess}
}
