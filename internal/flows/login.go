package flows

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/tokenGuard/password"
)

// LoginFailureKind classifies login failures for root-level mapping.
type LoginFailureKind int

const (
	LoginFailureNone LoginFailureKind = iota
	LoginFailurePoWMissing
	LoginFailurePoWFailed
	LoginFailureRateLimited
	LoginFailureInvalidCredentials
	LoginFailureUserBlocked
	LoginFailurePasswordNotSet
	LoginFailureDeviceUnauthorized
	LoginFailureInternal
)

type LoginInput struct {
	Identifier     string
	Password       string
	PoWChallengeID string
	PoWNonce       string
	Client         Client
}

// LoginDeps captures login dependencies. A nil Limiter disables rate limiting.
type LoginDeps struct {
	Setup       SetupDeps
	Password    PasswordVerifier
	PoW         PoWVerifier
	PoWRequired bool
	Limiter     RateLimiter
}

// LoginResult carries either issued tokens, a setup ticket, or failure
// metadata. Principal is set once the identifier resolved.
type LoginResult struct {
	Failure        LoginFailureKind
	Err            error
	IdentifierHash string
	RetryAfter     time.Duration
	Principal      *Principal
	Issued         *Issued
	Setup          *SetupTicket
}

// LoginKey is the rate-limit key for an identifier hash.
func LoginKey(identifierHash string) string {
	return "login:" + identifierHash
}

// RunLogin evaluates proof of work, the rate limit and credentials in that
// order, then issues tokens or a setup flow.
func RunLogin(ctx context.Context, in LoginInput, d LoginDeps) LoginResult {
	if d.PoWRequired {
		if strings.TrimSpace(in.PoWChallengeID) == "" || strings.TrimSpace(in.PoWNonce) == "" {
			return LoginResult{Failure: LoginFailurePoWMissing}
		}
		ok, err := d.PoW.Verify(ctx, in.PoWChallengeID, in.PoWNonce)
		if err != nil {
			return LoginResult{Failure: LoginFailureInternal, Err: err}
		}
		if !ok {
			return LoginResult{Failure: LoginFailurePoWFailed}
		}
	}

	idHash, err := d.Setup.Hasher.Identifier(in.Identifier)
	if err != nil {
		// same cost as an unknown principal
		d.Password.VerifyDummy(in.Password)
		return LoginResult{Failure: LoginFailureInvalidCredentials}
	}
	res := LoginResult{IdentifierHash: idHash}
	limitKey := LoginKey(res.IdentifierHash)
	if d.Limiter != nil {
		decision, err := d.Limiter.Allow(ctx, limitKey)
		if err != nil {
			res.Failure, res.Err = LoginFailureInternal, err
			return res
		}
		if !decision.Allowed {
			res.Failure, res.RetryAfter = LoginFailureRateLimited, decision.RetryAfter
			return res
		}
	}

	p, err := d.Setup.Principals.FindByIdentifierHash(ctx, res.IdentifierHash)
	if err != nil && !errors.Is(err, ErrPrincipalNotFound) {
		res.Failure, res.Err = LoginFailureInternal, err
		return res
	}
	if p == nil {
		d.Password.VerifyDummy(in.Password)
		res.Failure = LoginFailureInvalidCredentials
		return res
	}
	res.Principal = p

	if p.Blocked {
		res.Failure = LoginFailureUserBlocked
		return res
	}
	if p.PasswordHash == "" {
		d.Password.VerifyDummy(in.Password)
		res.Failure = LoginFailurePasswordNotSet
		return res
	}
	ok, err := d.Password.Verify(in.Password, p.PasswordHash)
	if errors.Is(err, password.ErrPasswordTooLong) {
		// oversized input is never derived; spend one derivation anyway
		d.Password.VerifyDummy("")
		ok, err = false, nil
	}
	if err != nil {
		res.Failure, res.Err = LoginFailureInternal, err
		return res
	}
	if !ok {
		res.Failure = LoginFailureInvalidCredentials
		return res
	}

	if d.Limiter != nil {
		if err := d.Limiter.Reset(ctx, limitKey); err != nil {
			d.Setup.warn("tokenGuard: login limiter reset failed", "user_id", p.ID, "error", err)
		}
	}

	if step := NextSetupStep(p, false); step != StepNone {
		ticket, err := StartSetup(ctx, p, step, in.Client, d.Setup)
		if err != nil {
			res.Failure, res.Err = LoginFailureInternal, err
			return res
		}
		res.Setup = &ticket
		return res
	}

	issued := RunIssue(ctx, p.ID, in.Client, d.Setup.Core)
	switch issued.Failure {
	case IssueFailureNone:
		res.Issued = &issued.Issued
	case IssueFailureDeviceUnauthorized:
		res.Failure = LoginFailureDeviceUnauthorized
	default:
		res.Failure, res.Err = LoginFailureInternal, issued.Err
	}
	return res
}
