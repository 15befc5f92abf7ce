package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/tokenGuard/internal/rate"
	"github.com/MrEthical07/tokenGuard/internal/secrets"
	"github.com/MrEthical07/tokenGuard/internal/stores"
	"github.com/MrEthical07/tokenGuard/session"
)

// ErrPrincipalNotFound is returned by a PrincipalStore when no principal
// matches. A nil principal with a nil error is treated the same way.
var ErrPrincipalNotFound = errors.New("principal not found")

// Principal is the authenticated identity as supplied by the host's user
// store. The engine never mutates it.
type Principal struct {
	ID                     string
	IdentifierHash         string
	PasswordHash           string
	Blocked                bool
	RequiresPasswordChange bool
	RecoveryEmail          string
	SecondFactorEnabled    bool
	RequiresSecondFactor   bool
	SecondFactorPending    bool
}

type PrincipalStore interface {
	FindByIdentifierHash(ctx context.Context, identifierHash string) (*Principal, error)
	FindByID(ctx context.Context, id string) (*Principal, error)
}

// TokenStore persists devices, sessions and refresh token chains. Rotation
// and revocation must be atomic per row.
type TokenStore interface {
	CreateSession(ctx context.Context, sess *session.Session) error
	GetSession(ctx context.Context, id string) (*session.Session, error)
	ListUserSessions(ctx context.Context, userID string) ([]*session.Session, error)
	ResolveDevice(ctx context.Context, userID, deviceKeyHash string, now time.Time) (*session.Device, bool, error)
	GetDevice(ctx context.Context, id string) (*session.Device, error)
	BlockDevice(ctx context.Context, id string) error
	InsertRefreshToken(ctx context.Context, t *session.RefreshToken) error
	GetRefreshToken(ctx context.Context, id string) (*session.RefreshToken, error)
	RotateRefreshToken(ctx context.Context, r session.Rotation) (session.RotateStatus, error)
	UpdateSessionRisk(ctx context.Context, id string, u session.RiskUpdate) error
	RevokeFamily(ctx context.Context, family string, now time.Time) (int, error)
	RevokeSession(ctx context.Context, id, reason string, now time.Time) (bool, error)
}

type PasswordVerifier interface {
	Verify(password, encodedHash string) (bool, error)
	VerifyDummy(password string)
}

type AccessIssuer interface {
	CreateAccess(uid, sid, did, riskLevel string) (string, time.Time, error)
}

type PoWVerifier interface {
	Verify(ctx context.Context, challengeID, nonce string) (bool, error)
}

// SecondFactorVerifier checks a one-time code submitted for userID.
type SecondFactorVerifier interface {
	Verify(ctx context.Context, userID, code string) (bool, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string) (rate.Decision, error)
	Reset(ctx context.Context, key string) error
}

type SetupFlowStore interface {
	Save(ctx context.Context, tokenHash string, record *stores.SetupFlow, ttl time.Duration) error
	Get(ctx context.Context, tokenHash string, now time.Time) (*stores.SetupFlow, error)
	Consume(ctx context.Context, tokenHash string, now time.Time) (*stores.SetupFlow, error)
}

// Client is what the caller knows about the requesting installation.
type Client struct {
	DeviceKey string
	ClientIP  string
	UserAgent string
}

// Core is shared by every flow. The root engine builds it once.
type Core struct {
	Store      TokenStore
	Principals PrincipalStore
	Hasher     *secrets.Hasher
	Access     AccessIssuer
	Now        func() time.Time
	RefreshTTL time.Duration
	SessionTTL time.Duration
	Warn       func(msg string, args ...any)
}

func (c Core) warn(msg string, args ...any) {
	if c.Warn != nil {
		c.Warn(msg, args...)
	}
}

func (c Core) principalByID(ctx context.Context, id string) (*Principal, error) {
	p, err := c.Principals.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrPrincipalNotFound
	}
	return p, nil
}

// Deps groups flow dependency sets. The root engine builds this once and
// delegates request methods to the matching Run function.
type Deps struct {
	Login    LoginDeps
	Refresh  RefreshDeps
	Setup    SetupDeps
	Revoke   RevokeDeps
	Validate ValidateDeps
}
