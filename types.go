package tokenGuard

import (
	"context"
	"io"
	"log/slog"
	"time"

	internalaudit "github.com/MrEthical07/tokenGuard/internal/audit"
	"github.com/MrEthical07/tokenGuard/internal/flows"
	"github.com/MrEthical07/tokenGuard/internal/rate"
	"github.com/MrEthical07/tokenGuard/session"
)

// Principal is the identity record supplied by the host application's user
// store. Identifiers are looked up by keyed hash only, see
// [Engine.IdentifierHash].
type Principal = flows.Principal

// PrincipalStore resolves principals. Returning [ErrPrincipalNotFound] (or a
// nil principal) is a domain outcome, any other error is a backend failure.
type PrincipalStore = flows.PrincipalStore

// TokenStore persists devices, sessions and refresh token families. The
// Redis implementation is [session.Store]; storage/postgres provides a
// relational one.
type TokenStore = flows.TokenStore

// PoWVerifier checks a proof-of-work solution for a challenge issued by an
// external challenge service.
type PoWVerifier = flows.PoWVerifier

// SecondFactorVerifier checks a one-time code for a principal. The totp
// package provides an RFC 6238 implementation.
type SecondFactorVerifier = flows.SecondFactorVerifier

// RateLimiter counts attempts per key. Allow both checks and consumes.
type RateLimiter = flows.RateLimiter

type RateDecision = rate.Decision

var ErrPrincipalNotFound = flows.ErrPrincipalNotFound

// AuditEvent is one append-only security fact.
type AuditEvent = internalaudit.Event

// AuditSink receives audit events off the request path.
type AuditSink = internalaudit.Sink

type AuditSeverity = internalaudit.Severity

type (
	NoOpSink       = internalaudit.NoOpSink
	ChannelSink    = internalaudit.ChannelSink
	JSONWriterSink = internalaudit.JSONWriterSink
	SlogSink       = internalaudit.SlogSink
)

// NewChannelSink buffers events on a channel for an in-process consumer.
func NewChannelSink(buffer int) *ChannelSink { return internalaudit.NewChannelSink(buffer) }

// NewJSONWriterSink writes one JSON object per line to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink { return internalaudit.NewJSONWriterSink(w) }

// NewSlogSink logs events through logger, or slog.Default when nil.
func NewSlogSink(logger *slog.Logger) *SlogSink { return internalaudit.NewSlogSink(logger) }

const (
	SeverityInfo     = internalaudit.SeverityInfo
	SeverityWarning  = internalaudit.SeverityWarning
	SeverityCritical = internalaudit.SeverityCritical
)

// Clock supplies the engine's notion of now. Tests inject a fixed clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ValidationMode selects how [Engine.ValidateAccess] checks a token.
type ValidationMode = flows.ValidationMode

const (
	// ModeJWTOnly verifies signature and claims without a store round-trip.
	ModeJWTOnly = flows.ModeJWTOnly
	// ModeStrict also requires the session to be live.
	ModeStrict = flows.ModeStrict
)

// ErrorCode is the closed set of domain outcomes returned inside results.
type ErrorCode string

const (
	CodeNone                   ErrorCode = ""
	CodePoWMissing             ErrorCode = "pow_missing"
	CodePoWFailed              ErrorCode = "pow_failed"
	CodeRateLimitExceeded      ErrorCode = "rate_limit_exceeded"
	CodeInvalidCredentials     ErrorCode = "invalid_credentials"
	CodeUserBlocked            ErrorCode = "user_blocked"
	CodePasswordNotSet         ErrorCode = "password_not_set"
	CodeDeviceUnauthorized     ErrorCode = "device_unauthorized"
	CodeInvalidToken           ErrorCode = "invalid_token"
	CodeTokenExpired           ErrorCode = "token_expired"
	CodeTokenCompromised       ErrorCode = "token_compromised"
	CodeSessionInvalid         ErrorCode = "session_invalid"
	CodeSessionRevokedSecurity ErrorCode = "session_revoked_security"
	CodeSetupFlowInvalid       ErrorCode = "setup_flow_invalid"
	CodeSecondFactorFailed     ErrorCode = "second_factor_failed"
	CodeUnauthorized           ErrorCode = "unauthorized"
)

// NextStep names the setup step a principal must finish before tokens are
// issued.
type NextStep string

const (
	StepNone           NextStep = NextStep(flows.StepNone)
	StepChangePassword NextStep = NextStep(flows.StepChangePassword)
	StepSetupEmail     NextStep = NextStep(flows.StepSetupEmail)
	StepSetup2FA       NextStep = NextStep(flows.StepSetup2FA)
	StepEnterTOTP      NextStep = NextStep(flows.StepEnterTOTP)
)

type LoginRequest struct {
	Identifier     string
	Password       string
	DeviceKey      string
	ClientIP       string
	UserAgent      string
	PoWChallengeID string
	PoWNonce       string
}

// LoginResult is also returned by [Engine.CompleteSetup]. Success means a
// token pair was issued. A pending setup step leaves Success false with
// ErrorCode empty and NextStep set.
type LoginResult struct {
	Success             bool
	AccessToken         string
	RefreshToken        string
	AccessExpiresAt     time.Time
	RefreshExpiresAt    time.Time
	ErrorCode           ErrorCode
	RetryAfterSeconds   int
	UserID              string
	NextStep            NextStep
	SetupFlowToken      string
	SetupFlowExpiresAt  time.Time
	MaskedRecoveryEmail string
}

type RefreshRequest struct {
	RefreshToken string
	DeviceKey    string
	ClientIP     string
	UserAgent    string
}

type RefreshResult struct {
	Success          bool
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	ErrorCode        ErrorCode
}

// CompleteSetupRequest resumes a login that stopped at a setup step.
// SecondFactorCode is the one-time code for an ENTER_TOTP step; it is checked
// by the verifier registered with [Builder.WithSecondFactorVerifier].
type CompleteSetupRequest struct {
	SetupFlowToken   string
	DeviceKey        string
	ClientIP         string
	UserAgent        string
	SecondFactorCode string
}

// SetupFlowInfo describes a pending setup flow without consuming it.
type SetupFlowInfo struct {
	UserID    string
	NextStep  NextStep
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionInfo is the public view of an active session.
type SessionInfo struct {
	SessionID      string
	DeviceID       string
	IssuerIP       string
	LastIP         string
	LastUserAgent  string
	RiskScore      int
	RiskLevel      session.RiskLevel
	IsSuspicious   bool
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
}

// AccessResult is returned by [Engine.ValidateAccess].
type AccessResult struct {
	Valid     bool
	ErrorCode ErrorCode
	UserID    string
	SessionID string
	DeviceID  string
	RiskLevel session.RiskLevel
	ExpiresAt time.Time
}

// LoginNotification is published after every successful token issuance.
type LoginNotification struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id"`
	NewDevice bool      `json:"new_device"`
	ClientIP  string    `json:"client_ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	At        time.Time `json:"at"`
	RequestID string    `json:"request_id,omitempty"`
}

// NotificationPublisher delivers login notifications. Publish runs on a
// background goroutine bounded by Config.Notify.Timeout; failures are logged
// and counted, never surfaced to the caller.
type NotificationPublisher interface {
	PublishLogin(ctx context.Context, n LoginNotification) error
}
