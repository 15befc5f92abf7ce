package flows

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrEthical07/tokenGuard/internal"
	"github.com/MrEthical07/tokenGuard/internal/secrets"
	"github.com/MrEthical07/tokenGuard/internal/stores"
)

// SetupStep names the next action the setup wizard must complete before the
// principal receives tokens.
type SetupStep string

const (
	StepNone           SetupStep = ""
	StepChangePassword SetupStep = "CHANGE_PASSWORD"
	StepSetupEmail     SetupStep = "SETUP_EMAIL"
	StepSetup2FA       SetupStep = "SETUP_2FA"
	StepEnterTOTP      SetupStep = "ENTER_TOTP"
)

// NextSetupStep returns the highest priority outstanding step for p, or
// StepNone. secondFactorVerified is true only when the caller has just checked
// a second factor for this attempt.
func NextSetupStep(p *Principal, secondFactorVerified bool) SetupStep {
	switch {
	case p.RequiresPasswordChange:
		return StepChangePassword
	case strings.TrimSpace(p.RecoveryEmail) == "":
		return StepSetupEmail
	case p.RequiresSecondFactor && !p.SecondFactorEnabled:
		return StepSetup2FA
	case (p.SecondFactorEnabled || p.SecondFactorPending) && !secondFactorVerified:
		return StepEnterTOTP
	default:
		return StepNone
	}
}

// MaskEmail renders a recovery address as a hint: "a***@example.com".
func MaskEmail(email string) string {
	email = strings.TrimSpace(email)
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" {
		return ""
	}
	_, size := utf8.DecodeRuneInString(local)
	return local[:size] + "***@" + domain
}

// SetupDeps captures setup-flow dependencies. Without SecondFactor an
// ENTER_TOTP step can never be completed.
type SetupDeps struct {
	Core
	Flows        SetupFlowStore
	SecondFactor SecondFactorVerifier
	TTL          time.Duration
}

// SetupTicket is handed to the client in place of tokens.
type SetupTicket struct {
	UserID      string
	Token       string
	Step        SetupStep
	MaskedEmail string
	ExpiresAt   time.Time
}

// StartSetup stores a setup flow bound to the client and returns its opaque
// token. Only the keyed hash of the token is stored.
func StartSetup(ctx context.Context, p *Principal, step SetupStep, client Client, d SetupDeps) (SetupTicket, error) {
	token, err := internal.NewOpaqueToken()
	if err != nil {
		return SetupTicket{}, err
	}

	now := d.Now()
	expiresAt := now.Add(d.TTL)
	record := &stores.SetupFlow{
		UserID:        p.ID,
		DeviceKeyHash: d.Hasher.DeviceKey(client.DeviceKey),
		ClientIP:      client.ClientIP,
		UserAgent:     client.UserAgent,
		Step:          string(step),
		CreatedAt:     now.UnixMilli(),
		ExpiresAt:     expiresAt.UnixMilli(),
	}
	if err := d.Flows.Save(ctx, d.Hasher.SetupFlowToken(token), record, d.TTL); err != nil {
		return SetupTicket{}, err
	}

	return SetupTicket{
		UserID:      p.ID,
		Token:       token,
		Step:        step,
		MaskedEmail: MaskEmail(p.RecoveryEmail),
		ExpiresAt:   expiresAt,
	}, nil
}

// SetupFailureKind classifies setup completion failures.
type SetupFailureKind int

const (
	SetupFailureNone SetupFailureKind = iota
	SetupFailureInvalidFlow
	SetupFailureUserBlocked
	SetupFailureDeviceUnauthorized
	SetupFailureSecondFactorFailed
	SetupFailureInternal
)

type CompleteSetupResult struct {
	Failure      SetupFailureKind
	Err          error
	UserID       string
	Ticket       *SetupTicket
	Issued       *Issued
	ClientDrift  bool
	PreviousStep SetupStep
}

// RunCompleteSetup consumes a setup flow and either issues the first token
// pair or a new flow for the next outstanding step. The flow is single use
// even when completion fails. secondFactorCode is checked only when entering
// a one-time code is the last outstanding step; a wrong code fails the flow.
func RunCompleteSetup(ctx context.Context, token string, client Client, secondFactorCode string, d SetupDeps) CompleteSetupResult {
	if strings.TrimSpace(token) == "" {
		return CompleteSetupResult{Failure: SetupFailureInvalidFlow}
	}

	flow, err := d.Flows.Consume(ctx, d.Hasher.SetupFlowToken(token), d.Now())
	if err != nil {
		if errors.Is(err, stores.ErrSetupFlowNotFound) || errors.Is(err, stores.ErrSetupFlowExpired) {
			return CompleteSetupResult{Failure: SetupFailureInvalidFlow}
		}
		return CompleteSetupResult{Failure: SetupFailureInternal, Err: err}
	}

	res := CompleteSetupResult{UserID: flow.UserID, PreviousStep: SetupStep(flow.Step)}
	if !secrets.Equal(d.Hasher.DeviceKey(client.DeviceKey), flow.DeviceKeyHash) || strings.TrimSpace(client.DeviceKey) == "" {
		res.Failure = SetupFailureDeviceUnauthorized
		return res
	}
	if flow.ClientIP != client.ClientIP || flow.UserAgent != client.UserAgent {
		res.ClientDrift = true
		d.warn("tokenGuard: setup flow completed from a different client", "user_id", flow.UserID)
	}

	p, err := d.principalByID(ctx, flow.UserID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			res.Failure = SetupFailureInvalidFlow
			return res
		}
		res.Failure, res.Err = SetupFailureInternal, err
		return res
	}
	if p.Blocked {
		res.Failure = SetupFailureUserBlocked
		return res
	}

	verified := false
	if NextSetupStep(p, false) == StepEnterTOTP && strings.TrimSpace(secondFactorCode) != "" {
		if d.SecondFactor == nil {
			res.Failure = SetupFailureSecondFactorFailed
			return res
		}
		ok, err := d.SecondFactor.Verify(ctx, p.ID, secondFactorCode)
		if err != nil {
			res.Failure, res.Err = SetupFailureInternal, err
			return res
		}
		if !ok {
			res.Failure = SetupFailureSecondFactorFailed
			return res
		}
		verified = true
	}

	if step := NextSetupStep(p, verified); step != StepNone {
		ticket, err := StartSetup(ctx, p, step, client, d)
		if err != nil {
			res.Failure, res.Err = SetupFailureInternal, err
			return res
		}
		res.Ticket = &ticket
		return res
	}

	issued := RunIssue(ctx, p.ID, client, d.Core)
	switch issued.Failure {
	case IssueFailureNone:
		res.Issued = &issued.Issued
	case IssueFailureDeviceUnauthorized:
		res.Failure = SetupFailureDeviceUnauthorized
	default:
		res.Failure, res.Err = SetupFailureInternal, issued.Err
	}
	return res
}

// SetupFlowInfo is the read-only view of a pending flow.
type SetupFlowInfo struct {
	UserID    string
	Step      SetupStep
	CreatedAt time.Time
	ExpiresAt time.Time
}

// InspectSetupFlow looks a flow up without consuming it. Unknown and expired
// flows both report stores.ErrSetupFlowNotFound.
func InspectSetupFlow(ctx context.Context, token string, d SetupDeps) (SetupFlowInfo, error) {
	if strings.TrimSpace(token) == "" {
		return SetupFlowInfo{}, stores.ErrSetupFlowNotFound
	}
	flow, err := d.Flows.Get(ctx, d.Hasher.SetupFlowToken(token), d.Now())
	if err != nil {
		if errors.Is(err, stores.ErrSetupFlowExpired) {
			return SetupFlowInfo{}, stores.ErrSetupFlowNotFound
		}
		return SetupFlowInfo{}, err
	}
	return SetupFlowInfo{
		UserID:    flow.UserID,
		Step:      SetupStep(flow.Step),
		CreatedAt: time.UnixMilli(flow.CreatedAt).UTC(),
		ExpiresAt: time.UnixMilli(flow.ExpiresAt).UTC(),
	}, nil
}
