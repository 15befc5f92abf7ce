package flows

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/tokenGuard/internal"
	"github.com/MrEthical07/tokenGuard/internal/rate"
	"github.com/MrEthical07/tokenGuard/session"
)

func TestLoginPoWRunsBeforeAnyLookup(t *testing.T) {
	e := newTestEnv(t)
	e.addPrincipal("u1", "+15550100", nil)

	pow := &stubPoW{ok: false}
	d := e.loginDeps()
	d.PoW, d.PoWRequired = pow, true

	res := RunLogin(context.Background(), LoginInput{Identifier: "+15550100", Password: testPassword, PoWChallengeID: "c1", Client: defaultClient}, d)
	if res.Failure != LoginFailurePoWMissing {
		t.Fatalf("expected pow_missing, got %v", res.Failure)
	}
	if pow.calls.Load() != 0 {
		t.Fatal("verifier must not run without a nonce")
	}

	res = RunLogin(context.Background(), LoginInput{Identifier: "+15550100", Password: testPassword, PoWChallengeID: "c1", PoWNonce: "n1", Client: defaultClient}, d)
	if res.Failure != LoginFailurePoWFailed {
		t.Fatalf("expected pow_failed, got %v", res.Failure)
	}
	if got := e.principals.lookups.Load(); got != 0 {
		t.Fatalf("principal store touched %d times before pow passed", got)
	}

	pow.err = errors.New("challenge service down")
	res = RunLogin(context.Background(), LoginInput{Identifier: "+15550100", Password: testPassword, PoWChallengeID: "c1", PoWNonce: "n1", Client: defaultClient}, d)
	if res.Failure != LoginFailureInternal || res.Err == nil {
		t.Fatalf("expected internal failure, got %v", res.Failure)
	}

	pow.ok, pow.err = true, nil
	res = RunLogin(context.Background(), LoginInput{Identifier: "+15550100", Password: testPassword, PoWChallengeID: "c1", PoWNonce: "n1", Client: defaultClient}, d)
	if res.Failure != LoginFailureNone || res.Issued == nil {
		t.Fatalf("expected success once pow verifies, got %v (%v)", res.Failure, res.Err)
	}
}

func TestLoginRateLimitHidesExistence(t *testing.T) {
	e := newTestEnv(t)
	e.addPrincipal("u1", "+15550100", nil)

	d := e.loginDeps()
	d.Limiter = rate.NewLocal(rate.Config{MaxAttempts: 2, Window: time.Minute})

	for i := 0; i < 2; i++ {
		res := RunLogin(context.Background(), LoginInput{Identifier: "+15550100", Password: "wrong-password-123", Client: defaultClient}, d)
		if res.Failure != LoginFailureInvalidCredentials {
			t.Fatalf("attempt %d: expected invalid_credentials, got %v", i, res.Failure)
		}
	}

	for _, identifier := range []string{"+15550100", "+1 555 0100"} {
		res := RunLogin(context.Background(), LoginInput{Identifier: identifier, Password: testPassword, Client: defaultClient}, d)
		if res.Failure != LoginFailureRateLimited {
			t.Fatalf("%q: expected rate_limit_exceeded, got %v", identifier, res.Failure)
		}
		if res.RetryAfter <= 0 {
			t.Fatal("expected a retry-after hint")
		}
	}
	if got := e.principals.lookups.Load(); got != 2 {
		t.Fatalf("limited attempts must not reach the principal store, lookups=%d", got)
	}

	// unknown identifiers are limited the same way
	for i := 0; i < 3; i++ {
		res := RunLogin(context.Background(), LoginInput{Identifier: "+19990000", Password: "whatever-123", Client: defaultClient}, d)
		want := LoginFailureInvalidCredentials
		if i == 2 {
			want = LoginFailureRateLimited
		}
		if res.Failure != want {
			t.Fatalf("unknown identifier attempt %d: expected %v, got %v", i, want, res.Failure)
		}
	}
}

func TestLoginSuccessResetsLimiter(t *testing.T) {
	e := newTestEnv(t)
	e.addPrincipal("u1", "+15550100", nil)

	limiter := rate.NewLocal(rate.Config{MaxAttempts: 2, Window: time.Minute})
	d := e.loginDeps()
	d.Limiter = limiter

	RunLogin(context.Background(), LoginInput{Identifier: "+15550100", Password: "wrong-password-123", Client: defaultClient}, d)
	if res := RunLogin(context.Background(), LoginInput{Identifier: "+15550100", Password: testPassword, Client: defaultClient}, d); res.Failure != LoginFailureNone {
		t.Fatalf("expected success, got %v", res.Failure)
	}

	idHash, err := e.hasher.Identifier("+15550100")
	if err != nil {
		t.Fatalf("identifier: %v", err)
	}
	decision, err := limiter.Allow(context.Background(), LoginKey(idHash))
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if decision.Remaining != 1 {
		t.Fatalf("expected a fresh window after success, remaining=%d", decision.Remaining)
	}
}

func TestLoginAlwaysSpendsOneDerivation(t *testing.T) {
	e := newTestEnv(t)
	e.addPrincipal("u1", "+15550100", nil)
	e.addPrincipal("u2", "+15550200", func(p *Principal) { p.PasswordHash = "" })

	cases := []struct {
		name       string
		identifier string
		password   string
		want       LoginFailureKind
		wantVerify int64
		wantDummy  int64
	}{
		{"unknown principal", "+15559999", testPassword, LoginFailureInvalidCredentials, 0, 1},
		{"wrong password", "+15550100", "wrong-password-123", LoginFailureInvalidCredentials, 1, 0},
		{"password not set", "+15550200", testPassword, LoginFailurePasswordNotSet, 0, 1},
		{"oversized password", "+15550100", strings.Repeat("x", 4096), LoginFailureInvalidCredentials, 1, 1},
		{"oversized password, unknown principal", "+15559999", strings.Repeat("x", 4096), LoginFailureInvalidCredentials, 0, 1},
		{"identifier without ascii alphanumerics", "電話番号", testPassword, LoginFailureInvalidCredentials, 0, 1},
		{"identifier of punctuation only", " + (.-) ", testPassword, LoginFailureInvalidCredentials, 0, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e.verifier.verify.Store(0)
			e.verifier.dummies.Store(0)
			res := RunLogin(context.Background(), LoginInput{Identifier: tc.identifier, Password: tc.password, Client: defaultClient}, e.loginDeps())
			if res.Failure != tc.want {
				t.Fatalf("expected %v, got %v (%v)", tc.want, res.Failure, res.Err)
			}
			if e.verifier.verify.Load() != tc.wantVerify || e.verifier.dummies.Load() != tc.wantDummy {
				t.Fatalf("verify=%d dummy=%d", e.verifier.verify.Load(), e.verifier.dummies.Load())
			}
			if res.Issued != nil || res.Setup != nil {
				t.Fatal("failed login must not issue anything")
			}
		})
	}
}

func TestLoginBlockedPrincipalSkipsComparison(t *testing.T) {
	e := newTestEnv(t)
	e.addPrincipal("u1", "+15550100", func(p *Principal) { p.Blocked = true })

	res := e.login("+15550100", defaultClient)
	if res.Failure != LoginFailureUserBlocked {
		t.Fatalf("expected user_blocked, got %v", res.Failure)
	}
	if e.verifier.verify.Load()+e.verifier.dummies.Load() != 0 {
		t.Fatal("blocked principal must not reach the password hasher")
	}
}

func TestLoginSetupRequiredIssuesNoTokens(t *testing.T) {
	e := newTestEnv(t)
	e.addPrincipal("u1", "+15550100", func(p *Principal) {
		p.RequiresPasswordChange = true
		p.RecoveryEmail = ""
		p.RequiresSecondFactor = true
		p.SecondFactorPending = true
	})

	res := e.login("+15550100", defaultClient)
	if res.Failure != LoginFailureNone {
		t.Fatalf("unexpected failure %v", res.Failure)
	}
	if res.Issued != nil {
		t.Fatal("setup-gated principal received tokens")
	}
	if res.Setup == nil || res.Setup.Step != StepChangePassword || res.Setup.Token == "" {
		t.Fatalf("expected CHANGE_PASSWORD ticket, got %+v", res.Setup)
	}
	if res.Setup.UserID != "u1" || !res.Setup.ExpiresAt.Equal(e.clock().Add(10*time.Minute)) {
		t.Fatalf("unexpected ticket %+v", res.Setup)
	}

	sessions, err := e.store.ListUserSessions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("setup-gated login created %d sessions", len(sessions))
	}
}

func TestLoginIssuesFamilyOfOne(t *testing.T) {
	e := newTestEnv(t)
	e.addPrincipal("u1", "+15550100", nil)

	issued := e.mustLogin("+15550100", defaultClient)
	if issued.AccessToken == "" || issued.RefreshToken == "" || !issued.NewDevice {
		t.Fatalf("unexpected issue result %+v", issued)
	}

	claims, err := e.access.ParseAccess(issued.AccessToken)
	if err != nil {
		t.Fatalf("parse access: %v", err)
	}
	if claims.UID != "u1" || claims.SID != issued.Session.ID || claims.DID != issued.Device.ID || claims.RiskLevel != "low" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	id, _, err := internal.DecodeRefreshToken(issued.RefreshToken)
	if err != nil {
		t.Fatalf("decode refresh: %v", err)
	}
	tok, err := e.store.GetRefreshToken(context.Background(), id)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if !tok.IsLive(e.clock()) || tok.Family != issued.Session.Family || tok.DeviceFingerprint != defaultClient.UserAgent {
		t.Fatalf("unexpected token row %+v", tok)
	}
	if members := e.familyMembers(tok.Family); len(members) != 1 {
		t.Fatalf("expected family of one, got %v", members)
	}
	if !issued.RefreshExpiresAt.Equal(e.clock().Add(time.Hour)) {
		t.Fatalf("unexpected refresh expiry %v", issued.RefreshExpiresAt)
	}

	again := e.mustLogin("+15550100", defaultClient)
	if again.NewDevice || again.Device.ID != issued.Device.ID {
		t.Fatal("second login with the same device key must reuse the device")
	}
	if again.Session.ID == issued.Session.ID || again.Session.Family == issued.Session.Family {
		t.Fatal("every login opens a new session and family")
	}
}

func TestLoginRejectsBlockedOrMissingDevice(t *testing.T) {
	e := newTestEnv(t)
	e.addPrincipal("u1", "+15550100", nil)

	issued := e.mustLogin("+15550100", defaultClient)
	if err := e.store.BlockDevice(context.Background(), issued.Device.ID); err != nil {
		t.Fatalf("block device: %v", err)
	}
	if res := e.login("+15550100", defaultClient); res.Failure != LoginFailureDeviceUnauthorized {
		t.Fatalf("expected device_unauthorized, got %v", res.Failure)
	}

	other := defaultClient
	other.DeviceKey = "device-key-2"
	if res := e.login("+15550100", other); res.Failure != LoginFailureNone {
		t.Fatalf("other device must still log in, got %v", res.Failure)
	}

	other.DeviceKey = "  "
	if res := e.login("+15550100", other); res.Failure != LoginFailureDeviceUnauthorized {
		t.Fatalf("expected device_unauthorized for an empty device key, got %v", res.Failure)
	}
}

func TestLoginStoreFailureIsInternal(t *testing.T) {
	e := newTestEnv(t)
	e.addPrincipal("u1", "+15550100", nil)
	e.mr.SetError("LOADING")

	res := e.login("+15550100", defaultClient)
	if res.Failure != LoginFailureInternal || !errors.Is(res.Err, session.ErrBackendUnavailable) {
		t.Fatalf("expected internal backend failure, got %v (%v)", res.Failure, res.Err)
	}
}
