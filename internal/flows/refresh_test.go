package flows

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/tokenGuard/internal"
	"github.com/MrEthical07/tokenGuard/session"
)

func (e *testEnv) refresh(token string, client Client, policy RiskPolicy) RefreshResult {
	e.t.Helper()
	return RunRefresh(context.Background(), token, client, e.refreshDeps(policy))
}

func (e *testEnv) tokenRow(wire string) *session.RefreshToken {
	e.t.Helper()
	id, _, err := internal.DecodeRefreshToken(wire)
	if err != nil {
		e.t.Fatalf("decode: %v", err)
	}
	tok, err := e.store.GetRefreshToken(context.Background(), id)
	if err != nil {
		e.t.Fatalf("get token: %v", err)
	}
	return tok
}

func TestRefreshRotatesAndLinksChain(t *testing.T) {
	e := newTestEnv(t)
	e.addPrincipal("u1", "+15550100", nil)
	issued := e.mustLogin("+15550100", defaultClient)

	e.advance(time.Minute)
	res := e.refresh(issued.RefreshToken, defaultClient, defaultPolicy)
	if res.Failure != RefreshFailureNone {
		t.Fatalf("refresh failed: %v (%v)", res.Failure, res.Err)
	}
	if res.AccessToken == "" || res.RefreshToken == "" || res.RefreshToken == issued.RefreshToken {
		t.Fatalf("unexpected pair %+v", res)
	}

	old := e.tokenRow(issued.RefreshToken)
	next := e.tokenRow(res.RefreshToken)
	if !old.IsUsed() || old.ReplacedByID != next.ID {
		t.Fatalf("presented token not retired into the chain: %+v", old)
	}
	if !next.IsLive(e.clock()) || next.Family != old.Family || next.SessionID != old.SessionID {
		t.Fatalf("unexpected successor %+v", next)
	}
	if members := e.familyMembers(old.Family); len(members) != 2 {
		t.Fatalf("expected two family members, got %v", members)
	}

	sess, err := e.store.GetSession(context.Background(), old.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !sess.LastActivityAt.Equal(e.clock()) || sess.RiskScore != 0 {
		t.Fatalf("session not advanced: %+v", sess)
	}
}

func TestRefreshRejectsMalformedAndForgedTokens(t *testing.T) {
	e := newTestEnv(t)
	e.addPrincipal("u1", "+15550100", nil)
	issued := e.mustLogin("+15550100", defaultClient)

	for _, bad := range []string{"", "garbage", "a.b.c", issued.RefreshToken + "x"} {
		if res := e.refresh(bad, defaultClient, defaultPolicy); res.Failure != RefreshFailureMalformed {
			t.Fatalf("%q: expected malformed, got %v", bad, res.Failure)
		}
	}

	id, _, _ := internal.DecodeRefreshToken(issued.RefreshToken)
	var otherSecret [32]byte
	otherSecret[0] = 1
	forged := internal.EncodeRefreshToken(id, otherSecret)
	if res := e.refresh(forged, defaultClient, defaultPolicy); res.Failure != RefreshFailureInvalidToken {
		t.Fatalf("expected invalid_token for wrong secret, got %v", res.Failure)
	}

	unknownID, _ := internal.NewTokenID()
	if res := e.refresh(internal.EncodeRefreshToken(unknownID, otherSecret), defaultClient, defaultPolicy); res.Failure != RefreshFailureInvalidToken {
		t.Fatalf("expected invalid_token for unknown id, got %v", res.Failure)
	}

	// a forged secret must not cascade
	if res := e.refresh(issued.RefreshToken, defaultClient, defaultPolicy); res.Failure != RefreshFailureNone {
		t.Fatalf("genuine token must still rotate, got %v", res.Failure)
	}
}

func TestRefreshReplayRevokesWholeFamily(t *testing.T) {
	e := newTestEnv(t)
	e.addPrincipal("u1", "+15550100", nil)
	issued := e.mustLogin("+15550100", defaultClient)

	first := e.refresh(issued.RefreshToken, defaultClient, defaultPolicy)
	if first.Failure != RefreshFailureNone {
		t.Fatalf("first refresh: %v", first.Failure)
	}

	replay := e.refresh(issued.RefreshToken, defaultClient, defaultPolicy)
	if replay.Failure != RefreshFailureCompromised {
		t.Fatalf("expected token_compromised, got %v", replay.Failure)
	}
	e.assertFamilyRevoked(issued.Session.Family)

	if res := e.refresh(first.RefreshToken, defaultClient, defaultPolicy); res.Failure != RefreshFailureCompromised {
		t.Fatalf("successor of a stolen chain must fail as compromised, got %v", res.Failure)
	}

	sess, err := e.store.GetSession(context.Background(), issued.Session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !sess.IsRevoked() || sess.RevokeReason != ReasonRefreshReuse {
		t.Fatalf("session not revoked for reuse: %+v", sess)
	}
}

func TestRefreshExpiryIsNoSafeHarborForReuse(t *testing.T) {
	e := newTestEnv(t)
	e.addPrincipal("u1", "+15550100", nil)
	issued := e.mustLogin("+15550100", defaultClient)

	if res := e.refresh(issued.RefreshToken, defaultClient, defaultPolicy); res.Failure != RefreshFailureNone {
		t.Fatalf("refresh: %v", res.Failure)
	}
	e.advance(2 * time.Hour)

	res := e.refresh(issued.RefreshToken, defaultClient, defaultPolicy)
	if res.Failure != RefreshFailureCompromised {
		t.Fatalf("expired but used token must cascade, got %v", res.Failure)
	}
	if res.FamilyRevoked != 2 {
		t.Fatalf("expected both members revoked, got %d", res.FamilyRevoked)
	}
	e.assertFamilyRevoked(issued.Session.Family)
}

func TestRefreshExpiredLiveTokenDoesNotCascade(t *testing.T) {
	e := newTestEnv(t)
	e.addPrincipal("u1", "+15550100", nil)
	issued := e.mustLogin("+15550100", defaultClient)

	e.advance(time.Hour)
	if res := e.refresh(issued.RefreshToken, defaultClient, defaultPolicy); res.Failure != RefreshFailureExpired {
		t.Fatalf("expected token_expired, got %v", res.Failure)
	}
	tok := e.tokenRow(issued.RefreshToken)
	if tok.IsRetired() {
		t.Fatalf("plain expiry must not mutate the token: %+v", tok)
	}
	sess, _ := e.store.GetSession(context.Background(), issued.Session.ID)
	if sess.IsRevoked() {
		t.Fatal("plain expiry must not revoke the session")
	}
}

func TestRefreshConcurrentReplaySingleWinner(t *testing.T) {
	e := newTestEnv(t)
	e.addPrincipal("u1", "+15550100", nil)

	for round := 0; round < 10; round++ {
		issued := e.mustLogin("+15550100", defaultClient)

		var wg sync.WaitGroup
		results := make([]RefreshResult, 2)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = RunRefresh(context.Background(), issued.RefreshToken, defaultClient, e.refreshDeps(defaultPolicy))
			}(i)
		}
		wg.Wait()

		var ok, compromised int
		for _, r := range results {
			switch r.Failure {
			case RefreshFailureNone:
				ok++
			case RefreshFailureCompromised:
				compromised++
			default:
				t.Fatalf("round %d: unexpected outcome %v (%v)", round, r.Failure, r.Err)
			}
		}
		if ok != 1 || compromised != 1 {
			t.Fatalf("round %d: expected one winner and one theft response, got ok=%d compromised=%d", round, ok, compromised)
		}
		e.assertFamilyRevoked(issued.Session.Family)

		if res := e.refresh(issued.RefreshToken, defaultClient, defaultPolicy); res.Failure != RefreshFailureCompromised {
			t.Fatalf("round %d: third presentation expected token_compromised, got %v", round, res.Failure)
		}
	}
}

func TestRefreshRiskEscalatesToRevocation(t *testing.T) {
	e := newTestEnv(t)
	e.addPrincipal("u1", "+15550100", nil)
	issued := e.mustLogin("+15550100", defaultClient)
	policy := RiskPolicy{IPChangeScore: 15, UserAgentChangeScore: 10, Suspicious: 10, Critical: 30}

	moved := defaultClient
	moved.ClientIP = "10.0.0.2"
	first := e.refresh(issued.RefreshToken, moved, policy)
	if first.Failure != RefreshFailureNone {
		t.Fatalf("first drift must not revoke, got %v", first.Failure)
	}
	sess, _ := e.store.GetSession(context.Background(), issued.Session.ID)
	if sess.RiskScore != 15 || !sess.IsSuspicious || sess.RiskLevel != session.RiskMedium || sess.IsRevoked() {
		t.Fatalf("unexpected session after first drift: %+v", sess)
	}
	if sess.LastIP != "10.0.0.2" {
		t.Fatalf("last ip not advanced: %q", sess.LastIP)
	}
	claims, err := e.access.ParseAccess(first.AccessToken)
	if err != nil || claims.RiskLevel != string(session.RiskMedium) {
		t.Fatalf("access token must carry the new risk level: %+v %v", claims, err)
	}

	moved.ClientIP = "10.0.0.3"
	second := e.refresh(first.RefreshToken, moved, policy)
	if second.Failure != RefreshFailureRevokedSecurity {
		t.Fatalf("expected session_revoked_security, got %v", second.Failure)
	}
	if second.AccessToken != "" || second.RefreshToken != "" {
		t.Fatal("no tokens may be issued on the critical call")
	}

	sess, _ = e.store.GetSession(context.Background(), issued.Session.ID)
	if sess.RiskScore != 30 || sess.RiskLevel != session.RiskCritical {
		t.Fatalf("critical score not persisted: %+v", sess)
	}
	if !sess.IsRevoked() || sess.RevokeReason != ReasonRiskCritical {
		t.Fatalf("session not revoked for risk: %+v", sess)
	}
	e.assertFamilyRevoked(issued.Session.Family)
}

func TestRefreshRiskAccumulatesPerRotation(t *testing.T) {
	e := newTestEnv(t)
	e.addPrincipal("u1", "+15550100", nil)
	issued := e.mustLogin("+15550100", defaultClient)
	policy := RiskPolicy{IPChangeScore: 2, UserAgentChangeScore: 3, Suspicious: 50, Critical: 100}

	token := issued.RefreshToken
	const rotations = 6
	for i := 1; i <= rotations; i++ {
		client := Client{
			DeviceKey: defaultClient.DeviceKey,
			ClientIP:  "10.1.0." + string(rune('0'+i)),
			UserAgent: "agent/" + string(rune('0'+i)),
		}
		res := e.refresh(token, client, policy)
		if res.Failure != RefreshFailureNone {
			t.Fatalf("rotation %d: %v", i, res.Failure)
		}
		token = res.RefreshToken

		sess, _ := e.store.GetSession(context.Background(), issued.Session.ID)
		if want := i * (policy.IPChangeScore + policy.UserAgentChangeScore); sess.RiskScore != want {
			t.Fatalf("rotation %d: expected score %d, got %d", i, want, sess.RiskScore)
		}
	}
}

func TestRefreshDeviceAndPrincipalChecks(t *testing.T) {
	e := newTestEnv(t)
	e.addPrincipal("u1", "+15550100", nil)
	issued := e.mustLogin("+15550100", defaultClient)

	wrong := defaultClient
	wrong.DeviceKey = "device-key-2"
	if res := e.refresh(issued.RefreshToken, wrong, defaultPolicy); res.Failure != RefreshFailureDeviceUnauthorized {
		t.Fatalf("expected device_unauthorized for a foreign key, got %v", res.Failure)
	}
	wrong.DeviceKey = ""
	if res := e.refresh(issued.RefreshToken, wrong, defaultPolicy); res.Failure != RefreshFailureDeviceUnauthorized {
		t.Fatalf("expected device_unauthorized for an empty key, got %v", res.Failure)
	}

	e.principals.update("u1", func(p *Principal) { p.Blocked = true })
	if res := e.refresh(issued.RefreshToken, defaultClient, defaultPolicy); res.Failure != RefreshFailureUserBlocked {
		t.Fatalf("expected user_blocked, got %v", res.Failure)
	}
	e.principals.update("u1", func(p *Principal) { p.Blocked = false })

	if err := e.store.BlockDevice(context.Background(), issued.Device.ID); err != nil {
		t.Fatalf("block device: %v", err)
	}
	if res := e.refresh(issued.RefreshToken, defaultClient, defaultPolicy); res.Failure != RefreshFailureDeviceUnauthorized {
		t.Fatalf("expected device_unauthorized for a blocked device, got %v", res.Failure)
	}

	// none of the rejections above consumed the token
	if tok := e.tokenRow(issued.RefreshToken); tok.IsRetired() {
		t.Fatalf("rejected refresh mutated the token: %+v", tok)
	}
}

func TestRefreshRevokedSessionIsInvalid(t *testing.T) {
	e := newTestEnv(t)
	e.addPrincipal("u1", "+15550100", nil)
	issued := e.mustLogin("+15550100", defaultClient)

	if _, err := e.store.RevokeSession(context.Background(), issued.Session.ID, "admin", e.clock()); err != nil {
		t.Fatalf("revoke session: %v", err)
	}
	if res := e.refresh(issued.RefreshToken, defaultClient, defaultPolicy); res.Failure != RefreshFailureSessionInvalid {
		t.Fatalf("expected session_invalid, got %v", res.Failure)
	}
}

func TestRefreshFingerprintMismatchIsAdvisory(t *testing.T) {
	e := newTestEnv(t)
	e.addPrincipal("u1", "+15550100", nil)
	issued := e.mustLogin("+15550100", defaultClient)

	var warned []string
	d := e.refreshDeps(defaultPolicy)
	d.Warn = func(msg string, _ ...any) { warned = append(warned, msg) }

	other := defaultClient
	other.UserAgent = "app/2.0"
	res := RunRefresh(context.Background(), issued.RefreshToken, other, d)
	if res.Failure != RefreshFailureNone {
		t.Fatalf("fingerprint mismatch must not fail refresh, got %v", res.Failure)
	}
	if !res.FingerprintMismatch || len(warned) != 1 {
		t.Fatalf("expected one mismatch warning, mismatch=%v warned=%v", res.FingerprintMismatch, warned)
	}
	if !res.Risk.UAChanged || res.Risk.Update.Score != defaultPolicy.UserAgentChangeScore {
		t.Fatalf("user-agent drift must still be scored: %+v", res.Risk)
	}
	if next := e.tokenRow(res.RefreshToken); next.DeviceFingerprint != defaultClient.UserAgent {
		t.Fatalf("fingerprint must stay bound to login, got %q", next.DeviceFingerprint)
	}
}
