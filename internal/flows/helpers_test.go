package flows

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/tokenGuard/internal/secrets"
	"github.com/MrEthical07/tokenGuard/internal/stores"
	"github.com/MrEthical07/tokenGuard/jwt"
	"github.com/MrEthical07/tokenGuard/password"
	"github.com/MrEthical07/tokenGuard/session"
)

const testPassword = "correct-horse-battery"

type fakePrincipals struct {
	mu      sync.Mutex
	byHash  map[string]*Principal
	byID    map[string]*Principal
	lookups atomic.Int64
}

func (f *fakePrincipals) FindByIdentifierHash(_ context.Context, hash string) (*Principal, error) {
	f.lookups.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byHash[hash]
	if !ok {
		return nil, ErrPrincipalNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePrincipals) FindByID(_ context.Context, id string) (*Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakePrincipals) update(id string, fn func(*Principal)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.byID[id])
}

// countingVerifier records which comparisons login asked for. The password
// package tests that each of them costs one derivation.
type countingVerifier struct {
	inner   *password.Argon2
	verify  atomic.Int64
	dummies atomic.Int64
}

func (c *countingVerifier) Verify(pw, encoded string) (bool, error) {
	c.verify.Add(1)
	return c.inner.Verify(pw, encoded)
}

func (c *countingVerifier) VerifyDummy(pw string) {
	c.dummies.Add(1)
	c.inner.VerifyDummy(pw)
}

type stubPoW struct {
	ok    bool
	err   error
	calls atomic.Int64
}

func (s *stubPoW) Verify(context.Context, string, string) (bool, error) {
	s.calls.Add(1)
	return s.ok, s.err
}

// stubSecondFactor accepts exactly one code for any user.
type stubSecondFactor struct {
	code  string
	err   error
	calls atomic.Int64
}

func (s *stubSecondFactor) Verify(_ context.Context, _ string, code string) (bool, error) {
	s.calls.Add(1)
	return code == s.code, s.err
}

const validCode = "246810"

type testEnv struct {
	t          *testing.T
	mr         *miniredis.Miniredis
	store      *session.Store
	flows      *stores.SetupFlowStore
	hasher     *secrets.Hasher
	access     *jwt.Manager
	pw         *password.Argon2
	verifier   *countingVerifier
	principals *fakePrincipals
	totp       *stubSecondFactor

	mu  sync.Mutex
	now time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	hasher, err := secrets.NewHasher([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	pw, err := password.NewArgon2(password.Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	if err != nil {
		t.Fatalf("argon2: %v", err)
	}

	e := &testEnv{
		t:      t,
		mr:     mr,
		store:  session.NewStore(rdb, "test", time.Hour),
		flows:  stores.NewSetupFlowStore(rdb, "tsf"),
		hasher: hasher,
		pw:     pw,
		principals: &fakePrincipals{
			byHash: map[string]*Principal{},
			byID:   map[string]*Principal{},
		},
		// miniredis expires keys on the wall clock, so the fake clock starts at now
		now: time.Now().Truncate(time.Millisecond).UTC(),
	}
	e.verifier = &countingVerifier{inner: pw}
	e.totp = &stubSecondFactor{code: validCode}

	access, err := jwt.NewManager(jwt.Config{
		AccessTTL:     5 * time.Minute,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    []byte("access-signing-key-0123456789abcdef"),
		Now:           e.clock,
	})
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}
	e.access = access
	return e
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

func (e *testEnv) core() Core {
	return Core{
		Store:      e.store,
		Principals: e.principals,
		Hasher:     e.hasher,
		Access:     e.access,
		Now:        e.clock,
		RefreshTTL: time.Hour,
		SessionTTL: 24 * time.Hour,
	}
}

func (e *testEnv) setupDeps() SetupDeps {
	return SetupDeps{Core: e.core(), Flows: e.flows, SecondFactor: e.totp, TTL: 10 * time.Minute}
}

func (e *testEnv) loginDeps() LoginDeps {
	return LoginDeps{Setup: e.setupDeps(), Password: e.verifier}
}

func (e *testEnv) refreshDeps(policy RiskPolicy) RefreshDeps {
	return RefreshDeps{Core: e.core(), Risk: policy}
}

var defaultPolicy = RiskPolicy{IPChangeScore: 15, UserAgentChangeScore: 10, Suspicious: 10, Critical: 30}

// addPrincipal registers a fully set up principal; mutate adjusts flags.
func (e *testEnv) addPrincipal(id, identifier string, mutate func(*Principal)) *Principal {
	e.t.Helper()
	hash, err := e.pw.Hash(testPassword)
	if err != nil {
		e.t.Fatalf("hash password: %v", err)
	}
	idHash, err := e.hasher.Identifier(identifier)
	if err != nil {
		e.t.Fatalf("identifier: %v", err)
	}
	p := &Principal{
		ID:             id,
		IdentifierHash: idHash,
		PasswordHash:   hash,
		RecoveryEmail:  "alice@example.com",
	}
	if mutate != nil {
		mutate(p)
	}
	e.principals.mu.Lock()
	e.principals.byHash[p.IdentifierHash] = p
	e.principals.byID[p.ID] = p
	e.principals.mu.Unlock()
	return p
}

var defaultClient = Client{DeviceKey: "device-key-1", ClientIP: "10.0.0.1", UserAgent: "app/1.0"}

func (e *testEnv) login(identifier string, client Client) LoginResult {
	e.t.Helper()
	return RunLogin(context.Background(), LoginInput{
		Identifier: identifier,
		Password:   testPassword,
		Client:     client,
	}, e.loginDeps())
}

// mustLogin returns the issued pair for a principal without setup steps.
func (e *testEnv) mustLogin(identifier string, client Client) *Issued {
	e.t.Helper()
	res := e.login(identifier, client)
	if res.Failure != LoginFailureNone || res.Issued == nil {
		e.t.Fatalf("login failed: kind=%v err=%v", res.Failure, res.Err)
	}
	return res.Issued
}

func (e *testEnv) familyMembers(family string) []string {
	e.t.Helper()
	members, err := e.mr.SMembers("{test}:rf:" + family)
	if err != nil {
		e.t.Fatalf("family members: %v", err)
	}
	return members
}

// assertFamilyRevoked checks that no member of family is still unrevoked.
func (e *testEnv) assertFamilyRevoked(family string) {
	e.t.Helper()
	for _, id := range e.familyMembers(family) {
		tok, err := e.store.GetRefreshToken(context.Background(), id)
		if err != nil {
			e.t.Fatalf("get token %s: %v", id, err)
		}
		if !tok.IsRevoked() {
			e.t.Fatalf("token %s of family %s is not revoked", id, family)
		}
	}
}
