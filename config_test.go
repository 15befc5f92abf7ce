package tokenGuard

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantValid bool
	}{
		{
			name:      "test config valid",
			mutate:    func(*Config) {},
			wantValid: true,
		},
		{
			name: "access ttl must be shorter than refresh ttl",
			mutate: func(c *Config) {
				c.Token.AccessTTL = c.Token.RefreshTTL
			},
			wantValid: false,
		},
		{
			name: "signing method invalid",
			mutate: func(c *Config) {
				c.Token.SigningMethod = "rs256"
			},
			wantValid: false,
		},
		{
			name: "ed25519 without public key invalid",
			mutate: func(c *Config) {
				c.Token.SigningMethod = "ed25519"
			},
			wantValid: false,
		},
		{
			name: "leeway above limit invalid",
			mutate: func(c *Config) {
				c.Token.Leeway = 3 * time.Minute
			},
			wantValid: false,
		},
		{
			name: "empty session prefix invalid",
			mutate: func(c *Config) {
				c.Session.RedisPrefix = ""
			},
			wantValid: false,
		},
		{
			name: "critical at suspicious invalid",
			mutate: func(c *Config) {
				c.Risk.CriticalThreshold = c.Risk.SuspiciousThreshold
			},
			wantValid: false,
		},
		{
			name: "high threshold outside band invalid",
			mutate: func(c *Config) {
				c.Risk.HighThreshold = c.Risk.CriticalThreshold + 1
			},
			wantValid: false,
		},
		{
			name: "high threshold inside band valid",
			mutate: func(c *Config) {
				c.Risk.HighThreshold = 20
			},
			wantValid: true,
		},
		{
			name: "negative change score invalid",
			mutate: func(c *Config) {
				c.Risk.IPChangeScore = -1
			},
			wantValid: false,
		},
		{
			name: "setup flow ttl above an hour invalid",
			mutate: func(c *Config) {
				c.SetupFlow.TTL = 2 * time.Hour
			},
			wantValid: false,
		},
		{
			name: "unknown rate limit backend invalid",
			mutate: func(c *Config) {
				c.RateLimit.Backend = "memcached"
			},
			wantValid: false,
		},
		{
			name: "disabled rate limit ignores backend",
			mutate: func(c *Config) {
				c.RateLimit.Enabled = false
				c.RateLimit.Backend = ""
			},
			wantValid: true,
		},
		{
			name: "short hash key invalid",
			mutate: func(c *Config) {
				c.Secrets.HashKey = []byte("short")
			},
			wantValid: false,
		},
		{
			name: "argon2 memory too low invalid",
			mutate: func(c *Config) {
				c.Password.Memory = 1024
			},
			wantValid: false,
		},
		{
			name: "audit buffer required when enabled",
			mutate: func(c *Config) {
				c.Audit.BufferSize = 0
			},
			wantValid: false,
		},
		{
			name: "negative audit wait invalid",
			mutate: func(c *Config) {
				c.Audit.MaxWait = -time.Second
			},
			wantValid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantValid && err != nil {
				t.Fatalf("expected valid config, got %v", err)
			}
			if !tt.wantValid && err == nil {
				t.Fatal("expected invalid config")
			}
		})
	}
}

func TestDefaultConfigNeedsKeys(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("default config must not validate without key material")
	}
}

func TestDefaultConfigRequiresPoW(t *testing.T) {
	require.True(t, DefaultConfig().PoW.Required)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	principals := &memoryPrincipals{byHash: map[string]*Principal{}, byID: map[string]*Principal{}}

	cfg := DefaultConfig()
	cfg.Token.SigningMethod = "hs256"
	cfg.Token.PrivateKey = []byte("access-signing-key-0123456789abcdef")
	cfg.Secrets.HashKey = []byte("0123456789abcdef0123456789abcdef")
	require.NoError(t, cfg.Validate())

	_, err := New().WithConfig(cfg).WithRedis(rdb).WithPrincipalStore(principals).Build()
	require.Error(t, err, "defaults must not build without a PoW verifier")

	engine, err := New().WithConfig(cfg).WithRedis(rdb).WithPrincipalStore(principals).WithPoWVerifier(stubPoW{ok: true}).Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)
}

func TestBuilderPreconditions(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	principals := &memoryPrincipals{byHash: map[string]*Principal{}, byID: map[string]*Principal{}}

	_, err := New().WithConfig(testConfig()).WithPrincipalStore(principals).Build()
	require.Error(t, err, "redis is required")

	_, err = New().WithConfig(testConfig()).WithRedis(rdb).Build()
	require.Error(t, err, "principal store is required")

	cfg := testConfig()
	cfg.PoW.Required = true
	_, err = New().WithConfig(cfg).WithRedis(rdb).WithPrincipalStore(principals).Build()
	require.Error(t, err, "required pow needs a verifier")

	b := New().WithConfig(testConfig()).WithRedis(rdb).WithPrincipalStore(principals)
	engine, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	_, err = b.Build()
	require.Error(t, err, "builder is single use")
}

func TestBuilderCopiesKeyMaterial(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig()
	principals := &memoryPrincipals{byHash: map[string]*Principal{}, byID: map[string]*Principal{}}
	engine, err := New().WithConfig(cfg).WithRedis(rdb).WithPrincipalStore(principals).Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	before, err := engine.IdentifierHash(testIdentifier)
	require.NoError(t, err)
	for i := range cfg.Secrets.HashKey {
		cfg.Secrets.HashKey[i] = 0
	}
	after, err := engine.IdentifierHash(testIdentifier)
	require.NoError(t, err)
	require.Equal(t, before, after)
}
