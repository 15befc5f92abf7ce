package tokenGuard

import (
	"errors"
	"time"
)

// Config is the complete engine configuration. Start from [DefaultConfig]
// and override what differs; [Builder.Build] validates a private copy.
type Config struct {
	Token     TokenConfig
	Session   SessionConfig
	Risk      RiskConfig
	SetupFlow SetupFlowConfig
	PoW       PoWConfig
	RateLimit RateLimitConfig
	Secrets   SecretsConfig
	Password  PasswordConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
	Notify    NotifyConfig
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig controls access JWTs and refresh token lifetime.
type TokenConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	KeyID         string
	Leeway        time.Duration
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls session lifetime and Redis key layout. Lifetime is
// absolute: refreshes never extend it. RedisPrefix is wrapped in a {hash tag}
// unless it already carries one, so the whole store maps to one cluster slot.
type SessionConfig struct {
	Lifetime    time.Duration
	RedisPrefix string
	Retention   time.Duration
}

/*
====================================
RISK CONFIG
====================================
*/

// RiskConfig weights client drift between refreshes. HighThreshold of zero
// means halfway between suspicious and critical.
type RiskConfig struct {
	IPChangeScore        int
	UserAgentChangeScore int
	SuspiciousThreshold  int
	HighThreshold        int
	CriticalThreshold    int
}

/*
====================================
SETUP FLOW CONFIG
====================================
*/

type SetupFlowConfig struct {
	TTL         time.Duration
	RedisPrefix string
}

/*
====================================
POW CONFIG
====================================
*/

// PoWConfig gates login behind a proof-of-work check. Required is on by
// default and needs a verifier registered with [Builder.WithPoWVerifier];
// the pow package provides one. Turning it off removes the login
// precondition entirely.
type PoWConfig struct {
	Required bool
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig bounds login attempts per hashed identifier. Backend
// "redis" shares counters across nodes; "memory" is per-process.
type RateLimitConfig struct {
	Enabled          bool
	Backend          string
	MaxLoginAttempts int
	Window           time.Duration
	RedisPrefix      string
}

/*
====================================
SECRETS CONFIG
====================================
*/

// SecretsConfig holds the key for hashing refresh secrets, setup-flow
// tokens, device keys and identifiers. Rotating it invalidates every
// outstanding refresh token.
type SecretsConfig struct {
	HashKey []byte
}

/*
====================================
PASSWORD CONFIG
====================================
*/

type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig controls the async audit dispatcher. With DropIfFull only
// non-critical events are shed at once. Any event that still finds the
// buffer full after MaxWait is dropped, counted and logged; zero selects
// 100ms.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
	MaxWait    time.Duration
}

/*
====================================
METRICS CONFIG
====================================
*/

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
NOTIFY CONFIG
====================================
*/

// NotifyConfig bounds each async login notification publish.
type NotifyConfig struct {
	Timeout time.Duration
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns production defaults. Signing keys and the secret
// hash key have no defaults and must be supplied.
func DefaultConfig() Config {
	return Config{
		Token: TokenConfig{
			AccessTTL:     5 * time.Minute,
			RefreshTTL:    30 * 24 * time.Hour,
			SigningMethod: "ed25519",
			Issuer:        "tokenguard",
			Leeway:        30 * time.Second,
		},
		Session: SessionConfig{
			Lifetime:    30 * 24 * time.Hour,
			RedisPrefix: "tg",
			Retention:   7 * 24 * time.Hour,
		},
		Risk: RiskConfig{
			IPChangeScore:        15,
			UserAgentChangeScore: 10,
			SuspiciousThreshold:  10,
			CriticalThreshold:    30,
		},
		SetupFlow: SetupFlowConfig{
			TTL:         10 * time.Minute,
			RedisPrefix: "tgsf",
		},
		PoW: PoWConfig{
			Required: true,
		},
		RateLimit: RateLimitConfig{
			Enabled:          true,
			Backend:          "redis",
			MaxLoginAttempts: 5,
			Window:           15 * time.Minute,
			RedisPrefix:      "tgrl",
		},
		Password: PasswordConfig{
			Memory:      65536,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
			MaxWait:    100 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Notify: NotifyConfig{
			Timeout: 5 * time.Second,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Token.PrivateKey = cloneBytes(cfg.Token.PrivateKey)
	out.Token.PublicKey = cloneBytes(cfg.Token.PublicKey)
	out.Secrets.HashKey = cloneBytes(cfg.Secrets.HashKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// Token
	if c.Token.AccessTTL <= 0 {
		return errors.New("Token AccessTTL must be > 0")
	}
	if c.Token.RefreshTTL <= 0 {
		return errors.New("Token RefreshTTL must be > 0")
	}
	if c.Token.AccessTTL >= c.Token.RefreshTTL {
		return errors.New("Token AccessTTL must be shorter than RefreshTTL")
	}
	if c.Token.SigningMethod != "ed25519" && c.Token.SigningMethod != "hs256" {
		return errors.New("unsupported Token signing method")
	}
	if len(c.Token.PrivateKey) == 0 {
		return errors.New("Token PrivateKey is required")
	}
	if c.Token.SigningMethod == "ed25519" && len(c.Token.PublicKey) == 0 {
		return errors.New("ed25519 requires Token PublicKey")
	}
	if c.Token.Leeway < 0 || c.Token.Leeway > 2*time.Minute {
		return errors.New("Token Leeway must be between 0 and 2m")
	}

	// Session
	if c.Session.Lifetime <= 0 {
		return errors.New("Session Lifetime must be > 0")
	}
	if c.Session.RedisPrefix == "" {
		return errors.New("Session RedisPrefix must not be empty")
	}
	if c.Session.Retention < 0 {
		return errors.New("Session Retention must be >= 0")
	}

	// Risk
	if c.Risk.IPChangeScore < 0 || c.Risk.UserAgentChangeScore < 0 {
		return errors.New("Risk change scores must be >= 0")
	}
	if c.Risk.SuspiciousThreshold <= 0 {
		return errors.New("Risk SuspiciousThreshold must be > 0")
	}
	if c.Risk.CriticalThreshold <= c.Risk.SuspiciousThreshold {
		return errors.New("Risk CriticalThreshold must be > SuspiciousThreshold")
	}
	if c.Risk.HighThreshold != 0 &&
		(c.Risk.HighThreshold < c.Risk.SuspiciousThreshold || c.Risk.HighThreshold > c.Risk.CriticalThreshold) {
		return errors.New("Risk HighThreshold must lie between SuspiciousThreshold and CriticalThreshold")
	}

	// Setup flow
	if c.SetupFlow.TTL <= 0 {
		return errors.New("SetupFlow TTL must be > 0")
	}
	if c.SetupFlow.TTL > time.Hour {
		return errors.New("SetupFlow TTL must be <= 1h")
	}
	if c.SetupFlow.RedisPrefix == "" {
		return errors.New("SetupFlow RedisPrefix must not be empty")
	}

	// Rate limit
	if c.RateLimit.Enabled {
		if c.RateLimit.Backend != "redis" && c.RateLimit.Backend != "memory" {
			return errors.New("RateLimit Backend must be 'redis' or 'memory'")
		}
		if c.RateLimit.MaxLoginAttempts <= 0 {
			return errors.New("RateLimit MaxLoginAttempts must be > 0")
		}
		if c.RateLimit.Window <= 0 {
			return errors.New("RateLimit Window must be > 0")
		}
	}

	// Secrets
	if n := len(c.Secrets.HashKey); n < 16 || n > 64 {
		return errors.New("Secrets HashKey must be between 16 and 64 bytes")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}
	if c.Audit.MaxWait < 0 {
		return errors.New("Audit MaxWait must be >= 0")
	}

	// Notify
	if c.Notify.Timeout <= 0 {
		return errors.New("Notify Timeout must be > 0")
	}

	return nil
}
