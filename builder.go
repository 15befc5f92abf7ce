package tokenGuard

import (
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	internalaudit "github.com/MrEthical07/tokenGuard/internal/audit"
	"github.com/MrEthical07/tokenGuard/internal/flows"
	internalmetrics "github.com/MrEthical07/tokenGuard/internal/metrics"
	"github.com/MrEthical07/tokenGuard/internal/rate"
	"github.com/MrEthical07/tokenGuard/internal/secrets"
	"github.com/MrEthical07/tokenGuard/internal/stores"
	"github.com/MrEthical07/tokenGuard/jwt"
	"github.com/MrEthical07/tokenGuard/password"
	"github.com/MrEthical07/tokenGuard/session"
)

const tracerName = "github.com/MrEthical07/tokenGuard"

// Builder assembles an [Engine]. It is single use: Build may succeed once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	tokenStore TokenStore
	principals PrincipalStore
	pow        PoWVerifier
	totp       SecondFactorVerifier
	limiter    RateLimiter
	auditSink  AuditSink
	notifier   NotificationPublisher
	logger     *slog.Logger
	clock      Clock
	tracing    trace.TracerProvider

	built bool
}

// New returns a builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client for setup flows, the shared rate limiter and,
// unless [Builder.WithTokenStore] is used, the token store.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithTokenStore overrides the Redis token store, e.g. with storage/postgres.
func (b *Builder) WithTokenStore(store TokenStore) *Builder {
	b.tokenStore = store
	return b
}

func (b *Builder) WithPrincipalStore(store PrincipalStore) *Builder {
	b.principals = store
	return b
}

func (b *Builder) WithPoWVerifier(v PoWVerifier) *Builder {
	b.pow = v
	return b
}

// WithSecondFactorVerifier registers the checker for one-time codes. Without
// it principals with a second factor cannot finish setup.
func (b *Builder) WithSecondFactorVerifier(v SecondFactorVerifier) *Builder {
	b.totp = v
	return b
}

// WithRateLimiter overrides the limiter selected by Config.RateLimit.
func (b *Builder) WithRateLimiter(l RateLimiter) *Builder {
	b.limiter = l
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithNotificationPublisher(p NotificationPublisher) *Builder {
	b.notifier = p
	return b
}

// WithLogger sets the logger for best-effort failures. Defaults to
// slog.Default().
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithClock(c Clock) *Builder {
	b.clock = c
	return b
}

// WithTracerProvider sets where Login and Refresh spans go. Defaults to the
// global provider.
func (b *Builder) WithTracerProvider(tp trace.TracerProvider) *Builder {
	b.tracing = tp
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.principals == nil {
		return nil, errors.New("principal store required")
	}
	if cfg.PoW.Required && b.pow == nil {
		return nil, errors.New("PoW Required needs a PoW verifier")
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := b.clock
	if clock == nil {
		clock = SystemClock{}
	}
	tp := b.tracing
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	// -------- STORES --------
	store := b.tokenStore
	if store == nil {
		store = session.NewStore(b.redis, cfg.Session.RedisPrefix, cfg.Session.Retention)
	}
	setupFlows := stores.NewSetupFlowStore(b.redis, cfg.SetupFlow.RedisPrefix)

	limiter := b.limiter
	if limiter == nil && cfg.RateLimit.Enabled {
		rl := rate.Config{
			MaxAttempts: cfg.RateLimit.MaxLoginAttempts,
			Window:      cfg.RateLimit.Window,
			Prefix:      cfg.RateLimit.RedisPrefix,
		}
		if cfg.RateLimit.Backend == "memory" {
			limiter = rate.NewLocal(rl)
		} else {
			limiter = rate.New(b.redis, rl)
		}
	}

	// -------- CRYPTO --------
	hasher, err := secrets.NewHasher(cfg.Secrets.HashKey)
	if err != nil {
		return nil, err
	}

	ph, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.Token.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.Token.SigningMethod),
		PrivateKey:    cloneBytes(cfg.Token.PrivateKey),
		PublicKey:     cloneBytes(cfg.Token.PublicKey),
		Issuer:        cfg.Token.Issuer,
		Audience:      cfg.Token.Audience,
		KeyID:         cfg.Token.KeyID,
		Leeway:        cfg.Token.Leeway,
		RequireIAT:    true,
		Now:           clock.Now,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:     cfg,
		store:      store,
		principals: b.principals,
		hasher:     hasher,
		passwords:  ph,
		jwtManager: jm,
		audit: internalaudit.NewDispatcher(internalaudit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
			MaxWait:    cfg.Audit.MaxWait,
			Logger:     logger,
		}, b.auditSink),
		metrics: internalmetrics.New(internalmetrics.Config{
			Enabled:                 cfg.Metrics.Enabled,
			EnableLatencyHistograms: cfg.Metrics.EnableLatencyHistograms,
		}),
		notifier: b.notifier,
		logger:   logger,
		clock:    clock,
		tracer:   tp.Tracer(tracerName),
	}

	core := flows.Core{
		Store:      store,
		Principals: b.principals,
		Hasher:     hasher,
		Access:     jm,
		Now:        clock.Now,
		RefreshTTL: cfg.Token.RefreshTTL,
		SessionTTL: cfg.Session.Lifetime,
		Warn:       logger.Warn,
	}
	setup := flows.SetupDeps{Core: core, Flows: setupFlows, SecondFactor: b.totp, TTL: cfg.SetupFlow.TTL}
	engine.flows = flows.Deps{
		Login: flows.LoginDeps{
			Setup:       setup,
			Password:    ph,
			PoW:         b.pow,
			PoWRequired: cfg.PoW.Required,
			Limiter:     limiter,
		},
		Refresh: flows.RefreshDeps{
			Core: core,
			Risk: flows.RiskPolicy{
				IPChangeScore:        cfg.Risk.IPChangeScore,
				UserAgentChangeScore: cfg.Risk.UserAgentChangeScore,
				Suspicious:           cfg.Risk.SuspiciousThreshold,
				High:                 cfg.Risk.HighThreshold,
				Critical:             cfg.Risk.CriticalThreshold,
			},
		},
		Setup:    setup,
		Revoke:   flows.RevokeDeps{Core: core},
		Validate: flows.ValidateDeps{Parse: jm.ParseAccess, Core: core},
	}

	b.built = true

	return engine, nil
}
