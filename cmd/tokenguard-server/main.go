// Command tokenguard-server exposes the token engine over HTTP.
//
// Usage:
//
//	tokenguard-server [serve]
//	tokenguard-server migrate up|down
//
// Configuration is read from .env and the environment; see config.go.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	tokenGuard "github.com/MrEthical07/tokenGuard"
	"github.com/MrEthical07/tokenGuard/metrics/export/prometheus"
	"github.com/MrEthical07/tokenGuard/middleware"
	"github.com/MrEthical07/tokenGuard/notify"
	"github.com/MrEthical07/tokenGuard/pow"
	"github.com/MrEthical07/tokenGuard/principals"
	"github.com/MrEthical07/tokenGuard/storage/postgres"
	"github.com/MrEthical07/tokenGuard/totp"
)

const purgeInterval = time.Hour

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "tokenguard-server:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
	}
	switch cmd {
	case "serve":
		return serve(cfg)
	case "migrate":
		direction := "up"
		if len(args) > 1 {
			direction = args[1]
		}
		if err := postgres.Migrate(cfg.DatabaseURL, direction); err != nil {
			return err
		}
		version, dirty, err := postgres.SchemaVersion(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		fmt.Printf("schema version %d (dirty=%t)\n", version, dirty)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func serve(cfg *serverConfig) error {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	engineCfg, err := cfg.engineConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRatio))),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", "tokenguard"))),
	)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	builder := tokenGuard.New().
		WithConfig(engineCfg).
		WithRedis(rdb).
		WithLogger(logger).
		WithTracerProvider(tp).
		WithAuditSink(tokenGuard.NewSlogSink(logger.With("component", "audit")))

	var (
		memory  *principals.Memory
		pgStore *postgres.Store
		secrets totp.SecretSource
	)
	if cfg.DatabaseURL != "" {
		pool, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		pgPrincipals := postgres.NewPrincipalStore(pool)
		builder = builder.WithPrincipalStore(pgPrincipals)
		secrets = pgPrincipals
		if cfg.Store == "postgres" {
			pgStore = postgres.NewStore(pool, engineCfg.Session.Retention)
			builder = builder.WithTokenStore(pgStore)
		}
	} else {
		memory = principals.NewMemory()
		builder = builder.WithPrincipalStore(memory)
		secrets = memory
	}

	challenges, err := attachVerifiers(builder, rdb, cfg, engineCfg, secrets)
	if err != nil {
		return err
	}
	if challenges == nil {
		logger.Warn("proof of work disabled, logins are not gated by a challenge")
	}

	var kafkaPub *notify.KafkaPublisher
	if brokers := cfg.kafkaBrokers(); len(brokers) > 0 {
		kafkaPub, err = notify.NewKafkaPublisher(notify.KafkaConfig{Brokers: brokers, Topic: cfg.NotifyTopic})
		if err != nil {
			return err
		}
		defer kafkaPub.Close()
		builder = builder.WithNotificationPublisher(kafkaPub)
	} else {
		builder = builder.WithNotificationPublisher(notify.NewLogPublisher(logger.With("component", "notify")))
	}

	engine, err := builder.Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	if memory != nil && cfg.PrincipalsFile != "" {
		f, err := os.Open(cfg.PrincipalsFile)
		if err != nil {
			return fmt.Errorf("open principals file: %w", err)
		}
		n, err := memory.LoadJSON(f, engine)
		_ = f.Close()
		if err != nil {
			return err
		}
		logger.Info("principals loaded", "count", n)
	}

	if pgStore != nil {
		go purgeLoop(ctx, pgStore, logger)
	}

	srv := &server{
		engine:     engine,
		logger:     logger,
		metrics:    prometheus.NewCollector(engine).Handler(),
		challenges: challenges,
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.routes(middleware.ClientOptions{TrustForwardedFor: cfg.TrustForwardedFor}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr, "store", cfg.Store)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}

// attachVerifiers registers the TOTP verifier and, when the engine requires
// proof of work, the Redis challenge service. The service is nil otherwise.
func attachVerifiers(b *tokenGuard.Builder, rdb redis.UniversalClient, cfg *serverConfig, engineCfg tokenGuard.Config, secrets totp.SecretSource) (*pow.Service, error) {
	prefix := engineCfg.Session.RedisPrefix

	totpCfg, err := cfg.totpConfig(prefix)
	if err != nil {
		return nil, err
	}
	codes, err := totp.NewVerifier(secrets, rdb, totpCfg)
	if err != nil {
		return nil, err
	}
	b.WithSecondFactorVerifier(codes)

	if !engineCfg.PoW.Required {
		return nil, nil
	}
	powCfg, err := cfg.powConfig(prefix)
	if err != nil {
		return nil, err
	}
	challenges, err := pow.NewService(rdb, powCfg)
	if err != nil {
		return nil, err
	}
	b.WithPoWVerifier(challenges)
	return challenges, nil
}

func purgeLoop(ctx context.Context, store *postgres.Store, logger *slog.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.PurgeExpired(ctx, now)
			if err != nil {
				logger.Warn("purge expired rows failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("purged expired rows", "count", n)
			}
		}
	}
}
