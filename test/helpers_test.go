//go:build integration
// +build integration

package test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	tokenGuard "github.com/MrEthical07/tokenGuard"
	"github.com/MrEthical07/tokenGuard/session"
	"github.com/MrEthical07/tokenGuard/storage/postgres"
)

// newRedisClient connects to REDIS_ADDR, or to an in-process miniredis when
// it is unset.
func newRedisClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis ping: %v", err)
	}
	return rdb
}

// newPostgresPool migrates and connects to DATABASE_URL. Tests that need it
// are skipped when it is unset.
func newPostgresPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	if err := postgres.Migrate(dsn, "up"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pool, err := postgres.Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

type storeBackend struct {
	name string
	open func(t *testing.T) tokenGuard.TokenStore
}

func backends() []storeBackend {
	return []storeBackend{
		{"redis", func(t *testing.T) tokenGuard.TokenStore {
			return session.NewStore(newRedisClient(t), "it-"+uuid.NewString()[:8], time.Hour)
		}},
		{"postgres", func(t *testing.T) tokenGuard.TokenStore {
			return postgres.NewStore(newPostgresPool(t), time.Hour)
		}},
	}
}

// chain is one freshly seeded session with its first refresh token. Ids are
// random so runs against a shared database do not collide.
type chain struct {
	session *session.Session
	first   *session.RefreshToken
}

func seedChain(t *testing.T, store tokenGuard.TokenStore, now time.Time) chain {
	t.Helper()
	ctx := context.Background()
	userID := "u-" + uuid.NewString()

	dev, created, err := store.ResolveDevice(ctx, userID, "dkh-"+uuid.NewString(), now)
	if err != nil || !created {
		t.Fatalf("resolve device: created=%v err=%v", created, err)
	}
	sess := &session.Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		DeviceID:        dev.ID,
		Family:          uuid.NewString(),
		IssuerIP:        "10.0.0.1",
		IssuerUserAgent: "ua",
		LastIP:          "10.0.0.1",
		LastUserAgent:   "ua",
		RiskLevel:       session.RiskLow,
		CreatedAt:       now,
		LastActivityAt:  now,
		ExpiresAt:       now.Add(24 * time.Hour),
	}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	tok := &session.RefreshToken{
		ID:                uuid.NewString(),
		UserID:            userID,
		SessionID:         sess.ID,
		DeviceID:          dev.ID,
		TokenHash:         "hash-" + uuid.NewString(),
		Family:            sess.Family,
		DeviceFingerprint: "ua",
		IssuedAt:          now,
		ExpiresAt:         now.Add(time.Hour),
		LastIP:            "10.0.0.1",
		LastUserAgent:     "ua",
	}
	if err := store.InsertRefreshToken(ctx, tok); err != nil {
		t.Fatalf("insert token: %v", err)
	}
	return chain{session: sess, first: tok}
}

func rotationOf(prev *session.RefreshToken, now time.Time) session.Rotation {
	return session.Rotation{
		PresentedID:   prev.ID,
		PresentedHash: prev.TokenHash,
		Now:           now,
		ClientIP:      "10.0.0.1",
		UserAgent:     "ua",
		Risk:          session.RiskUpdate{Level: session.RiskLow},
		Successor: &session.RefreshToken{
			ID:                uuid.NewString(),
			UserID:            prev.UserID,
			SessionID:         prev.SessionID,
			DeviceID:          prev.DeviceID,
			TokenHash:         "hash-" + uuid.NewString(),
			Family:            prev.Family,
			DeviceFingerprint: prev.DeviceFingerprint,
			IssuedAt:          now,
			ExpiresAt:         now.Add(time.Hour),
			LastIP:            "10.0.0.1",
			LastUserAgent:     "ua",
		},
	}
}
