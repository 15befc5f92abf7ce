package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
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
	return rdb, mr
}

func TestLimiterFixedWindow(t *testing.T) {
	rdb, mr := newTestRedis(t)
	l := New(rdb, Config{MaxAttempts: 3, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "login:abc")
		if err != nil || !d.Allowed {
			t.Fatalf("attempt %d: %+v err=%v", i+1, d, err)
		}
		if d.Remaining != 2-i {
			t.Fatalf("attempt %d: expected remaining %d, got %d", i+1, 2-i, d.Remaining)
		}
	}

	d, err := l.Allow(ctx, "login:abc")
	if err != nil || d.Allowed {
		t.Fatalf("expected denial, got %+v err=%v", d, err)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("unexpected retry-after %v", d.RetryAfter)
	}

	if d, _ := l.Allow(ctx, "login:other"); !d.Allowed {
		t.Fatal("keys must be independent")
	}

	mr.FastForward(time.Minute + time.Second)
	if d, _ := l.Allow(ctx, "login:abc"); !d.Allowed {
		t.Fatal("window must reopen after expiry")
	}
}

func TestLimiterReset(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := New(rdb, Config{MaxAttempts: 1, Window: time.Minute})
	ctx := context.Background()

	_, _ = l.Allow(ctx, "k")
	if d, _ := l.Allow(ctx, "k"); d.Allowed {
		t.Fatal("expected denial")
	}
	if err := l.Reset(ctx, "k"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if d, _ := l.Allow(ctx, "k"); !d.Allowed {
		t.Fatal("expected allow after reset")
	}
}

func TestLimiterBackendFailure(t *testing.T) {
	rdb, mr := newTestRedis(t)
	l := New(rdb, Config{MaxAttempts: 1, Window: time.Minute})
	mr.Close()

	if _, err := l.Allow(context.Background(), "k"); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}

func TestLocalLimiter(t *testing.T) {
	l := NewLocal(Config{MaxAttempts: 2, Window: time.Minute})
	now := time.Unix(1700000000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d, _ := l.Allow(ctx, "k"); !d.Allowed {
			t.Fatalf("attempt %d denied", i+1)
		}
	}
	d, _ := l.Allow(ctx, "k")
	if d.Allowed || d.RetryAfter <= 0 {
		t.Fatalf("expected denial with retry-after, got %+v", d)
	}

	now = now.Add(30 * time.Second)
	if d, _ := l.Allow(ctx, "k"); !d.Allowed {
		t.Fatal("expected one token refilled after half a window")
	}

	if err := l.Reset(ctx, "k"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if d, _ := l.Allow(ctx, "k"); !d.Allowed {
		t.Fatal("expected allow after reset")
	}
}
