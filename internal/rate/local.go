package rate

import (
	"context"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"
)

const localSweepEvery = 1024

// LocalLimiter is an in-process token bucket per key. It suits single-node
// deployments and tests; counts are not shared across processes.
type LocalLimiter struct {
	mu      sync.Mutex
	limit   xrate.Limit
	burst   int
	buckets map[string]*xrate.Limiter
	calls   int
	now     func() time.Time
}

// NewLocal allows cfg.MaxAttempts per cfg.Window, refilled continuously.
func NewLocal(cfg Config) *LocalLimiter {
	burst := cfg.MaxAttempts
	if burst < 1 {
		burst = 1
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return &LocalLimiter{
		limit:   xrate.Every(window / time.Duration(burst)),
		burst:   burst,
		buckets: make(map[string]*xrate.Limiter),
		now:     time.Now,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%localSweepEvery == 0 {
		l.sweep(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = xrate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}

	r := b.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true, Remaining: int(b.TokensAt(now))}, nil
}

func (l *LocalLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
	return nil
}

// sweep drops buckets that have refilled completely; they carry no state.
func (l *LocalLimiter) sweep(now time.Time) {
	for k, b := range l.buckets {
		if b.TokensAt(now) >= float64(l.burst) {
			delete(l.buckets, k)
		}
	}
}
