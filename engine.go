package tokenGuard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	internalaudit "github.com/MrEthical07/tokenGuard/internal/audit"
	"github.com/MrEthical07/tokenGuard/internal/flows"
	internalmetrics "github.com/MrEthical07/tokenGuard/internal/metrics"
	"github.com/MrEthical07/tokenGuard/internal/secrets"
	"github.com/MrEthical07/tokenGuard/jwt"
	"github.com/MrEthical07/tokenGuard/password"
)

// Engine issues, rotates and revokes credentials. All methods are safe for
// concurrent use once [Builder.Build] returns.
type Engine struct {
	config     Config
	store      TokenStore
	principals PrincipalStore
	hasher     *secrets.Hasher
	passwords  *password.Argon2
	jwtManager *jwt.Manager
	flows      flows.Deps

	audit    *internalaudit.Dispatcher
	metrics  *internalmetrics.Metrics
	notifier NotificationPublisher
	logger   *slog.Logger
	clock    Clock
	tracer   trace.Tracer

	notifyMu sync.RWMutex
	notifyWG sync.WaitGroup
	closed   atomic.Bool
}

// Close waits for in-flight notifications and drains the audit buffer.
// Subsequent calls return [ErrEngineNotReady].
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.notifyMu.Lock()
	already := e.closed.Swap(true)
	e.notifyMu.Unlock()
	if already {
		return
	}
	e.notifyWG.Wait()
	if e.audit != nil {
		e.audit.Close()
	}
}

func (e *Engine) ready() bool {
	return e != nil && !e.closed.Load()
}

// AuditDropped reports audit events shed because the buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	s := e.metrics.Snapshot()
	return MetricsSnapshot{Counters: s.Counters, Histograms: s.Histograms}
}

// Keyring exposes the access-token key snapshot. Run a [jwt.KeySource]
// against it to rotate keys without restarting.
func (e *Engine) Keyring() *jwt.Keyring {
	if e == nil {
		return nil
	}
	return e.jwtManager.Keyring()
}

// IdentifierHash returns the keyed hash principal stores index identifiers
// by. Raw identifiers never reach the store. Identifiers are phone-like: an
// input with no ASCII letter or digit is rejected.
func (e *Engine) IdentifierHash(identifier string) (string, error) {
	return e.hasher.Identifier(identifier)
}

// HashPassword returns a PHC string for storing in a principal record.
func (e *Engine) HashPassword(plain string) (string, error) {
	return e.passwords.Hash(plain)
}

func (e *Engine) metricInc(id MetricID) {
	if e.metrics != nil {
		e.metrics.Inc(id)
	}
}

func (e *Engine) observeSince(id MetricID, start time.Time) {
	if e.metrics != nil {
		e.metrics.Observe(id, time.Since(start))
	}
}

func (e *Engine) internal(ctx context.Context, span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, op+" failed")
	e.logger.ErrorContext(ctx, "tokenGuard: "+op+" failed", "error", err)
	return fmt.Errorf("%w: %w", ErrInternal, err)
}

// notifyLogin publishes in the background. Publication failures are logged
// and counted only.
func (e *Engine) notifyLogin(n LoginNotification) {
	if e.notifier == nil {
		return
	}

	e.notifyMu.RLock()
	if e.closed.Load() {
		e.notifyMu.RUnlock()
		return
	}
	e.notifyWG.Add(1)
	e.notifyMu.RUnlock()

	go func() {
		defer e.notifyWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.config.Notify.Timeout)
		defer cancel()
		if err := e.notifier.PublishLogin(ctx, n); err != nil {
			e.metricInc(MetricNotificationFailed)
			e.logger.Warn("tokenGuard: login notification failed", "user_id", n.UserID, "session_id", n.SessionID, "error", err)
		}
	}()
}
