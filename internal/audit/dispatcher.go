package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultMaxWait = 100 * time.Millisecond

// Config controls dispatcher buffering behavior. MaxWait bounds how long Emit
// waits for buffer space before the event is dropped.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
	MaxWait    time.Duration
	Logger     *slog.Logger
}

// Dispatcher asynchronously forwards audit events to a sink. Emit never runs
// the sink on the caller's goroutine.
type Dispatcher struct {
	cfg       Config
	sink      Sink
	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d := &Dispatcher{
		cfg:  cfg,
		sink: sink,
		ch:   make(chan Event, cfg.BufferSize),
		done: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.sink.Emit(context.Background(), event)
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					d.sink.Emit(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case d.ch <- event:
		return
	case <-d.done:
		return
	default:
	}

	// critical events get MaxWait even in drop-if-full mode
	if d.cfg.DropIfFull && event.Severity != SeverityCritical {
		d.drop(event, "buffer full")
		return
	}

	timer := time.NewTimer(d.cfg.MaxWait)
	defer timer.Stop()
	select {
	case d.ch <- event:
	case <-d.done:
	case <-ctx.Done():
		d.drop(event, "caller cancelled")
	case <-timer.C:
		d.drop(event, "sink stalled")
	}
}

func (d *Dispatcher) drop(event Event, reason string) {
	d.dropped.Add(1)
	level := slog.LevelDebug
	if event.Severity == SeverityCritical {
		level = slog.LevelError
	}
	d.cfg.Logger.Log(context.Background(), level, "tokenGuard: audit event dropped",
		"event_type", event.EventType,
		"severity", event.Severity,
		"user_id", event.UserID,
		"reason", reason,
	)
}

func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped reports how many events were shed because the buffer was full.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
