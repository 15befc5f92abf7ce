package notify

import (
	"context"
	"errors"
	"log/slog"

	tokenGuard "github.com/MrEthical07/tokenGuard"
)

// LogPublisher writes login notifications to a structured logger.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher returns a publisher on logger, or slog.Default when nil.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishLogin(ctx context.Context, n tokenGuard.LoginNotification) error {
	p.logger.InfoContext(ctx, "user logged in",
		"user_id", n.UserID,
		"session_id", n.SessionID,
		"device_id", n.DeviceID,
		"new_device", n.NewDevice,
		"client_ip", n.ClientIP,
		"request_id", n.RequestID,
	)
	return nil
}

// Multi publishes to every publisher in order and joins their errors. A
// failing publisher does not stop the rest.
type Multi []tokenGuard.NotificationPublisher

func (m Multi) PublishLogin(ctx context.Context, n tokenGuard.LoginNotification) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.PublishLogin(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
