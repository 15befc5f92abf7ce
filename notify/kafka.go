package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	tokenGuard "github.com/MrEthical07/tokenGuard"
)

// EventLoginNotification is the value of the "event" header on every message.
const EventLoginNotification = "user.logged_in"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher implements tokenGuard.NotificationPublisher on top of
// segmentio/kafka-go.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// KafkaConfig selects the brokers and topic.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// NewKafkaPublisher returns a publisher writing to cfg.Topic. Call Close when
// shutting down.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("notify: at least one kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("notify: kafka topic is required")
	}
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = 50 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batch,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
	}
	return &KafkaPublisher{writer: w, topic: cfg.Topic}, nil
}

// PublishLogin serializes n as JSON and writes it keyed by user id. The
// engine bounds ctx with its notification timeout.
func (p *KafkaPublisher) PublishLogin(ctx context.Context, n tokenGuard.LoginNotification) error {
	if p == nil || p.writer == nil {
		return nil
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: encode login notification: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(n.UserID),
		Value: payload,
		Time:  n.At,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(EventLoginNotification)},
		},
	}
	if n.RequestID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "request_id", Value: []byte(n.RequestID)})
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("notify: kafka write to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer. Safe to call on a nil
// publisher.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
