package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	setupFlowRecordVersion1 = 1
)

var (
	ErrSetupFlowNotFound = errors.New("setup flow not found")
	ErrSetupFlowExpired  = errors.New("setup flow expired")
	ErrSetupFlowBackend  = errors.New("setup flow backend unavailable")
)

// SetupFlow is the server-side half of a setup-flow token. It grants nothing
// by itself; it only lets the holder continue the named setup step on the
// device it was issued to.
type SetupFlow struct {
	UserID        string
	DeviceKeyHash string
	ClientIP      string
	UserAgent     string
	Step          string
	CreatedAt     int64 // unix ms
	ExpiresAt     int64 // unix ms
}

type SetupFlowStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewSetupFlowStore(redisClient redis.UniversalClient, prefix string) *SetupFlowStore {
	if prefix == "" {
		prefix = "tsf"
	}
	return &SetupFlowStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *SetupFlowStore) key(tokenHash string) string {
	return s.prefix + ":" + tokenHash
}

// Save stores record under the keyed hash of its token.
func (s *SetupFlowStore) Save(ctx context.Context, tokenHash string, record *SetupFlow, ttl time.Duration) error {
	encoded, err := encodeSetupFlow(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(tokenHash), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSetupFlowBackend, err)
	}
	return nil
}

// Get returns the record without consuming it.
func (s *SetupFlowStore) Get(ctx context.Context, tokenHash string, now time.Time) (*SetupFlow, error) {
	data, err := s.redis.Get(ctx, s.key(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSetupFlowNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrSetupFlowBackend, err)
	}
	return checkSetupFlow(data, now)
}

// Consume atomically reads and deletes the record, so a setup-flow token can
// be redeemed at most once even under concurrent presentation.
func (s *SetupFlowStore) Consume(ctx context.Context, tokenHash string, now time.Time) (*SetupFlow, error) {
	data, err := s.redis.GetDel(ctx, s.key(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSetupFlowNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrSetupFlowBackend, err)
	}
	return checkSetupFlow(data, now)
}

func checkSetupFlow(data []byte, now time.Time) (*SetupFlow, error) {
	record, err := decodeSetupFlow(data)
	if err != nil {
		return nil, err
	}
	if now.UnixMilli() >= record.ExpiresAt {
		return nil, ErrSetupFlowExpired
	}
	return record, nil
}

func encodeSetupFlow(record *SetupFlow) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(setupFlowRecordVersion1)

	if err := binary.Write(&buf, binary.BigEndian, record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	for _, field := range []string{record.UserID, record.DeviceKeyHash, record.ClientIP, record.UserAgent, record.Step} {
		if len(field) > 65535 {
			return nil, errors.New("setup flow field length exceeded")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

func decodeSetupFlow(data []byte) (*SetupFlow, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != setupFlowRecordVersion1 {
		return nil, errors.New("invalid setup flow version")
	}

	record := &SetupFlow{}
	if err := binary.Read(reader, binary.BigEndian, &record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	fields := []*string{&record.UserID, &record.DeviceKeyHash, &record.ClientIP, &record.UserAgent, &record.Step}
	for _, dst := range fields {
		var n uint16
		if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		raw := make([]byte, n)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, err
		}
		*dst = string(raw)
	}

	return record, nil
}
