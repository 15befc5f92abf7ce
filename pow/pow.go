// Package pow issues proof-of-work challenges and checks their solutions.
// Challenges live in Redis and are consumed by the first verification, so a
// solved challenge unlocks exactly one login attempt.
//
// A solution is a nonce such that blake2b-256(challengeID + ":" + nonce) has
// at least Difficulty leading zero bits.
package pow

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

const maxNonceLength = 64

type Config struct {
	// Difficulty is the number of leading zero bits a solution must have.
	Difficulty int
	TTL        time.Duration
	Prefix     string
}

func DefaultConfig() Config {
	return Config{
		Difficulty: 18,
		TTL:        2 * time.Minute,
		Prefix:     "tg",
	}
}

func (c Config) Validate() error {
	if c.Difficulty < 1 || c.Difficulty > 32 {
		return errors.New("pow: Difficulty must be between 1 and 32")
	}
	if c.TTL <= 0 {
		return errors.New("pow: TTL must be > 0")
	}
	if strings.TrimSpace(c.Prefix) == "" {
		return errors.New("pow: Prefix must not be empty")
	}
	return nil
}

// Challenge is handed to the client before it may attempt a login.
type Challenge struct {
	ID         string    `json:"challenge_id"`
	Difficulty int       `json:"difficulty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Service issues challenges and implements tokenGuard.PoWVerifier.
type Service struct {
	redis  redis.UniversalClient
	config Config
	now    func() time.Time
}

func NewService(client redis.UniversalClient, cfg Config) (*Service, error) {
	if client == nil {
		return nil, errors.New("pow: redis client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{redis: client, config: cfg, now: time.Now}, nil
}

func (s *Service) key(id string) string {
	return s.config.Prefix + ":pow:" + id
}

// Issue stores a fresh challenge at the configured difficulty.
func (s *Service) Issue(ctx context.Context) (Challenge, error) {
	c := Challenge{
		ID:         uuid.NewString(),
		Difficulty: s.config.Difficulty,
		ExpiresAt:  s.now().Add(s.config.TTL).UTC(),
	}
	if err := s.redis.Set(ctx, s.key(c.ID), c.Difficulty, s.config.TTL).Err(); err != nil {
		return Challenge{}, fmt.Errorf("pow: store challenge: %w", err)
	}
	return c, nil
}

// Verify consumes the challenge and reports whether nonce solves it. Unknown,
// expired and already used challenges fail without an error.
func (s *Service) Verify(ctx context.Context, challengeID, nonce string) (bool, error) {
	if challengeID == "" || nonce == "" || len(nonce) > maxNonceLength {
		return false, nil
	}
	if _, err := uuid.Parse(challengeID); err != nil {
		return false, nil
	}

	raw, err := s.redis.GetDel(ctx, s.key(challengeID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pow: consume challenge: %w", err)
	}
	difficulty, err := strconv.Atoi(raw)
	if err != nil {
		return false, fmt.Errorf("pow: corrupt challenge %s", challengeID)
	}
	return LeadingZeroBits(challengeID, nonce) >= difficulty, nil
}

// LeadingZeroBits scores a candidate nonce for challengeID.
func LeadingZeroBits(challengeID, nonce string) int {
	sum := blake2b.Sum256([]byte(challengeID + ":" + nonce))
	n := 0
	for _, b := range sum {
		if b == 0 {
			n += 8
			continue
		}
		return n + bits.LeadingZeros8(b)
	}
	return n
}

// Solve searches for a nonce meeting difficulty. It is what a client does;
// the server never calls it. ctx bounds the search.
func Solve(ctx context.Context, challengeID string, difficulty int) (string, error) {
	for i := uint64(0); ; i++ {
		if i&0xfff == 0 {
			if err := ctx.Err(); err != nil {
				return "", err
			}
		}
		nonce := strconv.FormatUint(i, 36)
		if LeadingZeroBits(challengeID, nonce) >= difficulty {
			return nonce, nil
		}
	}
}
