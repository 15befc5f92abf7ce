// Package totp checks RFC 6238 one-time codes for the setup wizard's
// ENTER_TOTP step. [Verifier] satisfies tokenGuard.SecondFactorVerifier.
package totp

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoSecret is returned by a [SecretSource] when the user has not enrolled
// a second factor. The verifier treats it as a failed check.
var ErrNoSecret = errors.New("totp: no secret enrolled")

// SecretSource returns the raw shared secret enrolled for a user.
type SecretSource interface {
	SecondFactorSecret(ctx context.Context, userID string) ([]byte, error)
}

type Config struct {
	Digits    int
	Period    int
	Skew      int
	Algorithm string

	// ReplayPrefix namespaces the Redis keys that mark a time step as used.
	ReplayPrefix string
}

func DefaultConfig() Config {
	return Config{
		Digits:       6,
		Period:       30,
		Skew:         1,
		Algorithm:    "SHA1",
		ReplayPrefix: "tg",
	}
}

func (c Config) Validate() error {
	if c.Digits < 6 || c.Digits > 8 {
		return errors.New("totp: Digits must be between 6 and 8")
	}
	if c.Period <= 0 {
		return errors.New("totp: Period must be > 0")
	}
	if c.Skew < 0 || c.Skew > 2 {
		return errors.New("totp: Skew must be between 0 and 2")
	}
	if _, err := macFor(c.Algorithm); err != nil {
		return err
	}
	return nil
}

// Verifier checks codes against the secret a [SecretSource] returns. With a
// Redis client each accepted time step is single use per user.
type Verifier struct {
	secrets SecretSource
	replay  redis.UniversalClient
	config  Config
	now     func() time.Time
}

// NewVerifier returns a verifier. replay may be nil to accept a code more
// than once inside its window.
func NewVerifier(secrets SecretSource, replay redis.UniversalClient, cfg Config) (*Verifier, error) {
	if secrets == nil {
		return nil, errors.New("totp: secret source required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Verifier{secrets: secrets, replay: replay, config: cfg, now: time.Now}, nil
}

// Verify reports whether code is valid for userID right now. Malformed codes
// and users without a secret are a false result, not an error.
func (v *Verifier) Verify(ctx context.Context, userID, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if len(code) != v.config.Digits || !numeric(code) {
		return false, nil
	}

	secret, err := v.secrets.SecondFactorSecret(ctx, userID)
	if errors.Is(err, ErrNoSecret) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("totp: load secret: %w", err)
	}
	if len(secret) == 0 {
		return false, nil
	}

	base := v.now().Unix() / int64(v.config.Period)
	matched, counter := false, int64(0)
	for step := -v.config.Skew; step <= v.config.Skew; step++ {
		c := base + int64(step)
		if c < 0 {
			continue
		}
		want, err := hotp(secret, c, v.config.Digits, v.config.Algorithm)
		if err != nil {
			return false, err
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			matched, counter = true, c
		}
	}
	if !matched {
		return false, nil
	}
	return v.claim(ctx, userID, counter)
}

// claim marks counter as used for userID. A step already claimed is a replay.
func (v *Verifier) claim(ctx context.Context, userID string, counter int64) (bool, error) {
	if v.replay == nil {
		return true, nil
	}
	key := v.config.ReplayPrefix + ":totp:" + userID + ":" + strconv.FormatInt(counter, 10)
	window := time.Duration(v.config.Period*(2*v.config.Skew+1)) * time.Second
	ok, err := v.replay.SetNX(ctx, key, 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("totp: replay guard: %w", err)
	}
	return ok, nil
}

// Generate returns the code for secret at t. Enrollment tools and tests use
// it; the verifier never needs it.
func Generate(secret []byte, t time.Time, cfg Config) (string, error) {
	if cfg.Period <= 0 {
		return "", errors.New("totp: Period must be > 0")
	}
	return hotp(secret, t.Unix()/int64(cfg.Period), cfg.Digits, cfg.Algorithm)
}

// DecodeSecret parses the unpadded base32 form authenticator apps display.
func DecodeSecret(s string) ([]byte, error) {
	s = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("totp: decode secret: %w", err)
	}
	return raw, nil
}

func hotp(secret []byte, counter int64, digits int, algorithm string) (string, error) {
	newHash, err := macFor(algorithm)
	if err != nil {
		return "", err
	}
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))
	mac := hmac.New(newHash, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	off := int(sum[len(sum)-1] & 0x0f)
	bin := binary.BigEndian.Uint32(sum[off:off+4]) & 0x7fffffff

	mod := uint32(1)
	for range digits {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, bin%mod), nil
}

func macFor(algorithm string) (func() hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case "", "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	default:
		return nil, fmt.Errorf("totp: unsupported algorithm %q", algorithm)
	}
}

func numeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
