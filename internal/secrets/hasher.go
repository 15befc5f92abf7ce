package secrets

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	minKeyLength = 16
	maxKeyLength = blake2b.Size
)

// Hash domains keep digests of different secret kinds unlinkable even when the
// raw input bytes coincide.
const (
	DomainRefreshSecret = "refresh"
	DomainSetupFlow     = "setup"
	DomainIdentifier    = "identifier"
	DomainDeviceKey     = "device"
)

var ErrInvalidKey = errors.New("secret hash key must be between 16 and 64 bytes")

// ErrEmptyIdentifier means nothing usable was left after normalization.
var ErrEmptyIdentifier = errors.New("identifier is empty after normalization")

// Hasher produces keyed BLAKE2b-256 digests. Digests are never reversible and
// without the key cannot be recomputed from a leaked secret.
type Hasher struct {
	key []byte
}

func NewHasher(key []byte) (*Hasher, error) {
	if len(key) < minKeyLength || len(key) > maxKeyLength {
		return nil, ErrInvalidKey
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Hasher{key: k}, nil
}

// Sum returns the hex-encoded digest of value under domain.
func (h *Hasher) Sum(domain string, value []byte) string {
	m, err := blake2b.New256(h.key)
	if err != nil {
		// key length is validated in NewHasher
		panic(err)
	}
	_, _ = m.Write([]byte(domain))
	_, _ = m.Write([]byte{0})
	_, _ = m.Write(value)
	return hex.EncodeToString(m.Sum(nil))
}

func (h *Hasher) RefreshSecret(secret []byte) string {
	return h.Sum(DomainRefreshSecret, secret)
}

func (h *Hasher) SetupFlowToken(token string) string {
	return h.Sum(DomainSetupFlow, []byte(token))
}

// Identifier hashes a phone-like login identifier after normalization, so
// "+1 (555) 010-0000" and "+15550100000" collide on purpose. It fails with
// ErrEmptyIdentifier rather than hash an empty string.
func (h *Hasher) Identifier(identifier string) (string, error) {
	norm, err := NormalizeIdentifier(identifier)
	if err != nil {
		return "", err
	}
	return h.Sum(DomainIdentifier, []byte(norm)), nil
}

func (h *Hasher) DeviceKey(deviceKey string) string {
	return h.Sum(DomainDeviceKey, []byte(strings.TrimSpace(deviceKey)))
}

// Equal compares two digests in constant time.
func Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NormalizeIdentifier strips formatting from phone-like identifiers. A leading
// '+' is preserved; every other rune outside ASCII letters and digits is
// dropped and letters are lower-cased.
//
// Only phone numbers and similar ASCII account codes are supported. Emails,
// dotted usernames and non-Latin scripts lose characters, so "a.b" and "ab"
// map to the same identifier. Input with no ASCII letter or digit returns
// ErrEmptyIdentifier.
func NormalizeIdentifier(identifier string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	var b strings.Builder
	b.Grow(len(identifier))
	for i, r := range identifier {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
	}
	out := b.String()
	if out == "" || out == "+" {
		return "", ErrEmptyIdentifier
	}
	return out, nil
}
