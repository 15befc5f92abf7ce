package jwt

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// KeySet is one complete generation of signing and verification material.
// SigningKey is the HS256 secret or the Ed25519 private key; VerifyKeys maps
// kid to the HS256 secret or Ed25519 public key. The empty kid is valid and
// matches tokens without a kid header.
type KeySet struct {
	SigningKeyID string
	SigningKey   []byte
	VerifyKeys   map[string][]byte
}

// KeySource loads the current KeySet, e.g. from a JWKS endpoint or a secret
// manager.
type KeySource interface {
	LoadKeys(ctx context.Context) (KeySet, error)
}

// KeySourceFunc adapts a function to KeySource.
type KeySourceFunc func(ctx context.Context) (KeySet, error)

func (f KeySourceFunc) LoadKeys(ctx context.Context) (KeySet, error) { return f(ctx) }

type keySnapshot struct {
	signKID  string
	sign     any
	verify   map[string]any
	loadedAt time.Time
}

// Keyring holds parsed key material as an immutable snapshot. Readers load
// the current pointer; Replace builds a complete new snapshot and swaps it in,
// so a reader never observes a half-updated key set.
type Keyring struct {
	method  SigningMethod
	current atomic.Pointer[keySnapshot]
}

func NewKeyring(method SigningMethod, set KeySet) (*Keyring, error) {
	k := &Keyring{method: method}
	if err := k.Replace(set); err != nil {
		return nil, err
	}
	return k, nil
}

// Replace validates set and atomically makes it current. On error the
// previous snapshot stays in place.
func (k *Keyring) Replace(set KeySet) error {
	snap, err := buildSnapshot(k.method, set)
	if err != nil {
		return err
	}
	k.current.Store(snap)
	return nil
}

// LoadedAt reports when the current snapshot was installed.
func (k *Keyring) LoadedAt() time.Time {
	return k.current.Load().loadedAt
}

func (k *Keyring) snapshot() *keySnapshot {
	return k.current.Load()
}

// Run reloads keys from src every interval until ctx is done. Load failures
// keep the previous snapshot and are reported to onError.
func (k *Keyring) Run(ctx context.Context, src KeySource, interval time.Duration, onError func(error)) error {
	if src == nil {
		return errors.New("jwt: nil key source")
	}
	if interval <= 0 {
		return errors.New("jwt: refresh interval must be positive")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			set, err := src.LoadKeys(ctx)
			if err == nil {
				err = k.Replace(set)
			}
			if err != nil && onError != nil {
				onError(err)
			}
		}
	}
}

func buildSnapshot(method SigningMethod, set KeySet) (*keySnapshot, error) {
	snap := &keySnapshot{
		signKID:  strings.TrimSpace(set.SigningKeyID),
		verify:   make(map[string]any, len(set.VerifyKeys)+1),
		loadedAt: time.Now(),
	}

	switch method {
	case MethodHS256:
		if len(set.SigningKey) > 0 {
			snap.sign = set.SigningKey
			snap.verify[snap.signKID] = set.SigningKey
		}
		for kid, key := range set.VerifyKeys {
			if len(key) == 0 {
				return nil, fmt.Errorf("empty hs256 verify key for kid %q", kid)
			}
			snap.verify[strings.TrimSpace(kid)] = key
		}
	case MethodEd25519:
		if len(set.SigningKey) > 0 {
			priv, err := parseEdPrivateKey(set.SigningKey)
			if err != nil {
				return nil, err
			}
			snap.sign = priv
			snap.verify[snap.signKID] = priv.Public().(ed25519.PublicKey)
		}
		for kid, key := range set.VerifyKeys {
			pub, err := parseEdPublicKey(key)
			if err != nil {
				return nil, fmt.Errorf("invalid ed25519 verify key for kid %q: %w", kid, err)
			}
			snap.verify[strings.TrimSpace(kid)] = pub
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	if len(snap.verify) == 0 {
		return nil, errors.New("key set has no verification key")
	}
	return snap, nil
}
