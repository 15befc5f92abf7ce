// Package principals provides an in-memory principal store and helpers to
// provision principals from plain credentials.
package principals

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	tokenGuard "github.com/MrEthical07/tokenGuard"
	"github.com/MrEthical07/tokenGuard/totp"
)

// Memory is a concurrency-safe tokenGuard.PrincipalStore kept in a map.
// Lookups return copies. It is also a totp.SecretSource.
type Memory struct {
	mu      sync.RWMutex
	byHash  map[string]*tokenGuard.Principal
	byID    map[string]*tokenGuard.Principal
	secrets map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{
		byHash:  make(map[string]*tokenGuard.Principal),
		byID:    make(map[string]*tokenGuard.Principal),
		secrets: make(map[string][]byte),
	}
}

// SetSecondFactorSecret enrolls a raw TOTP secret for id.
func (m *Memory) SetSecondFactorSecret(id string, secret []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[id] = append([]byte(nil), secret...)
}

func (m *Memory) SecondFactorSecret(_ context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	secret, ok := m.secrets[id]
	if !ok {
		return nil, totp.ErrNoSecret
	}
	return append([]byte(nil), secret...), nil
}

func (m *Memory) FindByIdentifierHash(_ context.Context, identifierHash string) (*tokenGuard.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byHash[identifierHash]
	if !ok {
		return nil, tokenGuard.ErrPrincipalNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) FindByID(_ context.Context, id string) (*tokenGuard.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, tokenGuard.ErrPrincipalNotFound
	}
	cp := *p
	return &cp, nil
}

// Put stores a copy of p, replacing any principal with the same id.
func (m *Memory) Put(p tokenGuard.Principal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.byID[p.ID]; ok {
		delete(m.byHash, old.IdentifierHash)
	}
	cp := p
	m.byID[p.ID] = &cp
	m.byHash[p.IdentifierHash] = &cp
}

// Update applies fn to the stored principal. It reports false when id is
// unknown. fn must not change IdentifierHash.
func (m *Memory) Update(id string, fn func(*tokenGuard.Principal)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return false
	}
	fn(p)
	return true
}

// Hasher derives stored credentials; *tokenGuard.Engine implements it.
type Hasher interface {
	IdentifierHash(identifier string) (string, error)
	HashPassword(plain string) (string, error)
}

// Record is a principal described with plain credentials, as read from a
// seed file.
type Record struct {
	ID                     string `json:"id"`
	Identifier             string `json:"identifier"`
	Password               string `json:"password,omitempty"`
	Blocked                bool   `json:"blocked,omitempty"`
	RequiresPasswordChange bool   `json:"requires_password_change,omitempty"`
	RecoveryEmail          string `json:"recovery_email,omitempty"`
	SecondFactorEnabled    bool   `json:"second_factor_enabled,omitempty"`
	RequiresSecondFactor   bool   `json:"requires_second_factor,omitempty"`
	// TOTPSecret is the base32 secret shown to authenticator apps.
	TOTPSecret             string `json:"totp_secret,omitempty"`
}

// Provision hashes r's identifier and password. An empty password leaves the
// principal without one.
func Provision(h Hasher, r Record) (tokenGuard.Principal, error) {
	if r.ID == "" || r.Identifier == "" {
		return tokenGuard.Principal{}, fmt.Errorf("principals: record needs id and identifier")
	}
	idHash, err := h.IdentifierHash(r.Identifier)
	if err != nil {
		return tokenGuard.Principal{}, fmt.Errorf("principals: identifier for %s: %w", r.ID, err)
	}
	p := tokenGuard.Principal{
		ID:                     r.ID,
		IdentifierHash:         idHash,
		Blocked:                r.Blocked,
		RequiresPasswordChange: r.RequiresPasswordChange,
		RecoveryEmail:          r.RecoveryEmail,
		SecondFactorEnabled:    r.SecondFactorEnabled,
		RequiresSecondFactor:   r.RequiresSecondFactor,
	}
	if r.Password != "" {
		hash, err := h.HashPassword(r.Password)
		if err != nil {
			return tokenGuard.Principal{}, fmt.Errorf("principals: hash password for %s: %w", r.ID, err)
		}
		p.PasswordHash = hash
	}
	return p, nil
}

// LoadJSON reads a JSON array of records from r and stores each one.
func (m *Memory) LoadJSON(r io.Reader, h Hasher) (int, error) {
	var records []Record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return 0, fmt.Errorf("principals: decode seed: %w", err)
	}
	for i, rec := range records {
		p, err := Provision(h, rec)
		if err != nil {
			return i, err
		}
		if rec.TOTPSecret != "" {
			secret, err := totp.DecodeSecret(rec.TOTPSecret)
			if err != nil {
				return i, fmt.Errorf("principals: %s: %w", rec.ID, err)
			}
			m.SetSecondFactorSecret(p.ID, secret)
		}
		m.Put(p)
	}
	return len(records), nil
}
