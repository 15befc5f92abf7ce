package principals

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	tokenGuard "github.com/MrEthical07/tokenGuard"
	"github.com/MrEthical07/tokenGuard/totp"
)

var (
	_ tokenGuard.PrincipalStore = (*Memory)(nil)
	_ totp.SecretSource         = (*Memory)(nil)
)

type fakeHasher struct{}

func (fakeHasher) IdentifierHash(identifier string) (string, error) {
	if identifier == "???" {
		return "", errors.New("empty after normalization")
	}
	return "h:" + identifier, nil
}
func (fakeHasher) HashPassword(plain string) (string, error) {
	if plain == "fail" {
		return "", errors.New("boom")
	}
	return "p:" + plain, nil
}

func TestMemoryLookupReturnsCopies(t *testing.T) {
	m := NewMemory()
	m.Put(tokenGuard.Principal{ID: "u1", IdentifierHash: "h1"})

	p, err := m.FindByIdentifierHash(context.Background(), "h1")
	require.NoError(t, err)
	p.Blocked = true

	again, err := m.FindByID(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, again.Blocked)

	require.True(t, m.Update("u1", func(p *tokenGuard.Principal) { p.Blocked = true }))
	require.False(t, m.Update("missing", func(*tokenGuard.Principal) {}))
	again, err = m.FindByID(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, again.Blocked)

	_, err = m.FindByID(context.Background(), "missing")
	require.ErrorIs(t, err, tokenGuard.ErrPrincipalNotFound)
}

func TestPutReplacesIdentifierIndex(t *testing.T) {
	m := NewMemory()
	m.Put(tokenGuard.Principal{ID: "u1", IdentifierHash: "old"})
	m.Put(tokenGuard.Principal{ID: "u1", IdentifierHash: "new"})

	_, err := m.FindByIdentifierHash(context.Background(), "old")
	require.ErrorIs(t, err, tokenGuard.ErrPrincipalNotFound)
	_, err = m.FindByIdentifierHash(context.Background(), "new")
	require.NoError(t, err)
}

func TestLoadJSON(t *testing.T) {
	m := NewMemory()
	n, err := m.LoadJSON(strings.NewReader(`[
		{"id": "u1", "identifier": "+15550100", "password": "pw"},
		{"id": "u2", "identifier": "+15550101", "requires_password_change": true}
	]`), fakeHasher{})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	p, err := m.FindByIdentifierHash(context.Background(), "h:+15550100")
	require.NoError(t, err)
	require.Equal(t, "p:pw", p.PasswordHash)

	p, err = m.FindByID(context.Background(), "u2")
	require.NoError(t, err)
	require.Empty(t, p.PasswordHash)
	require.True(t, p.RequiresPasswordChange)

	_, err = m.LoadJSON(strings.NewReader(`[{"id": "u3"}]`), fakeHasher{})
	require.Error(t, err)
	_, err = m.LoadJSON(strings.NewReader(`[{"id": "u3", "identifier": "x", "password": "fail"}]`), fakeHasher{})
	require.Error(t, err)
	_, err = m.LoadJSON(strings.NewReader(`{`), fakeHasher{})
	require.Error(t, err)
	_, err = m.LoadJSON(strings.NewReader(`[{"id": "u4", "identifier": "???"}]`), fakeHasher{})
	require.ErrorContains(t, err, "identifier for u4")
}

func TestLoadJSONEnrollsSecondFactorSecret(t *testing.T) {
	m := NewMemory()
	_, err := m.LoadJSON(strings.NewReader(`[
		{"id": "u1", "identifier": "+15550100", "second_factor_enabled": true, "totp_secret": "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"},
		{"id": "u2", "identifier": "+15550101"}
	]`), fakeHasher{})
	require.NoError(t, err)

	secret, err := m.SecondFactorSecret(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, []byte("12345678901234567890"), secret)

	_, err = m.SecondFactorSecret(context.Background(), "u2")
	require.ErrorIs(t, err, totp.ErrNoSecret)

	_, err = m.LoadJSON(strings.NewReader(`[{"id": "u3", "identifier": "x", "totp_secret": "!!"}]`), fakeHasher{})
	require.Error(t, err)
}
