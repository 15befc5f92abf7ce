package internal

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
)

const (
	tokenIDSize   = 16
	secretSize    = 32
	tokenSplitter = "."
)

// ErrMalformedToken is returned for any refresh token that does not decode to
// exactly one id segment and one secret segment.
var ErrMalformedToken = errors.New("malformed token")

var strictEncoding = base64.RawURLEncoding.Strict()

// NewTokenID returns a random 16-byte identifier, base64url without padding.
func NewTokenID() (string, error) {
	var id [tokenIDSize]byte
	if _, err := rand.Read(id[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(id[:]), nil
}

func NewSecret() ([secretSize]byte, error) {
	var secret [secretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// EncodeRefreshToken renders the client-facing "<id>.<secret>" form.
func EncodeRefreshToken(id string, secret [secretSize]byte) string {
	return id + tokenSplitter + base64.RawURLEncoding.EncodeToString(secret[:])
}

// DecodeRefreshToken parses "<id>.<secret>" without touching storage.
func DecodeRefreshToken(token string) (string, [secretSize]byte, error) {
	var secret [secretSize]byte

	// the base64 decoder skips CR/LF, which would admit several spellings of one token
	if strings.ContainsAny(token, "\r\n") {
		return "", secret, ErrMalformedToken
	}

	idPart, secretPart, ok := strings.Cut(token, tokenSplitter)
	if !ok || idPart == "" || secretPart == "" || strings.Contains(secretPart, tokenSplitter) {
		return "", secret, ErrMalformedToken
	}

	rawID, err := strictEncoding.DecodeString(idPart)
	if err != nil || len(rawID) != tokenIDSize {
		return "", secret, ErrMalformedToken
	}
	rawSecret, err := strictEncoding.DecodeString(secretPart)
	if err != nil || len(rawSecret) != secretSize {
		return "", secret, ErrMalformedToken
	}

	copy(secret[:], rawSecret)
	return idPart, secret, nil
}

// NewOpaqueToken returns 32 random bytes as base64url. Used for setup-flow
// tokens, which are looked up by their keyed hash only.
func NewOpaqueToken() (string, error) {
	secret, err := NewSecret()
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(secret[:]), nil
}
