package middleware

import (
	"net/http"

	tokenGuard "github.com/MrEthical07/tokenGuard"
)

// RequireJWTOnly guards with [tokenGuard.ModeJWTOnly]. A revoked session
// keeps passing until its access token expires.
func RequireJWTOnly(engine *tokenGuard.Engine) func(http.Handler) http.Handler {
	return Guard(engine, tokenGuard.ModeJWTOnly)
}
