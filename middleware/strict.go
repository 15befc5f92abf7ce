package middleware

import (
	"net/http"

	tokenGuard "github.com/MrEthical07/tokenGuard"
)

func RequireStrict(engine *tokenGuard.Engine) func(http.Handler) http.Handler {
	return Guard(engine, tokenGuard.ModeStrict)
}
