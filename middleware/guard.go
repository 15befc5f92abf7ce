package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	tokenGuard "github.com/MrEthical07/tokenGuard"
)

type accessResultContextKey struct{}

// AccessResultFromContext returns the result stored by a guard.
func AccessResultFromContext(ctx context.Context) (tokenGuard.AccessResult, bool) {
	res, ok := ctx.Value(accessResultContextKey{}).(tokenGuard.AccessResult)
	return res, ok
}

func Guard(engine *tokenGuard.Engine, mode tokenGuard.ValidationMode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				WriteError(w, http.StatusUnauthorized, tokenGuard.CodeUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				WriteError(w, http.StatusUnauthorized, tokenGuard.CodeUnauthorized)
				return
			}

			res, err := engine.ValidateAccess(r.Context(), token, mode)
			if err != nil {
				http.Error(w, "internal error", http.StatusServiceUnavailable)
				return
			}
			if !res.Valid {
				WriteError(w, http.StatusUnauthorized, res.ErrorCode)
				return
			}

			ctx := context.WithValue(r.Context(), accessResultContextKey{}, res)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WriteError writes {"error": code} with status.
func WriteError(w http.ResponseWriter, status int, code tokenGuard.ErrorCode) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": string(code)})
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}
