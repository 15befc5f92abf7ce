package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	tokenGuard "github.com/MrEthical07/tokenGuard"
)

// RequestIDHeader is read from requests and echoed on responses.
const RequestIDHeader = "X-Request-ID"

// ClientOptions controls how ClientContext derives the caller's address.
type ClientOptions struct {
	// TrustForwardedFor takes the left-most X-Forwarded-For entry. Enable
	// only behind a proxy that overwrites the header.
	TrustForwardedFor bool
}

// ClientContext stores the client IP, User-Agent and a request id in the
// request context. An incoming X-Request-ID is kept; otherwise a UUID is
// generated.
func ClientContext(opts ClientOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
			if requestID == "" || len(requestID) > 128 {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			ctx := tokenGuard.WithRequestID(r.Context(), requestID)
			ctx = tokenGuard.WithClientIP(ctx, ClientIP(r, opts.TrustForwardedFor))
			ctx = tokenGuard.WithUserAgent(ctx, r.UserAgent())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIP returns the request's remote address without port, or the first
// X-Forwarded-For entry when trustForwarded is set and the header is present.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
