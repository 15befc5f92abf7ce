package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	tokenGuard "github.com/MrEthical07/tokenGuard"
	"github.com/MrEthical07/tokenGuard/middleware"
	"github.com/MrEthical07/tokenGuard/pow"
)

const maxBodyBytes = 16 << 10

type server struct {
	engine     *tokenGuard.Engine
	logger     *slog.Logger
	metrics    http.Handler
	challenges *pow.Service
}

func (s *server) routes(clientOpts middleware.ClientOptions) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/login", s.handleLogin)
	mux.HandleFunc("POST /v1/refresh", s.handleRefresh)
	mux.HandleFunc("POST /v1/logout", s.handleLogout)
	mux.HandleFunc("POST /v1/setup/complete", s.handleCompleteSetup)
	mux.HandleFunc("POST /v1/setup/inspect", s.handleInspectSetup)
	if s.challenges != nil {
		mux.HandleFunc("POST /v1/pow/challenge", s.handleChallenge)
	}

	strict := middleware.RequireStrict(s.engine)
	mux.Handle("GET /v1/sessions", strict(http.HandlerFunc(s.handleListSessions)))
	mux.Handle("DELETE /v1/sessions/{id}", strict(http.HandlerFunc(s.handleRevokeSession)))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return middleware.ClientContext(clientOpts)(mux)
}

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type loginResponse struct {
	*tokenPairResponse
	UserID              string    `json:"user_id,omitempty"`
	NextStep            string    `json:"next_step,omitempty"`
	SetupFlowToken      string    `json:"setup_flow_token,omitempty"`
	SetupFlowExpiresAt  time.Time `json:"setup_flow_expires_at,omitzero"`
	MaskedRecoveryEmail string    `json:"masked_recovery_email,omitempty"`
}

type sessionResponse struct {
	SessionID      string    `json:"session_id"`
	DeviceID       string    `json:"device_id"`
	IssuerIP       string    `json:"issuer_ip"`
	LastIP         string    `json:"last_ip"`
	LastUserAgent  string    `json:"last_user_agent"`
	RiskScore      int       `json:"risk_score"`
	RiskLevel      string    `json:"risk_level"`
	IsSuspicious   bool      `json:"is_suspicious"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Current        bool      `json:"current"`
}

func (s *server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	c, err := s.challenges.Issue(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identifier     string `json:"identifier"`
		Password       string `json:"password"`
		DeviceKey      string `json:"device_key"`
		PoWChallengeID string `json:"pow_challenge_id"`
		PoWNonce       string `json:"pow_nonce"`
	}
	if !decode(w, r, &body) {
		return
	}

	res, err := s.engine.Login(r.Context(), tokenGuard.LoginRequest{
		Identifier:     body.Identifier,
		Password:       body.Password,
		DeviceKey:      body.DeviceKey,
		ClientIP:       tokenGuard.ClientIPFromContext(r.Context()),
		UserAgent:      tokenGuard.UserAgentFromContext(r.Context()),
		PoWChallengeID: body.PoWChallengeID,
		PoWNonce:       body.PoWNonce,
	})
	s.writeLoginResult(w, r, res, err)
}

func (s *server) handleCompleteSetup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SetupFlowToken   string `json:"setup_flow_token"`
		DeviceKey        string `json:"device_key"`
		SecondFactorCode string `json:"second_factor_code"`
	}
	if !decode(w, r, &body) {
		return
	}

	res, err := s.engine.CompleteSetup(r.Context(), tokenGuard.CompleteSetupRequest{
		SetupFlowToken:   body.SetupFlowToken,
		DeviceKey:        body.DeviceKey,
		ClientIP:         tokenGuard.ClientIPFromContext(r.Context()),
		UserAgent:        tokenGuard.UserAgentFromContext(r.Context()),
		SecondFactorCode: body.SecondFactorCode,
	})
	s.writeLoginResult(w, r, res, err)
}

func (s *server) writeLoginResult(w http.ResponseWriter, r *http.Request, res tokenGuard.LoginResult, err error) {
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if res.ErrorCode != tokenGuard.CodeNone {
		if res.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds))
		}
		middleware.WriteError(w, statusFor(res.ErrorCode), res.ErrorCode)
		return
	}

	out := loginResponse{UserID: res.UserID}
	if res.Success {
		out.tokenPairResponse = &tokenPairResponse{
			AccessToken:      res.AccessToken,
			RefreshToken:     res.RefreshToken,
			AccessExpiresAt:  res.AccessExpiresAt,
			RefreshExpiresAt: res.RefreshExpiresAt,
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	out.NextStep = string(res.NextStep)
	out.SetupFlowToken = res.SetupFlowToken
	out.SetupFlowExpiresAt = res.SetupFlowExpiresAt
	out.MaskedRecoveryEmail = res.MaskedRecoveryEmail
	writeJSON(w, http.StatusAccepted, out)
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
		DeviceKey    string `json:"device_key"`
	}
	if !decode(w, r, &body) {
		return
	}

	res, err := s.engine.Refresh(r.Context(), tokenGuard.RefreshRequest{
		RefreshToken: body.RefreshToken,
		DeviceKey:    body.DeviceKey,
		ClientIP:     tokenGuard.ClientIPFromContext(r.Context()),
		UserAgent:    tokenGuard.UserAgentFromContext(r.Context()),
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if !res.Success {
		middleware.WriteError(w, statusFor(res.ErrorCode), res.ErrorCode)
		return
	}
	writeJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:      res.AccessToken,
		RefreshToken:     res.RefreshToken,
		AccessExpiresAt:  res.AccessExpiresAt,
		RefreshExpiresAt: res.RefreshExpiresAt,
	})
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decode(w, r, &body) {
		return
	}
	if _, err := s.engine.Logout(r.Context(), body.RefreshToken); err != nil {
		s.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleInspectSetup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SetupFlowToken string `json:"setup_flow_token"`
	}
	if !decode(w, r, &body) {
		return
	}
	info, err := s.engine.InspectSetupFlow(r.Context(), body.SetupFlowToken)
	if errors.Is(err, tokenGuard.ErrSetupFlowNotFound) {
		middleware.WriteError(w, http.StatusNotFound, tokenGuard.CodeSetupFlowInvalid)
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    info.UserID,
		"next_step":  string(info.NextStep),
		"expires_at": info.ExpiresAt,
	})
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	access, _ := middleware.AccessResultFromContext(r.Context())
	sessions, err := s.engine.ListSessions(r.Context(), access.UserID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionResponse{
			SessionID:      sess.SessionID,
			DeviceID:       sess.DeviceID,
			IssuerIP:       sess.IssuerIP,
			LastIP:         sess.LastIP,
			LastUserAgent:  sess.LastUserAgent,
			RiskScore:      sess.RiskScore,
			RiskLevel:      string(sess.RiskLevel),
			IsSuspicious:   sess.IsSuspicious,
			CreatedAt:      sess.CreatedAt,
			LastActivityAt: sess.LastActivityAt,
			ExpiresAt:      sess.ExpiresAt,
			Current:        sess.SessionID == access.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// handleRevokeSession lets a user end one of their own sessions.
func (s *server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	access, _ := middleware.AccessResultFromContext(r.Context())
	id := r.PathValue("id")

	sessions, err := s.engine.ListSessions(r.Context(), access.UserID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	owned := false
	for _, sess := range sessions {
		if sess.SessionID == id {
			owned = true
			break
		}
	}
	if !owned {
		middleware.WriteError(w, http.StatusNotFound, tokenGuard.CodeSessionInvalid)
		return
	}

	err = s.engine.RevokeSession(r.Context(), id, "user")
	if err != nil && !errors.Is(err, tokenGuard.ErrSessionNotFound) {
		s.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.ErrorContext(r.Context(), "request failed",
		"path", r.URL.Path,
		"request_id", tokenGuard.RequestIDFromContext(r.Context()),
		"error", err,
	)
	http.Error(w, "service unavailable", http.StatusServiceUnavailable)
}

func statusFor(code tokenGuard.ErrorCode) int {
	switch code {
	case tokenGuard.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case tokenGuard.CodePoWMissing, tokenGuard.CodePoWFailed:
		return http.StatusBadRequest
	case tokenGuard.CodeUserBlocked, tokenGuard.CodePasswordNotSet, tokenGuard.CodeDeviceUnauthorized:
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
