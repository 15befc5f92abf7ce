package session

import (
	"errors"
	"strconv"
	"time"
)

// Records are stored as Redis hashes so Lua scripts can read and CAS single
// fields. Timestamps are unix milliseconds; an empty string means "unset".
const recordFormatVersion = "1"

// ErrCorruptRecord is returned when a stored hash cannot be decoded.
var ErrCorruptRecord = errors.New("session: corrupt record")

// field names shared with the Lua scripts in store.go
const (
	fVersion = "v"

	fID        = "id"
	fUserID    = "uid"
	fSessionID = "sid"
	fDeviceID  = "did"

	fTokenHash   = "hash"
	fFamily      = "fam"
	fFingerprint = "fp"
	fIssuedAt    = "iat"
	fExpiresAt   = "exp"
	fUsedAt      = "used"
	fRevokedAt   = "rev"
	fReplacedBy  = "next"
	fLastIP      = "lip"
	fLastUA      = "lua"

	fIssuerIP     = "iip"
	fIssuerUA     = "iua"
	fRiskScore    = "score"
	fRiskLevel    = "level"
	fSuspicious   = "susp"
	fRiskDetails  = "details"
	fCreatedAt    = "cat"
	fLastActivity = "lat"
	fRevokeReason = "reason"

	fDeviceKeyHash = "dkh"
	fLastSeen      = "seen"
	fBlocked       = "blk"
)

func encodeToken(t *RefreshToken) map[string]any {
	return map[string]any{
		fVersion:     recordFormatVersion,
		fID:          t.ID,
		fUserID:      t.UserID,
		fSessionID:   t.SessionID,
		fDeviceID:    t.DeviceID,
		fTokenHash:   t.TokenHash,
		fFamily:      t.Family,
		fFingerprint: t.DeviceFingerprint,
		fIssuedAt:    encodeTime(t.IssuedAt),
		fExpiresAt:   encodeTime(t.ExpiresAt),
		fUsedAt:      encodeTimePtr(t.UsedAt),
		fRevokedAt:   encodeTimePtr(t.RevokedAt),
		fReplacedBy:  t.ReplacedByID,
		fLastIP:      t.LastIP,
		fLastUA:      t.LastUserAgent,
	}
}

func decodeToken(m map[string]string) (*RefreshToken, error) {
	if m[fVersion] != recordFormatVersion || m[fID] == "" {
		return nil, ErrCorruptRecord
	}
	t := &RefreshToken{
		ID:                m[fID],
		UserID:            m[fUserID],
		SessionID:         m[fSessionID],
		DeviceID:          m[fDeviceID],
		TokenHash:         m[fTokenHash],
		Family:            m[fFamily],
		DeviceFingerprint: m[fFingerprint],
		ReplacedByID:      m[fReplacedBy],
		LastIP:            m[fLastIP],
		LastUserAgent:     m[fLastUA],
	}
	var err error
	if t.IssuedAt, err = decodeTime(m[fIssuedAt]); err != nil {
		return nil, err
	}
	if t.ExpiresAt, err = decodeTime(m[fExpiresAt]); err != nil {
		return nil, err
	}
	if t.UsedAt, err = decodeTimePtr(m[fUsedAt]); err != nil {
		return nil, err
	}
	if t.RevokedAt, err = decodeTimePtr(m[fRevokedAt]); err != nil {
		return nil, err
	}
	return t, nil
}

func encodeSession(s *Session) map[string]any {
	level := s.RiskLevel
	if level == "" {
		level = RiskLow
	}
	return map[string]any{
		fVersion:      recordFormatVersion,
		fID:           s.ID,
		fUserID:       s.UserID,
		fDeviceID:     s.DeviceID,
		fFamily:       s.Family,
		fIssuerIP:     s.IssuerIP,
		fIssuerUA:     s.IssuerUserAgent,
		fLastIP:       s.LastIP,
		fLastUA:       s.LastUserAgent,
		fRiskScore:    strconv.Itoa(s.RiskScore),
		fRiskLevel:    string(level),
		fSuspicious:   encodeBool(s.IsSuspicious),
		fRiskDetails:  s.SuspiciousActivityDetails,
		fCreatedAt:    encodeTime(s.CreatedAt),
		fLastActivity: encodeTime(s.LastActivityAt),
		fExpiresAt:    encodeTime(s.ExpiresAt),
		fRevokedAt:    encodeTimePtr(s.RevokedAt),
		fRevokeReason: s.RevokeReason,
	}
}

func decodeSession(m map[string]string) (*Session, error) {
	if m[fVersion] != recordFormatVersion || m[fID] == "" {
		return nil, ErrCorruptRecord
	}
	score, err := strconv.Atoi(m[fRiskScore])
	if err != nil {
		return nil, ErrCorruptRecord
	}
	level := RiskLevel(m[fRiskLevel])
	if !level.Valid() {
		return nil, ErrCorruptRecord
	}
	s := &Session{
		ID:                        m[fID],
		UserID:                    m[fUserID],
		DeviceID:                  m[fDeviceID],
		Family:                    m[fFamily],
		IssuerIP:                  m[fIssuerIP],
		IssuerUserAgent:           m[fIssuerUA],
		LastIP:                    m[fLastIP],
		LastUserAgent:             m[fLastUA],
		RiskScore:                 score,
		RiskLevel:                 level,
		IsSuspicious:              m[fSuspicious] == "1",
		SuspiciousActivityDetails: m[fRiskDetails],
		RevokeReason:              m[fRevokeReason],
	}
	if s.CreatedAt, err = decodeTime(m[fCreatedAt]); err != nil {
		return nil, err
	}
	if s.LastActivityAt, err = decodeTime(m[fLastActivity]); err != nil {
		return nil, err
	}
	if s.ExpiresAt, err = decodeTime(m[fExpiresAt]); err != nil {
		return nil, err
	}
	if s.RevokedAt, err = decodeTimePtr(m[fRevokedAt]); err != nil {
		return nil, err
	}
	return s, nil
}

func decodeDevice(m map[string]string) (*Device, error) {
	if m[fVersion] != recordFormatVersion || m[fID] == "" {
		return nil, ErrCorruptRecord
	}
	d := &Device{
		ID:            m[fID],
		UserID:        m[fUserID],
		DeviceKeyHash: m[fDeviceKeyHash],
		IsBlocked:     m[fBlocked] == "1",
	}
	var err error
	if d.CreatedAt, err = decodeTime(m[fCreatedAt]); err != nil {
		return nil, err
	}
	if d.LastSeenAt, err = decodeTime(m[fLastSeen]); err != nil {
		return nil, err
	}
	return d, nil
}

func encodeTime(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func encodeTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return encodeTime(*t)
}

func decodeTime(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, ErrCorruptRecord
	}
	return time.UnixMilli(ms).UTC(), nil
}

func decodeTimePtr(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := decodeTime(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
