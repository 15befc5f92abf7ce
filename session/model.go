package session

import "time"

// RiskLevel is the coarse classification derived from a session's cumulative
// risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Valid reports whether l is one of the four known levels.
func (l RiskLevel) Valid() bool {
	switch l {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Device is a client installation bound to a user by a caller-supplied stable
// key. Only the keyed hash of that key is stored.
type Device struct {
	ID            string
	UserID        string
	DeviceKeyHash string
	CreatedAt     time.Time
	LastSeenAt    time.Time
	IsBlocked     bool
}

// Session is created at login and mutated by each refresh. It is terminal once
// RevokedAt is set.
type Session struct {
	ID              string
	UserID          string
	DeviceID        string
	Family          string
	IssuerIP        string
	IssuerUserAgent string
	LastIP          string
	LastUserAgent   string

	RiskScore                 int
	RiskLevel                 RiskLevel
	IsSuspicious              bool
	SuspiciousActivityDetails string

	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
	RevokedAt      *time.Time
	RevokeReason   string
}

func (s *Session) IsRevoked() bool {
	return s.RevokedAt != nil
}

// IsActive reports whether the session may still back a rotation at now.
func (s *Session) IsActive(now time.Time) bool {
	return !s.IsRevoked() && now.Before(s.ExpiresAt)
}

// RefreshToken is one link of a rotation chain. Rows never move; ReplacedByID
// points forward to the successor issued when this token was used.
type RefreshToken struct {
	ID                string
	UserID            string
	SessionID         string
	DeviceID          string
	TokenHash         string
	Family            string
	DeviceFingerprint string
	IssuedAt          time.Time
	ExpiresAt         time.Time
	UsedAt            *time.Time
	RevokedAt         *time.Time
	ReplacedByID      string
	LastIP            string
	LastUserAgent     string
}

func (t *RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

func (t *RefreshToken) IsUsed() bool {
	return t.UsedAt != nil
}

// IsRetired reports whether the token already left the Live state through use
// or revocation. Presenting a retired token is treated as theft.
func (t *RefreshToken) IsRetired() bool {
	return t.IsUsed() || t.IsRevoked()
}

func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsLive reports whether t is unused, unrevoked and unexpired at now.
func (t *RefreshToken) IsLive(now time.Time) bool {
	return !t.IsRetired() && !t.IsExpired(now)
}

// RiskUpdate is the post-assessment risk state written back to a session.
type RiskUpdate struct {
	Score        int
	Level        RiskLevel
	IsSuspicious bool
	Details      string
}

// Rotation describes one atomic refresh: retire Presented, insert Successor,
// and advance the owning session.
type Rotation struct {
	PresentedID   string
	PresentedHash string
	Now           time.Time
	Successor     *RefreshToken
	ClientIP      string
	UserAgent     string
	Risk          RiskUpdate
}

// RotateStatus is the outcome of an atomic rotation attempt.
type RotateStatus int

const (
	RotateOK RotateStatus = iota
	// RotateNotFound means no token row exists for the presented id.
	RotateNotFound
	// RotateHashMismatch means the presented secret does not match the row.
	RotateHashMismatch
	// RotateReused means the row was already used or revoked. The store has
	// revoked the whole family as part of the same atomic step.
	RotateReused
	// RotateExpired means the row is live but past its expiry.
	RotateExpired
	// RotateSessionRevoked means the owning session was revoked after the
	// caller's read; nothing was mutated.
	RotateSessionRevoked
)

func (s RotateStatus) String() string {
	switch s {
	case RotateOK:
		return "rotated"
	case RotateNotFound:
		return "not_found"
	case RotateHashMismatch:
		return "hash_mismatch"
	case RotateReused:
		return "reused"
	case RotateExpired:
		return "expired"
	case RotateSessionRevoked:
		return "session_revoked"
	default:
		return "unknown"
	}
}
