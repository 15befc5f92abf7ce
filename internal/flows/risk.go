package flows

import (
	"strings"
	"time"

	"github.com/MrEthical07/tokenGuard/session"
)

const (
	maxRiskDetails   = 512
	riskDetailsSplit = "; "
)

// RiskPolicy scores client drift on refresh. High may be zero, in which case
// it sits halfway between Suspicious and Critical.
type RiskPolicy struct {
	IPChangeScore        int
	UserAgentChangeScore int
	Suspicious           int
	High                 int
	Critical             int
}

func (p RiskPolicy) HighThreshold() int {
	if p.High > 0 {
		return p.High
	}
	return p.Suspicious + (p.Critical-p.Suspicious)/2
}

// Level maps a cumulative score to its risk level.
func (p RiskPolicy) Level(score int) session.RiskLevel {
	switch {
	case score < p.Suspicious:
		return session.RiskLow
	case score < p.HighThreshold():
		return session.RiskMedium
	case score < p.Critical:
		return session.RiskHigh
	default:
		return session.RiskCritical
	}
}

// RiskAssessment is the result of scoring one refresh against its session.
type RiskAssessment struct {
	Update      session.RiskUpdate
	Delta       int
	IPChanged   bool
	UAChanged   bool
	Previous    session.RiskLevel
	Escalated   bool
	NowCritical bool
}

// AssessRisk compares the request's IP and User-Agent with the session's last
// recorded values. The score only grows; an empty value on either side is not
// treated as drift.
func AssessRisk(p RiskPolicy, sess *session.Session, clientIP, userAgent string, now time.Time) RiskAssessment {
	a := RiskAssessment{Previous: sess.RiskLevel}

	var drift []string
	if changed(sess.LastIP, clientIP) {
		a.IPChanged = true
		a.Delta += p.IPChangeScore
		drift = append(drift, "ip "+sess.LastIP+" -> "+clientIP)
	}
	if changed(sess.LastUserAgent, userAgent) {
		a.UAChanged = true
		a.Delta += p.UserAgentChangeScore
		drift = append(drift, "user-agent changed")
	}

	score := sess.RiskScore + a.Delta
	level := p.Level(score)
	a.Update = session.RiskUpdate{
		Score:        score,
		Level:        level,
		IsSuspicious: sess.IsSuspicious || score >= p.Suspicious,
		Details:      sess.SuspiciousActivityDetails,
	}
	if len(drift) > 0 {
		entry := now.UTC().Format(time.RFC3339) + " " + strings.Join(drift, ", ")
		a.Update.Details = appendDetails(sess.SuspiciousActivityDetails, entry)
	}
	a.Escalated = rank(level) > rank(sess.RiskLevel)
	a.NowCritical = level == session.RiskCritical
	return a
}

func changed(last, current string) bool {
	return last != "" && current != "" && last != current
}

// appendDetails keeps the newest entries when the log outgrows its cap.
func appendDetails(existing, entry string) string {
	out := entry
	if existing != "" {
		out = existing + riskDetailsSplit + entry
	}
	for len(out) > maxRiskDetails {
		_, rest, ok := strings.Cut(out, riskDetailsSplit)
		if !ok {
			return out[len(out)-maxRiskDetails:]
		}
		out = rest
	}
	return out
}

func rank(l session.RiskLevel) int {
	switch l {
	case session.RiskMedium:
		return 1
	case session.RiskHigh:
		return 2
	case session.RiskCritical:
		return 3
	default:
		return 0
	}
}
