// Package postgres implements the token, session and device store on
// PostgreSQL through pgx. Rotation locks the presented token row with
// SELECT ... FOR UPDATE so concurrent refreshes of one token serialize in the
// database.
package postgres

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrEthical07/tokenGuard/session"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a TokenStore backed by PostgreSQL. Rows are never deleted by the
// refresh path; PurgeExpired removes them once they are past expiry plus the
// retention window.
type Store struct {
	db        DB
	retention time.Duration
}

// Open connects a pool to dsn and verifies it with a ping.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// NewStore returns a Store on db. A non-positive retention selects
// session.DefaultRetention.
func NewStore(db DB, retention time.Duration) *Store {
	if retention <= 0 {
		retention = session.DefaultRetention
	}
	return &Store{db: db, retention: retention}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", session.ErrBackendUnavailable, err)
}

const sessionColumns = `id, user_id, device_id, family, issuer_ip, issuer_user_agent,
	last_ip, last_user_agent, risk_score, risk_level, is_suspicious, suspicious_details,
	created_at, last_activity_at, expires_at, revoked_at, revoke_reason`

const tokenColumns = `id, user_id, session_id, device_id, token_hash, family,
	device_fingerprint, issued_at, expires_at, used_at, revoked_at, replaced_by_id,
	last_ip, last_user_agent`

const deviceColumns = `id, user_id, device_key_hash, created_at, last_seen_at, is_blocked`

func scanSession(row pgx.Row) (*session.Session, error) {
	var (
		s     session.Session
		level string
	)
	err := row.Scan(&s.ID, &s.UserID, &s.DeviceID, &s.Family, &s.IssuerIP, &s.IssuerUserAgent,
		&s.LastIP, &s.LastUserAgent, &s.RiskScore, &level, &s.IsSuspicious, &s.SuspiciousActivityDetails,
		&s.CreatedAt, &s.LastActivityAt, &s.ExpiresAt, &s.RevokedAt, &s.RevokeReason)
	if err != nil {
		return nil, err
	}
	s.RiskLevel = session.RiskLevel(level)
	return &s, nil
}

func scanToken(row pgx.Row) (*session.RefreshToken, error) {
	var t session.RefreshToken
	err := row.Scan(&t.ID, &t.UserID, &t.SessionID, &t.DeviceID, &t.TokenHash, &t.Family,
		&t.DeviceFingerprint, &t.IssuedAt, &t.ExpiresAt, &t.UsedAt, &t.RevokedAt, &t.ReplacedByID,
		&t.LastIP, &t.LastUserAgent)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanDevice(row pgx.Row) (*session.Device, error) {
	var d session.Device
	if err := row.Scan(&d.ID, &d.UserID, &d.DeviceKeyHash, &d.CreatedAt, &d.LastSeenAt, &d.IsBlocked); err != nil {
		return nil, err
	}
	return &d, nil
}

// notFoundOr maps pgx.ErrNoRows to session.ErrNotFound and every other
// failure to session.ErrBackendUnavailable.
func notFoundOr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return session.ErrNotFound
	}
	return unavailable(err)
}

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	_, err := s.db.Exec(ctx, `INSERT INTO tg_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		sess.ID, sess.UserID, sess.DeviceID, sess.Family, sess.IssuerIP, sess.IssuerUserAgent,
		sess.LastIP, sess.LastUserAgent, sess.RiskScore, string(sess.RiskLevel), sess.IsSuspicious,
		sess.SuspiciousActivityDetails, sess.CreatedAt, sess.LastActivityAt, sess.ExpiresAt,
		sess.RevokedAt, sess.RevokeReason)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	sess, err := scanSession(s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM tg_sessions WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err)
	}
	return sess, nil
}

// ListUserSessions returns every stored session of userID, revoked ones
// included, oldest first.
func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]*session.Session, error) {
	rows, err := s.db.Query(ctx, `SELECT `+sessionColumns+` FROM tg_sessions
		WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

// ResolveDevice returns the device bound to (userID, deviceKeyHash), creating
// it on first sight. The bool reports whether this call created it.
func (s *Store) ResolveDevice(ctx context.Context, userID, deviceKeyHash string, now time.Time) (*session.Device, bool, error) {
	var (
		d        session.Device
		inserted bool
	)
	row := s.db.QueryRow(ctx, `INSERT INTO tg_devices (id, user_id, device_key_hash, created_at, last_seen_at, is_blocked)
		VALUES ($1, $2, $3, $4, $4, FALSE)
		ON CONFLICT (user_id, device_key_hash) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
		RETURNING `+deviceColumns+`, (xmax = 0)`,
		uuid.NewString(), userID, deviceKeyHash, now)
	if err := row.Scan(&d.ID, &d.UserID, &d.DeviceKeyHash, &d.CreatedAt, &d.LastSeenAt, &d.IsBlocked, &inserted); err != nil {
		return nil, false, unavailable(err)
	}
	return &d, inserted, nil
}

func (s *Store) GetDevice(ctx context.Context, id string) (*session.Device, error) {
	dev, err := scanDevice(s.db.QueryRow(ctx, `SELECT `+deviceColumns+` FROM tg_devices WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err)
	}
	return dev, nil
}

func (s *Store) BlockDevice(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `UPDATE tg_devices SET is_blocked = TRUE WHERE id = $1`, id)
	if err != nil {
		return unavailable(err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

// InsertRefreshToken stores the first token of a family.
func (s *Store) InsertRefreshToken(ctx context.Context, t *session.RefreshToken) error {
	if err := insertToken(ctx, s.db, t); err != nil {
		return unavailable(err)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertToken(ctx context.Context, db execer, t *session.RefreshToken) error {
	_, err := db.Exec(ctx, `INSERT INTO tg_refresh_tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.UserID, t.SessionID, t.DeviceID, t.TokenHash, t.Family,
		t.DeviceFingerprint, t.IssuedAt, t.ExpiresAt, t.UsedAt, t.RevokedAt, t.ReplacedByID,
		t.LastIP, t.LastUserAgent)
	return err
}

func (s *Store) GetRefreshToken(ctx context.Context, id string) (*session.RefreshToken, error) {
	t, err := scanToken(s.db.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tg_refresh_tokens WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err)
	}
	return t, nil
}

// RotateRefreshToken retires the presented token and inserts its successor in
// one transaction. A retired presented token revokes its whole family instead,
// committed in the same transaction.
func (s *Store) RotateRefreshToken(ctx context.Context, r session.Rotation) (session.RotateStatus, error) {
	next := r.Successor
	if next == nil {
		return session.RotateNotFound, errors.New("postgres: rotation without successor")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return session.RotateNotFound, unavailable(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		hash      string
		usedAt    *time.Time
		revokedAt *time.Time
		expiresAt time.Time
		family    string
	)
	err = tx.QueryRow(ctx, `SELECT token_hash, used_at, revoked_at, expires_at, family
		FROM tg_refresh_tokens WHERE id = $1 FOR UPDATE`, r.PresentedID).
		Scan(&hash, &usedAt, &revokedAt, &expiresAt, &family)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.RotateNotFound, nil
	}
	if err != nil {
		return session.RotateNotFound, unavailable(err)
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(r.PresentedHash)) != 1 {
		return session.RotateHashMismatch, nil
	}

	// retired rows trigger the cascade before any expiry check
	if usedAt != nil || revokedAt != nil {
		if _, err = revokeFamily(ctx, tx, family, r.Now); err != nil {
			return session.RotateNotFound, unavailable(err)
		}
		if err = tx.Commit(ctx); err != nil {
			return session.RotateNotFound, unavailable(err)
		}
		return session.RotateReused, nil
	}
	if !r.Now.Before(expiresAt) {
		return session.RotateExpired, nil
	}

	var sessRevoked *time.Time
	err = tx.QueryRow(ctx, `SELECT revoked_at FROM tg_sessions WHERE id = $1 FOR UPDATE`, next.SessionID).
		Scan(&sessRevoked)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.RotateSessionRevoked, nil
	}
	if err != nil {
		return session.RotateNotFound, unavailable(err)
	}
	if sessRevoked != nil {
		return session.RotateSessionRevoked, nil
	}

	if _, err = tx.Exec(ctx, `UPDATE tg_refresh_tokens SET used_at = $2, replaced_by_id = $3 WHERE id = $1`,
		r.PresentedID, r.Now, next.ID); err != nil {
		return session.RotateNotFound, unavailable(err)
	}
	if err = insertToken(ctx, tx, next); err != nil {
		return session.RotateNotFound, unavailable(err)
	}
	if _, err = tx.Exec(ctx, `UPDATE tg_sessions SET
			last_ip = $2, last_user_agent = $3, last_activity_at = $4,
			risk_score = CASE WHEN $5 >= risk_score THEN $5 ELSE risk_score END,
			risk_level = CASE WHEN $5 >= risk_score THEN $6 ELSE risk_level END,
			is_suspicious = CASE WHEN $5 >= risk_score THEN $7 ELSE is_suspicious END,
			suspicious_details = CASE WHEN $5 >= risk_score THEN $8 ELSE suspicious_details END
		WHERE id = $1`,
		next.SessionID, r.ClientIP, r.UserAgent, r.Now,
		r.Risk.Score, string(r.Risk.Level), r.Risk.IsSuspicious, r.Risk.Details); err != nil {
		return session.RotateNotFound, unavailable(err)
	}
	if _, err = tx.Exec(ctx, `UPDATE tg_devices SET last_seen_at = $2 WHERE id = $1`, next.DeviceID, r.Now); err != nil {
		return session.RotateNotFound, unavailable(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return session.RotateNotFound, unavailable(err)
	}
	return session.RotateOK, nil
}

// UpdateSessionRisk writes u unless the stored score is already higher.
func (s *Store) UpdateSessionRisk(ctx context.Context, id string, u session.RiskUpdate) error {
	var exists bool
	err := s.db.QueryRow(ctx, `WITH upd AS (
			UPDATE tg_sessions SET risk_score = $2, risk_level = $3, is_suspicious = $4, suspicious_details = $5
			WHERE id = $1 AND risk_score <= $2
			RETURNING id
		)
		SELECT EXISTS (SELECT 1 FROM upd) OR EXISTS (SELECT 1 FROM tg_sessions WHERE id = $1)`,
		id, u.Score, string(u.Level), u.IsSuspicious, u.Details).Scan(&exists)
	if err != nil {
		return unavailable(err)
	}
	if !exists {
		return session.ErrNotFound
	}
	return nil
}

// RevokeFamily revokes every member of family that is not revoked yet and
// returns how many rows changed. Revoking an unknown family is a no-op.
func (s *Store) RevokeFamily(ctx context.Context, family string, now time.Time) (int, error) {
	n, err := revokeFamily(ctx, s.db, family, now)
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func revokeFamily(ctx context.Context, db execer, family string, now time.Time) (int, error) {
	tag, err := db.Exec(ctx, `UPDATE tg_refresh_tokens SET revoked_at = $2
		WHERE family = $1 AND revoked_at IS NULL`, family, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// RevokeSession reports whether this call moved the session to revoked. An
// already revoked session keeps its original timestamp and reason.
func (s *Store) RevokeSession(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `UPDATE tg_sessions SET revoked_at = $2, revoke_reason = $3
		WHERE id = $1 AND revoked_at IS NULL`, id, now, reason)
	if err != nil {
		return false, unavailable(err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tg_sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, unavailable(err)
	}
	if !exists {
		return false, session.ErrNotFound
	}
	return false, nil
}

// PurgeExpired deletes sessions and tokens whose expiry plus the retention
// window lies before now. Tokens go with their session.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.retention)
	tag, err := s.db.Exec(ctx, `DELETE FROM tg_refresh_tokens WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, unavailable(err)
	}
	n := tag.RowsAffected()
	tag, err = s.db.Exec(ctx, `DELETE FROM tg_sessions WHERE expires_at < $1`, cutoff)
	if err != nil {
		return n, unavailable(err)
	}
	return n + tag.RowsAffected(), nil
}
