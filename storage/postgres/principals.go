package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	tokenGuard "github.com/MrEthical07/tokenGuard"
	"github.com/MrEthical07/tokenGuard/totp"
)

// PrincipalStore reads principals from tg_principals and TOTP secrets from
// tg_second_factor_secrets. The engine only reads; the Put methods exist for
// provisioning tools.
type PrincipalStore struct {
	db DB
}

func NewPrincipalStore(db DB) *PrincipalStore {
	return &PrincipalStore{db: db}
}

const principalColumns = `id, identifier_hash, password_hash, blocked, requires_password_change,
	recovery_email, second_factor_enabled, requires_second_factor, second_factor_pending`

func scanPrincipal(row pgx.Row) (*tokenGuard.Principal, error) {
	var p tokenGuard.Principal
	err := row.Scan(&p.ID, &p.IdentifierHash, &p.PasswordHash, &p.Blocked, &p.RequiresPasswordChange,
		&p.RecoveryEmail, &p.SecondFactorEnabled, &p.RequiresSecondFactor, &p.SecondFactorPending)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tokenGuard.ErrPrincipalNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return &p, nil
}

func (s *PrincipalStore) FindByIdentifierHash(ctx context.Context, identifierHash string) (*tokenGuard.Principal, error) {
	return scanPrincipal(s.db.QueryRow(ctx, `SELECT `+principalColumns+` FROM tg_principals WHERE identifier_hash = $1`, identifierHash))
}

func (s *PrincipalStore) FindByID(ctx context.Context, id string) (*tokenGuard.Principal, error) {
	return scanPrincipal(s.db.QueryRow(ctx, `SELECT `+principalColumns+` FROM tg_principals WHERE id = $1`, id))
}

// Upsert inserts p or replaces the row with the same id.
func (s *PrincipalStore) Upsert(ctx context.Context, p *tokenGuard.Principal) error {
	_, err := s.db.Exec(ctx, `INSERT INTO tg_principals (`+principalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			identifier_hash = EXCLUDED.identifier_hash,
			password_hash = EXCLUDED.password_hash,
			blocked = EXCLUDED.blocked,
			requires_password_change = EXCLUDED.requires_password_change,
			recovery_email = EXCLUDED.recovery_email,
			second_factor_enabled = EXCLUDED.second_factor_enabled,
			requires_second_factor = EXCLUDED.requires_second_factor,
			second_factor_pending = EXCLUDED.second_factor_pending,
			updated_at = now()`,
		p.ID, p.IdentifierHash, p.PasswordHash, p.Blocked, p.RequiresPasswordChange,
		p.RecoveryEmail, p.SecondFactorEnabled, p.RequiresSecondFactor, p.SecondFactorPending)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// SecondFactorSecret implements totp.SecretSource.
func (s *PrincipalStore) SecondFactorSecret(ctx context.Context, userID string) ([]byte, error) {
	var secret []byte
	err := s.db.QueryRow(ctx, `SELECT secret FROM tg_second_factor_secrets WHERE user_id = $1`, userID).Scan(&secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, totp.ErrNoSecret
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return secret, nil
}

// PutSecondFactorSecret enrolls or replaces the raw TOTP secret for userID.
func (s *PrincipalStore) PutSecondFactorSecret(ctx context.Context, userID string, secret []byte) error {
	_, err := s.db.Exec(ctx, `INSERT INTO tg_second_factor_secrets (user_id, secret) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET secret = EXCLUDED.secret, updated_at = now()`, userID, secret)
	if err != nil {
		return unavailable(err)
	}
	return nil
}
