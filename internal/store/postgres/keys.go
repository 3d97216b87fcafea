package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-authz/internal/crypto"
	idperrors "github.com/tendant/simple-authz/internal/errors"
)

// KeyRepo implements crypto.KeyRepository. Keys are stored as PEM and
// restored by the key service on first use.
type KeyRepo struct {
	db *pgxpool.Pool
}

const selectKeySQL = `SELECT kid, alg, private_key_pem, public_key_pem, active, created_at, expires_at FROM signing_keys`

func (r *KeyRepo) GetByID(ctx context.Context, kid string) (*crypto.KeyPair, error) {
	kp, err := r.queryOne(ctx, selectKeySQL+` WHERE kid = $1`, kid)
	if isNoRows(err) {
		return nil, idperrors.NotFound("signing key", kid)
	}
	return kp, err
}

func (r *KeyRepo) GetActive(ctx context.Context) (*crypto.KeyPair, error) {
	kp, err := r.queryOne(ctx, selectKeySQL+` WHERE active LIMIT 1`)
	if isNoRows(err) {
		return nil, idperrors.NotFound("active signing key", "")
	}
	return kp, err
}

func (r *KeyRepo) queryOne(ctx context.Context, query string, args ...any) (*crypto.KeyPair, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get signing key: %w", err)
	}
	kp, err := pgx.CollectExactlyOneRow(rows, scanKey)
	if err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("get signing key: %w", err)
	}
	return kp, nil
}

func (r *KeyRepo) GetAll(ctx context.Context) ([]*crypto.KeyPair, error) {
	rows, err := r.db.Query(ctx, selectKeySQL+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, scanKey)
	if err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}
	return keys, nil
}

func (r *KeyRepo) Save(ctx context.Context, kp *crypto.KeyPair) error {
	var expiresAt *time.Time
	if !kp.ExpiresAt.IsZero() {
		expiresAt = &kp.ExpiresAt
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO signing_keys (kid, alg, private_key_pem, public_key_pem, active, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (kid) DO UPDATE SET
			alg = EXCLUDED.alg,
			private_key_pem = EXCLUDED.private_key_pem,
			public_key_pem = EXCLUDED.public_key_pem,
			active = EXCLUDED.active,
			expires_at = EXCLUDED.expires_at`,
		kp.Kid, kp.Alg, kp.PrivateKeyPEM, kp.PublicKeyPEM, kp.Active, kp.CreatedAt, expiresAt)
	if err != nil {
		return fmt.Errorf("save signing key: %w", err)
	}
	return nil
}

// SetActive flips the active flag in one statement.
func (r *KeyRepo) SetActive(ctx context.Context, kid string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE signing_keys SET active = (kid = $1)
		WHERE EXISTS (SELECT 1 FROM signing_keys WHERE kid = $1)`, kid)
	if err != nil {
		return fmt.Errorf("activate signing key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return idperrors.NotFound("signing key", kid)
	}
	return nil
}

func (r *KeyRepo) Delete(ctx context.Context, kid string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM signing_keys WHERE kid = $1`, kid)
	if err != nil {
		return fmt.Errorf("delete signing key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return idperrors.NotFound("signing key", kid)
	}
	return nil
}

func scanKey(row pgx.CollectableRow) (*crypto.KeyPair, error) {
	var (
		kp        crypto.KeyPair
		expiresAt *time.Time
	)
	if err := row.Scan(&kp.Kid, &kp.Alg, &kp.PrivateKeyPEM, &kp.PublicKeyPEM, &kp.Active, &kp.CreatedAt, &expiresAt); err != nil {
		return nil, err
	}
	if expiresAt != nil {
		kp.ExpiresAt = *expiresAt
	}
	return &kp, nil
}
