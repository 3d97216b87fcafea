package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-authz/internal/domain"
	idperrors "github.com/tendant/simple-authz/internal/errors"
)

// UserRepo implements store.UserRepository. Refresh token records live in
// their own table keyed by jti.
type UserRepo struct {
	db *pgxpool.Pool
}

const insertUserSQL = `INSERT INTO users (id, email, email_verified, password_hash, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)`

func (r *UserRepo) Create(ctx context.Context, user *domain.User) error {
	now := time.Now().UTC()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, insertUserSQL, user.ID, user.Email, user.EmailVerified, user.PasswordHash, now); err != nil {
		if isUniqueViolation(err) {
			return idperrors.AlreadyExists("user", user.ID)
		}
		return fmt.Errorf("create user: %w", err)
	}
	if err := insertRefreshTokens(ctx, tx, user.ID, user.RefreshTokens); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

const selectUserSQL = `SELECT id, email, email_verified, password_hash, created_at, updated_at FROM users`

func (r *UserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	user, err := r.getOne(ctx, selectUserSQL+` WHERE id = $1`, id)
	if isNoRows(err) {
		return nil, idperrors.NotFound("user", id)
	}
	return user, err
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	user, err := r.getOne(ctx, selectUserSQL+` WHERE email = $1`, email)
	if isNoRows(err) {
		return nil, idperrors.NotFound("user with email", email)
	}
	return user, err
}

func (r *UserRepo) getOne(ctx context.Context, query string, arg string) (*domain.User, error) {
	var u domain.User
	err := r.db.QueryRow(ctx, query, arg).Scan(&u.ID, &u.Email, &u.EmailVerified, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	rows, err := r.db.Query(ctx, `SELECT jti, aud, exp FROM refresh_tokens WHERE user_id = $1 ORDER BY exp`, u.ID)
	if err != nil {
		return nil, fmt.Errorf("get refresh tokens: %w", err)
	}
	u.RefreshTokens, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.RefreshTokenRecord, error) {
		var rec domain.RefreshTokenRecord
		err := row.Scan(&rec.JTI, &rec.Aud, &rec.Exp)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan refresh tokens: %w", err)
	}
	return &u, nil
}

// Update overwrites the user row and replaces its refresh token records.
func (r *UserRepo) Update(ctx context.Context, user *domain.User) error {
	now := time.Now().UTC()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE users SET email = $2, email_verified = $3, password_hash = $4, updated_at = $5 WHERE id = $1`,
		user.ID, user.Email, user.EmailVerified, user.PasswordHash, now)
	if err != nil {
		if isUniqueViolation(err) {
			return idperrors.AlreadyExists("user with email", user.Email)
		}
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return idperrors.NotFound("user", user.ID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, user.ID); err != nil {
		return fmt.Errorf("clear refresh tokens: %w", err)
	}
	if err := insertRefreshTokens(ctx, tx, user.ID, user.RefreshTokens); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	user.UpdatedAt = now
	return nil
}

// RotateRefreshTokens runs in one transaction holding the user row lock, so
// concurrent rotations of the same user are serialized.
func (r *UserRepo) RotateRefreshTokens(ctx context.Context, userID, spentJTI string, issued *domain.RefreshTokenRecord, now int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked string
	if err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&locked); err != nil {
		if isNoRows(err) {
			return idperrors.NotFound("user", userID)
		}
		return fmt.Errorf("lock user: %w", err)
	}

	if spentJTI != "" {
		tag, err := tx.Exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1 AND jti = $2 AND exp > $3`, userID, spentJTI, now)
		if err != nil {
			return fmt.Errorf("delete spent refresh token: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return idperrors.InvalidToken("refresh token is not found on user")
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1 AND exp <= $2`, userID, now); err != nil {
		return fmt.Errorf("delete expired refresh tokens: %w", err)
	}

	if issued != nil {
		if err := insertRefreshTokens(ctx, tx, userID, []domain.RefreshTokenRecord{*issued}); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET updated_at = $2 WHERE id = $1`, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("touch user: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertRefreshTokens(ctx context.Context, tx pgx.Tx, userID string, records []domain.RefreshTokenRecord) error {
	for _, rec := range records {
		if _, err := tx.Exec(ctx,
			`INSERT INTO refresh_tokens (jti, user_id, aud, exp) VALUES ($1, $2, $3, $4)`,
			rec.JTI, userID, rec.Aud, rec.Exp); err != nil {
			return fmt.Errorf("insert refresh token: %w", err)
		}
	}
	return nil
}
