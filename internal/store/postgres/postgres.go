// Package postgres implements storage on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-authz/internal/crypto"
	"github.com/tendant/simple-authz/internal/store"
)

// Compile-time interface assertions.
var (
	_ store.Store             = (*Store)(nil)
	_ store.UserRepository    = (*UserRepo)(nil)
	_ store.ClientRepository  = (*ClientRepo)(nil)
	_ store.RequestRepository = (*RequestRepo)(nil)
	_ crypto.KeyRepository    = (*KeyRepo)(nil)
)

// Store implements store.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool

	users    *UserRepo
	clients  *ClientRepo
	requests *RequestRepo
	keys     *KeyRepo
}

// Connect opens a pool for databaseURL, checks it and applies the schema.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := NewStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing pool. The schema must already exist.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:     pool,
		users:    &UserRepo{db: pool},
		clients:  &ClientRepo{db: pool},
		requests: &RequestRepo{db: pool},
		keys:     &KeyRepo{db: pool},
	}
}

func (s *Store) Users() store.UserRepository       { return s.users }
func (s *Store) Clients() store.ClientRepository   { return s.clients }
func (s *Store) Requests() store.RequestRepository { return s.requests }
func (s *Store) SigningKeys() crypto.KeyRepository { return s.keys }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		scope        TEXT NOT NULL,
		redirect_uri TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id             TEXT PRIMARY KEY,
		email          TEXT NOT NULL UNIQUE,
		email_verified BOOLEAN NOT NULL DEFAULT FALSE,
		password_hash  TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		jti     TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		aud     TEXT NOT NULL,
		exp     BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS refresh_tokens_user_id_idx ON refresh_tokens (user_id)`,
	`CREATE TABLE IF NOT EXISTS authorization_requests (
		id                    TEXT PRIMARY KEY,
		client_id             TEXT NOT NULL,
		redirect_uri          TEXT NOT NULL,
		response_type         TEXT NOT NULL,
		state                 TEXT NOT NULL DEFAULT '',
		code_challenge        TEXT NOT NULL,
		code_challenge_method TEXT NOT NULL,
		scope                 TEXT NOT NULL,
		intent                TEXT NOT NULL DEFAULT '',
		resolution            TEXT NOT NULL,
		code                  TEXT UNIQUE,
		code_sub              TEXT,
		code_issued           BIGINT,
		code_expires          BIGINT,
		code_exchange         BIGINT,
		created_at            TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS signing_keys (
		kid             TEXT PRIMARY KEY,
		alg             TEXT NOT NULL,
		private_key_pem BYTEA NOT NULL,
		public_key_pem  BYTEA NOT NULL,
		active          BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL,
		expires_at      TIMESTAMPTZ
	)`,
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
