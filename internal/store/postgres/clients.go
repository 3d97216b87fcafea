package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-authz/internal/domain"
	idperrors "github.com/tendant/simple-authz/internal/errors"
	"github.com/tendant/simple-authz/internal/scope"
)

// ClientRepo implements store.ClientRepository.
type ClientRepo struct {
	db *pgxpool.Pool
}

func (r *ClientRepo) Create(ctx context.Context, client *domain.Client) error {
	now := time.Now().UTC()
	_, err := r.db.Exec(ctx,
		`INSERT INTO clients (id, name, scope, redirect_uri, created_at) VALUES ($1, $2, $3, $4, $5)`,
		client.ID, client.Name, client.Scope.String(), client.RedirectURI, now)
	if err != nil {
		if isUniqueViolation(err) {
			return idperrors.AlreadyExists("client", client.ID)
		}
		return fmt.Errorf("create client: %w", err)
	}
	client.CreatedAt = now
	return nil
}

const selectClientSQL = `SELECT id, name, scope, redirect_uri, created_at FROM clients`

func (r *ClientRepo) GetByID(ctx context.Context, id string) (*domain.Client, error) {
	rows, err := r.db.Query(ctx, selectClientSQL+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	client, err := pgx.CollectExactlyOneRow(rows, scanClient)
	if err != nil {
		if isNoRows(err) {
			return nil, idperrors.NotFound("client", id)
		}
		return nil, fmt.Errorf("get client: %w", err)
	}
	return client, nil
}

func (r *ClientRepo) List(ctx context.Context) ([]*domain.Client, error) {
	rows, err := r.db.Query(ctx, selectClientSQL+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	clients, err := pgx.CollectRows(rows, scanClient)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	return clients, nil
}

func scanClient(row pgx.CollectableRow) (*domain.Client, error) {
	var (
		c        domain.Client
		rawScope string
	)
	if err := row.Scan(&c.ID, &c.Name, &rawScope, &c.RedirectURI, &c.CreatedAt); err != nil {
		return nil, err
	}
	parsed, err := scope.FromString(rawScope)
	if err != nil {
		return nil, fmt.Errorf("client %s has invalid scope: %w", c.ID, err)
	}
	c.Scope = parsed
	return &c, nil
}
