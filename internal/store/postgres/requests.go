package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-authz/internal/clock"
	"github.com/tendant/simple-authz/internal/domain"
	idperrors "github.com/tendant/simple-authz/internal/errors"
	"github.com/tendant/simple-authz/internal/pkce"
	"github.com/tendant/simple-authz/internal/scope"
)

// RequestRepo implements store.RequestRepository. The authorization
// code is stored inline in nullable code_* columns.
type RequestRepo struct {
	db *pgxpool.Pool
}

const requestColumns = `id, client_id, redirect_uri, response_type, state, code_challenge,
	code_challenge_method, scope, intent, resolution, code, code_sub, code_issued,
	code_expires, code_exchange, created_at`

// codeColumns flattens an optional authorization code into nullable values.
type codeColumns struct {
	code     *string
	sub      *string
	issued   *int64
	expires  *int64
	exchange *int64
}

func codeColumnsOf(c *domain.AuthorizationCode) codeColumns {
	if c == nil {
		return codeColumns{}
	}
	return codeColumns{
		code:     &c.Code,
		sub:      &c.Sub,
		issued:   &c.Issued,
		expires:  &c.Expires,
		exchange: c.Exchange,
	}
}

func (r *RequestRepo) Create(ctx context.Context, req *domain.AuthorizationRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	cc := codeColumnsOf(req.AuthorizationCode)

	_, err := r.db.Exec(ctx,
		`INSERT INTO authorization_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		req.ID, req.ClientID, req.RedirectURI, req.ResponseType, req.State, req.CodeChallenge,
		string(req.CodeChallengeMethod), req.Scope.String(), string(req.Intent), string(req.Resolution),
		cc.code, cc.sub, cc.issued, cc.expires, cc.exchange, req.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return idperrors.AlreadyExists("authorization request", req.ID)
		}
		return fmt.Errorf("create authorization request: %w", err)
	}
	return nil
}

func (r *RequestRepo) GetByID(ctx context.Context, id string) (*domain.AuthorizationRequest, error) {
	req, err := r.queryOne(ctx, `SELECT `+requestColumns+` FROM authorization_requests WHERE id = $1`, id)
	if isNoRows(err) {
		return nil, idperrors.NotFound("authorization request", id)
	}
	return req, err
}

func (r *RequestRepo) GetByCode(ctx context.Context, code string) (*domain.AuthorizationRequest, error) {
	req, err := r.queryOne(ctx, `SELECT `+requestColumns+` FROM authorization_requests WHERE code = $1`, code)
	if isNoRows(err) {
		return nil, idperrors.NotFound("authorization code", "")
	}
	return req, err
}

func (r *RequestRepo) queryOne(ctx context.Context, query string, args ...any) (*domain.AuthorizationRequest, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get authorization request: %w", err)
	}
	req, err := pgx.CollectExactlyOneRow(rows, scanRequest)
	if err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("get authorization request: %w", err)
	}
	return req, nil
}

// Update replaces the request unless the stored row already carries a
// different code.
func (r *RequestRepo) Update(ctx context.Context, req *domain.AuthorizationRequest) error {
	cc := codeColumnsOf(req.AuthorizationCode)

	tag, err := r.db.Exec(ctx,
		`UPDATE authorization_requests SET
			client_id = $2, redirect_uri = $3, response_type = $4, state = $5,
			code_challenge = $6, code_challenge_method = $7, scope = $8, intent = $9,
			resolution = $10, code = $11, code_sub = $12, code_issued = $13,
			code_expires = $14, code_exchange = $15
		WHERE id = $1 AND (code IS NULL OR code = $11)`,
		req.ID, req.ClientID, req.RedirectURI, req.ResponseType, req.State,
		req.CodeChallenge, string(req.CodeChallengeMethod), req.Scope.String(), string(req.Intent),
		string(req.Resolution), cc.code, cc.sub, cc.issued, cc.expires, cc.exchange)
	if err != nil {
		if isUniqueViolation(err) {
			return idperrors.AlreadyExists("authorization code", "")
		}
		return fmt.Errorf("update authorization request: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM authorization_requests WHERE id = $1)`, req.ID).Scan(&exists); err != nil {
		return fmt.Errorf("update authorization request: %w", err)
	}
	if !exists {
		return idperrors.NotFound("authorization request", req.ID)
	}
	return idperrors.InvalidRequest("authorization request is already resolved")
}

// RedeemCodeAtomically marks the code exchanged with a single conditional
// UPDATE, so at most one caller observes a row.
func (r *RequestRepo) RedeemCodeAtomically(ctx context.Context, code string, clk clock.Clock) (*domain.AuthorizationRequest, error) {
	now := clk.NowAsSecondsSinceEpoch()

	req, err := r.queryOne(ctx,
		`UPDATE authorization_requests SET code_exchange = $2
		WHERE code = $1 AND code_exchange IS NULL AND code_expires > $2
		RETURNING `+requestColumns,
		code, now)
	if err != nil {
		if isNoRows(err) {
			return nil, idperrors.AuthorizationCodeInvalid()
		}
		return nil, err
	}
	return req, nil
}

func (r *RequestRepo) DeleteExpired(ctx context.Context, now int64, ttl time.Duration) (int, error) {
	cutoff := time.Unix(now, 0).Add(-ttl)

	tag, err := r.db.Exec(ctx,
		`DELETE FROM authorization_requests
		WHERE (code IS NOT NULL AND code_expires <= $1)
		   OR (code IS NULL AND created_at <= $2)`,
		now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired authorization requests: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanRequest(row pgx.CollectableRow) (*domain.AuthorizationRequest, error) {
	var (
		req                             domain.AuthorizationRequest
		method, rawScope, intent, resol string
		cc                              codeColumns
	)
	err := row.Scan(&req.ID, &req.ClientID, &req.RedirectURI, &req.ResponseType, &req.State,
		&req.CodeChallenge, &method, &rawScope, &intent, &resol,
		&cc.code, &cc.sub, &cc.issued, &cc.expires, &cc.exchange, &req.CreatedAt)
	if err != nil {
		return nil, err
	}

	req.CodeChallengeMethod = pkce.Method(method)
	req.Intent = domain.Intent(intent)
	req.Resolution = domain.Resolution(resol)
	if req.Scope, err = scope.FromString(rawScope); err != nil {
		return nil, fmt.Errorf("authorization request %s has invalid scope: %w", req.ID, err)
	}

	if cc.code != nil {
		req.AuthorizationCode = &domain.AuthorizationCode{
			Code:     *cc.code,
			Exchange: cc.exchange,
		}
		if cc.sub != nil {
			req.AuthorizationCode.Sub = *cc.sub
		}
		if cc.issued != nil {
			req.AuthorizationCode.Issued = *cc.issued
		}
		if cc.expires != nil {
			req.AuthorizationCode.Expires = *cc.expires
		}
	}
	return &req, nil
}
