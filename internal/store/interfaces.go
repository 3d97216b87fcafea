// Package store defines repository interfaces for persistence.
package store

import (
	"context"
	"time"

	"github.com/tendant/simple-authz/internal/clock"
	"github.com/tendant/simple-authz/internal/crypto"
	"github.com/tendant/simple-authz/internal/domain"
)

// Implementations return copies: mutating a returned entity never changes
// stored state until it is written back.

// ClientRepository defines operations for OAuth client persistence.
type ClientRepository interface {
	Create(ctx context.Context, client *domain.Client) error
	GetByID(ctx context.Context, id string) (*domain.Client, error)
	List(ctx context.Context) ([]*domain.Client, error)
}

// UserRepository defines operations for user persistence.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	Update(ctx context.Context, user *domain.User) error

	// RotateRefreshTokens atomically removes spentJTI (when non-empty),
	// drops expired records and appends issued (when non-nil). It fails with
	// token_invalid if spentJTI is not a live record of the user.
	RotateRefreshTokens(ctx context.Context, userID, spentJTI string, issued *domain.RefreshTokenRecord, now int64) error
}

// RequestRepository defines operations for authorization request persistence.
type RequestRepository interface {
	Create(ctx context.Context, req *domain.AuthorizationRequest) error
	GetByID(ctx context.Context, id string) (*domain.AuthorizationRequest, error)
	GetByCode(ctx context.Context, code string) (*domain.AuthorizationRequest, error)

	// Update persists req. When req carries a code, the stored request must
	// have no code or the same one, otherwise Update fails with
	// invalid_request. Code strings are unique across requests.
	Update(ctx context.Context, req *domain.AuthorizationRequest) error

	// RedeemCodeAtomically marks the code exchanged at clk's current time.
	// Exactly one of any number of concurrent callers succeeds; the rest,
	// and any call for an unknown or expired code, fail with
	// authorization_code_invalid.
	RedeemCodeAtomically(ctx context.Context, code string, clk clock.Clock) (*domain.AuthorizationRequest, error)

	// DeleteExpired removes requests that are stale at now and returns how
	// many were removed.
	DeleteExpired(ctx context.Context, now int64, ttl time.Duration) (int, error)
}

// Store aggregates all repositories.
type Store interface {
	Users() UserRepository
	Clients() ClientRepository
	Requests() RequestRepository
	SigningKeys() crypto.KeyRepository
	Ping(ctx context.Context) error
	Close() error
}
