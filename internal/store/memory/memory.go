// Package memory implements in-process storage for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tendant/simple-authz/internal/clock"
	"github.com/tendant/simple-authz/internal/crypto"
	"github.com/tendant/simple-authz/internal/domain"
	idperrors "github.com/tendant/simple-authz/internal/errors"
	"github.com/tendant/simple-authz/internal/store"
)

// Store implements store.Store with maps guarded by one mutex.
// Entities are copied on the way in and out.
type Store struct {
	mu sync.RWMutex

	users        map[string]*domain.User
	usersByEmail map[string]string
	clients      map[string]*domain.Client
	requests     map[string]*domain.AuthorizationRequest
	requestCodes map[string]string // code -> request id
	keys         map[string]*crypto.KeyPair
	activeKid    string
}

var _ store.Store = (*Store)(nil)

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		users:        make(map[string]*domain.User),
		usersByEmail: make(map[string]string),
		clients:      make(map[string]*domain.Client),
		requests:     make(map[string]*domain.AuthorizationRequest),
		requestCodes: make(map[string]string),
		keys:         make(map[string]*crypto.KeyPair),
	}
}

func (s *Store) Users() store.UserRepository       { return (*userRepository)(s) }
func (s *Store) Clients() store.ClientRepository   { return (*clientRepository)(s) }
func (s *Store) Requests() store.RequestRepository { return (*requestRepository)(s) }
func (s *Store) SigningKeys() crypto.KeyRepository { return (*keyRepository)(s) }
func (s *Store) Ping(ctx context.Context) error    { return nil }
func (s *Store) Close() error                      { return nil }

// User Repository

type userRepository Store

func (r *userRepository) Create(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[user.ID]; ok {
		return idperrors.AlreadyExists("user", user.ID)
	}
	if _, ok := r.usersByEmail[user.Email]; ok {
		return idperrors.AlreadyExists("user with email", user.Email)
	}

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now
	r.users[user.ID] = user.Clone()
	r.usersByEmail[user.Email] = user.ID
	return nil
}

func (r *userRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, idperrors.NotFound("user", id)
	}
	return u.Clone(), nil
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.usersByEmail[email]
	if !ok {
		return nil, idperrors.NotFound("user with email", email)
	}
	return r.users[id].Clone(), nil
}

func (r *userRepository) Update(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.users[user.ID]
	if !ok {
		return idperrors.NotFound("user", user.ID)
	}
	if existing.Email != user.Email {
		if _, taken := r.usersByEmail[user.Email]; taken {
			return idperrors.AlreadyExists("user with email", user.Email)
		}
		delete(r.usersByEmail, existing.Email)
		r.usersByEmail[user.Email] = user.ID
	}

	user.UpdatedAt = time.Now()
	r.users[user.ID] = user.Clone()
	return nil
}

func (r *userRepository) RotateRefreshTokens(ctx context.Context, userID, spentJTI string, issued *domain.RefreshTokenRecord, now int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return idperrors.NotFound("user", userID)
	}
	if !u.RotateRefreshTokens(spentJTI, issued, now) {
		return idperrors.InvalidToken("refresh token is not found on user")
	}
	u.UpdatedAt = time.Now()
	return nil
}

// Client Repository

type clientRepository Store

func (r *clientRepository) Create(ctx context.Context, client *domain.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[client.ID]; ok {
		return idperrors.AlreadyExists("client", client.ID)
	}

	client.CreatedAt = time.Now()
	r.clients[client.ID] = client.Clone()
	return nil
}

func (r *clientRepository) GetByID(ctx context.Context, id string) (*domain.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[id]
	if !ok {
		return nil, idperrors.NotFound("client", id)
	}
	return c.Clone(), nil
}

func (r *clientRepository) List(ctx context.Context) ([]*domain.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c.Clone())
	}
	return out, nil
}

// Request Repository

type requestRepository Store

func (r *requestRepository) Create(ctx context.Context, req *domain.AuthorizationRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.requests[req.ID]; ok {
		return idperrors.AlreadyExists("authorization request", req.ID)
	}
	if code := req.Code(); code != "" {
		if _, taken := r.requestCodes[code]; taken {
			return idperrors.AlreadyExists("authorization code", "")
		}
		r.requestCodes[code] = req.ID
	}

	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	r.requests[req.ID] = req.Clone()
	return nil
}

func (r *requestRepository) GetByID(ctx context.Context, id string) (*domain.AuthorizationRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	req, ok := r.requests[id]
	if !ok {
		return nil, idperrors.NotFound("authorization request", id)
	}
	return req.Clone(), nil
}

func (r *requestRepository) GetByCode(ctx context.Context, code string) (*domain.AuthorizationRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.requestCodes[code]
	if !ok {
		return nil, idperrors.NotFound("authorization code", "")
	}
	return r.requests[id].Clone(), nil
}

func (r *requestRepository) Update(ctx context.Context, req *domain.AuthorizationRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.requests[req.ID]
	if !ok {
		return idperrors.NotFound("authorization request", req.ID)
	}
	if stored.AuthorizationCode != nil && stored.Code() != req.Code() {
		return idperrors.InvalidRequest("authorization request is already resolved")
	}

	if code := req.Code(); code != "" && stored.Code() != code {
		if _, taken := r.requestCodes[code]; taken {
			return idperrors.AlreadyExists("authorization code", "")
		}
		r.requestCodes[code] = req.ID
	}

	r.requests[req.ID] = req.Clone()
	return nil
}

func (r *requestRepository) RedeemCodeAtomically(ctx context.Context, code string, clk clock.Clock) (*domain.AuthorizationRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.requestCodes[code]
	if !ok {
		return nil, idperrors.AuthorizationCodeInvalid()
	}

	// Redeem a copy so a failure leaves the stored request untouched.
	req := r.requests[id].Clone()
	if err := req.AuthorizationCode.Redeem(clk.NowAsSecondsSinceEpoch()); err != nil {
		return nil, err
	}

	r.requests[id] = req
	return req.Clone(), nil
}

func (r *requestRepository) DeleteExpired(ctx context.Context, now int64, ttl time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, req := range r.requests {
		if !req.IsStale(now, ttl) {
			continue
		}
		if code := req.Code(); code != "" {
			delete(r.requestCodes, code)
		}
		delete(r.requests, id)
		removed++
	}
	return removed, nil
}

// Signing key repository

type keyRepository Store

func (r *keyRepository) GetByID(ctx context.Context, kid string) (*crypto.KeyPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kp, ok := r.keys[kid]
	if !ok {
		return nil, idperrors.NotFound("signing key", kid)
	}
	return kp, nil
}

func (r *keyRepository) GetActive(ctx context.Context) (*crypto.KeyPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kp, ok := r.keys[r.activeKid]
	if !ok {
		return nil, idperrors.NotFound("active signing key", r.activeKid)
	}
	return kp, nil
}

func (r *keyRepository) GetAll(ctx context.Context) ([]*crypto.KeyPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*crypto.KeyPair, 0, len(r.keys))
	for _, kp := range r.keys {
		out = append(out, kp)
	}
	return out, nil
}

func (r *keyRepository) Save(ctx context.Context, kp *crypto.KeyPair) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.keys[kp.Kid] = kp
	return nil
}

func (r *keyRepository) SetActive(ctx context.Context, kid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.keys[kid]; !ok {
		return idperrors.NotFound("signing key", kid)
	}
	for id, kp := range r.keys {
		kp.Active = id == kid
	}
	r.activeKid = kid
	return nil
}

func (r *keyRepository) Delete(ctx context.Context, kid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.keys[kid]; !ok {
		return idperrors.NotFound("signing key", kid)
	}
	delete(r.keys, kid)
	if r.activeKid == kid {
		r.activeKid = ""
	}
	return nil
}
