// Package file implements file-based storage using JSON files.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tendant/simple-authz/internal/clock"
	"github.com/tendant/simple-authz/internal/crypto"
	"github.com/tendant/simple-authz/internal/domain"
	idperrors "github.com/tendant/simple-authz/internal/errors"
	"github.com/tendant/simple-authz/internal/store"
)

// Store implements store.Store using JSON files for persistence.
//
// Every read-modify-write runs under the store mutex, so operations such as
// code redemption are atomic within one process. The data directory must not
// be shared between processes.
type Store struct {
	dataDir string
	mu      sync.RWMutex

	users       *userRepository
	clients     *clientRepository
	requests    *requestRepository
	signingKeys *KeyRepository
}

var _ store.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// NewStore creates a new file-based store.
func NewStore(dataDir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{
		dataDir: dataDir,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.users = &userRepository{store: s}
	s.clients = &clientRepository{store: s}
	s.requests = &requestRepository{store: s}
	s.signingKeys = &KeyRepository{store: s}

	return s, nil
}

func (s *Store) Users() store.UserRepository       { return s.users }
func (s *Store) Clients() store.ClientRepository   { return s.clients }
func (s *Store) Requests() store.RequestRepository { return s.requests }
func (s *Store) SigningKeys() crypto.KeyRepository { return s.signingKeys }
func (s *Store) Close() error                      { return nil }

// Ping checks that the data directory is still accessible.
func (s *Store) Ping(ctx context.Context) error {
	_, err := os.Stat(s.dataDir)
	return err
}

// Helper methods for file operations

func (s *Store) filePath(name string) string {
	return filepath.Join(s.dataDir, name+".json")
}

// view reads a collection under the read lock.
func (s *Store) view(name string, v any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readFile(name, v)
}

// modify reads a collection, applies fn and writes it back, all under the
// write lock. Nothing is written when fn fails.
func (s *Store) modify(name string, v any, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readFile(name, v); err != nil {
		return idperrors.Internal("failed to load "+name, err)
	}
	if err := fn(); err != nil {
		return err
	}
	if err := s.writeFile(name, v); err != nil {
		return idperrors.Internal("failed to save "+name, err)
	}
	return nil
}

func (s *Store) readFile(name string, v any) error {
	data, err := os.ReadFile(s.filePath(name))
	if os.IsNotExist(err) {
		return nil // Empty collection
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeFile replaces the file through a rename so readers never observe a
// partial write.
func (s *Store) writeFile(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dataDir, name+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.filePath(name))
}

// User Repository

type userRepository struct {
	store *Store
}

type usersData struct {
	Users []*domain.User `json:"users"`
}

func (r *userRepository) load() (*usersData, error) {
	var data usersData
	if err := r.store.view("users", &data); err != nil {
		return nil, idperrors.Internal("failed to load users", err)
	}
	return &data, nil
}

func (r *userRepository) Create(ctx context.Context, user *domain.User) error {
	var data usersData
	return r.store.modify("users", &data, func() error {
		for _, u := range data.Users {
			if u.ID == user.ID {
				return idperrors.AlreadyExists("user", user.ID)
			}
			if u.Email == user.Email {
				return idperrors.AlreadyExists("user with email", user.Email)
			}
		}

		now := time.Now()
		user.CreatedAt = now
		user.UpdatedAt = now
		data.Users = append(data.Users, user.Clone())
		return nil
	})
}

func (r *userRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	data, err := r.load()
	if err != nil {
		return nil, err
	}

	for _, u := range data.Users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, idperrors.NotFound("user", id)
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	data, err := r.load()
	if err != nil {
		return nil, err
	}

	for _, u := range data.Users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, idperrors.NotFound("user with email", email)
}

func (r *userRepository) Update(ctx context.Context, user *domain.User) error {
	var data usersData
	return r.store.modify("users", &data, func() error {
		for i, u := range data.Users {
			if u.ID == user.ID {
				user.UpdatedAt = time.Now()
				data.Users[i] = user.Clone()
				return nil
			}
		}
		return idperrors.NotFound("user", user.ID)
	})
}

func (r *userRepository) RotateRefreshTokens(ctx context.Context, userID, spentJTI string, issued *domain.RefreshTokenRecord, now int64) error {
	var data usersData
	return r.store.modify("users", &data, func() error {
		for _, u := range data.Users {
			if u.ID != userID {
				continue
			}
			if !u.RotateRefreshTokens(spentJTI, issued, now) {
				return idperrors.InvalidToken("refresh token is not found on user")
			}
			u.UpdatedAt = time.Now()
			return nil
		}
		return idperrors.NotFound("user", userID)
	})
}

// Client Repository

type clientRepository struct {
	store *Store
}

type clientsData struct {
	Clients []*domain.Client `json:"clients"`
}

func (r *clientRepository) load() (*clientsData, error) {
	var data clientsData
	if err := r.store.view("clients", &data); err != nil {
		return nil, idperrors.Internal("failed to load clients", err)
	}
	return &data, nil
}

func (r *clientRepository) Create(ctx context.Context, client *domain.Client) error {
	var data clientsData
	return r.store.modify("clients", &data, func() error {
		for _, c := range data.Clients {
			if c.ID == client.ID {
				return idperrors.AlreadyExists("client", client.ID)
			}
		}

		client.CreatedAt = time.Now()
		data.Clients = append(data.Clients, client.Clone())
		return nil
	})
}

func (r *clientRepository) GetByID(ctx context.Context, id string) (*domain.Client, error) {
	data, err := r.load()
	if err != nil {
		return nil, err
	}

	for _, c := range data.Clients {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, idperrors.NotFound("client", id)
}

func (r *clientRepository) List(ctx context.Context) ([]*domain.Client, error) {
	data, err := r.load()
	if err != nil {
		return nil, err
	}
	if data.Clients == nil {
		return []*domain.Client{}, nil
	}
	return data.Clients, nil
}

// Request Repository

type requestRepository struct {
	store *Store
}

type requestsData struct {
	Requests []*domain.AuthorizationRequest `json:"requests"`
}

func (r *requestRepository) load() (*requestsData, error) {
	var data requestsData
	if err := r.store.view("requests", &data); err != nil {
		return nil, idperrors.Internal("failed to load requests", err)
	}
	return &data, nil
}

func (r *requestRepository) Create(ctx context.Context, req *domain.AuthorizationRequest) error {
	var data requestsData
	return r.store.modify("requests", &data, func() error {
		for _, existing := range data.Requests {
			if existing.ID == req.ID {
				return idperrors.AlreadyExists("authorization request", req.ID)
			}
		}

		if req.CreatedAt.IsZero() {
			req.CreatedAt = time.Now()
		}
		data.Requests = append(data.Requests, req.Clone())
		return nil
	})
}

func (r *requestRepository) GetByID(ctx context.Context, id string) (*domain.AuthorizationRequest, error) {
	data, err := r.load()
	if err != nil {
		return nil, err
	}

	for _, req := range data.Requests {
		if req.ID == id {
			return req, nil
		}
	}
	return nil, idperrors.NotFound("authorization request", id)
}

func (r *requestRepository) GetByCode(ctx context.Context, code string) (*domain.AuthorizationRequest, error) {
	data, err := r.load()
	if err != nil {
		return nil, err
	}

	for _, req := range data.Requests {
		if req.AuthorizationCode != nil && req.AuthorizationCode.Code == code {
			return req, nil
		}
	}
	return nil, idperrors.NotFound("authorization code", "")
}

func (r *requestRepository) Update(ctx context.Context, req *domain.AuthorizationRequest) error {
	var data requestsData
	return r.store.modify("requests", &data, func() error {
		index := -1
		for i, existing := range data.Requests {
			if existing.ID == req.ID {
				index = i
				continue
			}
			if req.AuthorizationCode != nil && existing.Code() == req.AuthorizationCode.Code {
				return idperrors.AlreadyExists("authorization code", "")
			}
		}
		if index < 0 {
			return idperrors.NotFound("authorization request", req.ID)
		}

		stored := data.Requests[index]
		if stored.AuthorizationCode != nil && stored.Code() != req.Code() {
			return idperrors.InvalidRequest("authorization request is already resolved")
		}

		data.Requests[index] = req.Clone()
		return nil
	})
}

func (r *requestRepository) RedeemCodeAtomically(ctx context.Context, code string, clk clock.Clock) (*domain.AuthorizationRequest, error) {
	var (
		data     requestsData
		redeemed *domain.AuthorizationRequest
	)
	err := r.store.modify("requests", &data, func() error {
		for _, req := range data.Requests {
			if req.AuthorizationCode == nil || req.AuthorizationCode.Code != code {
				continue
			}
			if err := req.AuthorizationCode.Redeem(clk.NowAsSecondsSinceEpoch()); err != nil {
				return err
			}
			redeemed = req.Clone()
			return nil
		}
		return idperrors.AuthorizationCodeInvalid()
	})
	if err != nil {
		return nil, err
	}
	return redeemed, nil
}

func (r *requestRepository) DeleteExpired(ctx context.Context, now int64, ttl time.Duration) (int, error) {
	var (
		data    requestsData
		removed int
	)
	err := r.store.modify("requests", &data, func() error {
		kept := make([]*domain.AuthorizationRequest, 0, len(data.Requests))
		for _, req := range data.Requests {
			if req.IsStale(now, ttl) {
				removed++
				continue
			}
			kept = append(kept, req)
		}
		data.Requests = kept
		return nil
	})
	return removed, err
}
