package crypto

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tendant/simple-authz/internal/clock"
)

// KeyRepository defines storage operations for signing keys.
type KeyRepository interface {
	GetByID(ctx context.Context, kid string) (*KeyPair, error)
	GetActive(ctx context.Context) (*KeyPair, error)
	GetAll(ctx context.Context) ([]*KeyPair, error)
	Save(ctx context.Context, keyPair *KeyPair) error
	SetActive(ctx context.Context, kid string) error
	Delete(ctx context.Context, kid string) error
}

// KeyService manages signing keys. The repository is the source of truth,
// so a rotation done by another process is seen on the next call.
type KeyService struct {
	repo   KeyRepository
	logger *slog.Logger
	clock  clock.Clock
	mu     sync.RWMutex
}

// KeyServiceOption configures the KeyService.
type KeyServiceOption func(*KeyService)

// WithKeyLogger sets the logger used for rotation and cleanup events.
func WithKeyLogger(logger *slog.Logger) KeyServiceOption {
	return func(s *KeyService) {
		s.logger = logger
	}
}

// WithKeyClock sets the clock that decides key expiry.
func WithKeyClock(clk clock.Clock) KeyServiceOption {
	return func(s *KeyService) {
		s.clock = clk
	}
}

// NewKeyService creates a new KeyService.
func NewKeyService(repo KeyRepository, opts ...KeyServiceOption) *KeyService {
	s := &KeyService{
		repo:   repo,
		logger: slog.Default(),
		clock:  clock.System{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Import stores kp and makes it the active signing key, demoting the
// previous active key without an expiry. Used for operator supplied keys.
func (s *KeyService) Import(ctx context.Context, kp *KeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.Save(ctx, kp); err != nil {
		return fmt.Errorf("failed to save key: %w", err)
	}
	if err := s.repo.SetActive(ctx, kp.Kid); err != nil {
		return fmt.Errorf("failed to activate key: %w", err)
	}

	s.logger.Info("imported signing key", "kid", kp.Kid)
	return nil
}

// EnsureActiveKey ensures there's an active signing key, generating one if needed.
func (s *KeyService) EnsureActiveKey(ctx context.Context) (*KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.repo.GetActive(ctx)
	if err == nil && key != nil {
		if key.PrivateKey == nil {
			if err := key.LoadFromPEM(); err != nil {
				return nil, fmt.Errorf("failed to load key from PEM: %w", err)
			}
		}
		return key, nil
	}

	key, err = GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	if err := s.repo.Save(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to save key: %w", err)
	}

	if err := s.repo.SetActive(ctx, key.Kid); err != nil {
		return nil, fmt.Errorf("failed to activate key: %w", err)
	}

	s.logger.Info("generated signing key", "kid", key.Kid)
	return key, nil
}

// GetActiveKey returns the current active signing key.
func (s *KeyService) GetActiveKey(ctx context.Context) (*KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, err := s.repo.GetActive(ctx)
	if err != nil {
		return nil, err
	}

	if key.PrivateKey == nil {
		if err := key.LoadFromPEM(); err != nil {
			return nil, fmt.Errorf("failed to load key from PEM: %w", err)
		}
	}

	return key, nil
}

// GetJWKS returns all public keys in JWKS format.
func (s *KeyService) GetJWKS(ctx context.Context) (*JWKS, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys, err := s.repo.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	jwks := &JWKS{
		Keys: make([]JWK, 0, len(keys)),
	}

	for _, key := range keys {
		if key.PublicKey == nil {
			if err := key.LoadFromPEM(); err != nil {
				s.logger.Warn("skipping unreadable signing key", "kid", key.Kid, "error", err)
				continue
			}
		}
		jwk, err := key.ToJWK()
		if err != nil {
			s.logger.Warn("skipping signing key", "kid", key.Kid, "error", err)
			continue
		}
		jwks.Keys = append(jwks.Keys, jwk)
	}

	return jwks, nil
}

// RotateKey generates a new key and sets it as active.
// The old key stays in the JWKS until it expires and is cleaned up.
func (s *KeyService) RotateKey(ctx context.Context, expiresIn time.Duration) (*KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldKey, err := s.repo.GetActive(ctx)
	if err == nil && oldKey != nil {
		oldKey.Active = false
		oldKey.ExpiresAt = clock.Time(s.clock).Add(expiresIn)
		if err := s.repo.Save(ctx, oldKey); err != nil {
			return nil, fmt.Errorf("failed to update old key: %w", err)
		}
	}

	newKey, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	if err := s.repo.Save(ctx, newKey); err != nil {
		return nil, fmt.Errorf("failed to save key: %w", err)
	}

	if err := s.repo.SetActive(ctx, newKey.Kid); err != nil {
		return nil, fmt.Errorf("failed to activate key: %w", err)
	}

	s.logger.Info("rotated signing key", "kid", newKey.Kid, "previous_expires_in", expiresIn)
	return newKey, nil
}

// IsUsable reports whether kp may still verify tokens.
func (s *KeyService) IsUsable(kp *KeyPair) bool {
	return !kp.ExpiredAt(clock.Time(s.clock))
}

// GetKeyByID returns a key by its ID (kid).
// Used for token verification to support rotated keys.
func (s *KeyService) GetKeyByID(ctx context.Context, kid string) (*KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, err := s.repo.GetByID(ctx, kid)
	if err != nil {
		return nil, err
	}

	if key.PrivateKey == nil || key.PublicKey == nil {
		if err := key.LoadFromPEM(); err != nil {
			return nil, fmt.Errorf("failed to load key from PEM: %w", err)
		}
	}

	return key, nil
}

// CleanupExpiredKeys removes keys that have expired.
func (s *KeyService) CleanupExpiredKeys(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.repo.GetAll(ctx)
	if err != nil {
		return err
	}

	now := clock.Time(s.clock)
	for _, key := range keys {
		if key.ExpiredAt(now) && !key.Active {
			if err := s.repo.Delete(ctx, key.Kid); err != nil {
				return fmt.Errorf("failed to delete expired key %s: %w", key.Kid, err)
			}
			s.logger.Info("deleted expired signing key", "kid", key.Kid)
		}
	}

	return nil
}
