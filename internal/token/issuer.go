package token

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-authz/internal/clock"
	"github.com/tendant/simple-authz/internal/domain"
	"github.com/tendant/simple-authz/internal/scope"
)

// Config holds the issuer string and token lifetimes.
type Config struct {
	Issuer         string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	LongRefreshTTL time.Duration
}

// Issued is the result of one issuance.
type Issued struct {
	AccessToken  string
	IDToken      string // empty unless scope has profile
	RefreshToken string // empty unless scope has token:refresh
	ExpiresAt    int64
	ExpiresIn    int64
	Scope        scope.Set

	// RefreshRecord is set when a refresh token was issued. The caller
	// persists it on the user.
	RefreshRecord *domain.RefreshTokenRecord
}

// Issuer builds and signs token payloads.
type Issuer struct {
	codec  Codec
	clock  clock.Clock
	config Config
}

// NewIssuer creates a new Issuer.
func NewIssuer(codec Codec, clk clock.Clock, cfg Config) *Issuer {
	return &Issuer{
		codec:  codec,
		clock:  clk,
		config: cfg,
	}
}

// Issuer returns the configured iss value.
func (i *Issuer) Issuer() string {
	return i.config.Issuer
}

// Issue signs the tokens granted by s to client on behalf of user.
func (i *Issuer) Issue(ctx context.Context, s scope.Set, client *domain.Client, user *domain.User) (*Issued, error) {
	now := i.clock.NowAsSecondsSinceEpoch()
	out := &Issued{Scope: s}

	if s.HasScope(scope.Profile) {
		idToken, err := i.codec.Sign(ctx, &IDPayload{
			Aud:           client.ID,
			JTI:           uuid.New().String(),
			Iss:           i.config.Issuer,
			Sub:           user.ID,
			Iat:           now,
			Exp:           now + seconds(i.config.AccessTTL),
			Email:         user.Email,
			EmailVerified: user.EmailVerified,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to sign id token: %w", err)
		}
		out.IDToken = idToken
	}

	accessScope, err := s.Add(scope.TokenAuthenticate)
	if err != nil {
		return nil, err
	}
	accessScope, err = accessScope.Remove(scope.TokenRefresh)
	if err != nil {
		return nil, err
	}

	access := &Payload{
		Aud:   client.ID,
		JTI:   uuid.New().String(),
		Iss:   i.config.Issuer,
		Sub:   user.ID,
		Iat:   now,
		Exp:   now + seconds(i.config.AccessTTL),
		Scope: accessScope,
	}
	out.AccessToken, err = i.codec.Sign(ctx, access)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	out.ExpiresAt = access.Exp
	out.ExpiresIn = access.Exp - now

	if !s.HasScope(scope.TokenRefresh) {
		return out, nil
	}

	refreshScope, err := s.Add(scope.TokenRefresh)
	if err != nil {
		return nil, err
	}
	refreshScope, err = refreshScope.Remove(scope.TokenAuthenticate)
	if err != nil {
		return nil, err
	}

	ttl := i.config.RefreshTTL
	if s.HasScope(scope.TokenRefreshLargeTTL) {
		ttl = i.config.LongRefreshTTL
	}

	refresh := &Payload{
		Aud:   client.ID,
		JTI:   uuid.New().String(),
		Iss:   i.config.Issuer,
		Sub:   user.ID,
		Iat:   now,
		Exp:   now + seconds(ttl),
		Scope: refreshScope,
	}
	out.RefreshToken, err = i.codec.Sign(ctx, refresh)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}
	out.RefreshRecord = &domain.RefreshTokenRecord{
		JTI: refresh.JTI,
		Aud: client.ID,
		Exp: refresh.Exp,
	}

	return out, nil
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
