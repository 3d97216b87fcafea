// Package token defines the claim payloads carried by issued tokens and the
// issuance algorithm shared by the code and refresh grants.
package token

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tendant/simple-authz/internal/scope"
)

// Codec signs and verifies compact JWTs.
type Codec interface {
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	Verify(ctx context.Context, raw string, into jwt.Claims) error
}

// Payload is the claim set of access and refresh tokens.
type Payload struct {
	Aud   string    `json:"aud"`
	JTI   string    `json:"jti"`
	Iss   string    `json:"iss"`
	Sub   string    `json:"sub"`
	Iat   int64     `json:"iat"`
	Exp   int64     `json:"exp"`
	Scope scope.Set `json:"scope"`
}

// IsExpired reports whether the payload has expired at now.
func (p *Payload) IsExpired(now int64) bool {
	return now >= p.Exp
}

func (p *Payload) GetExpirationTime() (*jwt.NumericDate, error) { return numericDate(p.Exp), nil }
func (p *Payload) GetIssuedAt() (*jwt.NumericDate, error)       { return numericDate(p.Iat), nil }
func (p *Payload) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (p *Payload) GetIssuer() (string, error)                   { return p.Iss, nil }
func (p *Payload) GetSubject() (string, error)                  { return p.Sub, nil }
func (p *Payload) GetAudience() (jwt.ClaimStrings, error)       { return audience(p.Aud), nil }

// IDPayload is the claim set of identity tokens. It never carries a scope.
type IDPayload struct {
	Aud           string `json:"aud"`
	JTI           string `json:"jti"`
	Iss           string `json:"iss"`
	Sub           string `json:"sub"`
	Iat           int64  `json:"iat"`
	Exp           int64  `json:"exp"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

func (p *IDPayload) GetExpirationTime() (*jwt.NumericDate, error) { return numericDate(p.Exp), nil }
func (p *IDPayload) GetIssuedAt() (*jwt.NumericDate, error)       { return numericDate(p.Iat), nil }
func (p *IDPayload) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (p *IDPayload) GetIssuer() (string, error)                   { return p.Iss, nil }
func (p *IDPayload) GetSubject() (string, error)                  { return p.Sub, nil }
func (p *IDPayload) GetAudience() (jwt.ClaimStrings, error)       { return audience(p.Aud), nil }

func numericDate(sec int64) *jwt.NumericDate {
	if sec == 0 {
		return nil
	}
	return jwt.NewNumericDate(time.Unix(sec, 0))
}

func audience(aud string) jwt.ClaimStrings {
	if aud == "" {
		return nil
	}
	return jwt.ClaimStrings{aud}
}
