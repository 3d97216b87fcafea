package crypto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tendant/simple-authz/internal/clock"
	idperrors "github.com/tendant/simple-authz/internal/errors"
)

// TokenCodec signs and verifies compact ES512 JWTs.
//
// Signing uses the key pair given at construction. Verification looks the
// kid up in the KeyService when one is configured, so tokens signed by a
// rotated-out key keep verifying until that key expires.
type TokenCodec struct {
	keyPair    *KeyPair
	keyService *KeyService
	clock      clock.Clock
}

// CodecOption configures the TokenCodec.
type CodecOption func(*TokenCodec)

// WithKeyService enables verification against every key the service knows.
func WithKeyService(ks *KeyService) CodecOption {
	return func(c *TokenCodec) {
		c.keyService = ks
	}
}

// WithClock sets the clock used to validate exp, iat and nbf.
func WithClock(clk clock.Clock) CodecOption {
	return func(c *TokenCodec) {
		c.clock = clk
	}
}

// NewTokenCodec creates a TokenCodec signing with keyPair.
func NewTokenCodec(keyPair *KeyPair, opts ...CodecOption) *TokenCodec {
	c := &TokenCodec{
		keyPair: keyPair,
		clock:   clock.System{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sign serializes claims into a signed compact JWT. With a KeyService the
// current active key signs, so rotations apply without a restart; the key
// given to NewTokenCodec is the fallback when the service cannot load one.
func (c *TokenCodec) Sign(ctx context.Context, claims jwt.Claims) (string, error) {
	keyPair := c.signingKey(ctx)

	token := jwt.NewWithClaims(jwt.SigningMethodES512, claims)
	token.Header["kid"] = keyPair.Kid

	signed, err := token.SignedString(keyPair.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and time claims of raw and decodes its claims
// into into. Failures are reported as token_expired, token_malformed or
// token_invalid.
func (c *TokenCodec) Verify(ctx context.Context, raw string, into jwt.Claims) error {
	_, err := jwt.ParseWithClaims(raw, into, func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing key ID in token header")
		}

		if c.keyService != nil {
			keyPair, err := c.keyService.GetKeyByID(ctx, kid)
			if err != nil {
				return nil, fmt.Errorf("unknown key ID: %s", kid)
			}
			if !c.keyService.IsUsable(keyPair) {
				return nil, fmt.Errorf("key has expired: %s", kid)
			}
			return keyPair.PublicKey, nil
		}

		if kid != c.keyPair.Kid {
			return nil, fmt.Errorf("unknown key ID: %s", kid)
		}
		return c.keyPair.PublicKey, nil
	},
		jwt.WithValidMethods([]string{Algorithm}),
		jwt.WithTimeFunc(func() time.Time { return clock.Time(c.clock) }),
		jwt.WithExpirationRequired(),
	)
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return idperrors.Wrap(err, idperrors.CodeTokenExpired, "token is expired")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return idperrors.Wrap(err, idperrors.CodeTokenMalformed, "token is malformed")
	default:
		return idperrors.Wrap(err, idperrors.CodeTokenInvalid, "token is invalid")
	}
}

func (c *TokenCodec) signingKey(ctx context.Context) *KeyPair {
	if c.keyService == nil {
		return c.keyPair
	}
	active, err := c.keyService.GetActiveKey(ctx)
	if err != nil || active.PrivateKey == nil {
		return c.keyPair
	}
	return active
}

// KeyID returns the key ID that signs the next token.
func (c *TokenCodec) KeyID(ctx context.Context) string {
	return c.signingKey(ctx).Kid
}
