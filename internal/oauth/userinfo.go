package oauth

import (
	"context"
	"strings"

	idperrors "github.com/tendant/simple-authz/internal/errors"
	"github.com/tendant/simple-authz/internal/scope"
	"github.com/tendant/simple-authz/internal/token"
)

// UserInfo is the userinfo endpoint response.
type UserInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
}

// UserInfo returns the identity behind an access token. Email claims are
// only released when the token carries profile. Refresh tokens are rejected.
func (o *Orchestrator) UserInfo(ctx context.Context, accessToken string) (_ *UserInfo, err error) {
	ctx, span := o.startSpan(ctx, "userinfo")
	defer func() { endSpan(span, err) }()

	var claims token.Payload
	if err := o.codec.Verify(ctx, accessToken, &claims); err != nil {
		return nil, err
	}
	if !claims.Scope.HasScope(scope.TokenAuthenticate) {
		return nil, idperrors.InvalidToken("token is not an access token")
	}
	if claims.Iss != o.issuer.Issuer() {
		return nil, idperrors.InvalidToken("token issuer does not match")
	}

	user, err := o.users.GetByID(ctx, claims.Sub)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, idperrors.InvalidToken("user of access token no longer exists")
		}
		return nil, err
	}

	info := &UserInfo{Sub: user.ID}
	if claims.Scope.HasScope(scope.Profile) {
		info.Email = user.Email
		info.EmailVerified = user.EmailVerified
	}
	return info, nil
}

// ExtractBearerToken extracts the token from an Authorization header.
func ExtractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", idperrors.InvalidToken("missing authorization header")
	}

	scheme, tok, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || tok == "" {
		return "", idperrors.InvalidToken("invalid authorization header")
	}
	return tok, nil
}
