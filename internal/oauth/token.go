package oauth

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	idperrors "github.com/tendant/simple-authz/internal/errors"
	"github.com/tendant/simple-authz/internal/metrics"
	"github.com/tendant/simple-authz/internal/scope"
	"github.com/tendant/simple-authz/internal/token"
)

// Grant types accepted at the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// TokenResponse is the token endpoint response body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// NewTokenResponse converts an issuance into a response body.
func NewTokenResponse(issued *token.Issued) TokenResponse {
	return TokenResponse{
		AccessToken:  issued.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    issued.ExpiresIn,
		RefreshToken: issued.RefreshToken,
		IDToken:      issued.IDToken,
		Scope:        issued.Scope.String(),
	}
}

// CodeGrantParams are the parameters of an authorization_code grant.
type CodeGrantParams struct {
	ClientID     string
	Code         string
	CodeVerifier string
	RedirectURI  string // optional; must match the request's when given
}

// AuthorizationCodeGrant redeems an authorization code for tokens.
func (o *Orchestrator) AuthorizationCodeGrant(ctx context.Context, p CodeGrantParams) (_ *token.Issued, err error) {
	ctx, span := o.startSpan(ctx, "authorization_code_grant", attribute.String("client_id", p.ClientID))
	defer func() {
		if err != nil {
			metrics.RecordGrantFailure(GrantTypeAuthorizationCode, idperrors.CodeOf(err))
		}
		endSpan(span, err)
	}()

	req, err := o.requests.GetByCode(ctx, p.Code)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, idperrors.InvalidCredentials("authorization code is not valid")
		}
		return nil, fmt.Errorf("get authorization request: %w", err)
	}

	client, err := o.clients.GetByID(ctx, p.ClientID)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, idperrors.InvalidClient("unknown client_id")
		}
		return nil, fmt.Errorf("get client: %w", err)
	}
	if req.ClientID != client.ID {
		return nil, idperrors.InvalidClient("client_id does not match the authorization request")
	}
	if req.RedirectURI != client.RedirectURI {
		return nil, idperrors.RedirectURIMismatch("redirect_uri does not match the registered redirect uri")
	}
	if p.RedirectURI != "" && p.RedirectURI != req.RedirectURI {
		return nil, idperrors.RedirectURIMismatch("redirect_uri does not match the authorization request")
	}

	if !req.VerifyCodeVerifier(p.CodeVerifier) {
		return nil, idperrors.InvalidCredentials("Failed PKCE code challenge")
	}

	redeemed, err := o.requests.RedeemCodeAtomically(ctx, p.Code, o.clock)
	if err != nil {
		return nil, err
	}

	user, err := o.users.GetByID(ctx, redeemed.AuthorizationCode.Sub)
	if err != nil {
		return nil, idperrors.Internal("user bound to authorization code no longer exists", err)
	}

	issued, err := o.issuer.Issue(ctx, redeemed.Scope, client, user)
	if err != nil {
		return nil, err
	}
	if issued.RefreshRecord != nil {
		now := o.clock.NowAsSecondsSinceEpoch()
		if err := o.users.RotateRefreshTokens(ctx, user.ID, "", issued.RefreshRecord, now); err != nil {
			return nil, fmt.Errorf("store refresh token: %w", err)
		}
	}

	recordIssued(issued, GrantTypeAuthorizationCode)
	o.logger.Info("authorization code exchanged",
		"request_id", redeemed.ID, "client_id", client.ID, "user_id", user.ID, "scope", issued.Scope.String())
	return issued, nil
}

// RefreshParams are the parameters of a refresh_token grant.
type RefreshParams struct {
	RefreshToken string
	ClientID     string // optional; must equal the token's audience when given
}

// RefreshTokenGrant rotates a refresh token. The spent jti is removed from
// the user in the same step that records its replacement.
func (o *Orchestrator) RefreshTokenGrant(ctx context.Context, p RefreshParams) (_ *token.Issued, err error) {
	ctx, span := o.startSpan(ctx, "refresh_token_grant", attribute.String("client_id", p.ClientID))
	defer func() {
		if err != nil {
			metrics.RecordGrantFailure(GrantTypeRefreshToken, idperrors.CodeOf(err))
		}
		endSpan(span, err)
	}()

	var claims token.Payload
	if err := o.codec.Verify(ctx, p.RefreshToken, &claims); err != nil {
		return nil, err
	}

	user, err := o.users.GetByID(ctx, claims.Sub)
	if err != nil {
		return nil, idperrors.Internal("user of refresh token no longer exists", err)
	}
	client, err := o.clients.GetByID(ctx, claims.Aud)
	if err != nil {
		return nil, idperrors.Internal("client of refresh token no longer exists", err)
	}

	now := o.clock.NowAsSecondsSinceEpoch()
	if claims.IsExpired(now) {
		return nil, idperrors.New(idperrors.CodeTokenExpired, "refresh token is expired")
	}
	if !claims.Scope.HasScope(scope.TokenRefresh) {
		return nil, idperrors.InvalidScope("token does not contain required scope")
	}
	if claims.Iss != o.issuer.Issuer() {
		return nil, idperrors.InvalidToken("token issuer does not match")
	}
	if !user.HasRefreshToken(claims.JTI, now) {
		return nil, idperrors.InvalidToken("refresh token is not found on user")
	}
	if p.ClientID != "" && p.ClientID != claims.Aud {
		return nil, idperrors.InvalidClient("client_id does not match the refresh token")
	}

	issued, err := o.issuer.Issue(ctx, claims.Scope, client, user)
	if err != nil {
		return nil, err
	}
	if err := o.users.RotateRefreshTokens(ctx, user.ID, claims.JTI, issued.RefreshRecord, now); err != nil {
		o.logger.Warn("refresh token rotation failed", "user_id", user.ID, "client_id", client.ID, "error", err)
		return nil, err
	}

	recordIssued(issued, GrantTypeRefreshToken)
	o.logger.Info("refresh token rotated", "client_id", client.ID, "user_id", user.ID)
	return issued, nil
}

func recordIssued(issued *token.Issued, grantType string) {
	metrics.RecordTokenIssued("access", grantType)
	if issued.IDToken != "" {
		metrics.RecordTokenIssued("id", grantType)
	}
	if issued.RefreshToken != "" {
		metrics.RecordTokenIssued("refresh", grantType)
	}
}
