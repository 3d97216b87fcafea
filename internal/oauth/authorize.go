package oauth

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tendant/simple-authz/internal/domain"
	idperrors "github.com/tendant/simple-authz/internal/errors"
	"github.com/tendant/simple-authz/internal/metrics"
	"github.com/tendant/simple-authz/internal/pkce"
	"github.com/tendant/simple-authz/internal/scope"
)

// RequestParams are the parameters of an authorization request.
type RequestParams struct {
	ClientID            string
	ResponseType        string
	Scope               string
	RedirectURI         string // optional, defaults to the client's
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	Intent              string
}

// RedirectableError is an authorization request error raised after the
// client and redirect_uri were validated. It may be reported to the client by
// redirecting to RedirectURI.
type RedirectableError struct {
	RedirectURI string
	State       string
	Err         error
}

func (e *RedirectableError) Error() string { return e.Err.Error() }
func (e *RedirectableError) Unwrap() error { return e.Err }

// Request validates an authorization request against its client and
// persists it as PENDING. Unknown clients and redirect mismatches are
// returned as plain errors; every later validation failure is a
// *RedirectableError.
func (o *Orchestrator) Request(ctx context.Context, p RequestParams) (_ *domain.AuthorizationRequest, err error) {
	ctx, span := o.startSpan(ctx, "request", attribute.String("client_id", p.ClientID))
	defer func() { endSpan(span, err) }()

	client, err := o.clients.GetByID(ctx, p.ClientID)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, idperrors.InvalidClient("unknown client_id")
		}
		return nil, fmt.Errorf("get client: %w", err)
	}

	redirectURI := p.RedirectURI
	if redirectURI == "" {
		redirectURI = client.RedirectURI
	} else if redirectURI != client.RedirectURI {
		return nil, idperrors.RedirectURIMismatch("redirect_uri does not match the registered redirect uri")
	}

	req, err := newRequest(client, redirectURI, p)
	if err != nil {
		return nil, &RedirectableError{RedirectURI: redirectURI, State: p.State, Err: err}
	}
	if err := o.requests.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("create authorization request: %w", err)
	}

	o.logger.Debug("authorization request created",
		"request_id", req.ID, "client_id", req.ClientID, "scope", req.Scope.String())
	return req, nil
}

func newRequest(client *domain.Client, redirectURI string, p RequestParams) (*domain.AuthorizationRequest, error) {
	if p.ResponseType != domain.ResponseTypeCode {
		return nil, idperrors.InvalidRequest("response_type must be 'code'")
	}

	requested, err := scope.FromString(p.Scope)
	if err != nil {
		return nil, err
	}
	if !client.Scope.IsSupersetOf(requested) {
		return nil, idperrors.InvalidScope("requested scope exceeds the client's scope")
	}

	if p.CodeChallenge == "" {
		return nil, idperrors.InvalidRequest("code_challenge is required")
	}
	method, err := pkce.ParseMethod(p.CodeChallengeMethod)
	if err != nil {
		return nil, err
	}

	intent, err := domain.ParseIntent(p.Intent)
	if err != nil {
		return nil, err
	}

	return &domain.AuthorizationRequest{
		ID:                  uuid.NewString(),
		ClientID:            client.ID,
		RedirectURI:         redirectURI,
		ResponseType:        domain.ResponseTypeCode,
		State:               p.State,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: method,
		Scope:               requested,
		Intent:              intent,
		Resolution:          domain.ResolutionPending,
	}, nil
}

// GetRequest returns a pending request and its client for rendering the
// prompt.
func (o *Orchestrator) GetRequest(ctx context.Context, requestID string) (*domain.AuthorizationRequest, *domain.Client, error) {
	req, err := o.loadRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	client, err := o.clients.GetByID(ctx, req.ClientID)
	if err != nil {
		return nil, nil, idperrors.Internal("client of authorization request no longer exists", err)
	}
	return req, client, nil
}

func (o *Orchestrator) loadRequest(ctx context.Context, requestID string) (*domain.AuthorizationRequest, error) {
	req, err := o.requests.GetByID(ctx, requestID)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, idperrors.InvalidRequest("unknown authorization request")
		}
		return nil, fmt.Errorf("get authorization request: %w", err)
	}
	return req, nil
}

// PromptParams are the credentials submitted on the prompt page.
type PromptParams struct {
	RequestID  string
	Email      string
	Password   string
	RememberMe bool
}

// AuthorizePrompt authenticates the user and attaches an authorization code
// to the request. It does not issue tokens.
func (o *Orchestrator) AuthorizePrompt(ctx context.Context, p PromptParams) (_ *domain.AuthorizationRequest, err error) {
	ctx, span := o.startSpan(ctx, "authorize_prompt", attribute.String("request_id", p.RequestID))
	defer func() { endSpan(span, err) }()

	req, err := o.loadRequest(ctx, p.RequestID)
	if err != nil {
		return nil, err
	}
	if req.IsResolved() {
		return nil, idperrors.InvalidRequest("authorization request is already resolved")
	}

	email := domain.NormalizeEmail(p.Email)
	if o.lockout != nil && o.lockout.IsLocked(email) {
		metrics.RecordPromptAttempt("locked")
		return nil, idperrors.New(idperrors.CodeAccountLocked,
			fmt.Sprintf("account is temporarily locked, try again in %s", o.lockout.LockRemaining(email).Round(time.Second)))
	}

	user, err := o.users.GetByEmail(ctx, email)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			o.recordPromptFailure(email)
			return nil, idperrors.New(idperrors.CodeUserNotFound, "user email not found")
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	ok, err := o.hasher.Verify(p.Password, user.PasswordHash)
	if err != nil {
		o.logger.Error("password verification error", "user_id", user.ID, "error", err)
	}
	if !ok {
		o.recordPromptFailure(email)
		return nil, idperrors.New(idperrors.CodePasswordMismatch, "password does not match")
	}
	if o.lockout != nil {
		o.lockout.RecordSuccess(email)
	}

	if p.RememberMe && req.Scope.HasScope(scope.TokenRefresh) {
		if req.Scope, err = req.Scope.Add(scope.TokenRefreshLargeTTL); err != nil {
			return nil, err
		}
	}

	code, err := o.newCode()
	if err != nil {
		return nil, err
	}
	now := o.clock.NowAsSecondsSinceEpoch()
	if err := req.IssueAuthorizationCode(code, user.ID, now, o.config.AuthCodeTTL); err != nil {
		return nil, err
	}
	if err := o.requests.Update(ctx, req); err != nil {
		return nil, err
	}

	metrics.RecordPromptAttempt("success")
	metrics.RecordAuthCodeIssued()
	o.logger.Info("authorization code issued",
		"request_id", req.ID, "client_id", req.ClientID, "user_id", user.ID)
	return req, nil
}

// RemainingAttempts reports how many prompt failures email has left before
// it is locked, or -1 when lockout is disabled.
func (o *Orchestrator) RemainingAttempts(email string) int {
	if o.lockout == nil {
		return -1
	}
	return o.lockout.RemainingAttempts(domain.NormalizeEmail(email))
}

func (o *Orchestrator) recordPromptFailure(email string) {
	metrics.RecordPromptAttempt("failure")
	if o.lockout == nil {
		return
	}
	if o.lockout.RecordFailure(email) {
		metrics.RecordAccountLockout()
		o.logger.Warn("account locked after repeated failures", "email", email)
	}
}

// AuthorizationResponseURL appends code and state to redirectURI.
func AuthorizationResponseURL(redirectURI, code, state string) (string, error) {
	return withQuery(redirectURI, map[string]string{"code": code, "state": state})
}

// ErrorResponseURL appends an OAuth2 error to redirectURI.
func ErrorResponseURL(redirectURI, errorCode, description, state string) (string, error) {
	return withQuery(redirectURI, map[string]string{
		"error":             errorCode,
		"error_description": description,
		"state":             state,
	})
}

func withQuery(raw string, params map[string]string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse redirect uri: %w", err)
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
