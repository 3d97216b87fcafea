// Package domain defines the core types for the authorization server.
package domain

import (
	"slices"
	"strings"
	"time"

	idperrors "github.com/tendant/simple-authz/internal/errors"
	"github.com/tendant/simple-authz/internal/pkce"
	"github.com/tendant/simple-authz/internal/scope"
)

// ResponseTypeCode is the only supported response_type.
const ResponseTypeCode = "code"

// Client represents a registered OAuth 2.0 client application.
// Clients are created by provisioning and are read-only to the protocol core.
type Client struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Scope       scope.Set `json:"scope"`
	RedirectURI string    `json:"redirect_uri"`
	CreatedAt   time.Time `json:"created_at"`
}

// Clone returns a copy of the client.
func (c *Client) Clone() *Client {
	cp := *c
	return &cp
}

// RefreshTokenRecord tracks a refresh token that is still live for a user.
type RefreshTokenRecord struct {
	JTI string `json:"jti"`
	Aud string `json:"aud"` // client id
	Exp int64  `json:"exp"`
}

// IsExpired reports whether the record has expired at now.
func (r RefreshTokenRecord) IsExpired(now int64) bool {
	return now >= r.Exp
}

// User represents an end user.
type User struct {
	ID            string               `json:"id"`
	Email         string               `json:"email"`
	EmailVerified bool                 `json:"email_verified"`
	PasswordHash  string               `json:"password_hash,omitempty"`
	RefreshTokens []RefreshTokenRecord `json:"refresh_tokens"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// NormalizeEmail lowercases and trims an email address. Users are stored and
// looked up by the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HasRefreshToken reports whether jti belongs to a non-expired record.
func (u *User) HasRefreshToken(jti string, now int64) bool {
	for _, r := range u.RefreshTokens {
		if r.JTI == jti && !r.IsExpired(now) {
			return true
		}
	}
	return false
}

// RotateRefreshTokens removes spentJTI (if non-empty), drops expired records
// and appends issued (if non-nil). It returns false when spentJTI is not a
// live record, in which case the user is left unchanged.
func (u *User) RotateRefreshTokens(spentJTI string, issued *RefreshTokenRecord, now int64) bool {
	if spentJTI != "" && !u.HasRefreshToken(spentJTI, now) {
		return false
	}

	kept := make([]RefreshTokenRecord, 0, len(u.RefreshTokens)+1)
	for _, r := range u.RefreshTokens {
		if r.JTI == spentJTI || r.IsExpired(now) {
			continue
		}
		kept = append(kept, r)
	}
	if issued != nil {
		kept = append(kept, *issued)
	}
	u.RefreshTokens = kept
	return true
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	cp := *u
	cp.RefreshTokens = slices.Clone(u.RefreshTokens)
	return &cp
}

// AuthorizationCode is a short-lived, single-use credential owned by an
// AuthorizationRequest.
type AuthorizationCode struct {
	Code     string `json:"code"`
	Sub      string `json:"sub"`
	Issued   int64  `json:"issued"`
	Expires  int64  `json:"expires"`
	Exchange *int64 `json:"exchange,omitempty"`
}

// IsExpired reports whether the code has expired at now.
func (c *AuthorizationCode) IsExpired(now int64) bool {
	return now >= c.Expires
}

// IsExchanged reports whether the code was already redeemed.
func (c *AuthorizationCode) IsExchanged() bool {
	return c.Exchange != nil
}

// Redeem checks that the code is usable at now and marks it exchanged.
func (c *AuthorizationCode) Redeem(now int64) error {
	if c.IsExchanged() || c.IsExpired(now) {
		return idperrors.AuthorizationCodeInvalid()
	}
	c.Exchange = &now
	return nil
}

// Clone returns a deep copy of the code.
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	cp := *c
	if c.Exchange != nil {
		v := *c.Exchange
		cp.Exchange = &v
	}
	return &cp
}

// Resolution is the state of an AuthorizationRequest.
type Resolution string

const (
	ResolutionPending  Resolution = "PENDING"
	ResolutionResolved Resolution = "RESOLVED"
)

// Intent is an optional hint of why the client started the flow.
type Intent string

const (
	IntentLogin    Intent = "login"
	IntentRegister Intent = "register"
)

// ParseIntent validates an intent parameter. Empty is allowed.
func ParseIntent(s string) (Intent, error) {
	switch Intent(s) {
	case "", IntentLogin, IntentRegister:
		return Intent(s), nil
	default:
		return "", idperrors.InvalidRequest("intent must be 'login' or 'register'")
	}
}

// AuthorizationRequest is the record of one authorization attempt.
type AuthorizationRequest struct {
	ID                  string             `json:"id"`
	ClientID            string             `json:"client_id"`
	RedirectURI         string             `json:"redirect_uri"`
	ResponseType        string             `json:"response_type"`
	State               string             `json:"state,omitempty"`
	CodeChallenge       string             `json:"code_challenge"`
	CodeChallengeMethod pkce.Method        `json:"code_challenge_method"`
	Scope               scope.Set          `json:"scope"`
	Intent              Intent             `json:"intent,omitempty"`
	Resolution          Resolution         `json:"resolution"`
	AuthorizationCode   *AuthorizationCode `json:"authorization_code,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
}

// IsResolved reports whether the request can no longer receive a code.
// A request that already carries a code counts as resolved.
func (r *AuthorizationRequest) IsResolved() bool {
	return r.AuthorizationCode != nil || r.Resolution == ResolutionResolved
}

// IssueAuthorizationCode attaches a new code bound to userID.
func (r *AuthorizationRequest) IssueAuthorizationCode(code, userID string, now int64, ttl time.Duration) error {
	if r.IsResolved() {
		return idperrors.InvalidRequest("authorization request is already resolved")
	}
	r.AuthorizationCode = &AuthorizationCode{
		Code:    code,
		Sub:     userID,
		Issued:  now,
		Expires: now + int64(ttl/time.Second),
	}
	return nil
}

// Code returns the attached code string, or "" if none.
func (r *AuthorizationRequest) Code() string {
	if r.AuthorizationCode == nil {
		return ""
	}
	return r.AuthorizationCode.Code
}

// VerifyCodeVerifier runs PKCE against the stored challenge.
func (r *AuthorizationRequest) VerifyCodeVerifier(verifier string) bool {
	return pkce.Verify(pkce.Params{
		CodeChallenge: r.CodeChallenge,
		CodeVerifier:  verifier,
		Method:        r.CodeChallengeMethod,
	})
}

// IsStale reports whether the request can be discarded at now: its code has
// expired, or it never received one within ttl of creation.
func (r *AuthorizationRequest) IsStale(now int64, ttl time.Duration) bool {
	if r.AuthorizationCode != nil {
		return r.AuthorizationCode.IsExpired(now)
	}
	return r.CreatedAt.Add(ttl).Unix() <= now
}

// Clone returns a deep copy of the request.
func (r *AuthorizationRequest) Clone() *AuthorizationRequest {
	cp := *r
	if r.AuthorizationCode != nil {
		cp.AuthorizationCode = r.AuthorizationCode.Clone()
	}
	return &cp
}
