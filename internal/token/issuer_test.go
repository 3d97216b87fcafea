package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/tendant/simple-authz/internal/clock"
	"github.com/tendant/simple-authz/internal/crypto"
	"github.com/tendant/simple-authz/internal/domain"
	"github.com/tendant/simple-authz/internal/scope"
)

const testNow = 1_700_000_000

var testConfig = Config{
	Issuer:         "https://authz.example.com",
	AccessTTL:      15 * time.Minute,
	RefreshTTL:     24 * time.Hour,
	LongRefreshTTL: 14 * 24 * time.Hour,
}

func newTestIssuer(t *testing.T) (*Issuer, *crypto.TokenCodec) {
	t.Helper()

	keyPair, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	clk := clock.NewManual(testNow)
	codec := crypto.NewTokenCodec(keyPair, crypto.WithClock(clk))
	return NewIssuer(codec, clk, testConfig), codec
}

var (
	testClient = &domain.Client{ID: "client-1", RedirectURI: "https://client.example/cb"}
	testUser   = &domain.User{ID: "user-1", Email: "user@example.com", EmailVerified: true}
)

func TestIssueAccessAndRefresh(t *testing.T) {
	issuer, codec := newTestIssuer(t)
	ctx := context.Background()

	issued, err := issuer.Issue(ctx, scope.MustFromString("task:api token:refresh"), testClient, testUser)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if issued.IDToken != "" {
		t.Error("No id token without profile scope")
	}
	if issued.RefreshToken == "" || issued.RefreshRecord == nil {
		t.Fatal("Expected a refresh token and record")
	}

	var access, refresh Payload
	if err := codec.Verify(ctx, issued.AccessToken, &access); err != nil {
		t.Fatalf("Verify access failed: %v", err)
	}
	if err := codec.Verify(ctx, issued.RefreshToken, &refresh); err != nil {
		t.Fatalf("Verify refresh failed: %v", err)
	}

	if got := access.Scope.String(); got != "task:api token:authenticate" {
		t.Errorf("Access scope: got %q", got)
	}
	if got := refresh.Scope.String(); got != "task:api token:refresh" {
		t.Errorf("Refresh scope: got %q", got)
	}

	if access.Exp != testNow+int64((15*time.Minute).Seconds()) {
		t.Errorf("Unexpected access exp %d", access.Exp)
	}
	if diff := refresh.Exp - access.Exp; diff != int64((testConfig.RefreshTTL - testConfig.AccessTTL).Seconds()) {
		t.Errorf("refresh.exp - access.exp = %d", diff)
	}

	for name, p := range map[string]Payload{"access": access, "refresh": refresh} {
		if p.Aud != "client-1" || p.Sub != "user-1" || p.Iss != testConfig.Issuer || p.Iat != testNow {
			t.Errorf("%s: unexpected registered claims %+v", name, p)
		}
	}
	if access.JTI == refresh.JTI {
		t.Error("Each token needs a fresh jti")
	}

	if issued.RefreshRecord.JTI != refresh.JTI || issued.RefreshRecord.Aud != "client-1" || issued.RefreshRecord.Exp != refresh.Exp {
		t.Errorf("Record does not match the refresh token: %+v", issued.RefreshRecord)
	}
	if issued.ExpiresAt != access.Exp || issued.ExpiresIn != int64((15*time.Minute).Seconds()) {
		t.Errorf("Unexpected expiry %d / %d", issued.ExpiresAt, issued.ExpiresIn)
	}
}

func TestIssueAccessOnly(t *testing.T) {
	issuer, codec := newTestIssuer(t)
	ctx := context.Background()

	issued, err := issuer.Issue(ctx, scope.MustFromString("task:api"), testClient, testUser)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if issued.RefreshToken != "" || issued.RefreshRecord != nil {
		t.Error("No refresh token without token:refresh")
	}

	var access Payload
	if err := codec.Verify(ctx, issued.AccessToken, &access); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if got := access.Scope.String(); got != "task:api token:authenticate" {
		t.Errorf("Access scope: got %q", got)
	}
}

func TestIssueLongRefreshTTL(t *testing.T) {
	issuer, codec := newTestIssuer(t)
	ctx := context.Background()

	issued, err := issuer.Issue(ctx, scope.MustFromString("task:api token:refresh token:refresh:issue-large-ttl"), testClient, testUser)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	var refresh Payload
	if err := codec.Verify(ctx, issued.RefreshToken, &refresh); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if refresh.Exp != testNow+int64(testConfig.LongRefreshTTL.Seconds()) {
		t.Errorf("Expected long ttl, got exp %d", refresh.Exp)
	}
	if !refresh.Scope.HasScope(scope.TokenRefreshLargeTTL) {
		t.Error("Refresh token should keep the large-ttl marker so rotation keeps the tier")
	}
}

func TestIssueIDToken(t *testing.T) {
	issuer, codec := newTestIssuer(t)
	ctx := context.Background()

	issued, err := issuer.Issue(ctx, scope.MustFromString("profile task:api"), testClient, testUser)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if issued.IDToken == "" {
		t.Fatal("Expected id token for profile scope")
	}

	var id IDPayload
	if err := codec.Verify(ctx, issued.IDToken, &id); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if id.Email != "user@example.com" || !id.EmailVerified {
		t.Errorf("Unexpected identity claims %+v", id)
	}
	if id.Exp != testNow+int64(testConfig.AccessTTL.Seconds()) {
		t.Errorf("Id token should use the access ttl, got exp %d", id.Exp)
	}

	segment := strings.Split(issued.IDToken, ".")[1]
	payload, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("Failed to parse payload: %v", err)
	}
	if _, ok := raw["scope"]; ok {
		t.Error("Id token must not carry a scope claim")
	}
}
