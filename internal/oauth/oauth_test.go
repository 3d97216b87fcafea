package oauth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tendant/simple-authz/internal/clock"
	"github.com/tendant/simple-authz/internal/crypto"
	"github.com/tendant/simple-authz/internal/domain"
	idperrors "github.com/tendant/simple-authz/internal/errors"
	"github.com/tendant/simple-authz/internal/pkce"
	"github.com/tendant/simple-authz/internal/scope"
	"github.com/tendant/simple-authz/internal/store/memory"
	"github.com/tendant/simple-authz/internal/token"
)

const (
	testIssuer     = "https://authz.example"
	testStart      = 1_700_000_000
	accessTTL      = 15 * time.Minute
	refreshTTL     = 24 * time.Hour
	longRefreshTTL = 336 * time.Hour
	codeTTL        = 10 * time.Minute

	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testRedirect = "https://client.example/cb"
	testEmail    = "user@example.com"
	testPassword = "correct horse"
)

// P-521 key generation is slow; share one key across the package.
var testKeyPair = sync.OnceValue(func() *crypto.KeyPair {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		panic(err)
	}
	return kp
})

// fakeHasher accepts a password when the stored hash is "plain:"+password.
type fakeHasher struct{}

func (fakeHasher) Verify(password, hash string) (bool, error) {
	return hash == "plain:"+password, nil
}

type fixture struct {
	o      *Orchestrator
	store  *memory.Store
	clock  *clock.Manual
	codec  *crypto.TokenCodec
	client *domain.Client
	user   *domain.User
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	st := memory.NewStore()
	clk := clock.NewManual(testStart)
	codec := crypto.NewTokenCodec(testKeyPair(), crypto.WithClock(clk))

	client := &domain.Client{
		ID:          "client-1",
		Name:        "Task App",
		Scope:       scope.MustFromString("task:api token:refresh profile"),
		RedirectURI: testRedirect,
	}
	if err := st.Clients().Create(ctx, client); err != nil {
		t.Fatal(err)
	}

	user := &domain.User{
		ID:            "user-1",
		Email:         testEmail,
		EmailVerified: true,
		PasswordHash:  "plain:" + testPassword,
	}
	if err := st.Users().Create(ctx, user); err != nil {
		t.Fatal(err)
	}

	issuer := token.NewIssuer(codec, clk, token.Config{
		Issuer:         testIssuer,
		AccessTTL:      accessTTL,
		RefreshTTL:     refreshTTL,
		LongRefreshTTL: longRefreshTTL,
	})

	o := NewOrchestrator(Deps{
		Clients:  st.Clients(),
		Users:    st.Users(),
		Requests: st.Requests(),
		Issuer:   issuer,
		Codec:    codec,
		Hasher:   fakeHasher{},
		Clock:    clk,
	}, Config{AuthCodeTTL: codeTTL}, opts...)

	return &fixture{o: o, store: st, clock: clk, codec: codec, client: client, user: user}
}

func (f *fixture) request(t *testing.T, scopes string) *domain.AuthorizationRequest {
	t.Helper()
	req, err := f.o.Request(context.Background(), RequestParams{
		ClientID:            f.client.ID,
		ResponseType:        "code",
		Scope:               scopes,
		CodeChallenge:       pkce.ChallengeS256(testVerifier),
		CodeChallengeMethod: "S256",
		State:               "xyz",
	})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return req
}

// authorize runs Request and AuthorizePrompt and returns the code.
func (f *fixture) authorize(t *testing.T, scopes string, rememberMe bool) string {
	t.Helper()
	req := f.request(t, scopes)
	req, err := f.o.AuthorizePrompt(context.Background(), PromptParams{
		RequestID:  req.ID,
		Email:      testEmail,
		Password:   testPassword,
		RememberMe: rememberMe,
	})
	if err != nil {
		t.Fatalf("AuthorizePrompt failed: %v", err)
	}
	return req.Code()
}

func (f *fixture) grant(t *testing.T, code string) *token.Issued {
	t.Helper()
	issued, err := f.o.AuthorizationCodeGrant(context.Background(), CodeGrantParams{
		ClientID:     f.client.ID,
		Code:         code,
		CodeVerifier: testVerifier,
	})
	if err != nil {
		t.Fatalf("AuthorizationCodeGrant failed: %v", err)
	}
	return issued
}

func (f *fixture) decode(t *testing.T, raw string) *token.Payload {
	t.Helper()
	var p token.Payload
	if err := f.codec.Verify(context.Background(), raw, &p); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	return &p
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if !idperrors.IsCode(err, code) {
		t.Errorf("Expected %s, got %v", code, err)
	}
}

func accessPayload(sub string, now int64) *token.Payload {
	return &token.Payload{
		Aud:   "client-1",
		JTI:   "jti-access",
		Iss:   testIssuer,
		Sub:   sub,
		Iat:   now,
		Exp:   now + 60,
		Scope: scope.MustFromString("task:api token:authenticate"),
	}
}
