// Package storetest holds behaviour tests shared by every store backend.
package storetest

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
	"github.com/tendant/simple-authz/internal/store"
)

// Factory returns an empty store. It registers its own cleanup.
type Factory func(t *testing.T) store.Store

// Run runs the shared suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("RotateRefreshTokens", func(t *testing.T) { testRotate(t, newStore(t)) })
	t.Run("ConcurrentRotate", func(t *testing.T) { testConcurrentRotate(t, newStore(t)) })
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore(t)) })
	t.Run("Requests", func(t *testing.T) { testRequests(t, newStore(t)) })
	t.Run("UpdateIsCompareAndSet", func(t *testing.T) { testUpdateCAS(t, newStore(t)) })
	t.Run("RedeemCode", func(t *testing.T) { testRedeem(t, newStore(t)) })
	t.Run("ConcurrentRedeem", func(t *testing.T) { testConcurrentRedeem(t, newStore(t)) })
	t.Run("DeleteExpired", func(t *testing.T) { testDeleteExpired(t, newStore(t)) })
	t.Run("SigningKeys", func(t *testing.T) { testSigningKeys(t, newStore(t)) })
}

const now = 1_700_000_000

func seedClient(t *testing.T, s store.Store) *domain.Client {
	t.Helper()
	client := &domain.Client{
		ID:          "client-1",
		Name:        "Test Client",
		Scope:       scope.MustFromString("task:api token:refresh"),
		RedirectURI: "https://client.example/cb",
	}
	if err := s.Clients().Create(context.Background(), client); err != nil {
		t.Fatalf("Create client failed: %v", err)
	}
	return client
}

func seedUser(t *testing.T, s store.Store) *domain.User {
	t.Helper()
	user := &domain.User{
		ID:           "user-1",
		Email:        "test@example.com",
		PasswordHash: "hashed-password",
	}
	if err := s.Users().Create(context.Background(), user); err != nil {
		t.Fatalf("Create user failed: %v", err)
	}
	return user
}

func newRequest(id string) *domain.AuthorizationRequest {
	return &domain.AuthorizationRequest{
		ID:                  id,
		ClientID:            "client-1",
		RedirectURI:         "https://client.example/cb",
		ResponseType:        domain.ResponseTypeCode,
		State:               "xyz",
		CodeChallenge:       pkce.ChallengeS256("verifier"),
		CodeChallengeMethod: pkce.MethodS256,
		Scope:               scope.MustFromString("task:api token:refresh"),
		Resolution:          domain.ResolutionPending,
		CreatedAt:           time.Unix(now, 0),
	}
}

// seedRequestWithCode stores a request carrying code, issued at now.
func seedRequestWithCode(t *testing.T, s store.Store, id, code string) *domain.AuthorizationRequest {
	t.Helper()
	ctx := context.Background()

	req := newRequest(id)
	if err := s.Requests().Create(ctx, req); err != nil {
		t.Fatalf("Create request failed: %v", err)
	}
	if err := req.IssueAuthorizationCode(code, "user-1", now, 10*time.Minute); err != nil {
		t.Fatalf("IssueAuthorizationCode failed: %v", err)
	}
	if err := s.Requests().Update(ctx, req); err != nil {
		t.Fatalf("Update request failed: %v", err)
	}
	return req
}

func testUsers(t *testing.T, s store.Store) {
	ctx := context.Background()
	repo := s.Users()
	user := seedUser(t, s)

	if user.CreatedAt.IsZero() || user.UpdatedAt.IsZero() {
		t.Error("Timestamps should be set")
	}

	found, err := repo.GetByID(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if found.Email != "test@example.com" {
		t.Errorf("Expected email 'test@example.com', got '%s'", found.Email)
	}

	found, err = repo.GetByEmail(ctx, "test@example.com")
	if err != nil {
		t.Fatalf("GetByEmail failed: %v", err)
	}
	if found.ID != "user-1" {
		t.Errorf("Expected ID 'user-1', got '%s'", found.ID)
	}

	found.EmailVerified = true
	if err := repo.Update(ctx, found); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	found, _ = repo.GetByID(ctx, "user-1")
	if !found.EmailVerified {
		t.Error("Update should persist EmailVerified")
	}

	if err := repo.Create(ctx, &domain.User{ID: "user-1", Email: "other@example.com"}); !idperrors.IsCode(err, idperrors.CodeAlreadyExists) {
		t.Errorf("Expected already_exists for duplicate id, got %v", err)
	}
	if err := repo.Create(ctx, &domain.User{ID: "user-2", Email: "test@example.com"}); !idperrors.IsCode(err, idperrors.CodeAlreadyExists) {
		t.Errorf("Expected already_exists for duplicate email, got %v", err)
	}
	if _, err := repo.GetByID(ctx, "missing"); !idperrors.IsCode(err, idperrors.CodeNotFound) {
		t.Errorf("Expected not_found, got %v", err)
	}
	if _, err := repo.GetByEmail(ctx, "missing@example.com"); !idperrors.IsCode(err, idperrors.CodeNotFound) {
		t.Errorf("Expected not_found, got %v", err)
	}
	if err := repo.Update(ctx, &domain.User{ID: "missing"}); !idperrors.IsCode(err, idperrors.CodeNotFound) {
		t.Errorf("Expected not_found on update, got %v", err)
	}
}

func testRotate(t *testing.T, s store.Store) {
	ctx := context.Background()
	repo := s.Users()
	seedUser(t, s)

	first := &domain.RefreshTokenRecord{JTI: "jti-1", Aud: "client-1", Exp: now + 100}
	if err := repo.RotateRefreshTokens(ctx, "user-1", "", first, now); err != nil {
		t.Fatalf("Initial rotate failed: %v", err)
	}

	second := &domain.RefreshTokenRecord{JTI: "jti-2", Aud: "client-1", Exp: now + 200}
	if err := repo.RotateRefreshTokens(ctx, "user-1", "jti-1", second, now+10); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	user, err := repo.GetByID(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if user.HasRefreshToken("jti-1", now+10) {
		t.Error("Spent jti should be gone")
	}
	if !user.HasRefreshToken("jti-2", now+10) {
		t.Error("New jti should be present")
	}

	err = repo.RotateRefreshTokens(ctx, "user-1", "jti-1", &domain.RefreshTokenRecord{JTI: "jti-3", Exp: now + 300}, now+20)
	if !idperrors.IsCode(err, idperrors.CodeTokenInvalid) {
		t.Errorf("Replay should fail with token_invalid, got %v", err)
	}

	user, _ = repo.GetByID(ctx, "user-1")
	if user.HasRefreshToken("jti-3", now+20) {
		t.Error("Failed rotation must not add the new record")
	}

	// Returned users are copies.
	user.RefreshTokens = nil
	again, _ := repo.GetByID(ctx, "user-1")
	if len(again.RefreshTokens) != 1 {
		t.Error("Mutating a returned user must not change the store")
	}
}

func testConcurrentRotate(t *testing.T, s store.Store) {
	ctx := context.Background()
	repo := s.Users()
	seedUser(t, s)

	if err := repo.RotateRefreshTokens(ctx, "user-1", "", &domain.RefreshTokenRecord{JTI: "spent", Exp: now + 100}, now); err != nil {
		t.Fatal(err)
	}

	const n = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := &domain.RefreshTokenRecord{JTI: "new-" + string(rune('a'+i)), Exp: now + 100}
			err := repo.RotateRefreshTokens(ctx, "user-1", "spent", rec, now)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else if !idperrors.IsCode(err, idperrors.CodeTokenInvalid) {
				t.Errorf("Unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("Expected exactly 1 successful rotation, got %d", successes)
	}

	user, _ := repo.GetByID(ctx, "user-1")
	if len(user.RefreshTokens) != 1 {
		t.Errorf("Expected exactly 1 live record, got %d", len(user.RefreshTokens))
	}
}

func testClients(t *testing.T, s store.Store) {
	ctx := context.Background()
	repo := s.Clients()
	seedClient(t, s)

	found, err := repo.GetByID(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if found.Name != "Test Client" || found.RedirectURI != "https://client.example/cb" {
		t.Errorf("Unexpected client %+v", found)
	}
	if !found.Scope.Equal(scope.MustFromString("task:api token:refresh")) {
		t.Errorf("Scope did not survive storage: %q", found.Scope)
	}

	if err := repo.Create(ctx, &domain.Client{ID: "client-1"}); !idperrors.IsCode(err, idperrors.CodeAlreadyExists) {
		t.Errorf("Expected already_exists, got %v", err)
	}
	if _, err := repo.GetByID(ctx, "missing"); !idperrors.IsCode(err, idperrors.CodeNotFound) {
		t.Errorf("Expected not_found, got %v", err)
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("Expected 1 client, got %d", len(list))
	}
}

func testRequests(t *testing.T, s store.Store) {
	ctx := context.Background()
	repo := s.Requests()

	req := newRequest("req-1")
	if err := repo.Create(ctx, req); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.Create(ctx, newRequest("req-1")); !idperrors.IsCode(err, idperrors.CodeAlreadyExists) {
		t.Errorf("Expected already_exists, got %v", err)
	}

	found, err := repo.GetByID(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if found.Resolution != domain.ResolutionPending || found.AuthorizationCode != nil {
		t.Errorf("New request should be pending without code: %+v", found)
	}
	if found.State != "xyz" || found.CodeChallengeMethod != pkce.MethodS256 {
		t.Errorf("Fields did not survive storage: %+v", found)
	}
	if !found.Scope.Equal(req.Scope) {
		t.Errorf("Scope mismatch: %q", found.Scope)
	}

	if _, err := repo.GetByCode(ctx, "code-1"); !idperrors.IsCode(err, idperrors.CodeNotFound) {
		t.Errorf("Expected not_found before a code is issued, got %v", err)
	}

	if err := found.IssueAuthorizationCode("code-1", "user-1", now, 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := repo.Update(ctx, found); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	byCode, err := repo.GetByCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("GetByCode failed: %v", err)
	}
	if byCode.ID != "req-1" || byCode.AuthorizationCode.Sub != "user-1" {
		t.Errorf("Unexpected request by code: %+v", byCode)
	}
	if byCode.AuthorizationCode.Expires != now+600 {
		t.Errorf("Expected expires=%d, got %d", now+600, byCode.AuthorizationCode.Expires)
	}

	if _, err := repo.GetByID(ctx, "missing"); !idperrors.IsCode(err, idperrors.CodeNotFound) {
		t.Errorf("Expected not_found, got %v", err)
	}
	if err := repo.Update(ctx, newRequest("missing")); !idperrors.IsCode(err, idperrors.CodeNotFound) {
		t.Errorf("Expected not_found on update, got %v", err)
	}
}

func testUpdateCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	repo := s.Requests()

	if err := repo.Create(ctx, newRequest("req-1")); err != nil {
		t.Fatal(err)
	}

	// Two prompts load the same pending request.
	a, _ := repo.GetByID(ctx, "req-1")
	b, _ := repo.GetByID(ctx, "req-1")

	if err := a.IssueAuthorizationCode("code-a", "user-1", now, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := b.IssueAuthorizationCode("code-b", "user-1", now, time.Minute); err != nil {
		t.Fatal(err)
	}

	if err := repo.Update(ctx, a); err != nil {
		t.Fatalf("First update failed: %v", err)
	}
	if err := repo.Update(ctx, b); !idperrors.IsCode(err, idperrors.CodeInvalidRequest) {
		t.Errorf("Second update should fail with invalid_request, got %v", err)
	}

	if _, err := repo.GetByCode(ctx, "code-b"); !idperrors.IsCode(err, idperrors.CodeNotFound) {
		t.Errorf("Losing code must not be stored, got %v", err)
	}

	// A second request may not reuse an existing code string.
	if err := repo.Create(ctx, newRequest("req-2")); err != nil {
		t.Fatal(err)
	}
	c, _ := repo.GetByID(ctx, "req-2")
	if err := c.IssueAuthorizationCode("code-a", "user-1", now, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := repo.Update(ctx, c); !idperrors.IsCode(err, idperrors.CodeAlreadyExists) {
		t.Errorf("Duplicate code should fail with already_exists, got %v", err)
	}
}

func testRedeem(t *testing.T, s store.Store) {
	ctx := context.Background()
	repo := s.Requests()
	seedRequestWithCode(t, s, "req-1", "code-1")
	clk := clock.NewManual(now + 30)

	redeemed, err := repo.RedeemCodeAtomically(ctx, "code-1", clk)
	if err != nil {
		t.Fatalf("RedeemCodeAtomically failed: %v", err)
	}
	if redeemed.AuthorizationCode.Exchange == nil || *redeemed.AuthorizationCode.Exchange != now+30 {
		t.Errorf("Expected exchange=%d", now+30)
	}

	stored, _ := repo.GetByID(ctx, "req-1")
	if !stored.AuthorizationCode.IsExchanged() {
		t.Error("Exchange should be persisted")
	}

	if _, err := repo.RedeemCodeAtomically(ctx, "code-1", clk); !idperrors.IsCode(err, idperrors.CodeAuthorizationCodeInvalid) {
		t.Errorf("Second redemption should fail, got %v", err)
	}
	if _, err := repo.RedeemCodeAtomically(ctx, "unknown", clk); !idperrors.IsCode(err, idperrors.CodeAuthorizationCodeInvalid) {
		t.Errorf("Unknown code should fail, got %v", err)
	}

	// Expiry is inclusive: now >= expires fails.
	seedRequestWithCode(t, s, "req-2", "code-2")
	clk.Set(now + 600)
	if _, err := repo.RedeemCodeAtomically(ctx, "code-2", clk); !idperrors.IsCode(err, idperrors.CodeAuthorizationCodeInvalid) {
		t.Errorf("Expired code should fail, got %v", err)
	}
	stored, _ = repo.GetByID(ctx, "req-2")
	if stored.AuthorizationCode.IsExchanged() {
		t.Error("A failed redemption must not set exchange")
	}
}

func testConcurrentRedeem(t *testing.T, s store.Store) {
	ctx := context.Background()
	repo := s.Requests()
	seedRequestWithCode(t, s, "req-1", "code-1")
	clk := clock.NewManual(now + 1)

	const n = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := repo.RedeemCodeAtomically(ctx, "code-1", clk)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case idperrors.IsCode(err, idperrors.CodeAuthorizationCodeInvalid):
				failures++
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 || failures != n-1 {
		t.Errorf("Expected 1 success and %d failures, got %d and %d", n-1, successes, failures)
	}
}

func testDeleteExpired(t *testing.T, s store.Store) {
	ctx := context.Background()
	repo := s.Requests()

	// Pending, created at now.
	if err := repo.Create(ctx, newRequest("pending")); err != nil {
		t.Fatal(err)
	}
	// Carries a code expiring at now+600.
	seedRequestWithCode(t, s, "coded", "code-1")

	removed, err := repo.DeleteExpired(ctx, now+60, 10*time.Minute)
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("Nothing should be stale yet, removed %d", removed)
	}

	removed, err = repo.DeleteExpired(ctx, now+600, 10*time.Minute)
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 stale requests, removed %d", removed)
	}
	if _, err := repo.GetByCode(ctx, "code-1"); !idperrors.IsCode(err, idperrors.CodeNotFound) {
		t.Errorf("Code index should be cleared, got %v", err)
	}
}

func testSigningKeys(t *testing.T, s store.Store) {
	ctx := context.Background()
	ks := crypto.NewKeyService(s.SigningKeys())

	first, err := ks.EnsureActiveKey(ctx)
	if err != nil {
		t.Fatalf("EnsureActiveKey failed: %v", err)
	}

	active, err := ks.GetActiveKey(ctx)
	if err != nil {
		t.Fatalf("GetActiveKey failed: %v", err)
	}
	if active.Kid != first.Kid || active.PrivateKey == nil {
		t.Error("Active key should be restored with its private key")
	}

	second, err := ks.RotateKey(ctx, time.Hour)
	if err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}

	jwks, err := ks.GetJWKS(ctx)
	if err != nil {
		t.Fatalf("GetJWKS failed: %v", err)
	}
	if len(jwks.Keys) != 2 {
		t.Errorf("Expected 2 keys, got %d", len(jwks.Keys))
	}

	active, _ = ks.GetActiveKey(ctx)
	if active.Kid != second.Kid {
		t.Error("Rotated key should be active")
	}

	if err := s.SigningKeys().Delete(ctx, "missing"); !idperrors.IsCode(err, idperrors.CodeNotFound) {
		t.Errorf("Expected not_found, got %v", err)
	}
}
