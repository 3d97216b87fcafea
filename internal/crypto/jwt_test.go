package crypto

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tendant/simple-authz/internal/clock"
	idperrors "github.com/tendant/simple-authz/internal/errors"
)

func newClaims(now time.Time, ttl time.Duration) *jwt.RegisteredClaims {
	return &jwt.RegisteredClaims{
		Issuer:    "https://issuer.example.com",
		Subject:   "user-123",
		Audience:  jwt.ClaimStrings{"client-1"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        "jti-1",
	}
}

func TestSignAndVerify(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	clk := clock.NewManual(1_700_000_000)
	codec := NewTokenCodec(keyPair, WithClock(clk))

	tokenString, err := codec.Sign(context.Background(), newClaims(clock.Time(clk), 15*time.Minute))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		t.Fatalf("Token should have 3 parts, got %d", len(parts))
	}

	var parsed jwt.RegisteredClaims
	if err := codec.Verify(context.Background(), tokenString, &parsed); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	if parsed.Subject != "user-123" {
		t.Errorf("Expected subject 'user-123', got '%s'", parsed.Subject)
	}
	if parsed.Issuer != "https://issuer.example.com" {
		t.Errorf("Expected issuer 'https://issuer.example.com', got '%s'", parsed.Issuer)
	}
	if parsed.ID != "jti-1" {
		t.Errorf("Expected jti 'jti-1', got '%s'", parsed.ID)
	}
}

func TestTokenHeader(t *testing.T) {
	keyPair, _ := GenerateKeyPair()
	codec := NewTokenCodec(keyPair)

	tokenString, err := codec.Sign(context.Background(), newClaims(time.Now(), time.Minute))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(strings.Split(tokenString, ".")[0])
	if err != nil {
		t.Fatalf("Failed to decode header: %v", err)
	}

	var header map[string]any
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		t.Fatalf("Failed to parse header: %v", err)
	}

	if header["alg"] != "ES512" {
		t.Errorf("Expected alg ES512, got %v", header["alg"])
	}
	if header["kid"] != keyPair.Kid {
		t.Errorf("Token kid mismatch: expected %s, got %v", keyPair.Kid, header["kid"])
	}
	if codec.KeyID(context.Background()) != keyPair.Kid {
		t.Errorf("KeyID mismatch: expected %s, got %s", keyPair.Kid, codec.KeyID(context.Background()))
	}
}

func TestVerifyExpiredUsesClock(t *testing.T) {
	keyPair, _ := GenerateKeyPair()
	clk := clock.NewManual(1_700_000_000)
	codec := NewTokenCodec(keyPair, WithClock(clk))

	tokenString, err := codec.Sign(context.Background(), newClaims(clock.Time(clk), time.Minute))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	clk.Advance(59 * time.Second)
	if err := codec.Verify(context.Background(), tokenString, &jwt.RegisteredClaims{}); err != nil {
		t.Fatalf("Token should still be valid: %v", err)
	}

	clk.Advance(time.Second)
	err = codec.Verify(context.Background(), tokenString, &jwt.RegisteredClaims{})
	if !idperrors.IsCode(err, idperrors.CodeTokenExpired) {
		t.Errorf("Expected token_expired at exp, got %v", err)
	}
}

func TestVerifyWrongKey(t *testing.T) {
	keyPair1, _ := GenerateKeyPair()
	keyPair2, _ := GenerateKeyPair()

	tokenString, err := NewTokenCodec(keyPair1).Sign(context.Background(), newClaims(time.Now(), time.Minute))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	err = NewTokenCodec(keyPair2).Verify(context.Background(), tokenString, &jwt.RegisteredClaims{})
	if !idperrors.IsCode(err, idperrors.CodeTokenInvalid) {
		t.Errorf("Expected token_invalid for unknown kid, got %v", err)
	}

	// Same kid, different key material: signature check must fail.
	keyPair2.Kid = keyPair1.Kid
	err = NewTokenCodec(keyPair2).Verify(context.Background(), tokenString, &jwt.RegisteredClaims{})
	if !idperrors.IsCode(err, idperrors.CodeTokenInvalid) {
		t.Errorf("Expected token_invalid for bad signature, got %v", err)
	}
}

func TestVerifyInvalid(t *testing.T) {
	keyPair, _ := GenerateKeyPair()
	codec := NewTokenCodec(keyPair)

	tests := []struct {
		name  string
		token string
		code  string
	}{
		{"empty", "", idperrors.CodeTokenMalformed},
		{"garbage", "not-a-jwt", idperrors.CodeTokenMalformed},
		{"incomplete", "eyJhbGciOiJFUzUxMiJ9.eyJzdWIiOiIxMjM0NTY3ODkwIn0", idperrors.CodeTokenMalformed},
		{"tampered", "eyJhbGciOiJFUzUxMiIsImtpZCI6InRlc3QifQ.eyJzdWIiOiIxMjM0NTY3ODkwIn0.tampered", idperrors.CodeTokenInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := codec.Verify(context.Background(), tt.token, &jwt.RegisteredClaims{})
			if !idperrors.IsCode(err, tt.code) {
				t.Errorf("Expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestVerifyRejectsOtherAlgorithms(t *testing.T) {
	keyPair, _ := GenerateKeyPair()
	codec := NewTokenCodec(keyPair)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, newClaims(time.Now(), time.Minute))
	token.Header["kid"] = keyPair.Kid
	tokenString, err := token.SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("Failed to sign HS256 token: %v", err)
	}

	err = codec.Verify(context.Background(), tokenString, &jwt.RegisteredClaims{})
	if !idperrors.IsCode(err, idperrors.CodeTokenInvalid) {
		t.Errorf("Expected token_invalid for HS256 token, got %v", err)
	}
}

func TestVerifyWithKeyServiceAfterRotation(t *testing.T) {
	ctx := context.Background()
	ks := NewKeyService(newFakeKeyRepository())

	oldKey, err := ks.EnsureActiveKey(ctx)
	if err != nil {
		t.Fatalf("EnsureActiveKey failed: %v", err)
	}

	tokenString, err := NewTokenCodec(oldKey).Sign(ctx, newClaims(time.Now(), time.Minute))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	newKey, err := ks.RotateKey(ctx, time.Hour)
	if err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}

	codec := NewTokenCodec(newKey, WithKeyService(ks))
	if err := codec.Verify(ctx, tokenString, &jwt.RegisteredClaims{}); err != nil {
		t.Errorf("Token signed by the previous key should verify: %v", err)
	}
}

func TestSignFollowsRotation(t *testing.T) {
	ctx := context.Background()
	ks := NewKeyService(newFakeKeyRepository())

	first, err := ks.EnsureActiveKey(ctx)
	if err != nil {
		t.Fatalf("EnsureActiveKey failed: %v", err)
	}
	codec := NewTokenCodec(first, WithKeyService(ks))

	if got := codec.KeyID(ctx); got != first.Kid {
		t.Errorf("Expected kid %s before rotation, got %s", first.Kid, got)
	}

	rotated, err := ks.RotateKey(ctx, time.Hour)
	if err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}

	tokenString, err := codec.Sign(ctx, newClaims(time.Now(), time.Minute))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(tokenString, &jwt.RegisteredClaims{})
	if err != nil {
		t.Fatalf("ParseUnverified failed: %v", err)
	}
	if parsed.Header["kid"] != rotated.Kid {
		t.Errorf("Expected token signed by rotated key %s, got %v", rotated.Kid, parsed.Header["kid"])
	}
	if err := codec.Verify(ctx, tokenString, &jwt.RegisteredClaims{}); err != nil {
		t.Errorf("Token signed by the rotated key should verify: %v", err)
	}
}

func TestVerifyRejectsRetiredKey(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Now().Unix())
	ks := NewKeyService(newFakeKeyRepository(), WithKeyClock(clk))

	oldKey, err := ks.EnsureActiveKey(ctx)
	if err != nil {
		t.Fatalf("EnsureActiveKey failed: %v", err)
	}
	tokenString, err := NewTokenCodec(oldKey).Sign(ctx, newClaims(clock.Time(clk), 2*time.Hour))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	newKey, err := ks.RotateKey(ctx, time.Hour)
	if err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}
	codec := NewTokenCodec(newKey, WithKeyService(ks), WithClock(clk))

	clk.Advance(time.Hour)
	err = codec.Verify(ctx, tokenString, &jwt.RegisteredClaims{})
	if !idperrors.IsCode(err, idperrors.CodeTokenInvalid) {
		t.Errorf("Expected token_invalid once the signing key retired, got %v", err)
	}
}
