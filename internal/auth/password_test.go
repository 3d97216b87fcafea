package auth

import (
	"fmt"
	"strings"
	"testing"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

func TestHashPasswordFormat(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}

	want := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$", argon2.Version, argonMemory, argonTime, argonThreads)
	if !strings.HasPrefix(hash, want) {
		t.Errorf("Expected prefix %q, got %q", want, hash)
	}

	other, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if hash == other {
		t.Error("Hashes of the same password must differ by salt")
	}
}

func TestVerifyPasswordArgon2(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	emptyHash, err := HashPassword("")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}

	tests := []struct {
		name     string
		password string
		hash     string
		want     bool
	}{
		{"matching", "s3cret", hash, true},
		{"wrong password", "S3cret", hash, false},
		{"empty against non-empty", "", hash, false},
		{"empty password", "", emptyHash, true},
		{"non-empty against empty", "s3cret", emptyHash, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := VerifyPassword(tt.password, tt.hash)
			if err != nil {
				t.Fatalf("VerifyPassword failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("VerifyPassword() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	for _, hash := range []string{
		"",
		"plaintext",
		"$scrypt$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536",
		"$argon2id$v=18$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=1,p=4$!!!$aGFzaA",
	} {
		if _, err := VerifyPassword("password", hash); err == nil {
			t.Errorf("Expected error for hash %q", hash)
		}
	}
}

func TestVerifyPasswordBcrypt(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("legacy-password"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt failed: %v", err)
	}

	valid, err := VerifyPassword("legacy-password", string(hash))
	if err != nil {
		t.Fatalf("VerifyPassword failed: %v", err)
	}
	if !valid {
		t.Error("bcrypt hash should verify")
	}

	valid, err = VerifyPassword("other", string(hash))
	if err != nil {
		t.Fatalf("VerifyPassword failed: %v", err)
	}
	if valid {
		t.Error("Wrong password should not verify against bcrypt hash")
	}

	if _, err := VerifyPassword("x", "$2a$10$short"); err == nil {
		t.Error("Truncated bcrypt hash should fail to parse")
	}
}

func TestHasher(t *testing.T) {
	var h Hasher

	hash, err := h.Hash("s3cret")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	ok, err := h.Verify("s3cret", hash)
	if err != nil || !ok {
		t.Errorf("Verify(s3cret) = %v, %v", ok, err)
	}
}

func BenchmarkHashPassword(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = HashPassword("benchmarkpassword")
	}
}

func BenchmarkVerifyPassword(b *testing.B) {
	hash, _ := HashPassword("benchmarkpassword")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = VerifyPassword("benchmarkpassword", hash)
	}
}
