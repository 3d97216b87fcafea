// Package pkce verifies RFC 7636 code verifiers against stored challenges.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	idperrors "github.com/tendant/simple-authz/internal/errors"
)

// Method is a code challenge method.
type Method string

const (
	MethodS256  Method = "S256"
	MethodPlain Method = "plain"
)

// Params is the input to Verify.
type Params struct {
	CodeChallenge string
	CodeVerifier  string
	Method        Method
}

// ParseMethod validates a code_challenge_method parameter. An empty value means plain.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "", MethodPlain:
		return MethodPlain, nil
	case MethodS256:
		return MethodS256, nil
	default:
		return "", idperrors.InvalidRequest(fmt.Sprintf("code_challenge_method must be 'S256' or 'plain', got '%s'", s))
	}
}

// ChallengeS256 derives the S256 challenge for a verifier.
func ChallengeS256(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// Verify reports whether p.CodeVerifier matches p.CodeChallenge under p.Method.
// It never returns an error; unknown methods and empty inputs do not verify.
func Verify(p Params) bool {
	if p.CodeChallenge == "" || p.CodeVerifier == "" {
		return false
	}

	switch p.Method {
	case MethodS256:
		computed := ChallengeS256(p.CodeVerifier)
		return subtle.ConstantTimeCompare([]byte(computed), []byte(p.CodeChallenge)) == 1
	case MethodPlain:
		return p.CodeVerifier == p.CodeChallenge
	default:
		return false
	}
}
