package crypto

import (
	"encoding/base64"
)

// JWKS represents a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a public EC JSON Web Key.
type JWK struct {
	Kty string `json:"kty"` // "EC"
	Use string `json:"use"` // "sig"
	Kid string `json:"kid"`
	Alg string `json:"alg"` // "ES512"
	Crv string `json:"crv"` // "P-521"
	X   string `json:"x"`
	Y   string `json:"y"`
}

// ToJWK converts a KeyPair to a JWK (public key only).
func (kp *KeyPair) ToJWK() (JWK, error) {
	x, y, err := kp.coordinates()
	if err != nil {
		return JWK{}, err
	}
	return JWK{
		Kty: KeyType,
		Use: KeyUse,
		Kid: kp.Kid,
		Alg: kp.Alg,
		Crv: Curve,
		X:   base64URLEncode(x),
		Y:   base64URLEncode(y),
	}, nil
}

// base64URLEncode encodes bytes to base64url without padding.
func base64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}
