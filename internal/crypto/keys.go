// Package crypto provides ES512 key management, the JWT token codec and JWKS.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

const (
	// Algorithm is the JWT signing algorithm.
	Algorithm = "ES512"
	// KeyType is the JWK key type.
	KeyType = "EC"
	// Curve is the JWK curve name for P-521.
	Curve = "P-521"
	// KeyUse is the JWK key use.
	KeyUse = "sig"

	// coordinateSize is the byte length of a P-521 field element.
	coordinateSize = 66
)

// KeyPair represents an ECDSA P-521 key pair for JWT signing.
type KeyPair struct {
	Kid        string            `json:"kid"`
	Alg        string            `json:"alg"`
	PrivateKey *ecdsa.PrivateKey `json:"-"`
	PublicKey  *ecdsa.PublicKey  `json:"-"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	Active     bool              `json:"active"`

	// For serialization
	PrivateKeyPEM []byte `json:"private_key_pem,omitempty"`
	PublicKeyPEM  []byte `json:"public_key_pem,omitempty"`
}

// GenerateKeyPair generates a new P-521 key pair with a random key ID.
func GenerateKeyPair() (*KeyPair, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate EC key: %w", err)
	}

	kp := &KeyPair{
		Kid:        uuid.New().String(),
		Alg:        Algorithm,
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
		CreatedAt:  time.Now(),
		Active:     true,
	}

	if err := kp.serializeToPEM(); err != nil {
		return nil, err
	}

	return kp, nil
}

// LoadKeyPairFromPEM builds a key pair from a PEM encoded P-521 private key.
// Both SEC 1 ("EC PRIVATE KEY") and PKCS #8 encodings are accepted. The key
// ID is the RFC 7638 thumbprint of the public key, so it is stable across
// restarts.
func LoadKeyPairFromPEM(data []byte) (*KeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	privateKey, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	kp := &KeyPair{
		Alg:        Algorithm,
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
		CreatedAt:  time.Now(),
		Active:     true,
	}
	if err := kp.serializeToPEM(); err != nil {
		return nil, err
	}

	kid, err := kp.Thumbprint()
	if err != nil {
		return nil, err
	}
	kp.Kid = kid

	return kp, nil
}

// LoadKeyPairFromFile reads a PEM file and calls LoadKeyPairFromPEM.
func LoadKeyPairFromFile(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return LoadKeyPairFromPEM(data)
}

func parsePrivateKey(der []byte) (*ecdsa.PrivateKey, error) {
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return checkCurve(key)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an ECDSA private key")
	}
	return checkCurve(key)
}

func checkCurve(key *ecdsa.PrivateKey) (*ecdsa.PrivateKey, error) {
	if key.Curve != elliptic.P521() {
		return nil, fmt.Errorf("signing key must use curve %s, got %s", Curve, key.Curve.Params().Name)
	}
	return key, nil
}

// serializeToPEM converts the keys to PEM format for storage.
func (kp *KeyPair) serializeToPEM() error {
	privateKeyBytes, err := x509.MarshalECPrivateKey(kp.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	kp.PrivateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privateKeyBytes,
	})

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(kp.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}
	kp.PublicKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicKeyBytes,
	})

	return nil
}

// LoadFromPEM restores the EC keys from PEM format after deserialization.
func (kp *KeyPair) LoadFromPEM() error {
	if kp.PrivateKeyPEM == nil || kp.PublicKeyPEM == nil {
		return fmt.Errorf("PEM data is missing")
	}

	block, _ := pem.Decode(kp.PrivateKeyPEM)
	if block == nil {
		return fmt.Errorf("failed to decode private key PEM")
	}
	privateKey, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return err
	}
	kp.PrivateKey = privateKey

	block, _ = pem.Decode(kp.PublicKeyPEM)
	if block == nil {
		return fmt.Errorf("failed to decode public key PEM")
	}
	publicKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse public key: %w", err)
	}
	ecPublicKey, ok := publicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("not an EC public key")
	}
	kp.PublicKey = ecPublicKey

	return nil
}

// coordinates returns the fixed-width X and Y of the public key.
func (kp *KeyPair) coordinates() (x, y []byte, err error) {
	pub, err := kp.PublicKey.ECDH()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to convert public key: %w", err)
	}
	raw := pub.Bytes() // 0x04 || X || Y
	if len(raw) != 1+2*coordinateSize {
		return nil, nil, fmt.Errorf("unexpected public key length %d", len(raw))
	}
	return raw[1 : 1+coordinateSize], raw[1+coordinateSize:], nil
}

// Thumbprint returns the RFC 7638 JWK thumbprint of the public key.
func (kp *KeyPair) Thumbprint() (string, error) {
	x, y, err := kp.coordinates()
	if err != nil {
		return "", err
	}

	// Members in lexicographic order, no whitespace.
	canonical, err := json.Marshal(struct {
		Crv string `json:"crv"`
		Kty string `json:"kty"`
		X   string `json:"x"`
		Y   string `json:"y"`
	}{Curve, KeyType, base64URLEncode(x), base64URLEncode(y)})
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)
	return base64URLEncode(sum[:]), nil
}

// ExpiredAt reports whether the key is past its ExpiresAt at now. Keys
// without an expiry never expire.
func (kp *KeyPair) ExpiredAt(now time.Time) bool {
	if kp.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(kp.ExpiresAt)
}
