package cryptoutils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
)

// PublicKeyDER is a PKIX (SubjectPublicKeyInfo) encoded public key.
type PublicKeyDER []byte

// NewPublicKeyDER marshals a public key and validates that it is an ECDSA key.
func NewPublicKeyDER(pub crypto.PublicKey) (PublicKeyDER, error) {
	if _, ok := pub.(*ecdsa.PublicKey); !ok {
		return nil, fmt.Errorf("unsupported public key type: %T", pub)
	}

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return PublicKeyDER(der), nil
}

// Validate checks if the public key is properly formed.
func (pub PublicKeyDER) Validate() error {
	_, err := pub.GetPublicKey()
	return err
}

// GetPublicKey returns the parsed ECDSA public key.
func (pub PublicKeyDER) GetPublicKey() (*ecdsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("invalid public key structure: %w", err)
	}

	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type: %T", parsed)
	}
	return key, nil
}

// Base64 returns the transport encoding used in signed records.
func (pub PublicKeyDER) Base64() string {
	return base64.StdEncoding.EncodeToString(pub)
}

// PEM returns the key in PEM format for display.
func (pub PublicKeyDER) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pub,
	})
}

// Fingerprint returns the SHA-256 of the DER encoding.
func (pub PublicKeyDER) Fingerprint() [32]byte {
	return sha256.Sum256(pub)
}

// ParsePublicKeyBase64 decodes a record public key into its DER form.
func ParsePublicKeyBase64(encoded string) (PublicKeyDER, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}

	pub := PublicKeyDER(der)
	if err := pub.Validate(); err != nil {
		return nil, err
	}
	return pub, nil
}

// EncodeSignature returns the transport encoding of a raw signature.
func EncodeSignature(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

// ErrInvalidSignature is returned when a signature does not verify.
var ErrInvalidSignature = errors.New("invalid signature")

// VerifySignature checks a record signature: an ASN.1 ECDSA signature over
// SHA-256 of the UTF-8 digest string, as produced by the secure elements.
func VerifySignature(publicKey, digest, signature string) error {
	pub, err := ParsePublicKeyBase64(publicKey)
	if err != nil {
		return err
	}

	key, err := pub.GetPublicKey()
	if err != nil {
		return err
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}

	hash := sha256.Sum256([]byte(digest))
	if !ecdsa.VerifyASN1(key, hash[:], sig) {
		return ErrInvalidSignature
	}
	return nil
}

// SignMessage produces the same signature format as the secure elements with a
// software key.
func SignMessage(key *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	hash := sha256.Sum256(message)
	return ecdsa.SignASN1(rand.Reader, key, hash[:])
}

// RandomP256Key generates a software P-256 key.
func RandomP256Key() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}
