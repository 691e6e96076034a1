package interfaces

import (
	"context"
	"crypto"
	"io"
)

// DigestProvider computes the content digest of an artifact.
type DigestProvider interface {
	// Digest hashes everything read from r and returns the lowercase hex digest.
	// It fails with ErrEmptyInput when r yields no bytes and with ErrExtractionFailed
	// when r cannot be read.
	Digest(ctx context.Context, r io.Reader) (string, error)
}

// SigningProvider signs a digest and returns the signature with the verifying public key.
type SigningProvider interface {
	Sign(ctx context.Context, digest string) (SignatureResult, error)
}

// AttestationProvider submits a signed digest to an external attestation authority.
type AttestationProvider interface {
	// Attest returns the non-empty transaction reference acknowledged by the authority.
	// Failures are ErrAttestationRejected or ErrAttestationUnreachable.
	Attest(ctx context.Context, req AttestationRequest) (string, error)
}

// ArtifactSource loads artifact bytes from a location.
type ArtifactSource interface {
	Load(ctx context.Context) (Artifact, error)
	LocationURI() string
}

// SecureElement is the hardware boundary holding private keys. Private key material is
// never returned; callers address keys by the identifier returned from CreateKey.
type SecureElement interface {
	// Name returns an identifier for logging.
	Name() string

	// CreateKey creates a P-256 key inside the element. Ephemeral keys are used for
	// capability probes and are deleted by the caller straight away.
	CreateKey(ctx context.Context, label string, ephemeral bool) (string, error)

	// PublicKey exports the public half of a key.
	PublicKey(ctx context.Context, keyID string) (crypto.PublicKey, error)

	// Sign returns an ASN.1 DER ECDSA signature over SHA-256(message).
	Sign(ctx context.Context, keyID string, message []byte) ([]byte, error)

	// DeleteKey removes a key. Deleting an unknown key returns ErrKeyNotFound.
	DeleteKey(ctx context.Context, keyID string) error
}

// KeyStore persists key references under application-scoped tags.
type KeyStore interface {
	// Put stores value under tag. An occupied tag yields ErrKeyExists.
	Put(ctx context.Context, tag string, value []byte) error

	// Get returns the value under tag or ErrKeyNotFound.
	Get(ctx context.Context, tag string) ([]byte, error)

	// Delete removes tag. Deleting an absent tag is not an error.
	Delete(ctx context.Context, tag string) error

	// Name returns an identifier for logging.
	Name() string
}

// QuoteProvider produces platform evidence binding report data to the running host.
type QuoteProvider interface {
	Quote(reportData [64]byte) ([]byte, error)
	Type() string
}
