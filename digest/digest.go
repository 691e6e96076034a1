package digest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
	"time"

	"github.com/ruteri/tee-artifact-attestation/interfaces"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Algorithm names a supported 256-bit digest.
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	SHA3_256   Algorithm = "sha3-256"
	BLAKE2b256 Algorithm = "blake2b-256"
)

// ParseAlgorithm resolves a configured algorithm name. An empty name selects SHA-256.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(name)) {
	case "", SHA256:
		return SHA256, nil
	case SHA3_256:
		return SHA3_256, nil
	case BLAKE2b256:
		return BLAKE2b256, nil
	default:
		return "", fmt.Errorf("unsupported digest algorithm: %s", name)
	}
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA256, "":
		return sha256.New(), nil
	case SHA3_256:
		return sha3.New256(), nil
	case BLAKE2b256:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unsupported digest algorithm: %s", a)
	}
}

// Hasher computes real content digests.
type Hasher struct {
	algorithm Algorithm
}

// NewHasher returns a digest provider for the given algorithm.
func NewHasher(algorithm Algorithm) (*Hasher, error) {
	if _, err := algorithm.newHash(); err != nil {
		return nil, err
	}
	return &Hasher{algorithm: algorithm}, nil
}

// NewSHA256 returns the default digest provider.
func NewSHA256() *Hasher {
	return &Hasher{algorithm: SHA256}
}

// Algorithm reports the configured algorithm.
func (h *Hasher) Algorithm() Algorithm {
	return h.algorithm
}

// Digest streams r through the hash and returns the hex encoded sum.
func (h *Hasher) Digest(ctx context.Context, r io.Reader) (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w: nil reader", interfaces.ErrExtractionFailed)
	}

	hh, err := h.algorithm.newHash()
	if err != nil {
		return "", err
	}

	n, err := io.Copy(hh, &contextReader{ctx: ctx, r: r})
	if err != nil {
		return "", fmt.Errorf("%w: %w", interfaces.ErrExtractionFailed, err)
	}
	if n == 0 {
		return "", interfaces.ErrEmptyInput
	}

	return hex.EncodeToString(hh.Sum(nil)), nil
}

// Bytes digests an in-memory payload.
func Bytes(ctx context.Context, p interfaces.DigestProvider, data []byte) (string, error) {
	return p.Digest(ctx, bytes.NewReader(data))
}

// contextReader stops a long read once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// PlaceholderDigest is returned by the simulated provider.
const PlaceholderDigest = "a1b2c3d4e5f6789012345678901234567890abcdef1234567890abcdef12345678"

// DefaultSimulatedLatency mimics the time taken to extract and hash a photo.
const DefaultSimulatedLatency = 200 * time.Millisecond

// Simulated returns a fixed placeholder digest. It only exists for environments that are
// explicitly configured for testing and never computes a real hash.
type Simulated struct {
	Latency time.Duration
}

// NewSimulated returns a simulated provider with the default latency.
func NewSimulated() *Simulated {
	return &Simulated{Latency: DefaultSimulatedLatency}
}

// Digest waits for the configured latency and returns PlaceholderDigest.
func (s *Simulated) Digest(ctx context.Context, r io.Reader) (string, error) {
	if err := sleep(ctx, s.Latency); err != nil {
		return "", err
	}
	return PlaceholderDigest, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
