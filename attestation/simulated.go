package attestation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
)

const (
	PlaceholderReference = "0xdeadbeef1234567890abcdef1234567890abcdef1234567890abcdef12345678"

	DefaultSimulatedLatency = 250 * time.Millisecond
)

// Simulated acknowledges every submission after a delay, for environments without
// connectivity to an authority.
type Simulated struct {
	Latency time.Duration

	// Unique returns a distinct reference per submission instead of the placeholder.
	Unique bool
}

func NewSimulated() *Simulated {
	return &Simulated{Latency: DefaultSimulatedLatency}
}

func (s *Simulated) Attest(ctx context.Context, req interfaces.AttestationRequest) (string, error) {
	t := time.NewTimer(s.Latency)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.C:
	}

	if !s.Unique {
		return PlaceholderReference, nil
	}

	h := sha256.Sum256([]byte(uuid.NewString() + req.Digest))
	return "0x" + hex.EncodeToString(h[:]), nil
}
