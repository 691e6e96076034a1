package kms

import (
	"context"
	"log/slog"
	"time"

	"github.com/ruteri/tee-artifact-attestation/common"
	"github.com/ruteri/tee-artifact-attestation/cryptoutils"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
)

// HardwareSigner signs digests with the KeyManager keypair, generating it on first use.
type HardwareSigner struct {
	keys *KeyManager
	log  *slog.Logger
}

func NewHardwareSigner(keys *KeyManager, log *slog.Logger) *HardwareSigner {
	return &HardwareSigner{keys: keys, log: common.LoggerOrDiscard(log)}
}

func (s *HardwareSigner) Sign(ctx context.Context, digest string) (interfaces.SignatureResult, error) {
	// GenerateKeypair is serialized and returns the existing key when a concurrent
	// caller created it first.
	if !s.keys.HasKeypair() {
		s.log.Info("No keypair yet, generating one before signing")
		if _, err := s.keys.GenerateKeypair(ctx); err != nil {
			return interfaces.SignatureResult{}, err
		}
	}

	sig, err := s.keys.Sign(ctx, digest)
	if err != nil {
		return interfaces.SignatureResult{}, err
	}

	pub, err := s.keys.PublicKeyRepresentation(ctx)
	if err != nil {
		return interfaces.SignatureResult{}, err
	}

	return interfaces.SignatureResult{
		Signature: cryptoutils.EncodeSignature(sig),
		PublicKey: pub,
	}, nil
}

const (
	PlaceholderSignature = "dummy_signature_1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"
	PlaceholderPublicKey = "dummy_public_key_1234567890abcdef1234567890abcdef1234567890abcdef"

	DefaultSimulatedSigningLatency = 300 * time.Millisecond
)

// SimulatedSigner returns a fixed placeholder signature and never touches hardware.
type SimulatedSigner struct {
	Latency time.Duration
}

func NewSimulatedSigner() *SimulatedSigner {
	return &SimulatedSigner{Latency: DefaultSimulatedSigningLatency}
}

func (s *SimulatedSigner) Sign(ctx context.Context, digest string) (interfaces.SignatureResult, error) {
	t := time.NewTimer(s.Latency)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return interfaces.SignatureResult{}, ctx.Err()
	case <-t.C:
	}

	return interfaces.SignatureResult{
		Signature: PlaceholderSignature,
		PublicKey: PlaceholderPublicKey,
	}, nil
}
