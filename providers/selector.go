// Package providers selects hardware backed or simulated providers once per process.
package providers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ruteri/tee-artifact-attestation/attestation"
	"github.com/ruteri/tee-artifact-attestation/common"
	"github.com/ruteri/tee-artifact-attestation/digest"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
	"github.com/ruteri/tee-artifact-attestation/kms"
	"github.com/ruteri/tee-artifact-attestation/metrics"
)

// Options configure provider selection.
type Options struct {
	// Keys is the process wide key manager. When nil one is created from Element and Store.
	Keys    *kms.KeyManager
	Element interfaces.SecureElement
	Store   interfaces.KeyStore
	KeyTag  string

	// DigestAlgorithm selects the real digest. Defaults to SHA-256.
	DigestAlgorithm digest.Algorithm
	// SimulateDigest swaps in the placeholder digest when no hardware is present.
	// It never applies to a hardware backed bundle.
	SimulateDigest bool

	// SimulatedSigningLatency replaces the default delay of the simulated signer.
	SimulatedSigningLatency time.Duration

	// Explicit overrides win over the capability based choice.
	DigestProvider  interfaces.DigestProvider
	SigningProvider interfaces.SigningProvider

	// Attestor defaults to the simulated authority.
	Attestor interfaces.AttestationProvider

	Metrics *metrics.Recorder
	Log     *slog.Logger
}

// Bundle is the fixed set of providers used for the lifetime of a pipeline.
type Bundle struct {
	Digest   interfaces.DigestProvider
	Signer   interfaces.SigningProvider
	Attestor interfaces.AttestationProvider
	Keys     *kms.KeyManager

	// HardwareBacked reports whether Signer signs with the secure element.
	HardwareBacked bool
	KeyState       kms.KeyState
}

var ErrNoKeyManager = errors.New("no key manager, secure element or key store configured")

// Select probes the secure element once and binds the providers accordingly.
func Select(ctx context.Context, opts Options) (*Bundle, error) {
	log := common.LoggerOrDiscard(opts.Log)

	keys := opts.Keys
	if keys == nil {
		if opts.Element == nil || opts.Store == nil {
			return nil, ErrNoKeyManager
		}
		keys = kms.NewKeyManager(opts.Element, opts.Store, kms.KeyManagerOpts{Tag: opts.KeyTag, Log: log, Metrics: opts.Metrics})
	}

	state := keys.ProbeCapability(ctx)
	hardware := state == kms.HardwareAvailableNoKey || state == kms.HardwareAvailableWithKey
	if hardware {
		// A store failure here is not fatal, the key is generated on first use instead.
		if _, err := keys.CheckForExistingKey(ctx); err != nil {
			log.Warn("Failed to load existing keypair", "err", err)
		}
		state = keys.State()
	}

	bundle := &Bundle{Keys: keys, KeyState: state, Attestor: opts.Attestor}

	realDigest, err := digest.NewHasher(opts.DigestAlgorithm)
	if err != nil {
		return nil, err
	}

	switch {
	case opts.DigestProvider != nil:
		bundle.Digest = opts.DigestProvider
	case !hardware && opts.SimulateDigest:
		bundle.Digest = digest.NewSimulated()
	default:
		bundle.Digest = realDigest
	}

	switch {
	case opts.SigningProvider != nil:
		bundle.Signer = opts.SigningProvider
	case hardware:
		bundle.Signer = kms.NewHardwareSigner(keys, log)
		bundle.HardwareBacked = true
	default:
		signer := kms.NewSimulatedSigner()
		if opts.SimulatedSigningLatency > 0 {
			signer.Latency = opts.SimulatedSigningLatency
		}
		bundle.Signer = signer
	}

	if bundle.Attestor == nil {
		bundle.Attestor = attestation.NewSimulated()
	}

	opts.Metrics.SetHardwareBacked(bundle.HardwareBacked)

	log.Info("Selected providers",
		slog.String("key_state", state.String()),
		slog.Bool("hardware_backed", bundle.HardwareBacked),
		slog.String("digest", providerName(bundle.Digest)),
		slog.String("signer", providerName(bundle.Signer)),
		slog.String("attestor", providerName(bundle.Attestor)),
	)

	return bundle, nil
}

func providerName(p any) string {
	switch p := p.(type) {
	case *digest.Hasher:
		return string(p.Algorithm())
	case *digest.Simulated:
		return "simulated"
	case *kms.HardwareSigner:
		return "hardware"
	case *kms.SimulatedSigner:
		return "simulated"
	case *attestation.Simulated:
		return "simulated"
	case *attestation.Onchain:
		return "onchain"
	case *attestation.IPFS:
		return "ipfs"
	default:
		return "custom"
	}
}
