package attestation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ruteri/tee-artifact-attestation/api/authority"
	appcommon "github.com/ruteri/tee-artifact-attestation/common"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
)

// FactoryOpts carries the secrets and collaborators that do not belong in a location URI.
type FactoryOpts struct {
	Log *slog.Logger

	// EthPrivateKey is the hex encoded key paying for registry transactions.
	EthPrivateKey string

	// QuoteProvider attaches platform evidence to authority submissions.
	QuoteProvider interfaces.QuoteProvider
}

// NewFromURI creates an attestation provider from a location URI.
//
// Supported schemes:
//   - simulated://?latency=250ms&unique=true
//   - eth://rpc.example.com:8545/0xRegistryAddress?tls=false
//   - ipfs://127.0.0.1:5001?timeout=30s
//   - https://authority.example.com
//   - srv://example.com?scheme=https&nameserver=127.0.0.53:53
func NewFromURI(uri string, opts FactoryOpts) (interfaces.AttestationProvider, error) {
	loc, err := interfaces.NewLocation(uri, "simulated", "eth", "ipfs", "http", "https", "srv")
	if err != nil {
		return nil, err
	}

	log := appcommon.LoggerOrDiscard(opts.Log)

	switch loc.Scheme {
	case "simulated":
		s := NewSimulated()
		if latency := loc.GetParam("latency"); latency != "" {
			d, err := time.ParseDuration(latency)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid latency: %v", interfaces.ErrInvalidLocationURI, err)
			}
			s.Latency = d
		}
		s.Unique = loc.GetParamBool("unique")
		return s, nil
	case "eth":
		return onchainFromLocation(loc, opts.EthPrivateKey, log)
	case "ipfs":
		timeout, err := time.ParseDuration(loc.GetParamDefault("timeout", "30s"))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout: %v", interfaces.ErrInvalidLocationURI, err)
		}
		return NewIPFS(loc.Host, timeout, log), nil
	case "http", "https":
		client := authority.NewClient(strings.TrimSuffix(loc.Raw, "/"), log)
		client.QuoteProvider = opts.QuoteProvider
		return client, nil
	case "srv":
		resolver := &authority.Resolver{
			Nameserver: loc.GetParam("nameserver"),
			Scheme:     loc.GetParamDefault("scheme", "https"),
		}
		client := authority.NewDiscoveringClient(loc.Host, resolver, log)
		client.QuoteProvider = opts.QuoteProvider
		return client, nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

func onchainFromLocation(loc interfaces.Location, privateKey string, log *slog.Logger) (*Onchain, error) {
	registry := strings.Trim(loc.Path, "/")
	if !common.IsHexAddress(registry) {
		return nil, fmt.Errorf("%w: invalid registry address %q", interfaces.ErrInvalidLocationURI, registry)
	}
	if privateKey == "" {
		return nil, fmt.Errorf("on-chain attestation requires a private key")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	scheme := "https"
	if loc.GetParam("tls") == "false" {
		scheme = "http"
	}

	client, err := ethclient.Dial(fmt.Sprintf("%s://%s", scheme, loc.Host))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrAttestationUnreachable, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: could not fetch chain id: %w", interfaces.ErrAttestationUnreachable, err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, err
	}

	return NewOnchain(client, common.HexToAddress(registry), auth, log)
}
