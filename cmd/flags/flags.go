package flags

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tee-artifact-attestation/attestation"
	"github.com/ruteri/tee-artifact-attestation/common"
	"github.com/ruteri/tee-artifact-attestation/config"
	"github.com/ruteri/tee-artifact-attestation/cryptoutils"
	"github.com/ruteri/tee-artifact-attestation/digest"
	"github.com/ruteri/tee-artifact-attestation/enclave"
	"github.com/ruteri/tee-artifact-attestation/httpserver"
	"github.com/ruteri/tee-artifact-attestation/keystore"
	"github.com/ruteri/tee-artifact-attestation/metrics"
	"github.com/ruteri/tee-artifact-attestation/providers"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: cCtx.String(LogServiceFlag.Name),
		Version: common.Version,
	})

	if cCtx.Bool(LogUidFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// LoadConfig reads the optional config file and applies explicitly set flags over it.
func LoadConfig(cCtx *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := cCtx.String(ConfigFlag.Name); path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return cfg, err
		}
	}

	setString := func(flag *cli.StringFlag, dst *string) {
		if cCtx.IsSet(flag.Name) {
			*dst = cCtx.String(flag.Name)
		}
	}
	setBool := func(flag *cli.BoolFlag, dst *bool) {
		if cCtx.IsSet(flag.Name) {
			*dst = cCtx.Bool(flag.Name)
		}
	}

	setString(KeyElementFlag, &cfg.Key.Element)
	setString(KeyStoreFlag, &cfg.Key.Store)
	setString(KeyTagFlag, &cfg.Key.Tag)
	setString(DigestAlgorithmFlag, &cfg.Digest.Algorithm)
	setBool(SimulateDigestFlag, &cfg.Digest.Simulate)
	setString(AttestationURIFlag, &cfg.Attestation.URI)
	setString(EthPrivateKeyFlag, &cfg.Attestation.EthPrivateKey)
	setString(QuoteTypeFlag, &cfg.Attestation.QuoteType)
	setString(QuoteAddressFlag, &cfg.Attestation.QuoteAddress)
	setString(ListenAddrFlag, &cfg.Server.ListenAddr)
	setString(MetricsAddrFlag, &cfg.Server.MetricsAddr)
	setBool(PprofFlag, &cfg.Server.EnablePprof)
	setBool(AuthorityFlag, &cfg.Server.Authority)
	if cCtx.IsSet(DrainSecondsFlag.Name) {
		cfg.Server.DrainDuration = time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second
	}

	return cfg, cfg.Validate()
}

// BuildBundle creates the secure element, key store and attestation provider described
// by cfg and selects the providers.
func BuildBundle(ctx context.Context, cCtx *cli.Context, cfg config.Config, recorder *metrics.Recorder, log *slog.Logger) (*providers.Bundle, error) {
	element, err := enclave.NewFromURI(cfg.Key.Element, cCtx.String(VaultTokenFlag.Name), log)
	if err != nil {
		return nil, fmt.Errorf("failed to create secure element: %w", err)
	}

	store, err := keystore.NewFromURI(cfg.Key.Store, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create key store: %w", err)
	}

	quoteProvider, err := cryptoutils.QuoteProviderFor(cfg.Attestation.QuoteType, cfg.Attestation.QuoteAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to create quote provider: %w", err)
	}

	attestor, err := attestation.NewFromURI(cfg.Attestation.URI, attestation.FactoryOpts{
		Log:           log,
		EthPrivateKey: cfg.Attestation.EthPrivateKey,
		QuoteProvider: quoteProvider,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create attestation provider: %w", err)
	}

	return providers.Select(ctx, providers.Options{
		Element:                 element,
		Store:                   store,
		KeyTag:                  cfg.Key.Tag,
		DigestAlgorithm:         digest.Algorithm(cfg.Digest.Algorithm),
		SimulateDigest:          cfg.Digest.Simulate,
		SimulatedSigningLatency: cfg.Signing.SimulatedLatency,
		Attestor:                attestor,
		Metrics:                 recorder,
		Log:                     log,
	})
}

func ConfigureServer(cfg config.Config, logger *slog.Logger, metricsSrv *metrics.MetricsServer) *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               cfg.Server.ListenAddr,
		MetricsAddr:              cfg.Server.MetricsAddr,
		Metrics:                  metricsSrv,
		Log:                      logger,
		EnablePprof:              cfg.Server.EnablePprof,
		DrainDuration:            cfg.Server.DrainDuration,
		GracefulShutdownDuration: cfg.Server.GracefulShutdown,
		ReadTimeout:              cfg.Server.ReadTimeout,
		WriteTimeout:             cfg.Server.WriteTimeout,
	}
}

var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	EnvVars: []string{"ATTEST_CONFIG"},
	Usage:   "path to a YAML config file; flags override its values",
}

var KeyElementFlag = &cli.StringFlag{
	Name:    "key-element",
	EnvVars: []string{"ATTEST_KEY_ELEMENT"},
	Value:   "memory://",
	Usage:   "secure element URI: vault://host:8200/transit, memory:// or none://",
}

var KeyStoreFlag = &cli.StringFlag{
	Name:    "key-store",
	EnvVars: []string{"ATTEST_KEY_STORE"},
	Value:   "memory://",
	Usage:   "key reference store URI: file:///dir, vault://host:8200/secret/path, s3://bucket/prefix or memory://; a comma separated list replicates",
}

var KeyTagFlag = &cli.StringFlag{
	Name:  "key-tag",
	Usage: "application scoped tag of the signing keypair",
}

var VaultTokenFlag = &cli.StringFlag{
	Name:    "vault-token",
	EnvVars: []string{"VAULT_TOKEN"},
	Usage:   "token for vault:// secure elements",
}

var DigestAlgorithmFlag = &cli.StringFlag{
	Name:  "digest-algorithm",
	Value: string(digest.SHA256),
	Usage: "artifact digest: sha256, sha3-256 or blake2b-256",
}

var SimulateDigestFlag = &cli.BoolFlag{
	Name:  "simulate-digest",
	Usage: "return a placeholder digest when no secure element is available (testing only)",
}

var AttestationURIFlag = &cli.StringFlag{
	Name:    "attestation-uri",
	EnvVars: []string{"ATTEST_AUTHORITY"},
	Value:   "simulated://",
	Usage:   "attestation authority: simulated://, eth://rpc/0xRegistry, ipfs://host:5001, https://host or srv://domain",
}

var EthPrivateKeyFlag = &cli.StringFlag{
	Name:    "eth-private-key",
	EnvVars: []string{"ETH_PRIVATE_KEY"},
	Usage:   "hex key sending registry transactions for eth:// authorities",
}

var QuoteTypeFlag = &cli.StringFlag{
	Name:  "quote-type",
	Usage: "attach platform evidence to authority submissions: qemu-tdx, remote-tdx or dummy",
}

var QuoteAddressFlag = &cli.StringFlag{
	Name:  "quote-address",
	Usage: "address of the remote-tdx quote service",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var AuthorityFlag = &cli.BoolFlag{
	Name:  "authority",
	Usage: "also serve the development attestation authority",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: "attest",
	Usage: "add 'service' tag to logs",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
}

var ProviderFlags = []cli.Flag{
	ConfigFlag,
	KeyElementFlag,
	KeyStoreFlag,
	KeyTagFlag,
	VaultTokenFlag,
	DigestAlgorithmFlag,
	SimulateDigestFlag,
	AttestationURIFlag,
	EthPrivateKeyFlag,
	QuoteTypeFlag,
	QuoteAddressFlag,
}

var ServerFlags = []cli.Flag{
	ListenAddrFlag,
	AuthorityFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
