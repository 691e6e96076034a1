// Package config loads the service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ruteri/tee-artifact-attestation/cryptoutils"
	"github.com/ruteri/tee-artifact-attestation/digest"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Key         KeyConfig         `yaml:"key"`
	Digest      DigestConfig      `yaml:"digest"`
	Signing     SigningConfig     `yaml:"signing"`
	Attestation AttestationConfig `yaml:"attestation"`
	Server      ServerConfig      `yaml:"server"`
}

type KeyConfig struct {
	// Element is the secure element URI: vault://host/transit, memory:// or none://.
	Element string `yaml:"element"`
	// Store is the key reference store URI: file://dir, vault://host/secret/path, s3://... or
	// memory://. A comma separated list replicates across stores.
	Store string `yaml:"store"`
	Tag   string `yaml:"tag"`
}

type DigestConfig struct {
	Algorithm string `yaml:"algorithm"`
	// Simulate uses the placeholder digest when no secure element is available.
	Simulate bool `yaml:"simulate"`
}

type SigningConfig struct {
	SimulatedLatency time.Duration `yaml:"simulated_latency"`
}

type AttestationConfig struct {
	// URI is the authority: simulated://, eth://, ipfs://, https:// or srv://.
	URI string `yaml:"uri"`
	// EthPrivateKey is the hex key used to send registry transactions for eth:// authorities.
	EthPrivateKey string `yaml:"eth_private_key"`
	// QuoteType attaches platform evidence to authority requests.
	QuoteType    string `yaml:"quote_type"`
	QuoteAddress string `yaml:"quote_address"`
}

type ServerConfig struct {
	ListenAddr       string        `yaml:"listen_addr"`
	MetricsAddr      string        `yaml:"metrics_addr"`
	EnablePprof      bool          `yaml:"pprof"`
	DrainDuration    time.Duration `yaml:"drain"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`

	// Authority mounts the development attestation authority next to the pipeline API.
	Authority             bool `yaml:"authority"`
	AuthorityRequireQuote bool `yaml:"authority_require_quote"`
}

// Default returns a configuration that runs entirely in memory.
func Default() Config {
	return Config{
		Key: KeyConfig{
			Element: "memory://",
			Store:   "memory://",
		},
		Digest: DigestConfig{
			Algorithm: string(digest.SHA256),
		},
		Signing: SigningConfig{
			SimulatedLatency: 300 * time.Millisecond,
		},
		Attestation: AttestationConfig{
			URI: "simulated://",
		},
		Server: ServerConfig{
			ListenAddr:       "127.0.0.1:8080",
			MetricsAddr:      "127.0.0.1:8090",
			DrainDuration:    45 * time.Second,
			GracefulShutdown: 30 * time.Second,
			ReadTimeout:      60 * time.Second,
			WriteTimeout:     30 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults. Fields missing from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate checks every provider URI and enum.
func (c Config) Validate() error {
	var errs []error

	if _, err := interfaces.NewLocation(c.Key.Element, "vault", "memory", "none"); err != nil || c.Key.Element == "" {
		errs = append(errs, fmt.Errorf("key.element %q: %w", c.Key.Element, orInvalid(err)))
	}
	for _, store := range strings.Split(c.Key.Store, ",") {
		store = strings.TrimSpace(store)
		if _, err := interfaces.NewLocation(store, "file", "vault", "s3", "memory"); err != nil || store == "" {
			errs = append(errs, fmt.Errorf("key.store %q: %w", store, orInvalid(err)))
		}
	}
	if _, err := digest.ParseAlgorithm(c.Digest.Algorithm); err != nil {
		errs = append(errs, fmt.Errorf("digest.algorithm: %w", err))
	}
	if c.Signing.SimulatedLatency < 0 {
		errs = append(errs, errors.New("signing.simulated_latency must not be negative"))
	}
	if _, err := interfaces.NewLocation(c.Attestation.URI, "simulated", "eth", "ipfs", "http", "https", "srv"); err != nil || c.Attestation.URI == "" {
		errs = append(errs, fmt.Errorf("attestation.uri %q: %w", c.Attestation.URI, orInvalid(err)))
	}
	if _, err := cryptoutils.QuoteProviderFor(c.Attestation.QuoteType, c.Attestation.QuoteAddress); err != nil {
		errs = append(errs, fmt.Errorf("attestation.quote_type %q: %w", c.Attestation.QuoteType, err))
	}
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}

	return errors.Join(errs...)
}

func orInvalid(err error) error {
	if err != nil {
		return err
	}
	return interfaces.ErrInvalidLocationURI
}
