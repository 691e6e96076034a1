package common

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/vault/api"
)

// VaultOpts configures a Vault client shared by the transit secure element and the KV key store.
type VaultOpts struct {
	Address string
	Token   string

	// ClientCert enables TLS certificate authentication.
	ClientCert *tls.Certificate

	// InsecureSkipVerify is only meant for development servers.
	InsecureSkipVerify bool

	Timeout time.Duration
}

func NewVaultClient(opts VaultOpts) (*api.Client, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: opts.InsecureSkipVerify, // #nosec G402
	}
	if opts.ClientCert != nil {
		tlsConfig.Certificates = []tls.Certificate{*opts.ClientCert}
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	config := api.DefaultConfig()
	config.Address = opts.Address
	config.HttpClient = &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
		Timeout:   timeout,
	}
	config.MaxRetries = 0

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if opts.Token != "" {
		client.SetToken(opts.Token)
	}

	return client, nil
}
