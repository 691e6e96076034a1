package keystore

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ruteri/tee-artifact-attestation/common"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
)

// NewFromURI creates a key store from a location URI.
//
// Supported schemes:
//   - memory://
//   - file:///var/lib/attestd/keys
//   - vault://vault.example.com:8200/secret/attestd?tls=false (token from VAULT_TOKEN)
//   - s3://[access:secret@]bucket/prefix?region=us-east-1&endpoint=http://minio:9000&path_style=true
//
// A comma separated list of URIs replicates references across the stores, the first
// one being authoritative.
func NewFromURI(uri string, log *slog.Logger) (interfaces.KeyStore, error) {
	if strings.Contains(uri, ",") {
		var stores []interfaces.KeyStore
		for _, part := range strings.Split(uri, ",") {
			store, err := NewFromURI(strings.TrimSpace(part), log)
			if err != nil {
				return nil, err
			}
			stores = append(stores, store)
		}
		return NewMultiStore(stores, log), nil
	}

	loc, err := interfaces.NewLocation(uri, "memory", "file", "vault", "s3")
	if err != nil {
		return nil, err
	}

	switch loc.Scheme {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		dir := loc.HostPath()
		if dir == "" {
			return nil, fmt.Errorf("%w: file store requires a directory", interfaces.ErrInvalidLocationURI)
		}
		return NewFileStore(dir, log)
	case "vault":
		return vaultStoreFromLocation(loc, log)
	case "s3":
		return s3StoreFromLocation(loc, log)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

func vaultStoreFromLocation(loc interfaces.Location, log *slog.Logger) (*VaultStore, error) {
	scheme := "https"
	if loc.GetParam("tls") == "false" {
		scheme = "http"
	}

	parts := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
	mountPath := parts[0]
	if mountPath == "" {
		mountPath = "secret"
	}
	dataPath := ""
	if len(parts) == 2 {
		dataPath = parts[1]
	}

	client, err := common.NewVaultClient(common.VaultOpts{
		Address:            fmt.Sprintf("%s://%s", scheme, loc.Host),
		Token:              os.Getenv("VAULT_TOKEN"),
		InsecureSkipVerify: loc.GetParamBool("insecure"),
	})
	if err != nil {
		return nil, err
	}

	return NewVaultStore(client, mountPath, dataPath, log), nil
}

func s3StoreFromLocation(loc interfaces.Location, log *slog.Logger) (*S3Store, error) {
	opts := S3Opts{
		Bucket:    loc.Host,
		Prefix:    strings.Trim(loc.Path, "/"),
		Region:    loc.GetParamDefault("region", "us-east-1"),
		Endpoint:  loc.GetParam("endpoint"),
		PathStyle: loc.GetParamBool("path_style"),
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 store requires a bucket", interfaces.ErrInvalidLocationURI)
	}

	if loc.User != nil {
		opts.AccessKey = loc.User.Username()
		opts.SecretKey, _ = loc.User.Password()
	}

	return NewS3Store(opts, log)
}
