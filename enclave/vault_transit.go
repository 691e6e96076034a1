package enclave

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/vault/api"
	"github.com/ruteri/tee-artifact-attestation/common"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
)

// VaultTransit keeps keys in a Vault transit secrets engine. Keys are created as
// non-exportable ecdsa-p256 keys and only the public half is ever returned by Vault.
type VaultTransit struct {
	client    *api.Client
	mountPath string
	log       *slog.Logger
}

func NewVaultTransit(client *api.Client, mountPath string, log *slog.Logger) *VaultTransit {
	mountPath = strings.Trim(mountPath, "/")
	if mountPath == "" {
		mountPath = "transit"
	}
	return &VaultTransit{
		client:    client,
		mountPath: mountPath,
		log:       common.LoggerOrDiscard(log),
	}
}

func (v *VaultTransit) Name() string {
	return fmt.Sprintf("vault-transit-%s", v.mountPath)
}

var invalidKeyNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// CreateKey derives the transit key name from label and a random suffix.
func (v *VaultTransit) CreateKey(ctx context.Context, label string, ephemeral bool) (string, error) {
	name := fmt.Sprintf("%s-%s", invalidKeyNameChars.ReplaceAllString(label, "-"), uuid.NewString())
	path := fmt.Sprintf("%s/keys/%s", v.mountPath, name)

	_, err := v.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"type":       "ecdsa-p256",
		"exportable": false,
	})
	if err != nil {
		v.log.Debug("Failed to create transit key",
			slog.String("path", path),
			"err", err)
		return "", v.mapError(err)
	}

	// Keys have to be deletable for probes and for explicit keypair deletion.
	_, err = v.client.Logical().WriteWithContext(ctx, path+"/config", map[string]interface{}{
		"deletion_allowed": true,
	})
	if err != nil {
		v.log.Warn("Failed to allow deletion of transit key",
			slog.String("key", name),
			slog.Bool("ephemeral", ephemeral),
			"err", err)
		if ephemeral {
			// The probe key would stay behind in the transit engine.
			return "", fmt.Errorf("%w: transit key %s is not deletable: %v", interfaces.ErrHardwareUnavailable, name, err)
		}
	}

	return name, nil
}

func (v *VaultTransit) PublicKey(ctx context.Context, keyID string) (crypto.PublicKey, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/keys/%s", v.mountPath, keyID))
	if err != nil {
		return nil, v.mapError(err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrKeyNotFound
	}

	keys, ok := secret.Data["keys"].(map[string]interface{})
	if !ok {
		return nil, errors.New("invalid transit key response: missing keys")
	}

	version := latestVersion(secret.Data["latest_version"])
	entry, ok := keys[version].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid transit key response: missing version %s", version)
	}

	pubPEM, ok := entry["public_key"].(string)
	if !ok || pubPEM == "" {
		return nil, errors.New("invalid transit key response: missing public key")
	}

	block, _ := pem.Decode([]byte(pubPEM))
	if block == nil {
		return nil, errors.New("invalid transit public key PEM")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid transit public key: %w", err)
	}
	return pub, nil
}

// Sign asks Vault for an ASN.1 ECDSA signature over SHA-256(message).
func (v *VaultTransit) Sign(ctx context.Context, keyID string, message []byte) ([]byte, error) {
	secret, err := v.client.Logical().WriteWithContext(ctx, fmt.Sprintf("%s/sign/%s", v.mountPath, keyID), map[string]interface{}{
		"input":                base64.StdEncoding.EncodeToString(message),
		"hash_algorithm":       "sha2-256",
		"marshaling_algorithm": "asn1",
	})
	if err != nil {
		return nil, v.mapError(err)
	}
	if secret == nil || secret.Data == nil {
		return nil, errors.New("empty transit sign response")
	}

	sig, ok := secret.Data["signature"].(string)
	if !ok {
		return nil, errors.New("invalid transit sign response: missing signature")
	}

	// Signatures are returned as vault:v<version>:<base64>.
	parts := strings.SplitN(sig, ":", 3)
	if len(parts) != 3 || parts[0] != "vault" {
		return nil, fmt.Errorf("unexpected transit signature format")
	}

	raw, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("invalid transit signature encoding: %w", err)
	}
	return raw, nil
}

func (v *VaultTransit) DeleteKey(ctx context.Context, keyID string) error {
	path := fmt.Sprintf("%s/keys/%s", v.mountPath, keyID)

	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return v.mapError(err)
	}
	if secret == nil {
		return interfaces.ErrKeyNotFound
	}

	if _, err := v.client.Logical().DeleteWithContext(ctx, path); err != nil {
		return v.mapError(err)
	}
	return nil
}

// mapError turns Vault responses into the element error contract. Transport failures and
// a sealed or unreachable Vault surface as ErrHardwareUnavailable.
func (v *VaultTransit) mapError(err error) error {
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", interfaces.ErrKeyNotFound, err)
		case http.StatusBadRequest:
			for _, msg := range respErr.Errors {
				if strings.Contains(msg, "not found") {
					return fmt.Errorf("%w: %v", interfaces.ErrKeyNotFound, err)
				}
			}
			return err
		case http.StatusServiceUnavailable, http.StatusForbidden:
			return fmt.Errorf("%w: %v", interfaces.ErrHardwareUnavailable, err)
		default:
			return err
		}
	}
	return fmt.Errorf("%w: %v", interfaces.ErrHardwareUnavailable, err)
}

func latestVersion(v interface{}) string {
	switch n := v.(type) {
	case float64:
		return strconv.Itoa(int(n))
	case string:
		return n
	default:
		// json.Number, used when the client decodes numbers lazily
		if s, ok := v.(fmt.Stringer); ok {
			return s.String()
		}
		return "1"
	}
}
