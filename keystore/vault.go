package keystore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
)

// VaultStore keeps key references in a Vault KV v2 mount.
type VaultStore struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultStore creates a key store writing under <mountPath>/data/<dataPath>/<tag>.
func NewVaultStore(client *api.Client, mountPath, dataPath string, log *slog.Logger) *VaultStore {
	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultStore{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", client.Address(), mountPath, dataPath),
	}
}

// Put uses check-and-set version 0 so that an existing tag is never overwritten.
func (s *VaultStore) Put(ctx context.Context, tag string, value []byte) error {
	if err := validateTag(tag); err != nil {
		return err
	}
	start := time.Now()
	path := s.path("data", tag)

	_, err := s.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"data": map[string]interface{}{
			"value": base64.StdEncoding.EncodeToString(value),
		},
		"options": map[string]interface{}{
			"cas": 0,
		},
	})
	if err != nil {
		if isCheckAndSetMismatch(err) {
			return interfaces.ErrKeyExists
		}
		s.log.Error("Failed to write to Vault",
			slog.String("path", path),
			"err", err)
		return fmt.Errorf("failed to write key reference to Vault: %w", err)
	}

	s.log.Debug("Stored key reference in Vault",
		slog.String("tag", tag),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (s *VaultStore) Get(ctx context.Context, tag string) ([]byte, error) {
	if err := validateTag(tag); err != nil {
		return nil, err
	}
	path := s.path("data", tag)

	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		s.log.Error("Failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return nil, fmt.Errorf("failed to read key reference from Vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrKeyNotFound
	}

	// A deleted KV v2 version has null data.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, interfaces.ErrKeyNotFound
	}

	encoded, ok := data["value"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid key reference format in Vault data")
	}

	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid key reference encoding in Vault data: %w", err)
	}
	return value, nil
}

// Delete removes every version and the metadata so the tag can be written again with cas=0.
func (s *VaultStore) Delete(ctx context.Context, tag string) error {
	if err := validateTag(tag); err != nil {
		return err
	}
	path := s.path("metadata", tag)

	if _, err := s.client.Logical().DeleteWithContext(ctx, path); err != nil {
		var respErr *api.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return nil
		}
		s.log.Error("Failed to delete from Vault",
			slog.String("path", path),
			"err", err)
		return fmt.Errorf("failed to delete key reference from Vault: %w", err)
	}
	return nil
}

func (s *VaultStore) Name() string {
	return fmt.Sprintf("vault-%s-%s", s.mountPath, s.dataPath)
}

// LocationURI returns the URI that identifies this store.
func (s *VaultStore) LocationURI() string {
	return s.locationURI
}

func (s *VaultStore) path(kind, tag string) string {
	if s.dataPath == "" {
		return fmt.Sprintf("%s/%s/%s", s.mountPath, kind, tag)
	}
	return fmt.Sprintf("%s/%s/%s/%s", s.mountPath, kind, s.dataPath, tag)
}

func isCheckAndSetMismatch(err error) bool {
	var respErr *api.ResponseError
	if !errors.As(err, &respErr) || respErr.StatusCode != http.StatusBadRequest {
		return false
	}
	for _, msg := range respErr.Errors {
		if strings.Contains(msg, "check-and-set") {
			return true
		}
	}
	return false
}
