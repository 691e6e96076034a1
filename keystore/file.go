package keystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/tee-artifact-attestation/interfaces"
)

// FileStore keeps one file per tag in a private directory.
type FileStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileStore creates the base directory if it doesn't exist.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key store directory: %w", err)
	}

	return &FileStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

func (s *FileStore) Put(ctx context.Context, tag string, value []byte) error {
	filePath, err := s.tagPath(tag)
	if err != nil {
		return err
	}

	// O_EXCL makes an occupied tag fail instead of being overwritten.
	f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, os.ErrExist) {
		return interfaces.ErrKeyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}

	if _, err := f.Write(value); err != nil {
		f.Close()
		os.Remove(filePath)
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(filePath)
		return fmt.Errorf("failed to write key file: %w", err)
	}

	s.log.Debug("Stored key reference in file",
		slog.String("path", filePath),
		slog.Int("size", len(value)))
	return nil
}

func (s *FileStore) Get(ctx context.Context, tag string) ([]byte, error) {
	filePath, err := s.tagPath(tag)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return data, nil
}

func (s *FileStore) Delete(ctx context.Context, tag string) error {
	filePath, err := s.tagPath(tag)
	if err != nil {
		return err
	}

	if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	return nil
}

func (s *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.baseDir))
}

// LocationURI returns the URI that identifies this store.
func (s *FileStore) LocationURI() string {
	return s.locationURI
}

func (s *FileStore) tagPath(tag string) (string, error) {
	if err := validateTag(tag); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, tag), nil
}

func validateTag(tag string) error {
	if tag == "" || tag == "." || tag == ".." || strings.ContainsAny(tag, `/\`) {
		return fmt.Errorf("invalid key tag %q", tag)
	}
	return nil
}
