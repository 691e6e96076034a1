package keystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/tee-artifact-attestation/common"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
)

// MultiStore replicates key references across several stores. The first store is
// authoritative for Put conflicts; reads fall back through the list in order.
type MultiStore struct {
	stores []interfaces.KeyStore
	log    *slog.Logger
}

func NewMultiStore(stores []interfaces.KeyStore, log *slog.Logger) *MultiStore {
	return &MultiStore{stores: stores, log: common.LoggerOrDiscard(log)}
}

// Put writes value to every store. ErrKeyExists from the first store is returned as
// is; a replica that already holds the tag is left alone.
func (m *MultiStore) Put(ctx context.Context, tag string, value []byte) error {
	if len(m.stores) == 0 {
		return errors.New("no key stores configured")
	}

	if err := m.stores[0].Put(ctx, tag, value); err != nil {
		return err
	}

	var errs []error
	for _, store := range m.stores[1:] {
		err := store.Put(ctx, tag, value)
		if err == nil || errors.Is(err, interfaces.ErrKeyExists) {
			continue
		}
		m.log.Warn("Failed to replicate key reference",
			slog.String("store", store.Name()),
			slog.String("tag", tag),
			"err", err)
		errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
	}
	return errors.Join(errs...)
}

// Get returns the value from the first store that has it.
func (m *MultiStore) Get(ctx context.Context, tag string) ([]byte, error) {
	var errs []error
	for _, store := range m.stores {
		value, err := store.Get(ctx, tag)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, interfaces.ErrKeyNotFound) {
			m.log.Debug("Failed to read from key store",
				slog.String("store", store.Name()),
				slog.String("tag", tag),
				"err", err)
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, interfaces.ErrKeyNotFound
}

// Delete removes tag from every store.
func (m *MultiStore) Delete(ctx context.Context, tag string) error {
	var errs []error
	for _, store := range m.stores {
		if err := store.Delete(ctx, tag); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiStore) Name() string {
	names := make([]string, 0, len(m.stores))
	for _, store := range m.stores {
		names = append(names, store.Name())
	}
	return "multi[" + strings.Join(names, ",") + "]"
}
