package enclave

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/ruteri/tee-artifact-attestation/cryptoutils"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
)

// Memory emulates a secure element in process memory. Private keys never leave the
// element through its API, but they do not survive a restart either, so it is only
// suitable for development and tests.
type Memory struct {
	mu       sync.Mutex
	keys     map[string]*ecdsa.PrivateKey
	disabled bool
}

type MemoryOption func(*Memory)

// Disabled makes every key creation fail, modelling a host without secure hardware.
func Disabled() MemoryOption {
	return func(m *Memory) { m.disabled = true }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{keys: make(map[string]*ecdsa.PrivateKey)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Name() string {
	if m.disabled {
		return "memory-disabled"
	}
	return "memory"
}

func (m *Memory) CreateKey(ctx context.Context, label string, ephemeral bool) (string, error) {
	if m.disabled {
		return "", interfaces.ErrHardwareUnavailable
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key, err := cryptoutils.RandomP256Key()
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}

	id := fmt.Sprintf("%s/%s", label, uuid.NewString())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[id] = key
	return id, nil
}

func (m *Memory) PublicKey(ctx context.Context, keyID string) (crypto.PublicKey, error) {
	key, err := m.key(keyID)
	if err != nil {
		return nil, err
	}
	return &key.PublicKey, nil
}

func (m *Memory) Sign(ctx context.Context, keyID string, message []byte) ([]byte, error) {
	key, err := m.key(keyID)
	if err != nil {
		return nil, err
	}
	return cryptoutils.SignMessage(key, message)
}

func (m *Memory) DeleteKey(ctx context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[keyID]; !ok {
		return interfaces.ErrKeyNotFound
	}
	delete(m.keys, keyID)
	return nil
}

// KeyCount returns the number of keys held by the element.
func (m *Memory) KeyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

func (m *Memory) key(keyID string) (*ecdsa.PrivateKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.keys[keyID]
	if !ok {
		return nil, interfaces.ErrKeyNotFound
	}
	return key, nil
}

// Unavailable is a secure element for hosts that have none.
type Unavailable struct{}

func (Unavailable) Name() string { return "none" }

func (Unavailable) CreateKey(context.Context, string, bool) (string, error) {
	return "", interfaces.ErrHardwareUnavailable
}

func (Unavailable) PublicKey(context.Context, string) (crypto.PublicKey, error) {
	return nil, interfaces.ErrHardwareUnavailable
}

func (Unavailable) Sign(context.Context, string, []byte) ([]byte, error) {
	return nil, interfaces.ErrHardwareUnavailable
}

func (Unavailable) DeleteKey(context.Context, string) error {
	return interfaces.ErrKeyNotFound
}
