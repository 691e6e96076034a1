package enclave

import (
	"context"
	"crypto"

	"github.com/stretchr/testify/mock"
)

// MockSecureElement is a testify mock of interfaces.SecureElement.
type MockSecureElement struct {
	mock.Mock
}

func (m *MockSecureElement) Name() string {
	return "mock"
}

func (m *MockSecureElement) CreateKey(ctx context.Context, label string, ephemeral bool) (string, error) {
	args := m.Called(ctx, label, ephemeral)
	return args.String(0), args.Error(1)
}

func (m *MockSecureElement) PublicKey(ctx context.Context, keyID string) (crypto.PublicKey, error) {
	args := m.Called(ctx, keyID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(crypto.PublicKey), args.Error(1)
}

func (m *MockSecureElement) Sign(ctx context.Context, keyID string, message []byte) ([]byte, error) {
	args := m.Called(ctx, keyID, message)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockSecureElement) DeleteKey(ctx context.Context, keyID string) error {
	args := m.Called(ctx, keyID)
	return args.Error(0)
}
