package kms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/tee-artifact-attestation/cryptoutils"
	"github.com/ruteri/tee-artifact-attestation/enclave"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
	"github.com/ruteri/tee-artifact-attestation/keystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHardwareSigner_GeneratesOnFirstUse(t *testing.T) {
	ctx := context.Background()
	element := enclave.NewMemory()
	m := NewKeyManager(element, keystore.NewMemoryStore(), KeyManagerOpts{})
	m.ProbeCapability(ctx)

	signer := NewHardwareSigner(m, nil)
	result, err := signer.Sign(ctx, testDigest)
	require.NoError(t, err)
	assert.True(t, m.HasKeypair())
	assert.NoError(t, cryptoutils.VerifySignature(result.PublicKey, testDigest, result.Signature))

	again, err := signer.Sign(ctx, testDigest)
	require.NoError(t, err)
	assert.Equal(t, result.PublicKey, again.PublicKey)
	assert.Equal(t, 1, element.KeyCount())
}

func TestHardwareSigner_Concurrent(t *testing.T) {
	ctx := context.Background()
	element := enclave.NewMemory()
	m := NewKeyManager(element, keystore.NewMemoryStore(), KeyManagerOpts{})
	signer := NewHardwareSigner(m, nil)

	var wg sync.WaitGroup
	keys := make([]string, 6)
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := signer.Sign(ctx, testDigest)
			assert.NoError(t, err)
			keys[i] = result.PublicKey
		}(i)
	}
	wg.Wait()

	for _, key := range keys[1:] {
		assert.Equal(t, keys[0], key)
	}
	assert.Equal(t, 1, element.KeyCount())
}

func TestHardwareSigner_PropagatesErrors(t *testing.T) {
	m := NewKeyManager(enclave.Unavailable{}, keystore.NewMemoryStore(), KeyManagerOpts{})

	_, err := NewHardwareSigner(m, nil).Sign(context.Background(), testDigest)
	assert.ErrorIs(t, err, interfaces.ErrHardwareUnavailable)
}

func TestSimulatedSigner(t *testing.T) {
	signer := &SimulatedSigner{Latency: time.Millisecond}
	result, err := signer.Sign(context.Background(), testDigest)
	require.NoError(t, err)
	assert.Equal(t, PlaceholderSignature, result.Signature)
	assert.Equal(t, PlaceholderPublicKey, result.PublicKey)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&SimulatedSigner{Latency: time.Hour}).Sign(ctx, testDigest)
	assert.ErrorIs(t, err, context.Canceled)
}
