package kms

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ruteri/tee-artifact-attestation/cryptoutils"
	"github.com/ruteri/tee-artifact-attestation/enclave"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
	"github.com/ruteri/tee-artifact-attestation/keystore"
	"github.com/ruteri/tee-artifact-attestation/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testDigest = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

func newTestManager(t *testing.T) (*KeyManager, *enclave.Memory, *keystore.MemoryStore) {
	element := enclave.NewMemory()
	store := keystore.NewMemoryStore()
	return NewKeyManager(element, store, KeyManagerOpts{}), element, store
}

func TestKeyManager_Probe(t *testing.T) {
	ctx := context.Background()
	m, element, _ := newTestManager(t)

	assert.Equal(t, Unprobed, m.State())
	assert.Equal(t, HardwareAvailableNoKey, m.ProbeCapability(ctx))
	assert.Equal(t, HardwareAvailableNoKey, m.ProbeCapability(ctx), "Probing is repeatable")
	assert.Equal(t, 0, element.KeyCount(), "Probe keys must not be left behind")
	assert.True(t, m.HardwareAvailable())
	assert.False(t, m.HasKeypair())

	unavailable := NewKeyManager(enclave.NewMemory(enclave.Disabled()), keystore.NewMemoryStore(), KeyManagerOpts{})
	assert.Equal(t, HardwareUnavailable, unavailable.ProbeCapability(ctx))
	assert.False(t, unavailable.HardwareAvailable())
}

func TestKeyManager_ProbeKeepsLoadedKey(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	_, err := m.GenerateKeypair(ctx)
	require.NoError(t, err)
	assert.Equal(t, HardwareAvailableWithKey, m.ProbeCapability(ctx))
}

func TestKeyManager_GenerateOnce(t *testing.T) {
	ctx := context.Background()
	m, element, store := newTestManager(t)

	m.ProbeCapability(ctx)
	first, err := m.GenerateKeypair(ctx)
	require.NoError(t, err)
	assert.Equal(t, HardwareAvailableWithKey, m.State())

	firstPub, err := m.PublicKeyRepresentation(ctx)
	require.NoError(t, err)

	second, err := m.GenerateKeypair(ctx)
	require.NoError(t, err)
	secondPub, err := m.PublicKeyRepresentation(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, firstPub, secondPub, "Generating twice must yield the same public key")
	assert.Equal(t, 1, element.KeyCount())
	assert.Equal(t, []string{DefaultKeyTag, DefaultKeyTag + ".public"}, store.Tags())
}

func TestKeyManager_GenerateConcurrent(t *testing.T) {
	ctx := context.Background()
	m, element, _ := newTestManager(t)
	m.ProbeCapability(ctx)

	var wg sync.WaitGroup
	refs := make([]interfaces.KeyReference, 8)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref, err := m.GenerateKeypair(ctx)
			assert.NoError(t, err)
			refs[i] = ref
		}(i)
	}
	wg.Wait()

	for _, ref := range refs[1:] {
		assert.Equal(t, refs[0].ElementKeyID, ref.ElementKeyID)
	}
	assert.Equal(t, 1, element.KeyCount())
}

func TestKeyManager_GenerateWithoutHardware(t *testing.T) {
	m := NewKeyManager(enclave.Unavailable{}, keystore.NewMemoryStore(), KeyManagerOpts{})

	_, err := m.GenerateKeypair(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrHardwareUnavailable)
	assert.Equal(t, HardwareUnavailable, m.State())
	assert.Equal(t, interfaces.CapabilityError, interfaces.Categorize(err))
}

func TestKeyManager_SignRequiresKey(t *testing.T) {
	ctx := context.Background()
	m, element, _ := newTestManager(t)

	_, err := m.Sign(ctx, testDigest)
	assert.ErrorIs(t, err, interfaces.ErrHardwareUnavailable, "Unprobed")

	m.ProbeCapability(ctx)
	_, err = m.Sign(ctx, testDigest)
	assert.ErrorIs(t, err, interfaces.ErrHardwareUnavailable, "No key")
	assert.Equal(t, 0, element.KeyCount(), "Sign must never create a key")

	unavailable := NewKeyManager(enclave.Unavailable{}, keystore.NewMemoryStore(), KeyManagerOpts{})
	unavailable.ProbeCapability(ctx)
	_, err = unavailable.Sign(ctx, testDigest)
	assert.ErrorIs(t, err, interfaces.ErrHardwareUnavailable)
}

func TestKeyManager_SignVerifies(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	_, err := m.GenerateKeypair(ctx)
	require.NoError(t, err)

	sig, err := m.Sign(ctx, testDigest)
	require.NoError(t, err)
	pub, err := m.PublicKeyRepresentation(ctx)
	require.NoError(t, err)

	assert.NoError(t, cryptoutils.VerifySignature(pub, testDigest, cryptoutils.EncodeSignature(sig)))
}

func TestKeyManager_PublicKeyRepresentation(t *testing.T) {
	ctx := context.Background()
	m, _, store := newTestManager(t)

	_, err := m.PublicKeyRepresentation(ctx)
	assert.ErrorIs(t, err, interfaces.ErrKeyRetrievalFailed)

	require.NoError(t, store.Put(ctx, m.PublicTag(), []byte("not a key")))
	_, err = m.PublicKeyRepresentation(ctx)
	assert.ErrorIs(t, err, interfaces.ErrPublicKeyExtractionFailed)
}

func TestKeyManager_CheckForExistingKey(t *testing.T) {
	ctx := context.Background()
	element := enclave.NewMemory()
	store := keystore.NewMemoryStore()

	first := NewKeyManager(element, store, KeyManagerOpts{})
	ref, err := first.GenerateKeypair(ctx)
	require.NoError(t, err)

	// A restarted process finds the persisted reference.
	restarted := NewKeyManager(element, store, KeyManagerOpts{})
	found, err := restarted.CheckForExistingKey(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, HardwareAvailableWithKey, restarted.State())

	again, err := restarted.GenerateKeypair(ctx)
	require.NoError(t, err)
	assert.Equal(t, ref.ElementKeyID, again.ElementKeyID)
}

func TestKeyManager_StaleReference(t *testing.T) {
	ctx := context.Background()
	element := enclave.NewMemory()
	store := keystore.NewMemoryStore()

	first := NewKeyManager(element, store, KeyManagerOpts{})
	ref, err := first.GenerateKeypair(ctx)
	require.NoError(t, err)

	// The element lost the key behind our back.
	require.NoError(t, element.DeleteKey(ctx, ref.ElementKeyID))

	restarted := NewKeyManager(element, store, KeyManagerOpts{})
	found, err := restarted.CheckForExistingKey(ctx)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, HardwareAvailableNoKey, restarted.State())
	assert.Empty(t, store.Tags(), "Stale references are cleared")

	fresh, err := restarted.GenerateKeypair(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, ref.ElementKeyID, fresh.ElementKeyID)
}

func TestKeyManager_DeleteKeypair(t *testing.T) {
	ctx := context.Background()
	m, element, store := newTestManager(t)

	// Deleting before any key exists is fine
	require.NoError(t, m.DeleteKeypair(ctx))
	assert.Equal(t, HardwareAvailableNoKey, m.State())

	_, err := m.GenerateKeypair(ctx)
	require.NoError(t, err)

	require.NoError(t, m.DeleteKeypair(ctx))
	assert.Equal(t, HardwareAvailableNoKey, m.State())
	assert.Equal(t, 0, element.KeyCount())
	assert.Empty(t, store.Tags())

	require.NoError(t, m.DeleteKeypair(ctx), "Deletion is idempotent")

	_, err = m.Sign(ctx, testDigest)
	assert.ErrorIs(t, err, interfaces.ErrHardwareUnavailable)
}

func TestKeyManager_DeleteEndsUnavailable(t *testing.T) {
	ctx := context.Background()
	element := new(enclave.MockSecureElement)
	store := keystore.NewMemoryStore()
	m := NewKeyManager(element, store, KeyManagerOpts{})

	key, err := cryptoutils.RandomP256Key()
	require.NoError(t, err)

	element.On("CreateKey", mock.Anything, mock.MatchedBy(func(label string) bool { return label != DefaultKeyTag }), true).Return("probe", nil).Once()
	element.On("DeleteKey", mock.Anything, "probe").Return(nil).Once()
	element.On("CreateKey", mock.Anything, DefaultKeyTag, false).Return("key-1", nil).Once()
	element.On("PublicKey", mock.Anything, "key-1").Return(&key.PublicKey, nil)
	element.On("DeleteKey", mock.Anything, "key-1").Return(nil).Once()
	// The element goes away before the re-probe.
	element.On("CreateKey", mock.Anything, mock.Anything, true).Return("", interfaces.ErrHardwareUnavailable).Once()

	_, err = m.GenerateKeypair(ctx)
	require.NoError(t, err)

	require.NoError(t, m.DeleteKeypair(ctx))
	assert.Equal(t, HardwareUnavailable, m.State())
	element.AssertExpectations(t)
}

func TestKeyManager_DeleteFailure(t *testing.T) {
	ctx := context.Background()
	element := new(enclave.MockSecureElement)
	store := keystore.NewMemoryStore()

	reg := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder("test", reg)
	require.NoError(t, err)
	m := NewKeyManager(element, store, KeyManagerOpts{Metrics: recorder})

	key, err := cryptoutils.RandomP256Key()
	require.NoError(t, err)

	element.On("CreateKey", mock.Anything, mock.MatchedBy(func(label string) bool { return label != DefaultKeyTag }), true).Return("probe", nil).Once()
	element.On("DeleteKey", mock.Anything, "probe").Return(nil).Once()
	element.On("CreateKey", mock.Anything, DefaultKeyTag, false).Return("key-1", nil).Once()
	element.On("PublicKey", mock.Anything, "key-1").Return(&key.PublicKey, nil)
	element.On("DeleteKey", mock.Anything, "key-1").Return(errors.New("element busy")).Once()

	_, err = m.GenerateKeypair(ctx)
	require.NoError(t, err)

	err = m.DeleteKeypair(ctx)
	assert.ErrorIs(t, err, interfaces.ErrKeyDeletionFailed)
	assert.Equal(t, interfaces.KeyLifecycleError, interfaces.Categorize(err))
	assert.Equal(t, HardwareAvailableWithKey, m.State(), "A failed deletion keeps the keypair")

	expected := `
# HELP test_key_operations_total Key lifecycle operations by name and outcome category.
# TYPE test_key_operations_total counter
test_key_operations_total{operation="delete",result="key-lifecycle"} 1
test_key_operations_total{operation="generate",result="ok"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_key_operations_total"))
	element.AssertExpectations(t)
}

func TestKeyManager_GenerationFailures(t *testing.T) {
	ctx := context.Background()
	key, err := cryptoutils.RandomP256Key()
	require.NoError(t, err)

	probeOK := func(element *enclave.MockSecureElement) {
		element.On("CreateKey", mock.Anything, mock.AnythingOfType("string"), true).Return("probe", nil)
		element.On("DeleteKey", mock.Anything, "probe").Return(nil)
	}

	t.Run("create fails", func(t *testing.T) {
		element := new(enclave.MockSecureElement)
		probeOK(element)
		element.On("CreateKey", mock.Anything, DefaultKeyTag, false).Return("", errors.New("element busy"))

		m := NewKeyManager(element, keystore.NewMemoryStore(), KeyManagerOpts{})
		_, err := m.GenerateKeypair(ctx)
		assert.ErrorIs(t, err, interfaces.ErrKeyGenerationFailed)
		assert.Equal(t, HardwareAvailableNoKey, m.State())
	})

	t.Run("public key fails", func(t *testing.T) {
		element := new(enclave.MockSecureElement)
		probeOK(element)
		element.On("CreateKey", mock.Anything, DefaultKeyTag, false).Return("key-1", nil)
		element.On("PublicKey", mock.Anything, "key-1").Return(nil, errors.New("export refused"))
		element.On("DeleteKey", mock.Anything, "key-1").Return(nil).Once()

		m := NewKeyManager(element, keystore.NewMemoryStore(), KeyManagerOpts{})
		_, err := m.GenerateKeypair(ctx)
		assert.ErrorIs(t, err, interfaces.ErrPublicKeyExtractionFailed)
		element.AssertCalled(t, "DeleteKey", mock.Anything, "key-1")
	})

	t.Run("persistence fails", func(t *testing.T) {
		element := new(enclave.MockSecureElement)
		probeOK(element)
		element.On("CreateKey", mock.Anything, DefaultKeyTag, false).Return("key-1", nil)
		element.On("PublicKey", mock.Anything, "key-1").Return(&key.PublicKey, nil)
		element.On("DeleteKey", mock.Anything, "key-1").Return(nil).Once()

		m := NewKeyManager(element, failingStore{}, KeyManagerOpts{})
		_, err := m.GenerateKeypair(ctx)
		assert.ErrorIs(t, err, interfaces.ErrPersistenceFailed)

		var persistErr *interfaces.PersistenceError
		require.ErrorAs(t, err, &persistErr)
		assert.Contains(t, persistErr.Status, "put "+DefaultKeyTag)
		assert.Equal(t, interfaces.KeyLifecycleError, interfaces.Categorize(err))
		element.AssertCalled(t, "DeleteKey", mock.Anything, "key-1")
	})

	t.Run("sign fails", func(t *testing.T) {
		element := new(enclave.MockSecureElement)
		probeOK(element)
		element.On("CreateKey", mock.Anything, DefaultKeyTag, false).Return("key-1", nil)
		element.On("PublicKey", mock.Anything, "key-1").Return(&key.PublicKey, nil)
		element.On("Sign", mock.Anything, "key-1", []byte(testDigest)).Return(nil, errors.New("user cancelled"))

		m := NewKeyManager(element, keystore.NewMemoryStore(), KeyManagerOpts{})
		_, err := m.GenerateKeypair(ctx)
		require.NoError(t, err)

		_, err = m.Sign(ctx, testDigest)
		assert.ErrorIs(t, err, interfaces.ErrSigningFailed)
	})
}

// failingStore reports every tag as absent and refuses writes.
type failingStore struct{}

func (failingStore) Put(context.Context, string, []byte) error { return errors.New("disk full") }
func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, interfaces.ErrKeyNotFound
}
func (failingStore) Delete(context.Context, string) error { return nil }
func (failingStore) Name() string                         { return "failing" }

func TestKeyManager_CustomTag(t *testing.T) {
	ctx := context.Background()
	store := keystore.NewMemoryStore()
	m := NewKeyManager(enclave.NewMemory(), store, KeyManagerOpts{Tag: "com.example.signing"})

	_, err := m.GenerateKeypair(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"com.example.signing", "com.example.signing.public"}, store.Tags())
}
