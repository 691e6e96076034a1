package keystore

import (
	"context"
	"errors"
	"testing"

	"github.com/ruteri/tee-artifact-attestation/common"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenStore struct{}

func (brokenStore) Put(context.Context, string, []byte) error   { return errors.New("disk full") }
func (brokenStore) Get(context.Context, string) ([]byte, error) { return nil, errors.New("io error") }
func (brokenStore) Delete(context.Context, string) error        { return errors.New("io error") }
func (brokenStore) Name() string                                { return "broken" }

func TestMultiStore(t *testing.T) {
	primary, replica := NewMemoryStore(), NewMemoryStore()
	testStoreContract(t, NewMultiStore([]interfaces.KeyStore{primary, replica}, common.DiscardLogger()))
}

func TestMultiStore_Replication(t *testing.T) {
	ctx := context.Background()
	primary, replica := NewMemoryStore(), NewMemoryStore()
	multi := NewMultiStore([]interfaces.KeyStore{primary, replica}, common.DiscardLogger())

	require.NoError(t, multi.Put(ctx, "tag", []byte("ref")))
	value, err := replica.Get(ctx, "tag")
	require.NoError(t, err)
	assert.Equal(t, []byte("ref"), value)

	// Reads fall back to the replica.
	require.NoError(t, primary.Delete(ctx, "tag"))
	value, err = multi.Get(ctx, "tag")
	require.NoError(t, err)
	assert.Equal(t, []byte("ref"), value)

	require.NoError(t, multi.Delete(ctx, "tag"))
	_, err = replica.Get(ctx, "tag")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	assert.Equal(t, "multi[memory,memory]", multi.Name())
}

func TestMultiStore_Failures(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryStore()

	multi := NewMultiStore([]interfaces.KeyStore{primary, brokenStore{}}, common.DiscardLogger())
	err := multi.Put(ctx, "tag", []byte("ref"))
	assert.ErrorContains(t, err, "broken")

	value, err := multi.Get(ctx, "tag")
	require.NoError(t, err, "Primary still serves reads")
	assert.Equal(t, []byte("ref"), value)

	_, err = multi.Get(ctx, "missing")
	assert.ErrorContains(t, err, "io error")
	assert.NotErrorIs(t, err, interfaces.ErrKeyNotFound)

	brokenFirst := NewMultiStore([]interfaces.KeyStore{brokenStore{}, primary}, common.DiscardLogger())
	assert.Error(t, brokenFirst.Put(ctx, "other", []byte("ref")))
	_, err = primary.Get(ctx, "other")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound, "Replicas are not written when the primary fails")

	assert.Error(t, NewMultiStore(nil, nil).Put(ctx, "tag", nil))
}

func TestNewFromURI_Multi(t *testing.T) {
	store, err := NewFromURI("memory://, file://"+t.TempDir(), common.DiscardLogger())
	require.NoError(t, err)
	assert.IsType(t, &MultiStore{}, store)

	_, err = NewFromURI("memory://,redis://localhost", common.DiscardLogger())
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}
