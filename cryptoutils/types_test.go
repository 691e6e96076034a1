package cryptoutils

import (
	"testing"

	"github.com/ruteri/tee-artifact-attestation/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	key, err := RandomP256Key()
	require.NoError(t, err)

	pub, err := NewPublicKeyDER(&key.PublicKey)
	require.NoError(t, err)

	digest := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	sig, err := SignMessage(key, []byte(digest))
	require.NoError(t, err)

	assert.NoError(t, VerifySignature(pub.Base64(), digest, EncodeSignature(sig)))

	// Wrong digest
	err = VerifySignature(pub.Base64(), digest[1:], EncodeSignature(sig))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	// Wrong key
	other, err := RandomP256Key()
	require.NoError(t, err)
	otherPub, err := NewPublicKeyDER(&other.PublicKey)
	require.NoError(t, err)
	err = VerifySignature(otherPub.Base64(), digest, EncodeSignature(sig))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	// Garbage encodings
	assert.Error(t, VerifySignature("not base64!", digest, EncodeSignature(sig)))
	assert.Error(t, VerifySignature(pub.Base64(), digest, "not base64!"))
}

func TestPublicKeyDER(t *testing.T) {
	key, err := RandomP256Key()
	require.NoError(t, err)

	pub, err := NewPublicKeyDER(&key.PublicKey)
	require.NoError(t, err)
	assert.NoError(t, pub.Validate())
	assert.Contains(t, string(pub.PEM()), "-----BEGIN PUBLIC KEY-----")

	parsed, err := ParsePublicKeyBase64(pub.Base64())
	require.NoError(t, err)
	assert.Equal(t, pub, parsed)

	_, err = NewPublicKeyDER("not a key")
	assert.Error(t, err)

	assert.Error(t, PublicKeyDER([]byte("junk")).Validate())
}

func TestDummyQuote(t *testing.T) {
	req := interfaces.AttestationRequest{Digest: "aa", Signature: "bb", PublicKey: "cc"}
	reportData := ReportData(req)

	provider, err := QuoteProviderFor(QuoteTypeDummy, "")
	require.NoError(t, err)
	quote, err := provider.Quote(reportData)
	require.NoError(t, err)

	assert.NoError(t, VerifyQuote(QuoteTypeDummy, reportData, quote))

	other := ReportData(interfaces.AttestationRequest{Digest: "ab", PublicKey: "cc"})
	assert.Error(t, VerifyQuote(QuoteTypeDummy, other, quote))

	none, err := QuoteProviderFor("", "")
	assert.NoError(t, err)
	assert.Nil(t, none)

	_, err = QuoteProviderFor(QuoteTypeRemote, "")
	assert.Error(t, err)
}
