package enclave

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ruteri/tee-artifact-attestation/common"
	"github.com/ruteri/tee-artifact-attestation/cryptoutils"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testElementContract(t *testing.T, element interfaces.SecureElement) {
	ctx := context.Background()

	id, err := element.CreateKey(ctx, "com.z1.secureenclave.keypair", false)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	pub, err := element.PublicKey(ctx, id)
	require.NoError(t, err)
	der, err := cryptoutils.NewPublicKeyDER(pub)
	require.NoError(t, err)

	digest := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	sig, err := element.Sign(ctx, id, []byte(digest))
	require.NoError(t, err)
	assert.NoError(t, cryptoutils.VerifySignature(der.Base64(), digest, cryptoutils.EncodeSignature(sig)))

	probeID, err := element.CreateKey(ctx, "probe", true)
	require.NoError(t, err)
	assert.NotEqual(t, id, probeID)
	require.NoError(t, element.DeleteKey(ctx, probeID))

	require.NoError(t, element.DeleteKey(ctx, id))
	assert.ErrorIs(t, element.DeleteKey(ctx, id), interfaces.ErrKeyNotFound)

	_, err = element.PublicKey(ctx, id)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	_, err = element.Sign(ctx, id, []byte(digest))
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	testElementContract(t, m)
	assert.Equal(t, 0, m.KeyCount())
}

func TestMemoryDisabled(t *testing.T) {
	_, err := NewMemory(Disabled()).CreateKey(context.Background(), "probe", true)
	assert.ErrorIs(t, err, interfaces.ErrHardwareUnavailable)

	_, err = Unavailable{}.CreateKey(context.Background(), "probe", true)
	assert.ErrorIs(t, err, interfaces.ErrHardwareUnavailable)
}

// fakeTransit implements the transit key, sign and delete endpoints with software keys.
type fakeTransit struct {
	mu     sync.Mutex
	keys   map[string]*ecdsa.PrivateKey
	sealed bool

	// configFails rejects key config updates such as deletion_allowed.
	configFails bool
}

func (f *fakeTransit) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	writeJSON := func(status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	if f.sealed {
		writeJSON(http.StatusServiceUnavailable, map[string]interface{}{"errors": []string{"Vault is sealed"}})
		return
	}

	p := strings.TrimPrefix(r.URL.Path, "/v1/transit/")
	switch {
	case strings.HasPrefix(p, "keys/") && strings.HasSuffix(p, "/config"):
		if f.configFails {
			writeJSON(http.StatusInternalServerError, map[string]interface{}{"errors": []string{"storage backend error"}})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case strings.HasPrefix(p, "keys/"):
		name := strings.TrimPrefix(p, "keys/")
		switch r.Method {
		case http.MethodPut, http.MethodPost:
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["type"] != "ecdsa-p256" || body["exportable"] != false {
				writeJSON(http.StatusBadRequest, map[string]interface{}{"errors": []string{"unexpected key parameters"}})
				return
			}
			key, _ := cryptoutils.RandomP256Key()
			f.keys[name] = key
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			key, ok := f.keys[name]
			if !ok {
				writeJSON(http.StatusNotFound, map[string]interface{}{"errors": []string{}})
				return
			}
			der, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)
			writeJSON(http.StatusOK, map[string]interface{}{"data": map[string]interface{}{
				"latest_version": 1,
				"keys": map[string]interface{}{
					"1": map[string]interface{}{
						"name":       "P-256",
						"public_key": string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
					},
				},
			}})
		case http.MethodDelete:
			delete(f.keys, name)
			w.WriteHeader(http.StatusNoContent)
		}
	case strings.HasPrefix(p, "sign/"):
		key, ok := f.keys[strings.TrimPrefix(p, "sign/")]
		if !ok {
			writeJSON(http.StatusBadRequest, map[string]interface{}{"errors": []string{"signing key not found"}})
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		input, _ := base64.StdEncoding.DecodeString(body["input"])
		sig, _ := cryptoutils.SignMessage(key, input)
		writeJSON(http.StatusOK, map[string]interface{}{"data": map[string]interface{}{
			"signature": "vault:v1:" + base64.StdEncoding.EncodeToString(sig),
		}})
	default:
		writeJSON(http.StatusNotFound, map[string]interface{}{"errors": []string{"no handler for route"}})
	}
}

func newTransitFixture(t *testing.T) (*fakeTransit, *VaultTransit) {
	fake := &fakeTransit{keys: make(map[string]*ecdsa.PrivateKey)}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	client, err := common.NewVaultClient(common.VaultOpts{Address: server.URL, Token: "root"})
	require.NoError(t, err)
	return fake, NewVaultTransit(client, "transit", common.DiscardLogger())
}

func TestVaultTransit(t *testing.T) {
	fake, element := newTransitFixture(t)
	testElementContract(t, element)

	fake.mu.Lock()
	assert.Empty(t, fake.keys)
	fake.mu.Unlock()
}

func TestVaultTransitSealed(t *testing.T) {
	fake, element := newTransitFixture(t)
	fake.sealed = true

	_, err := element.CreateKey(context.Background(), "probe", true)
	assert.ErrorIs(t, err, interfaces.ErrHardwareUnavailable)
}

func TestVaultTransitProbeKeyNotDeletable(t *testing.T) {
	fake, element := newTransitFixture(t)
	fake.configFails = true

	_, err := element.CreateKey(context.Background(), "probe", true)
	assert.ErrorIs(t, err, interfaces.ErrHardwareUnavailable)

	// Long lived keys are still usable without deletion_allowed.
	id, err := element.CreateKey(context.Background(), "com.z1.secureenclave.keypair", false)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestVaultTransitNilLogger(t *testing.T) {
	client, err := common.NewVaultClient(common.VaultOpts{Address: "http://127.0.0.1:1", Token: "root"})
	require.NoError(t, err)

	_, err = NewVaultTransit(client, "transit", nil).CreateKey(context.Background(), "probe", true)
	assert.ErrorIs(t, err, interfaces.ErrHardwareUnavailable)
}

func TestVaultTransitUnreachable(t *testing.T) {
	client, err := common.NewVaultClient(common.VaultOpts{Address: "http://127.0.0.1:1", Token: "root"})
	require.NoError(t, err)

	_, err = NewVaultTransit(client, "", common.DiscardLogger()).CreateKey(context.Background(), "probe", true)
	assert.ErrorIs(t, err, interfaces.ErrHardwareUnavailable)
}

func TestNewFromURI(t *testing.T) {
	log := common.DiscardLogger()

	element, err := NewFromURI("memory://", "", log)
	require.NoError(t, err)
	assert.Equal(t, "memory", element.Name())

	element, err = NewFromURI("memory://?disabled=true", "", log)
	require.NoError(t, err)
	assert.Equal(t, "memory-disabled", element.Name())

	element, err = NewFromURI("none://", "", log)
	require.NoError(t, err)
	assert.Equal(t, "none", element.Name())

	element, err = NewFromURI("vault://127.0.0.1:8200/transit?tls=false", "token", log)
	require.NoError(t, err)
	assert.Equal(t, "vault-transit-transit", element.Name())

	_, err = NewFromURI("pkcs11://slot", "", log)
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}
