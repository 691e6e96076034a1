package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/miekg/dns"
	"github.com/ruteri/tee-artifact-attestation/common"
	"github.com/ruteri/tee-artifact-attestation/cryptoutils"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDigest = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

func signedRequest(t *testing.T) interfaces.AttestationRequest {
	key, err := cryptoutils.RandomP256Key()
	require.NoError(t, err)
	pub, err := cryptoutils.NewPublicKeyDER(&key.PublicKey)
	require.NoError(t, err)
	sig, err := cryptoutils.SignMessage(key, []byte(testDigest))
	require.NoError(t, err)

	return interfaces.AttestationRequest{
		Digest:    testDigest,
		Signature: cryptoutils.EncodeSignature(sig),
		PublicKey: pub.Base64(),
	}
}

func newAuthorityServer(t *testing.T) (*Handler, *httptest.Server) {
	handler := NewHandler(common.DiscardLogger())
	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return handler, server
}

func TestClient_Attest(t *testing.T) {
	_, server := newAuthorityServer(t)
	client := NewClient(server.URL, nil)
	ctx := context.Background()

	req := signedRequest(t)
	ref, err := client.Attest(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	again, err := client.Attest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ref, again, "Resubmission returns the original reference")

	other, err := client.Attest(ctx, signedRequest(t))
	require.NoError(t, err)
	assert.NotEqual(t, ref, other, "References are unique per submission")

	entry, err := client.Lookup(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, req, entry.AttestationRequest)
	assert.Equal(t, ref, entry.TransactionReference)

	_, err = client.Lookup(ctx, "missing")
	assert.Error(t, err)
}

func TestClient_LookupEscapesReference(t *testing.T) {
	var escapedPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		escapedPath = r.URL.EscapedPath()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Entry{TransactionReference: "ref/with?odd#chars"})
	}))
	defer server.Close()

	entry, err := NewClient(server.URL, nil).Lookup(context.Background(), "ref/with?odd#chars")
	require.NoError(t, err)
	assert.Equal(t, "/api/authority/attestations/ref%2Fwith%3Fodd%23chars", escapedPath)
	assert.Equal(t, "ref/with?odd#chars", entry.TransactionReference)

	_, authority := newAuthorityServer(t)
	_, err = NewClient(authority.URL, nil).Lookup(context.Background(), "../../pipeline/state")
	assert.ErrorContains(t, err, "authority returned 404")
}

func TestClient_Rejected(t *testing.T) {
	handler, server := newAuthorityServer(t)
	client := NewClient(server.URL, nil)

	req := signedRequest(t)
	req.Digest = "tampered"
	_, err := client.Attest(context.Background(), req)
	assert.ErrorIs(t, err, interfaces.ErrAttestationRejected)
	assert.Equal(t, interfaces.AttestationError, interfaces.Categorize(err))

	_, err = client.Attest(context.Background(), interfaces.AttestationRequest{Digest: testDigest})
	assert.ErrorIs(t, err, interfaces.ErrAttestationRejected)

	handler.AllowUnverified = true
	ref, err := client.Attest(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
}

func TestClient_Unreachable(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "ledger down", http.StatusBadGateway)
	}))
	defer failing.Close()

	_, err := NewClient(failing.URL, nil).Attest(context.Background(), signedRequest(t))
	assert.ErrorIs(t, err, interfaces.ErrAttestationUnreachable)

	_, err = NewClient("http://127.0.0.1:1", nil).Attest(context.Background(), signedRequest(t))
	assert.ErrorIs(t, err, interfaces.ErrAttestationUnreachable)
}

func TestClient_EmptyReference(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"transaction_reference":""}`)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, nil).Attest(context.Background(), signedRequest(t))
	assert.ErrorIs(t, err, interfaces.ErrAttestationRejected)
}

func TestClient_Quote(t *testing.T) {
	handler, server := newAuthorityServer(t)
	handler.RequireQuote = true

	client := NewClient(server.URL, nil)
	_, err := client.Attest(context.Background(), signedRequest(t))
	assert.ErrorIs(t, err, interfaces.ErrAttestationRejected)

	client.QuoteProvider = &cryptoutils.DummyQuoteProvider{}
	ref, err := client.Attest(context.Background(), signedRequest(t))
	require.NoError(t, err)

	entry, err := client.Lookup(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, cryptoutils.QuoteTypeDummy, entry.QuoteType)
	assert.NotEmpty(t, entry.Quote)
}

func TestHandler_ForgedQuote(t *testing.T) {
	_, server := newAuthorityServer(t)

	req := signedRequest(t)
	forged, _ := cryptoutils.DummyQuoteProvider{}.Quote([64]byte{})

	client := NewClient(server.URL, nil)
	client.QuoteProvider = staticQuote(forged)
	_, err := client.Attest(context.Background(), req)
	assert.ErrorIs(t, err, interfaces.ErrAttestationRejected)
}

type staticQuote []byte

func (q staticQuote) Quote([64]byte) ([]byte, error) { return q, nil }
func (q staticQuote) Type() string                   { return cryptoutils.QuoteTypeDummy }

func startDNS(t *testing.T, records ...string) string {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			for _, record := range records {
				rr, err := dns.NewRR(record)
				if err == nil {
					m.Answer = append(m.Answer, rr)
				}
			}
			if len(m.Answer) == 0 {
				m.Rcode = dns.RcodeNameError
			}
			_ = w.WriteMsg(m)
		}),
	}

	started := make(chan struct{})
	server.NotifyStartedFunc = func() { close(started) }
	go func() { _ = server.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = server.Shutdown() })

	return pc.LocalAddr().String()
}

func TestResolver_Endpoints(t *testing.T) {
	nameserver := startDNS(t,
		"_attest._tcp.example.org. 60 IN SRV 20 0 9000 backup.example.org.",
		"_attest._tcp.example.org. 60 IN SRV 10 1 8443 low.example.org.",
		"_attest._tcp.example.org. 60 IN SRV 10 5 8444 high.example.org.",
	)

	resolver := &Resolver{Nameserver: nameserver}
	endpoints, err := resolver.Endpoints(context.Background(), "example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://high.example.org:8444",
		"https://low.example.org:8443",
		"https://backup.example.org:9000",
	}, endpoints)
}

func TestResolver_NoRecords(t *testing.T) {
	nameserver := startDNS(t)

	_, err := (&Resolver{Nameserver: nameserver}).Endpoints(context.Background(), "example.org")
	assert.Error(t, err)

	client := NewDiscoveringClient("example.org", &Resolver{Nameserver: nameserver}, nil)
	_, err = client.Attest(context.Background(), signedRequest(t))
	assert.ErrorIs(t, err, interfaces.ErrAttestationUnreachable)
}

func TestDiscoveringClient_FallsThrough(t *testing.T) {
	_, server := newAuthorityServer(t)
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	nameserver := startDNS(t,
		"_attest._tcp.example.org. 60 IN SRV 10 0 1 127.0.0.1.",
		fmt.Sprintf("_attest._tcp.example.org. 60 IN SRV 20 0 %d 127.0.0.1.", port),
	)

	client := NewDiscoveringClient("example.org", &Resolver{Nameserver: nameserver, Scheme: "http"}, nil)
	ref, err := client.Attest(context.Background(), signedRequest(t))
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
}
