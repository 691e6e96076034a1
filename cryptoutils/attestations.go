package cryptoutils

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
)

const (
	QuoteTypeTDX    = "qemu-tdx"
	QuoteTypeRemote = "remote-tdx"
	QuoteTypeDummy  = "dummy"
)

// QuoteProviderFor returns the platform quote provider for a configured type.
// An empty type disables platform evidence.
func QuoteProviderFor(quoteType, remoteAddress string) (interfaces.QuoteProvider, error) {
	switch quoteType {
	case "":
		return nil, nil
	case QuoteTypeTDX:
		return &TDXQuoteProvider{}, nil
	case QuoteTypeRemote:
		if remoteAddress == "" {
			return nil, errors.New("remote quote provider requires an address")
		}
		return &RemoteQuoteProvider{Address: remoteAddress}, nil
	case QuoteTypeDummy:
		return &DummyQuoteProvider{}, nil
	default:
		return nil, errors.ErrUnsupported
	}
}

// ReportData binds a signed digest to the platform: sha256(digest) || sha256(publicKey).
func ReportData(req interfaces.AttestationRequest) [64]byte {
	var reportData [64]byte
	digestHash := sha256.Sum256([]byte(req.Digest))
	pubkeyHash := sha256.Sum256([]byte(req.PublicKey))
	copy(reportData[:32], digestHash[:])
	copy(reportData[32:], pubkeyHash[:])
	return reportData
}

// RemoteQuoteProvider fetches quotes from a quote service running inside the TD.
type RemoteQuoteProvider struct {
	Address string
}

func (*RemoteQuoteProvider) Type() string { return QuoteTypeRemote }

func (p *RemoteQuoteProvider) Quote(reportData [64]byte) ([]byte, error) {
	extraDataHex := hex.EncodeToString(reportData[:])

	url := fmt.Sprintf("%s/attest/%s", p.Address, extraDataHex)
	resp, err := http.DefaultClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}

// TDXQuoteProvider requests quotes from the local TDX guest through configfs or the
// legacy device.
type TDXQuoteProvider struct{}

func (TDXQuoteProvider) Type() string { return QuoteTypeTDX }

func (TDXQuoteProvider) Quote(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// DummyQuoteProvider returns a readable placeholder quote for development.
type DummyQuoteProvider struct{}

func (DummyQuoteProvider) Type() string { return QuoteTypeDummy }

func (DummyQuoteProvider) Quote(reportData [64]byte) ([]byte, error) {
	return []byte(fmt.Sprintf("Quote for %x", reportData)), nil
}

// VerifyQuote checks a platform quote of the given type against the expected report data.
func VerifyQuote(quoteType string, reportData [64]byte, quote []byte) error {
	switch quoteType {
	case QuoteTypeDummy:
		expected, _ := DummyQuoteProvider{}.Quote(reportData)
		if !bytes.Equal(expected, quote) {
			return errors.New("dummy quote does not match report data")
		}
		return nil
	case QuoteTypeTDX, QuoteTypeRemote:
		_, err := VerifyDCAPQuote(reportData, quote)
		return err
	default:
		return fmt.Errorf("unsupported quote type: %s", quoteType)
	}
}

// VerifyDCAPQuote verifies a TDX quote and returns its measurements.
func VerifyDCAPQuote(reportData [64]byte, report []byte) (map[int]string, error) {
	protoQuote, err := tdx_abi.QuoteToProto(report)
	if err != nil {
		return nil, fmt.Errorf("could not parse quote: %w", err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("unsupported quote type: %T", protoQuote)
	}

	// TODO: fetch collateral before verifying to distinguish the error better
	if err := verify.TdxQuote(protoQuote, verify.DefaultOptions()); err != nil {
		return nil, fmt.Errorf("quote verification failed: %w", err)
	}

	if !bytes.Equal(v4Quote.TdQuoteBody.ReportData, reportData[:]) {
		return nil, fmt.Errorf("invalid report data %x, expected %x", v4Quote.TdQuoteBody.ReportData, reportData[:])
	}

	measurements := map[int]string{
		0: hex.EncodeToString(v4Quote.TdQuoteBody.MrTd),
		1: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[0]),
		2: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[1]),
		3: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[2]),
		4: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[3]),
	}

	return measurements, nil
}
