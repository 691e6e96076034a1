package authority

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ruteri/tee-artifact-attestation/common"
	"github.com/ruteri/tee-artifact-attestation/cryptoutils"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
)

// Client submits signed digests to an attestation authority over HTTP. It implements
// interfaces.AttestationProvider.
type Client struct {
	// BaseURL of the authority. Ignored when Domain is set.
	BaseURL string

	// Domain enables SRV discovery through Resolver.
	Domain   string
	Resolver *Resolver

	// QuoteProvider attaches platform evidence to every submission when set.
	QuoteProvider interfaces.QuoteProvider

	HTTPClient *http.Client
	Log        *slog.Logger
}

func NewClient(baseURL string, log *slog.Logger) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: http.DefaultClient,
		Log:        common.LoggerOrDiscard(log),
	}
}

// NewDiscoveringClient resolves the authority from SRV records of domain on every submission.
func NewDiscoveringClient(domain string, resolver *Resolver, log *slog.Logger) *Client {
	return &Client{
		Domain:     domain,
		Resolver:   resolver,
		HTTPClient: http.DefaultClient,
		Log:        common.LoggerOrDiscard(log),
	}
}

// Attest tries each endpoint in turn. A rejection is final, unreachable endpoints fall
// through to the next one.
func (c *Client) Attest(ctx context.Context, req interfaces.AttestationRequest) (string, error) {
	endpoints, err := c.endpoints(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", interfaces.ErrAttestationUnreachable, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", interfaces.ErrAttestationRejected, err)
	}

	var quoteType, quote string
	if c.QuoteProvider != nil {
		raw, err := c.QuoteProvider.Quote(cryptoutils.ReportData(req))
		if err != nil {
			return "", fmt.Errorf("%w: could not obtain platform quote: %w", interfaces.ErrAttestationRejected, err)
		}
		quoteType = c.QuoteProvider.Type()
		quote = base64.StdEncoding.EncodeToString(raw)
	}

	var lastErr error
	for _, endpoint := range endpoints {
		ref, err := c.submit(ctx, endpoint, body, quoteType, quote)
		if err == nil {
			return ref, nil
		}
		if !errors.Is(err, interfaces.ErrAttestationUnreachable) || ctx.Err() != nil {
			return "", err
		}
		c.Log.Warn("Attestation authority unreachable", slog.String("endpoint", endpoint), "err", err)
		lastErr = err
	}
	return "", lastErr
}

func (c *Client) submit(ctx context.Context, endpoint string, body []byte, quoteType, quote string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/api/authority/attestations", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: could not initialize request: %w", interfaces.ErrAttestationUnreachable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if quoteType != "" {
		httpReq.Header.Set(QuoteTypeHeader, quoteType)
		httpReq.Header.Set(QuoteHeader, quote)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: could not request authority: %w", interfaces.ErrAttestationUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: could not read authority response: %w", interfaces.ErrAttestationUnreachable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: authority returned %d: %s", interfaces.ErrAttestationUnreachable, resp.StatusCode, strings.TrimSpace(string(respBody)))
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("%w: authority returned %d: %s", interfaces.ErrAttestationRejected, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var submitResp SubmitResponse
	if err := json.Unmarshal(respBody, &submitResp); err != nil {
		return "", fmt.Errorf("%w: could not parse authority response: %w", interfaces.ErrAttestationRejected, err)
	}
	if submitResp.TransactionReference == "" {
		return "", fmt.Errorf("%w: empty transaction reference", interfaces.ErrAttestationRejected)
	}
	return submitResp.TransactionReference, nil
}

// Lookup fetches a recorded attestation by reference.
func (c *Client) Lookup(ctx context.Context, reference string) (*Entry, error) {
	endpoints, err := c.endpoints(ctx)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoints[0]+"/api/authority/attestations/"+url.PathEscape(reference), nil)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("could not request authority: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("authority returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var entry Entry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return nil, fmt.Errorf("could not parse authority response: %w", err)
	}
	return &entry, nil
}

func (c *Client) endpoints(ctx context.Context) ([]string, error) {
	if c.Domain == "" {
		if c.BaseURL == "" {
			return nil, errors.New("no authority configured")
		}
		return []string{c.BaseURL}, nil
	}

	resolver := c.Resolver
	if resolver == nil {
		resolver = &Resolver{}
	}
	return resolver.Endpoints(ctx, c.Domain)
}
