package authority

import (
	"time"

	"github.com/ruteri/tee-artifact-attestation/interfaces"
)

const (
	// QuoteTypeHeader names the platform evidence attached to a submission.
	QuoteTypeHeader = "X-Attestation-Quote-Type"

	// QuoteHeader carries the base64 platform quote over cryptoutils.ReportData.
	QuoteHeader = "X-Attestation-Quote"

	// SRVService is the service label looked up when an authority is discovered by domain.
	SRVService = "_attest._tcp"
)

// SubmitResponse is returned by the authority for an acknowledged submission.
type SubmitResponse struct {
	TransactionReference string `json:"transaction_reference"`
}

// Entry is an attestation recorded by the authority.
type Entry struct {
	interfaces.AttestationRequest
	TransactionReference string    `json:"transaction_reference"`
	AttestedAt           time.Time `json:"attested_at"`
	QuoteType            string    `json:"quote_type,omitempty"`
	Quote                []byte    `json:"quote,omitempty"`
}
