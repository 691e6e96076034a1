package interfaces

import (
	"errors"
	"time"
)

// Artifact is an opaque binary payload selected for attestation, usually a photo.
type Artifact struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	SelectedAt time.Time `json:"selected_at"`
	Data       []byte    `json:"-"`
}

// NewArtifact wraps data picked by an artifact source.
func NewArtifact(name string, data []byte) Artifact {
	return Artifact{
		Name:       name,
		Size:       int64(len(data)),
		SelectedAt: time.Now(),
		Data:       data,
	}
}

// SignatureResult is returned by a SigningProvider for a single digest.
type SignatureResult struct {
	Signature string `json:"signature"`
	PublicKey string `json:"public_key"`
}

// SignedRecord binds a digest to a signature and the public key that verifies it.
type SignedRecord struct {
	Digest    string    `json:"digest"`
	Signature string    `json:"signature"`
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Request returns the attestation authority request for the record.
func (r SignedRecord) Request() AttestationRequest {
	return AttestationRequest{
		Digest:    r.Digest,
		Signature: r.Signature,
		PublicKey: r.PublicKey,
	}
}

// AttestationRequest is the triple submitted to an attestation authority.
type AttestationRequest struct {
	Digest    string `json:"digest"`
	Signature string `json:"signature"`
	PublicKey string `json:"public_key"`
}

// AttestationRecord is a SignedRecord acknowledged by the attestation authority.
type AttestationRecord struct {
	Digest               string    `json:"digest"`
	Signature            string    `json:"signature"`
	PublicKey            string    `json:"public_key"`
	TransactionReference string    `json:"transaction_reference"`
	AttestedAt           time.Time `json:"attested_at"`
}

// NewAttestationRecord completes a signed record with the authority's reference.
func NewAttestationRecord(signed SignedRecord, reference string, at time.Time) (AttestationRecord, error) {
	if reference == "" {
		return AttestationRecord{}, errors.New("empty transaction reference")
	}
	return AttestationRecord{
		Digest:               signed.Digest,
		Signature:            signed.Signature,
		PublicKey:            signed.PublicKey,
		TransactionReference: reference,
		AttestedAt:           at,
	}, nil
}

// KeyReference identifies the persisted keypair. The private half never leaves the
// secure element; only its element-local identifier is stored.
type KeyReference struct {
	ElementKeyID string `json:"element_key_id"`
	PublicKeyDER []byte `json:"public_key_der"`
}
