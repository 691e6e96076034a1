// Package authority implements the HTTP attestation authority protocol: a client that
// submits signed digests and a development server that records them.
//
// A submission is a JSON encoded interfaces.AttestationRequest posted to
// /api/authority/attestations. The authority answers with a transaction reference.
// 4xx responses are rejections, 5xx responses and transport failures mean the
// authority is unreachable. Authorities can be discovered through _attest._tcp SRV
// records, and submissions can carry a TDX quote over
// sha256(digest)||sha256(public_key) in the X-Attestation-Quote headers.
package authority
