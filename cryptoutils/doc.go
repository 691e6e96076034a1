// Package cryptoutils holds the encodings shared by signers and verifiers.
//
// Public keys travel as base64 PKIX DER (PublicKeyDER). Signatures are ASN.1 ECDSA
// P-256 over SHA-256 of the UTF-8 digest string, base64 encoded. VerifySignature checks
// a record produced by any secure element.
//
// Platform evidence binds a record to the host through ReportData, which packs
// sha256(digest) || sha256(publicKey) into the 64 byte TDX report data. QuoteProviderFor
// selects a local TDX, remote TDX or dummy provider and VerifyQuote checks the result.
package cryptoutils
