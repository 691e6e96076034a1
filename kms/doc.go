// Package kms manages the hardware isolated signing keypair and the signing providers
// built on top of it.
//
// KeyManager owns the keypair lifecycle:
//
//	Unprobed ──ProbeCapability──▶ HardwareUnavailable
//	    │                    └──▶ HardwareAvailableNoKey ──GenerateKeypair──▶ HardwareAvailableWithKey
//	    └──CheckForExistingKey──────────────────────────────────────────────▶ HardwareAvailableWithKey
//
// DeleteKeypair returns to HardwareAvailableNoKey, or to HardwareUnavailable when the
// secure element stops responding.
//
// The private key lives in an interfaces.SecureElement and is addressed by an element
// local identifier. That identifier and the PKIX encoded public key are persisted in an
// interfaces.KeyStore under the key tag and "<tag>.public". At most one keypair exists per
// tag: GenerateKeypair loads an existing keypair before creating a new one, and all
// mutating operations are serialized on one mutex.
//
// Signatures are ASN.1 DER ECDSA P-256 signatures over SHA-256 of the UTF-8 digest
// string, transported as standard base64. Public keys are transported as base64 PKIX DER.
//
// # Signing providers
//
// HardwareSigner generates the keypair on first use and signs with it. SimulatedSigner
// returns fixed placeholder values and is only bound when the secure element is
// unavailable.
package kms
