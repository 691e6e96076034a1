// Package interfaces defines the contracts shared by the attestation pipeline and its
// providers, separating interface definitions from implementations.
//
// # Providers
//
// DigestProvider turns artifact bytes into a lowercase hex digest. SigningProvider signs
// a digest and returns the SignedRecord. AttestationProvider submits an AttestationRequest
// and returns an AttestationRecord carrying the authority reference.
//
// # Key material
//
// SecureElement holds private keys and signs with them without exporting them. KeyStore
// persists the references needed to find a key again under a tag.
//
// # Errors
//
// Every sentinel error belongs to an ErrorCategory (capability, key-lifecycle, digest,
// attestation). Categorize maps any wrapped error back to its category so the pipeline
// and the HTTP layer can report failures uniformly.
package interfaces
