package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput is returned when an artifact contains no bytes.
	ErrEmptyInput = errors.New("empty input")

	// ErrExtractionFailed is returned when the artifact byte source could not be read.
	ErrExtractionFailed = errors.New("artifact data extraction failed")

	// ErrHardwareUnavailable is returned when the secure element cannot be used, or when
	// a key operation is invoked before a keypair exists.
	ErrHardwareUnavailable = errors.New("secure hardware not available")

	// ErrKeyGenerationFailed is returned when the secure element fails to create a key.
	ErrKeyGenerationFailed = errors.New("key generation failed")

	// ErrPublicKeyExtractionFailed is returned when the public half of a key cannot be
	// derived or exported.
	ErrPublicKeyExtractionFailed = errors.New("public key extraction failed")

	// ErrPersistenceFailed is returned when a key reference cannot be stored.
	ErrPersistenceFailed = errors.New("key reference persistence failed")

	// ErrKeyRetrievalFailed is returned when no stored key reference can be loaded.
	ErrKeyRetrievalFailed = errors.New("key retrieval failed")

	// ErrKeyDeletionFailed is returned when the secure element refuses to delete the key.
	ErrKeyDeletionFailed = errors.New("key deletion failed")

	// ErrSigningFailed is returned when the signing primitive fails.
	ErrSigningFailed = errors.New("signing failed")

	// ErrAttestationRejected is returned when the attestation authority refuses a submission.
	ErrAttestationRejected = errors.New("attestation rejected")

	// ErrAttestationUnreachable is returned when the attestation authority cannot be reached.
	ErrAttestationUnreachable = errors.New("attestation authority unreachable")

	// ErrKeyNotFound is returned by key stores and secure elements for absent entries.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyExists is returned by key stores when a tag is already populated.
	// Callers treat it as non-fatal.
	ErrKeyExists = errors.New("key already exists")

	// ErrPipelineBusy is returned when a pipeline transition is requested while
	// another one is still in flight.
	ErrPipelineBusy = errors.New("pipeline busy")

	// ErrInvalidStage is returned when a pipeline transition is requested from a stage
	// that does not allow it.
	ErrInvalidStage = errors.New("invalid pipeline stage")

	// ErrRunSuperseded is returned by a transition whose run was reset while it was in flight.
	ErrRunSuperseded = errors.New("pipeline run superseded")

	// ErrInvalidLocationURI is returned when a provider URI is malformed or unsupported.
	ErrInvalidLocationURI = errors.New("invalid location URI")
)

// PersistenceError carries the status reported by the key store when a key reference
// could not be written.
type PersistenceError struct {
	Status string
	Err    error
}

func (e *PersistenceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: status %s", ErrPersistenceFailed, e.Status)
	}
	return fmt.Sprintf("%s: status %s: %v", ErrPersistenceFailed, e.Status, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistenceFailed }

// ErrorCategory groups pipeline failures by how a caller recovers from them.
type ErrorCategory int

const (
	UnknownError ErrorCategory = iota
	// CapabilityError means hardware is absent; recoverable by falling back to simulation.
	CapabilityError
	// KeyLifecycleError covers generation, retrieval, signing and persistence failures.
	KeyLifecycleError
	// DigestError means the artifact must be selected again.
	DigestError
	// AttestationError is retryable without recomputing the signature.
	AttestationError
)

func (c ErrorCategory) String() string {
	switch c {
	case CapabilityError:
		return "capability"
	case KeyLifecycleError:
		return "key-lifecycle"
	case DigestError:
		return "digest"
	case AttestationError:
		return "attestation"
	default:
		return "unknown"
	}
}

// MarshalText renders the category name in JSON responses.
func (c ErrorCategory) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ErrorCategory) UnmarshalText(text []byte) error {
	for _, candidate := range []ErrorCategory{UnknownError, CapabilityError, KeyLifecycleError, DigestError, AttestationError} {
		if candidate.String() == string(text) {
			*c = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown error category %q", text)
}

// Categorize maps an error returned by a provider onto its ErrorCategory.
func Categorize(err error) ErrorCategory {
	switch {
	case err == nil:
		return UnknownError
	case errors.Is(err, ErrHardwareUnavailable):
		return CapabilityError
	case errors.Is(err, ErrKeyGenerationFailed),
		errors.Is(err, ErrPublicKeyExtractionFailed),
		errors.Is(err, ErrPersistenceFailed),
		errors.Is(err, ErrKeyRetrievalFailed),
		errors.Is(err, ErrKeyDeletionFailed),
		errors.Is(err, ErrSigningFailed):
		return KeyLifecycleError
	case errors.Is(err, ErrEmptyInput), errors.Is(err, ErrExtractionFailed):
		return DigestError
	case errors.Is(err, ErrAttestationRejected), errors.Is(err, ErrAttestationUnreachable):
		return AttestationError
	default:
		return UnknownError
	}
}
