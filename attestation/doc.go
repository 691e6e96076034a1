// Package attestation provides the attestation providers that submit a signed digest to
// an external authority and return its transaction reference.
//
//   - Simulated acknowledges every submission with a placeholder reference.
//   - Onchain calls attest(bytes32,bytes,bytes) on a registry contract.
//   - IPFS pins the submission and returns its CID.
//   - authority.Client talks to an HTTP attestation authority.
//
// Providers fail with interfaces.ErrAttestationRejected when the authority refuses a
// submission and with interfaces.ErrAttestationUnreachable when it cannot be reached.
package attestation
