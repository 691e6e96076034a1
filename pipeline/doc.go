/*
Package pipeline implements the four stage attestation run:

	AwaitingArtifact --SelectArtifact--> ArtifactSelected --ComputeAndSign--> Signed --SubmitAttestation--> Attested
	       ^                                                                                                  |
	       +------------------------------------------- Reset (from any stage) -------------------------------+

Each transition sets Loading and clears LastError on entry. A failing transition keeps
the stage and records the failure in LastError, so the digest and signature survive an
attestation failure and the call can simply be retried.

Observers either poll State and compare Version, or Subscribe to snapshots.
*/
package pipeline
