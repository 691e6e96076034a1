package common

var (
	// PackageName is used as the metrics namespace.
	PackageName = "tee_artifact_attestation"

	// Version is set at build time.
	Version = "dev"
)
