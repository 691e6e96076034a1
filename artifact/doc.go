// Package artifact loads artifacts from files, HTTP, S3 and IPFS, and inspects their
// format for diagnostics.
package artifact
