// Package pipelinehandler serves the attestation pipeline and key management over HTTP.
package pipelinehandler
