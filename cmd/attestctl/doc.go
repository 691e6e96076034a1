// Package main (cmd/attestctl) runs the attestation pipeline from the command line.
//
//	attestctl --key-element vault://127.0.0.1:8200/transit?tls=false --key-store file:///var/lib/attest probe
//	attestctl ... key init
//	attestctl ... run --artifact s3://photos/2024/cat.heic
//	attestctl digest ./cat.jpg
//
// Key and store flags are global so that every subcommand sees the same keypair.
package main
