// Package main (cmd/attestd) serves the attestation pipeline over HTTP.
//
// On startup it probes the configured secure element once and binds either hardware
// backed or simulated providers for the lifetime of the process. With --authority it
// also serves a development attestation authority, so a single process can run the
// whole flow:
//
//	attestd --key-element vault://127.0.0.1:8200/transit?tls=false \
//	        --key-store file:///var/lib/attestd/keys \
//	        --attestation-uri http://127.0.0.1:8080/ --authority
//
//	curl --data-binary @photo.jpg 'localhost:8080/api/pipeline/artifact?name=photo.jpg'
//	curl -X POST localhost:8080/api/pipeline/sign
//	curl -X POST localhost:8080/api/pipeline/attest
//
// Settings can also be read from a YAML file with --config; explicitly set flags win.
package main
