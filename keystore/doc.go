// Package keystore persists key references under application scoped tags.
//
// A key store holds the element-local identifier of the signing key and its public
// key, never private key material. Stores are selected with a location URI:
//
//	memory://
//	file:///var/lib/attestd/keys
//	vault://vault.example.com:8200/secret/attestd
//	s3://bucket/prefix?region=us-east-1
//
// Every store implements the same contract: Put refuses to overwrite an occupied tag
// with interfaces.ErrKeyExists, Get reports an absent tag with interfaces.ErrKeyNotFound
// and Delete treats an absent tag as success.
package keystore
