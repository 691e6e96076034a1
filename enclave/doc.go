// Package enclave provides secure elements: the hardware boundary that creates P-256
// keys, signs with them and never exports private key material.
//
// VaultTransit backs keys with a HashiCorp Vault transit engine. Memory emulates an
// element in process memory and Unavailable models a host without secure hardware.
package enclave
