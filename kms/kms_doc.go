// Package kms holds the signing keys of local actors.
//
// Private keys are never stored in the clear. Each local actor gets a fresh
// RSA keypair whose PKCS#8 private key is sealed with AES-256-GCM under a key
// derived by PBKDF2-HMAC-SHA256 from the server-wide wrapping secret (KEK)
// and a random 16-byte salt. The ciphertext and salt are persisted with the
// actor; the KEK is not.
//
// The KEK is supplied by a SecretSource: a static value from flags or the
// environment, a file, or a HashiCorp Vault KV v2 secret.
package kms
