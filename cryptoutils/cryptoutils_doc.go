// Package cryptoutils provides the low-level key handling used by the key
// vault and the signature codec.
//
// # Key Encoding
//
// Actor public keys travel as PEM in the publicKeyPem field of an actor
// document. ActorPubkey accepts both PKIX ("PUBLIC KEY") and PKCS#1
// ("RSA PUBLIC KEY") blocks and always emits PKIX. Private keys are exported
// as PKCS#8 DER and only ever leave memory in sealed form.
//
// # Authenticated Encryption
//
// SealGCM and OpenGCM wrap AES-GCM with a caller-chosen nonce size. OpenGCM
// returns no plaintext unless the authentication tag verifies.
package cryptoutils
