// Package httpsig signs and verifies federated HTTP requests with the
// Signature/Digest header scheme used by ActivityPub servers.
//
// # Signing
//
// Sign adds a Date header (RFC 1123, GMT) and a Host header when absent, a
// Digest header (SHA-256=<base64>) when the request carries a body, and a
// Signature header:
//
//	keyId="https://example.com/ap/users/alice#main-key",algorithm="rsa-sha256",
//	headers="(request-target) date digest host",signature="<base64>"
//
// The signing string is one line per covered header, in the fixed order
// (request-target), date, digest, host:
//
//	(request-target): post /ap/users/bob/inbox
//	date: Tue, 07 Jun 2024 20:51:35 GMT
//	digest: SHA-256=X48E9qOokqqrvdts8nOJRJN3OWDUoyWxBf7kbu9DBPE=
//	host: remote.example
//
// Signatures are RSASSA-PKCS1-v1_5 over SHA-256, produced and checked with
// github.com/go-fed/httpsig.
//
// # Verification
//
// Verification is split in two steps. Verify checks digest integrity and the
// presence of a Signature header only; it says nothing about who signed.
// VerifyWith rebuilds the signing string from the declared header list and
// checks it against the key a KeyLookup returns for the claimed keyId. A
// Verifier with a positive MaxSkew additionally requires a signed, fresh Date
// header.
package httpsig
