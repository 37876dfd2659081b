package httpsig

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	gofed "github.com/go-fed/httpsig"
)

// Header and parameter names used by the signature scheme.
const (
	SignatureHeader = "Signature"
	DigestHeader    = "Digest"
	DateHeader      = "Date"
	HostHeader      = "Host"

	// RequestTarget is the pseudo-header covering method, path and query.
	RequestTarget = gofed.RequestTarget

	// Algorithm is the only signature algorithm produced:
	// RSASSA-PKCS1-v1_5 over SHA-256.
	Algorithm = string(gofed.RSA_SHA256)
)

var ErrNilKey = errors.New("signing key is nil")

// Digest returns the Digest header value for body: SHA-256=<base64>.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// Sign adds Date, Host, Digest (when body is non-empty) and Signature headers
// to req. body must be the exact bytes that will be sent. The request is
// mutated in place and not sent.
func Sign(req *http.Request, body []byte, key *rsa.PrivateKey, keyID string) error {
	if key == nil {
		return ErrNilKey
	}

	if req.Header == nil {
		req.Header = make(http.Header)
	}

	if req.Header.Get(DateHeader) == "" {
		req.Header.Set(DateHeader, time.Now().UTC().Format(http.TimeFormat))
	}

	if req.Header.Get(HostHeader) == "" {
		host := req.Host
		if host == "" && req.URL != nil {
			host = req.URL.Host
		}
		req.Header.Set(HostHeader, host)
	}
	if req.Host == "" {
		req.Host = req.Header.Get(HostHeader)
	}

	headers := []string{RequestTarget, "date", "host"}
	if len(body) > 0 {
		headers = []string{RequestTarget, "date", "digest", "host"}
	} else {
		body = nil
	}

	signer, _, err := gofed.NewSigner([]gofed.Algorithm{gofed.RSA_SHA256}, gofed.DigestSha256, headers, gofed.Signature, 0)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	// The signer computes Digest itself and refuses to overwrite one.
	req.Header.Del(DigestHeader)
	if err := signer.SignRequest(key, keyID, req, body); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	return nil
}
