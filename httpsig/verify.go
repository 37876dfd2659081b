package httpsig

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"net/http"
	"slices"
	"strings"
	"time"

	gofed "github.com/go-fed/httpsig"
)

var (
	ErrMissingDigest        = errors.New("digest header missing or malformed")
	ErrUnsupportedDigest    = errors.New("unsupported digest algorithm")
	ErrDigestMismatch       = errors.New("digest does not match body")
	ErrNoSignature          = errors.New("signature header missing")
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
	ErrDigestNotSigned      = errors.New("digest header not covered by signature")
	ErrDateNotSigned        = errors.New("date header not covered by signature")
	ErrBadSignature         = errors.New("signature verification failed")
	ErrStaleDate            = errors.New("date header outside allowed skew")
)

var digestAlgorithms = map[string]func() hash.Hash{
	"sha-256": sha256.New,
	"sha-512": sha512.New,
}

// Verify checks digest integrity of body and the presence of a Signature
// header. A true result does not establish who signed the request; callers
// that trust the signer's identity must also call VerifySignature.
func Verify(req *http.Request, body []byte) bool {
	return VerifyEnvelope(req, body) == nil
}

// VerifyEnvelope is Verify with the failure reason.
func VerifyEnvelope(req *http.Request, body []byte) error {
	if len(body) > 0 {
		if err := VerifyDigest(req, body); err != nil {
			return err
		}
	}
	if req.Header.Get(SignatureHeader) == "" {
		return ErrNoSignature
	}
	return nil
}

// VerifyDigest recomputes the body digest with the algorithm named in the
// Digest header and compares it ignoring base64 padding.
func VerifyDigest(req *http.Request, body []byte) error {
	header := req.Header.Get(DigestHeader)
	if header == "" {
		return ErrMissingDigest
	}

	var lastErr error = ErrMissingDigest
	for _, entry := range strings.Split(header, ",") {
		algo, value, _ := strings.Cut(strings.TrimSpace(entry), "=")
		if algo == "" || value == "" {
			lastErr = ErrMissingDigest
			continue
		}

		newHash, ok := digestAlgorithms[strings.ToLower(algo)]
		if !ok {
			lastErr = fmt.Errorf("%w: %s", ErrUnsupportedDigest, algo)
			continue
		}

		h := newHash()
		h.Write(body)
		computed := base64.StdEncoding.EncodeToString(h.Sum(nil))
		if strings.TrimRight(value, "=") != strings.TrimRight(computed, "=") {
			return ErrDigestMismatch
		}
		return nil
	}
	return lastErr
}

// KeyLookup resolves the public key for the keyId named in a Signature
// header.
type KeyLookup func(keyID string) (*rsa.PublicKey, error)

// Verifier checks Signature headers. A positive MaxSkew makes the Date
// header mandatory: it has to be covered by the signature and lie within
// MaxSkew of Now.
type Verifier struct {
	MaxSkew time.Duration
	Now     func() time.Time
}

// VerifySignature checks the Signature header cryptographically against pub.
// The signing string is rebuilt from the header list the signer declared.
func VerifySignature(req *http.Request, pub *rsa.PublicKey) error {
	_, err := Verifier{}.Verify(req, func(string) (*rsa.PublicKey, error) {
		return pub, nil
	})
	return err
}

// VerifyWith verifies req against the key returned by lookup for the
// declared keyId and returns that keyId. Lookup errors are returned as-is.
func VerifyWith(req *http.Request, lookup KeyLookup) (string, error) {
	return Verifier{}.Verify(req, lookup)
}

// Verify is VerifyWith under the verifier's date policy.
func (v Verifier) Verify(req *http.Request, lookup KeyLookup) (string, error) {
	header := req.Header.Get(SignatureHeader)
	if header == "" {
		return "", ErrNoSignature
	}

	params, err := ParseSignature(header)
	if err != nil {
		return "", err
	}

	switch strings.ToLower(params.Algorithm) {
	case "", Algorithm, "hs2019":
	default:
		return params.KeyID, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, params.Algorithm)
	}

	if req.Header.Get(DigestHeader) != "" && !slices.Contains(params.Headers, "digest") {
		return params.KeyID, ErrDigestNotSigned
	}

	if v.MaxSkew > 0 {
		if !slices.Contains(params.Headers, "date") {
			return params.KeyID, ErrDateNotSigned
		}
		now := time.Now
		if v.Now != nil {
			now = v.Now
		}
		if err := CheckDate(req, now(), v.MaxSkew); err != nil {
			return params.KeyID, err
		}
	}

	pub, err := lookup(params.KeyID)
	if err != nil {
		return params.KeyID, err
	}
	if pub == nil {
		return params.KeyID, ErrNilKey
	}

	verifier, err := gofed.NewVerifier(withHostHeader(req))
	if err != nil {
		return params.KeyID, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if err := verifier.Verify(pub, gofed.RSA_SHA256); err != nil {
		return params.KeyID, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return params.KeyID, nil
}

// withHostHeader returns req with req.Host copied into the header map, where
// the verifier looks for it. Server side requests carry it only in req.Host.
func withHostHeader(req *http.Request) *http.Request {
	if req.Header.Get(HostHeader) != "" || req.Host == "" {
		return req
	}
	clone := req.Clone(req.Context())
	clone.Header.Set(HostHeader, req.Host)
	return clone
}

// CheckDate rejects requests whose Date header is further than maxSkew from
// now. A zero maxSkew disables the check.
func CheckDate(req *http.Request, now time.Time, maxSkew time.Duration) error {
	if maxSkew <= 0 {
		return nil
	}

	date, err := http.ParseTime(req.Header.Get(DateHeader))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStaleDate, err)
	}

	if diff := now.Sub(date); diff > maxSkew || diff < -maxSkew {
		return fmt.Errorf("%w: %s", ErrStaleDate, diff)
	}
	return nil
}
