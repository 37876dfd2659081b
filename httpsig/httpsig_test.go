package httpsig

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gofed "github.com/go-fed/httpsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyID = "https://local.example/ap/users/alice#main-key"

func newTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func formatSignature(p Params) string {
	return fmt.Sprintf(`keyId="%s",algorithm="%s",headers="%s",signature="%s"`,
		p.KeyID, p.Algorithm, strings.Join(p.Headers, " "), base64.StdEncoding.EncodeToString(p.Signature))
}

// signCovering signs req over exactly headers, bypassing Sign's defaults.
func signCovering(t *testing.T, req *http.Request, body []byte, key *rsa.PrivateKey, headers ...string) {
	t.Helper()
	signer, _, err := gofed.NewSigner([]gofed.Algorithm{gofed.RSA_SHA256}, gofed.DigestSha256, headers, gofed.Signature, 0)
	require.NoError(t, err)
	require.NoError(t, signer.SignRequest(key, testKeyID, req, body))
}

// receive turns a signed client request into what a server handler sees:
// a relative URL and the Host header moved into req.Host.
func receive(t *testing.T, out *http.Request, body []byte) *http.Request {
	t.Helper()
	in := httptest.NewRequest(out.Method, out.URL.RequestURI(), bytes.NewReader(body))
	for name, values := range out.Header {
		if strings.EqualFold(name, HostHeader) {
			continue
		}
		in.Header[name] = values
	}
	in.Host = out.Header.Get(HostHeader)
	return in
}

func TestSignVerify_RoundTrip(t *testing.T) {
	key := newTestKey(t)

	bodies := [][]byte{
		[]byte(`{"type":"Follow"}`),
		[]byte("x"),
		bytes.Repeat([]byte{0xff, 0x00}, 4096),
	}

	for _, body := range bodies {
		out, err := http.NewRequest(http.MethodPost, "https://remote.example/ap/users/bob/inbox", bytes.NewReader(body))
		require.NoError(t, err)
		require.NoError(t, Sign(out, body, key, testKeyID))

		assert.NotEmpty(t, out.Header.Get(DateHeader))
		assert.Equal(t, "remote.example", out.Header.Get(HostHeader))
		assert.Equal(t, Digest(body), out.Header.Get(DigestHeader))

		in := receive(t, out, body)
		assert.True(t, Verify(in, body))
		assert.NoError(t, VerifySignature(in, &key.PublicKey))
	}
}

func TestVerify_DetectsBodyTampering(t *testing.T) {
	key := newTestKey(t)
	body := []byte(`{"type":"Follow","actor":"https://remote.example/users/r"}`)

	out, err := http.NewRequest(http.MethodPost, "https://local.example/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, Sign(out, body, key, testKeyID))

	for i := range body {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x20
		in := receive(t, out, tampered)
		assert.False(t, Verify(in, tampered), "flip at byte %d", i)
		assert.ErrorIs(t, VerifyEnvelope(in, tampered), ErrDigestMismatch)
	}
}

func TestSign_NoBody(t *testing.T) {
	key := newTestKey(t)

	out, err := http.NewRequest(http.MethodGet, "https://remote.example/users/r?page=1", nil)
	require.NoError(t, err)
	require.NoError(t, Sign(out, nil, key, testKeyID))

	assert.Empty(t, out.Header.Get(DigestHeader))

	params, err := ParseSignature(out.Header.Get(SignatureHeader))
	require.NoError(t, err)
	assert.Equal(t, []string{RequestTarget, "date", "host"}, params.Headers)

	in := receive(t, out, nil)
	assert.True(t, Verify(in, nil))
	assert.NoError(t, VerifySignature(in, &key.PublicKey))
}

func TestSign_SigningStringLayout(t *testing.T) {
	key := newTestKey(t)
	body := []byte(`{"type":"Accept"}`)

	req, err := http.NewRequest(http.MethodPost, "https://remote.example/ap/users/bob/inbox?a=1&b=2", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(DateHeader, "Tue, 07 Jun 2022 20:51:35 GMT")
	require.NoError(t, Sign(req, body, key, testKeyID))

	params, err := ParseSignature(req.Header.Get(SignatureHeader))
	require.NoError(t, err)
	assert.Equal(t, []string{RequestTarget, "date", "digest", "host"}, params.Headers)

	signingString := strings.Join([]string{
		"(request-target): post /ap/users/bob/inbox?a=1&b=2",
		"date: Tue, 07 Jun 2022 20:51:35 GMT",
		"digest: " + Digest(body),
		"host: remote.example",
	}, "\n")
	hashed := sha256.Sum256([]byte(signingString))
	assert.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, hashed[:], params.Signature))
}

func TestSign_ReplacesStaleDigest(t *testing.T) {
	key := newTestKey(t)
	body := []byte("{}")
	req, err := http.NewRequest(http.MethodPost, "https://remote.example/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(DigestHeader, "SHA-256=stale")

	require.NoError(t, Sign(req, body, key, testKeyID))
	assert.Equal(t, Digest(body), req.Header.Get(DigestHeader))
}

func TestSign_KeepsExistingDateAndHost(t *testing.T) {
	key := newTestKey(t)
	req, err := http.NewRequest(http.MethodPost, "https://remote.example/inbox", nil)
	require.NoError(t, err)
	req.Header.Set(DateHeader, "Tue, 07 Jun 2022 20:51:35 GMT")
	req.Header.Set(HostHeader, "alias.example")

	require.NoError(t, Sign(req, []byte("{}"), key, testKeyID))
	assert.Equal(t, "Tue, 07 Jun 2022 20:51:35 GMT", req.Header.Get(DateHeader))
	assert.Equal(t, "alias.example", req.Header.Get(HostHeader))
	assert.ErrorIs(t, Sign(req, nil, nil, testKeyID), ErrNilKey)
}

func TestSignatureHeaderFormat(t *testing.T) {
	key := newTestKey(t)
	req, err := http.NewRequest(http.MethodPost, "https://remote.example/inbox", nil)
	require.NoError(t, err)
	require.NoError(t, Sign(req, []byte("{}"), key, testKeyID))

	header := req.Header.Get(SignatureHeader)
	assert.Contains(t, header, `keyId="`+testKeyID+`"`)
	assert.Contains(t, header, `headers="(request-target) date digest host"`)

	params, err := ParseSignature(header)
	require.NoError(t, err)
	assert.Equal(t, testKeyID, params.KeyID)
	assert.Equal(t, Algorithm, params.Algorithm)
	assert.Equal(t, []string{RequestTarget, "date", "digest", "host"}, params.Headers)
	assert.Len(t, params.Signature, 256)
}

func TestVerify_DigestHeaderVariants(t *testing.T) {
	body := []byte("hello")
	digest := Digest(body)
	unpadded := strings.TrimRight(digest, "=")

	testCases := []struct {
		name   string
		digest string
		want   error
	}{
		{"canonical", digest, nil},
		{"padding stripped", unpadded, nil},
		{"lowercase algorithm", "sha-256=" + strings.TrimPrefix(digest, "SHA-256="), nil},
		{"list with unknown first", "MD5=xyz," + digest, nil},
		{"missing value", "SHA-256=", ErrMissingDigest},
		{"missing algorithm", "=abc", ErrMissingDigest},
		{"no separator", "SHA-256", ErrMissingDigest},
		{"unsupported only", "MD5=xyz", ErrUnsupportedDigest},
		{"mismatch", "SHA-256=" + strings.Repeat("A", 43) + "=", ErrDigestMismatch},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/inbox", bytes.NewReader(body))
			req.Header.Set(DigestHeader, tc.digest)
			req.Header.Set(SignatureHeader, `keyId="k",signature="AA=="`)
			err := VerifyEnvelope(req, body)
			if tc.want == nil {
				assert.NoError(t, err)
				assert.True(t, Verify(req, body))
			} else {
				assert.ErrorIs(t, err, tc.want)
				assert.False(t, Verify(req, body))
			}
		})
	}
}

func TestVerify_RequiresSignatureHeader(t *testing.T) {
	body := []byte("{}")
	req := httptest.NewRequest(http.MethodPost, "/inbox", bytes.NewReader(body))
	req.Header.Set(DigestHeader, Digest(body))
	assert.False(t, Verify(req, body))
	assert.ErrorIs(t, VerifyEnvelope(req, body), ErrNoSignature)

	// Without a body only the signature presence matters
	get := httptest.NewRequest(http.MethodGet, "/inbox", nil)
	assert.False(t, Verify(get, nil))
	get.Header.Set(SignatureHeader, `keyId="k",signature="AA=="`)
	assert.True(t, Verify(get, nil))
}

func TestVerifySignature_Failures(t *testing.T) {
	key := newTestKey(t)
	other := newTestKey(t)
	body := []byte(`{"type":"Undo"}`)

	out, err := http.NewRequest(http.MethodPost, "https://local.example/ap/users/alice/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, Sign(out, body, key, testKeyID))

	t.Run("wrong key", func(t *testing.T) {
		in := receive(t, out, body)
		assert.ErrorIs(t, VerifySignature(in, &other.PublicKey), ErrBadSignature)
	})

	t.Run("different path", func(t *testing.T) {
		in := receive(t, out, body)
		in.URL.Path = "/ap/users/mallory/inbox"
		assert.ErrorIs(t, VerifySignature(in, &key.PublicKey), ErrBadSignature)
	})

	t.Run("replaced date", func(t *testing.T) {
		in := receive(t, out, body)
		in.Header.Set(DateHeader, "Mon, 01 Jan 2024 00:00:00 GMT")
		assert.ErrorIs(t, VerifySignature(in, &key.PublicKey), ErrBadSignature)
	})

	t.Run("digest not covered", func(t *testing.T) {
		in := receive(t, out, body)
		params, err := ParseSignature(in.Header.Get(SignatureHeader))
		require.NoError(t, err)
		params.Headers = []string{RequestTarget, "date", "host"}
		in.Header.Set(SignatureHeader, formatSignature(params))
		assert.ErrorIs(t, VerifySignature(in, &key.PublicKey), ErrDigestNotSigned)
	})

	t.Run("unsupported algorithm", func(t *testing.T) {
		in := receive(t, out, body)
		params, err := ParseSignature(in.Header.Get(SignatureHeader))
		require.NoError(t, err)
		params.Algorithm = "ed25519"
		in.Header.Set(SignatureHeader, formatSignature(params))
		assert.ErrorIs(t, VerifySignature(in, &key.PublicKey), ErrUnsupportedAlgorithm)
	})

	t.Run("missing header", func(t *testing.T) {
		in := receive(t, out, body)
		in.Header.Del(SignatureHeader)
		assert.ErrorIs(t, VerifySignature(in, &key.PublicKey), ErrNoSignature)
	})
}

func TestParseSignature(t *testing.T) {
	p, err := ParseSignature(`keyId="https://a.example/u#main-key", algorithm="hs2019",headers="(request-target) Host Date",signature="AQID"`)
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/u#main-key", p.KeyID)
	assert.Equal(t, "hs2019", p.Algorithm)
	assert.Equal(t, []string{"(request-target)", "host", "date"}, p.Headers)
	assert.Equal(t, []byte{1, 2, 3}, p.Signature)

	p, err = ParseSignature(`keyId="https://a.example/u,with,commas",signature="AQID"`)
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/u,with,commas", p.KeyID)
	assert.Equal(t, []string{"date"}, p.Headers)

	for _, bad := range []string{
		``,
		`signature="AQID"`,
		`keyId="k"`,
		`keyId="k",signature="***"`,
		`keyId="k,signature="AQID"`,
		`keyId="k" signature="AQID"`,
	} {
		_, err := ParseSignature(bad)
		assert.ErrorIs(t, err, ErrMalformedSignature, bad)
	}
}

func TestCheckDate(t *testing.T) {
	now := time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)
	req := httptest.NewRequest(http.MethodPost, "/inbox", nil)

	req.Header.Set(DateHeader, now.Add(-time.Hour).Format(http.TimeFormat))
	assert.NoError(t, CheckDate(req, now, 12*time.Hour))

	req.Header.Set(DateHeader, now.Add(-13*time.Hour).Format(http.TimeFormat))
	assert.ErrorIs(t, CheckDate(req, now, 12*time.Hour), ErrStaleDate)
	assert.NoError(t, CheckDate(req, now, 0))

	req.Header.Set(DateHeader, now.Add(13*time.Hour).Format(http.TimeFormat))
	assert.ErrorIs(t, CheckDate(req, now, 12*time.Hour), ErrStaleDate)

	req.Header.Set(DateHeader, "yesterday")
	assert.ErrorIs(t, CheckDate(req, now, 12*time.Hour), ErrStaleDate)
}

func TestVerifyWith(t *testing.T) {
	key := newTestKey(t)
	body := []byte(`{"type":"Follow"}`)

	out, err := http.NewRequest(http.MethodPost, "https://local.example/ap/users/alice/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, Sign(out, body, key, testKeyID))

	var looked []string
	keyID, err := VerifyWith(receive(t, out, body), func(id string) (*rsa.PublicKey, error) {
		looked = append(looked, id)
		return &key.PublicKey, nil
	})
	require.NoError(t, err)
	assert.Equal(t, testKeyID, keyID)
	assert.Equal(t, []string{testKeyID}, looked)

	errUnknown := errors.New("unknown key")
	keyID, err = VerifyWith(receive(t, out, body), func(string) (*rsa.PublicKey, error) {
		return nil, errUnknown
	})
	assert.ErrorIs(t, err, errUnknown)
	assert.Equal(t, testKeyID, keyID)

	_, err = VerifyWith(receive(t, out, body), func(string) (*rsa.PublicKey, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrNilKey)
}

func TestVerifier_DatePolicy(t *testing.T) {
	key := newTestKey(t)
	body := []byte(`{"type":"Follow"}`)
	now := time.Now().UTC()
	lookup := func(string) (*rsa.PublicKey, error) { return &key.PublicKey, nil }

	newRequest := func(date time.Time) *http.Request {
		req, err := http.NewRequest(http.MethodPost, "https://local.example/ap/users/alice/inbox", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set(DateHeader, date.Format(http.TimeFormat))
		req.Header.Set(HostHeader, "local.example")
		return req
	}

	t.Run("date covered", func(t *testing.T) {
		out := newRequest(now)
		signCovering(t, out, body, key, RequestTarget, "date", "digest", "host")
		_, err := Verifier{MaxSkew: time.Hour}.Verify(receive(t, out, body), lookup)
		assert.NoError(t, err)
	})

	t.Run("date not covered", func(t *testing.T) {
		out := newRequest(now)
		signCovering(t, out, body, key, RequestTarget, "digest", "host")
		in := receive(t, out, body)

		_, err := Verifier{MaxSkew: time.Hour}.Verify(in, lookup)
		assert.ErrorIs(t, err, ErrDateNotSigned)

		// Without a skew policy the date is not required.
		_, err = Verifier{}.Verify(in, lookup)
		assert.NoError(t, err)
	})

	t.Run("stale date", func(t *testing.T) {
		out := newRequest(now.Add(-2 * time.Hour))
		signCovering(t, out, body, key, RequestTarget, "date", "digest", "host")
		_, err := Verifier{MaxSkew: time.Hour, Now: func() time.Time { return now }}.Verify(receive(t, out, body), lookup)
		assert.ErrorIs(t, err, ErrStaleDate)
	})
}
