package httpsig

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedSignature = errors.New("malformed signature header")

// Params are the parsed fields of a Signature header.
type Params struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature []byte
}

// ParseSignature parses a Signature header of comma-separated key="value"
// pairs. Unknown keys are ignored. When headers is absent it defaults to
// "date".
func ParseSignature(header string) (Params, error) {
	fields, err := splitParams(header)
	if err != nil {
		return Params{}, err
	}

	p := Params{
		KeyID:     fields["keyid"],
		Algorithm: fields["algorithm"],
	}
	if p.KeyID == "" {
		return Params{}, fmt.Errorf("%w: missing keyId", ErrMalformedSignature)
	}

	sig, ok := fields["signature"]
	if !ok || sig == "" {
		return Params{}, fmt.Errorf("%w: missing signature", ErrMalformedSignature)
	}
	p.Signature, err = base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return Params{}, fmt.Errorf("%w: signature is not base64: %v", ErrMalformedSignature, err)
	}

	if headers, ok := fields["headers"]; ok && strings.TrimSpace(headers) != "" {
		p.Headers = strings.Fields(strings.ToLower(headers))
	} else {
		p.Headers = []string{"date"}
	}
	return p, nil
}

// splitParams scans key="value" pairs, honouring commas inside quotes.
func splitParams(header string) (map[string]string, error) {
	fields := make(map[string]string)
	s := strings.TrimSpace(header)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: expected key=value near %q", ErrMalformedSignature, s)
		}
		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = strings.TrimLeft(s[eq+1:], " ")

		var value string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated value for %s", ErrMalformedSignature, key)
			}
			value = s[1 : end+1]
			s = s[end+2:]
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			value = strings.TrimSpace(s[:end])
			s = s[end:]
		}
		fields[key] = value

		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, ",") {
			s = strings.TrimSpace(s[1:])
		} else if len(s) > 0 {
			return nil, fmt.Errorf("%w: expected ',' near %q", ErrMalformedSignature, s)
		}
	}
	return fields, nil
}
