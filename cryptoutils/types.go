package cryptoutils

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// ActorPubkey represents an actor's RSA public key in PEM format.
type ActorPubkey []byte

// NewActorPubkey creates a new public key object from PEM-encoded data with validation.
func NewActorPubkey(data []byte) (ActorPubkey, error) {
	if _, err := ActorPubkey(data).GetPublicKey(); err != nil {
		return ActorPubkey{}, err
	}
	return ActorPubkey(data), nil
}

// Validate checks if the public key is properly formed.
func (pub ActorPubkey) Validate() error {
	_, err := NewActorPubkey(pub)
	return err
}

// GetPublicKey returns the parsed RSA public key. Both PKIX ("PUBLIC KEY")
// and PKCS#1 ("RSA PUBLIC KEY") blocks are accepted.
func (pub ActorPubkey) GetPublicKey() (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(string(pub))))
	if block == nil {
		return nil, errors.New("invalid public key: not in PEM format")
	}

	switch block.Type {
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid public key structure: %w", err)
		}
		rsaKey, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("unsupported public key type: %T", parsed)
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid public key structure: %w", err)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("invalid public key: unexpected PEM block %q", block.Type)
	}
}

// EncodePublicKeyPEM encodes an RSA public key as a PKIX "PUBLIC KEY" block,
// the form ActivityPub peers expect in publicKeyPem.
func EncodePublicKeyPEM(pub *rsa.PublicKey) (ActorPubkey, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: der,
	}), nil
}

// MarshalPrivateKey exports an RSA private key as PKCS#8 DER.
func MarshalPrivateKey(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return der, nil
}

// ParsePrivateKey imports a PKCS#8 DER private key, requiring RSA.
func ParsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("invalid private key structure: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type: %T", parsed)
	}
	return rsaKey, nil
}

// RandomRSAKeypair generates a fresh RSA keypair of the given size.
func RandomRSAKeypair(bits int) (*rsa.PrivateKey, ActorPubkey, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, err
	}

	pubPEM, err := EncodePublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return privateKey, pubPEM, nil
}
