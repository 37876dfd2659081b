package kms

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"

	"github.com/ruteri/fedinbox/cryptoutils"
	"github.com/ruteri/fedinbox/interfaces"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KDFIterations is the PBKDF2 iteration count used for every wrap.
	KDFIterations = 10000

	// SaltSize is the length of the per-actor salt, which also serves as
	// the GCM nonce.
	SaltSize = 16

	// DefaultKeyBits is the RSA modulus size for new actors.
	DefaultKeyBits = 2048

	minKeyBits     = 2048
	minSecretBytes = 16
)

// WrappedKey is a private key sealed under a key derived from the server
// secret and Salt. It never holds plaintext key material.
type WrappedKey struct {
	Ciphertext []byte
	Salt       []byte
}

// LogValue keeps wrapped keys out of logs.
func (w WrappedKey) LogValue() slog.Value {
	return slog.StringValue("[wrapped key]")
}

// KeyVault generates actor keypairs and wraps/unwraps their private keys
// under a server-wide secret (the KEK). The secret is injected at
// construction and never persisted by the vault.
type KeyVault struct {
	secret  []byte
	keyBits int
	rand    io.Reader
}

// Option customizes a KeyVault.
type Option func(*KeyVault)

// WithKeyBits sets the RSA modulus size of generated keys.
func WithKeyBits(bits int) Option {
	return func(v *KeyVault) {
		v.keyBits = bits
	}
}

// WithRandom replaces the entropy source used for salts and keys.
func WithRandom(r io.Reader) Option {
	return func(v *KeyVault) {
		v.rand = r
	}
}

// NewKeyVault creates a vault bound to the given wrapping secret.
// The secret must be at least 16 bytes long.
func NewKeyVault(secret []byte, opts ...Option) (*KeyVault, error) {
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("wrapping secret must be at least %d bytes", minSecretBytes)
	}

	v := &KeyVault{
		secret:  append([]byte(nil), secret...),
		keyBits: DefaultKeyBits,
		rand:    rand.Reader,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.keyBits < minKeyBits {
		return nil, fmt.Errorf("key size must be at least %d bits", minKeyBits)
	}
	return v, nil
}

// DeriveKey derives the 256-bit wrapping key for salt using
// PBKDF2-HMAC-SHA256. It is deterministic per (secret, salt).
func DeriveKey(secret, salt []byte) []byte {
	return pbkdf2.Key(secret, salt, KDFIterations, 32, sha256.New)
}

// GenerateActorKeypair creates a fresh RSA keypair, wraps the PKCS#8 private
// key under a fresh salt and returns it with the PEM public key.
func (v *KeyVault) GenerateActorKeypair() (WrappedKey, cryptoutils.ActorPubkey, error) {
	privateKey, err := rsa.GenerateKey(v.rand, v.keyBits)
	if err != nil {
		return WrappedKey{}, nil, fmt.Errorf("%w: %v", interfaces.ErrKeyGeneration, err)
	}

	wrapped, err := v.WrapPrivateKey(privateKey)
	if err != nil {
		return WrappedKey{}, nil, err
	}

	pubPEM, err := cryptoutils.EncodePublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		return WrappedKey{}, nil, fmt.Errorf("%w: %v", interfaces.ErrKeyGeneration, err)
	}
	return wrapped, pubPEM, nil
}

// WrapPrivateKey seals an existing private key under a fresh salt.
func (v *KeyVault) WrapPrivateKey(privateKey *rsa.PrivateKey) (WrappedKey, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(v.rand, salt); err != nil {
		return WrappedKey{}, fmt.Errorf("%w: salt: %v", interfaces.ErrKeyGeneration, err)
	}

	der, err := cryptoutils.MarshalPrivateKey(privateKey)
	if err != nil {
		return WrappedKey{}, fmt.Errorf("%w: %v", interfaces.ErrKeyGeneration, err)
	}

	// Each salt yields a distinct derived key, so reusing it as the nonce
	// never repeats a (key, nonce) pair.
	ciphertext, err := cryptoutils.SealGCM(DeriveKey(v.secret, salt), salt, der)
	clear(der)
	if err != nil {
		return WrappedKey{}, fmt.Errorf("%w: %v", interfaces.ErrKeyGeneration, err)
	}

	return WrappedKey{Ciphertext: ciphertext, Salt: salt}, nil
}

// UnwrapPrivateKey re-derives the wrapping key and authenticates-decrypts
// the private key. Any failure yields ErrKeyUnwrap and no key.
func (v *KeyVault) UnwrapPrivateKey(wrapped, salt []byte) (*rsa.PrivateKey, error) {
	if len(wrapped) == 0 || len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: missing ciphertext or bad salt length", interfaces.ErrKeyUnwrap)
	}

	der, err := cryptoutils.OpenGCM(DeriveKey(v.secret, salt), salt, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrKeyUnwrap, err)
	}
	defer clear(der)

	privateKey, err := cryptoutils.ParsePrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrKeyUnwrap, err)
	}
	return privateKey, nil
}

// ImportPublicKeyPem parses a PEM public key as found in publicKeyPem.
func ImportPublicKeyPem(pemData string) (*rsa.PublicKey, error) {
	pub, err := cryptoutils.ActorPubkey(pemData).GetPublicKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrKeyFormat, err)
	}
	return pub, nil
}
