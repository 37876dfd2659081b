package kms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

// ErrSecretUnavailable is returned when the wrapping secret cannot be loaded.
var ErrSecretUnavailable = errors.New("wrapping secret unavailable")

// SecretSource provides the server-wide wrapping secret (the KEK).
type SecretSource interface {
	// Secret returns the secret bytes.
	Secret(ctx context.Context) ([]byte, error)

	// Name returns identifier for logging.
	Name() string
}

// StaticSecret is a secret passed directly, e.g. from a flag or environment variable.
type StaticSecret string

func (s StaticSecret) Secret(ctx context.Context) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty static secret", ErrSecretUnavailable)
	}
	return []byte(s), nil
}

func (s StaticSecret) Name() string {
	return "static"
}

// FileSecret reads the secret from a file, trimming surrounding whitespace.
type FileSecret string

func (f FileSecret) Secret(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretUnavailable, err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrSecretUnavailable, string(f))
	}
	return []byte(secret), nil
}

func (f FileSecret) Name() string {
	return fmt.Sprintf("file-%s", string(f))
}

// VaultSecret reads the secret from a HashiCorp Vault KV v2 mount.
type VaultSecret struct {
	client    *api.Client
	mountPath string
	dataPath  string
	field     string
	log       *slog.Logger
}

// NewVaultSecret creates a Vault-backed secret source.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - token: Vault token with read access to the path
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "fedinbox/kek")
//   - field: Key inside the secret data holding the KEK
//   - log: Structured logger for operational insights
func NewVaultSecret(address, token, mountPath, dataPath, field string, log *slog.Logger) (*VaultSecret, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{
		Timeout: 30 * time.Second,
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	if field == "" {
		field = "kek"
	}

	return &VaultSecret{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		dataPath:  strings.Trim(dataPath, "/"),
		field:     field,
		log:       log,
	}, nil
}

// Secret fetches the KEK from Vault using the KV v2 path structure.
func (v *VaultSecret) Secret(ctx context.Context) ([]byte, error) {
	start := time.Now()
	path := fmt.Sprintf("%s/data/%s", v.mountPath, v.dataPath)

	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		v.log.Error("Failed to read from Vault", slog.String("path", path), "err", err)
		return nil, fmt.Errorf("%w: %v", ErrSecretUnavailable, err)
	}

	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: nothing stored at %s", ErrSecretUnavailable, path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: invalid data format in Vault response", ErrSecretUnavailable)
	}

	value, ok := data[v.field].(string)
	if !ok || value == "" {
		return nil, fmt.Errorf("%w: field %q not found in Vault data", ErrSecretUnavailable, v.field)
	}

	v.log.Info("Loaded wrapping secret from Vault",
		slog.String("path", path),
		slog.Duration("duration", time.Since(start)))

	return []byte(value), nil
}

func (v *VaultSecret) Name() string {
	return fmt.Sprintf("vault-%s-%s", v.mountPath, v.dataPath)
}

// NewKeyVaultFromSource loads the secret from src and builds a KeyVault.
func NewKeyVaultFromSource(ctx context.Context, src SecretSource, opts ...Option) (*KeyVault, error) {
	secret, err := src.Secret(ctx)
	if err != nil {
		return nil, err
	}
	defer clear(secret)
	return NewKeyVault(secret, opts...)
}
