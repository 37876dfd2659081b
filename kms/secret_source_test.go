package kms

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticSecret(t *testing.T) {
	secret, err := StaticSecret("0123456789abcdef").Secret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789abcdef"), secret)

	_, err = StaticSecret("").Secret(context.Background())
	assert.ErrorIs(t, err, ErrSecretUnavailable)
}

func TestFileSecret(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "kek")
	require.NoError(t, os.WriteFile(path, []byte("  file-backed-secret-value\n"), 0o600))

	secret, err := FileSecret(path).Secret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("file-backed-secret-value"), secret)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0o600))
	_, err = FileSecret(empty).Secret(context.Background())
	assert.ErrorIs(t, err, ErrSecretUnavailable)

	_, err = FileSecret(filepath.Join(dir, "missing")).Secret(context.Background())
	assert.ErrorIs(t, err, ErrSecretUnavailable)
}

func newFakeVault(t *testing.T, data map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/fedinbox/kek" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		assert.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"data": data},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVaultSecret(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := newFakeVault(t, map[string]any{"kek": "vault-backed-secret-value"})

	src, err := NewVaultSecret(srv.URL, "test-token", "secret", "fedinbox/kek", "", logger)
	require.NoError(t, err)
	assert.Equal(t, "vault-secret-fedinbox/kek", src.Name())

	secret, err := src.Secret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("vault-backed-secret-value"), secret)

	vault, err := NewKeyVaultFromSource(context.Background(), src)
	require.NoError(t, err)
	assert.NotNil(t, vault)
}

func TestVaultSecret_MissingField(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := newFakeVault(t, map[string]any{"other": "value"})

	src, err := NewVaultSecret(srv.URL, "test-token", "secret", "fedinbox/kek", "kek", logger)
	require.NoError(t, err)

	_, err = src.Secret(context.Background())
	assert.ErrorIs(t, err, ErrSecretUnavailable)
}

func TestNewKeyVaultFromSource_Errors(t *testing.T) {
	_, err := NewKeyVaultFromSource(context.Background(), StaticSecret(""))
	assert.ErrorIs(t, err, ErrSecretUnavailable)

	_, err = NewKeyVaultFromSource(context.Background(), StaticSecret("short"))
	assert.Error(t, err)
}
