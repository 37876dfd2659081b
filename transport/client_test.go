package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ruteri/fedinbox/httpsig"
	"github.com/ruteri/fedinbox/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient() *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(Config{UserAgent: "fedinbox-test/1.0"}, logger, nil)
}

func TestFetchActor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/bob":
			assert.Equal(t, interfaces.ActivityJSONType, r.Header.Get("Accept"))
			assert.Equal(t, "fedinbox-test/1.0", r.Header.Get("User-Agent"))
			w.Header().Set("Content-Type", interfaces.ActivityJSONType)
			w.Write([]byte(`{"id":"x"}`))
		case "/users/moved":
			http.Redirect(w, r, "/users/bob", http.StatusFound)
		default:
			w.WriteHeader(http.StatusGone)
		}
	}))
	defer srv.Close()

	c := newTestClient()

	// Test FetchActor - Success Path
	body, err := c.FetchActor(context.Background(), srv.URL+"/users/bob")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"x"}`, string(body))

	// Test FetchActor - Non-2xx
	_, err = c.FetchActor(context.Background(), srv.URL+"/users/gone")
	var fetchErr *interfaces.ActorFetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, http.StatusGone, fetchErr.StatusCode)

	// Test FetchActor - Redirects are not followed
	_, err = c.FetchActor(context.Background(), srv.URL+"/users/moved")
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, srv.URL+"/users/moved", fetchErr.URL)
}

func TestDeliver_Signed(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	from := &interfaces.Actor{ID: "https://local.example/ap/users/alice"}
	received := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received++
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, interfaces.ActivityJSONType, r.Header.Get("Content-Type"))
		assert.Equal(t, DeliveryAccept, r.Header.Get("Accept"))
		assert.True(t, httpsig.Verify(r, body))

		params, err := httpsig.ParseSignature(r.Header.Get(httpsig.SignatureHeader))
		require.NoError(t, err)
		assert.Equal(t, from.KeyID(), params.KeyID)
		assert.Equal(t, []string{"(request-target)", "date", "digest", "host"}, params.Headers)
		assert.NoError(t, httpsig.VerifySignature(r, &key.PublicKey))

		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	to := &interfaces.Actor{ID: srv.URL + "/users/bob", Inbox: srv.URL + "/users/bob/inbox"}
	activity := map[string]any{"type": "Accept", "actor": from.ID}

	err = newTestClient().Deliver(context.Background(), from, key, to, activity)
	require.NoError(t, err)
	assert.Equal(t, 1, received)
}

func TestDeliver_Rejected(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("bad signature"))
	}))
	defer srv.Close()

	from := &interfaces.Actor{ID: "https://local.example/ap/users/alice"}
	to := &interfaces.Actor{ID: srv.URL + "/users/bob", Inbox: srv.URL + "/users/bob/inbox"}

	err = newTestClient().Deliver(context.Background(), from, key, to, map[string]any{"type": "Accept"})
	var deliveryErr *interfaces.DeliveryError
	require.True(t, errors.As(err, &deliveryErr))
	assert.Equal(t, http.StatusUnauthorized, deliveryErr.StatusCode)
	assert.Equal(t, "bad signature", deliveryErr.Body)
	assert.Equal(t, to.Inbox, deliveryErr.Inbox)
}

func TestDeliver_Unreachable(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv := httptest.NewServer(http.NotFoundHandler())
	inbox := srv.URL + "/inbox"
	srv.Close()

	from := &interfaces.Actor{ID: "https://local.example/ap/users/alice"}
	to := &interfaces.Actor{ID: "https://remote.example/users/bob", Inbox: inbox}

	err = newTestClient().Deliver(context.Background(), from, key, to, map[string]any{"type": "Accept"})
	var deliveryErr *interfaces.DeliveryError
	require.True(t, errors.As(err, &deliveryErr))
	assert.Error(t, deliveryErr.Err)
}
