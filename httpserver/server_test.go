package httpserver

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ruteri/fedinbox/cryptoutils"
	"github.com/ruteri/fedinbox/directory"
	"github.com/ruteri/fedinbox/httpsig"
	"github.com/ruteri/fedinbox/inbox"
	"github.com/ruteri/fedinbox/interfaces"
	"github.com/ruteri/fedinbox/kms"
	"github.com/ruteri/fedinbox/ledger"
	"github.com/ruteri/fedinbox/storage"
	"github.com/ruteri/fedinbox/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockDispatcher implements Dispatcher for testing
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, owner *interfaces.Actor, req *http.Request, body []byte) error {
	args := m.Called(ctx, owner, req, body)
	return args.Error(0)
}

type testEnv struct {
	server  *httptest.Server
	baseURL string
	dir     *directory.Directory
	ledger  *ledger.Ledger
	srv     *Server
}

// newTestEnv starts the full federation stack behind an httptest server.
// dispatcher, when non-nil, replaces the real inbox dispatcher.
func newTestEnv(t *testing.T, dispatcher Dispatcher) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	vault, err := kms.NewKeyVault([]byte("httpserver-test-secret"))
	require.NoError(t, err)

	store := storage.NewMemoryStore(logger)
	client := transport.NewClient(transport.Config{Timeout: 5 * time.Second}, logger, nil)
	dir := directory.New(store, client, vault, logger)
	follows := ledger.New(store, logger)

	if dispatcher == nil {
		dispatcher = inbox.NewDispatcher(inbox.Config{MaxDateSkew: inbox.DefaultMaxDateSkew}, dir, follows, client, logger, nil)
	}

	env := &testEnv{dir: dir, ledger: follows}

	// The base URL is only known once the listener exists.
	var handler atomic.Value
	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.Load().(http.Handler).ServeHTTP(w, r)
	}))
	t.Cleanup(env.server.Close)
	env.baseURL = env.server.URL

	cfg := &HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      logger,
		DrainDuration:            time.Millisecond,
		GracefulShutdownDuration: time.Second,
	}
	env.srv, err = New(cfg, NewHandler(env.baseURL, dir, follows, dispatcher, logger), nil)
	require.NoError(t, err)
	handler.Store(env.srv.Handler())

	return env
}

func (env *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(env.baseURL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestHandleActor(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.dir.ProvisionLocal(ctx, env.baseURL, "alice", interfaces.ActorProperties{Name: "Alice"})
	require.NoError(t, err)

	// Test HandleActor - Success Path
	resp, body := env.get(t, "/ap/users/alice")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, interfaces.ActivityJSONType, resp.Header.Get("Content-Type"))

	var actor interfaces.Actor
	require.NoError(t, json.Unmarshal(body, &actor))
	assert.Equal(t, env.baseURL+"/ap/users/alice", actor.ID)
	assert.Equal(t, actor.ID+"/inbox", actor.Inbox)
	assert.Equal(t, "Alice", actor.Name)
	require.NotNil(t, actor.PublicKey)
	assert.Contains(t, actor.PublicKey.PublicKeyPem, "BEGIN PUBLIC KEY")
	assert.NotContains(t, string(body), "PRIVATE KEY")

	// Test HandleActor - Unknown actor
	resp, _ = env.get(t, "/ap/users/nobody")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleFollowers(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	alice, err := env.dir.ProvisionLocal(ctx, env.baseURL, "alice", interfaces.ActorProperties{})
	require.NoError(t, err)

	resp, body := env.get(t, "/ap/users/alice/followers")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "`+alice.Followers+`",
		"type": "OrderedCollection",
		"totalItems": 0,
		"orderedItems": []
	}`, string(body))

	follower := "https://remote.example/users/bob"
	_, err = env.ledger.AddFollowing(ctx, follower, alice.ID, alice.Acct())
	require.NoError(t, err)
	_, err = env.ledger.AddFollowing(ctx, "https://remote.example/users/carol", alice.ID, alice.Acct())
	require.NoError(t, err)
	require.NoError(t, env.ledger.AcceptFollowing(ctx, follower, alice.ID))

	_, body = env.get(t, "/ap/users/alice/followers")
	var collection interfaces.OrderedCollection
	require.NoError(t, json.Unmarshal(body, &collection))
	assert.Equal(t, 1, collection.TotalItems)
	assert.Equal(t, []string{follower}, collection.OrderedItems)

	resp, _ = env.get(t, "/ap/users/nobody/followers")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleInbox_StatusMapping(t *testing.T) {
	dispatcher := new(MockDispatcher)
	env := newTestEnv(t, dispatcher)
	ctx := context.Background()

	_, err := env.dir.ProvisionLocal(ctx, env.baseURL, "alice", interfaces.ActorProperties{})
	require.NoError(t, err)

	post := func(body string) int {
		resp, err := http.Post(env.baseURL+"/ap/users/alice/inbox", interfaces.ActivityJSONType, strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	dispatcher.On("Dispatch", mock.Anything, mock.Anything, mock.Anything, []byte("ok")).Return(nil).Once()
	dispatcher.On("Dispatch", mock.Anything, mock.Anything, mock.Anything, []byte("unauthorized")).
		Return(&inbox.RequestError{StatusCode: http.StatusUnauthorized, Err: interfaces.ErrVerificationFailure}).Once()
	dispatcher.On("Dispatch", mock.Anything, mock.Anything, mock.Anything, []byte("boom")).
		Return(errors.New("boom")).Once()

	assert.Equal(t, http.StatusAccepted, post("ok"))
	assert.Equal(t, http.StatusUnauthorized, post("unauthorized"))
	assert.Equal(t, http.StatusInternalServerError, post("boom"))

	// Test HandleInbox - Body over the limit
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/ap/users/alice/inbox", strings.NewReader(strings.Repeat("x", maxBodySize+1)))
	req.Header.Set("Content-Type", interfaces.ActivityJSONType)
	env.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	// Test HandleInbox - Unknown inbox
	resp, err := http.Post(env.baseURL+"/ap/users/nobody/inbox", interfaces.ActivityJSONType, strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	dispatcher.AssertExpectations(t)
}

func TestHandleInbox_FollowEndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	alice, err := env.dir.ProvisionLocal(ctx, env.baseURL, "alice", interfaces.ActorProperties{})
	require.NoError(t, err)

	bobKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var accepts atomic.Int32
	var peer *httptest.Server
	peer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bob := peer.URL + "/users/bob"
		switch r.URL.Path {
		case "/users/bob":
			pemData, err := cryptoutils.EncodePublicKeyPEM(&bobKey.PublicKey)
			require.NoError(t, err)
			w.Header().Set("Content-Type", interfaces.ActivityJSONType)
			json.NewEncoder(w).Encode(map[string]any{
				"id":    bob,
				"type":  "Person",
				"inbox": bob + "/inbox",
				"publicKey": map[string]any{
					"id":           bob + "#main-key",
					"owner":        bob,
					"publicKeyPem": string(pemData),
				},
			})
		case "/users/bob/inbox":
			accepts.Add(1)
			w.WriteHeader(http.StatusAccepted)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer peer.Close()

	bob := peer.URL + "/users/bob"
	body, err := json.Marshal(map[string]any{
		"@context": interfaces.ActivityStreamsContext,
		"id":       bob + "/follows/1",
		"type":     "Follow",
		"actor":    bob,
		"object":   alice.ID,
	})
	require.NoError(t, err)

	send := func(contentType string) int {
		req, err := http.NewRequest(http.MethodPost, alice.Inbox, bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", contentType)
		require.NoError(t, httpsig.Sign(req, body, bobKey, bob+"#main-key"))

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	// Test HandleInbox - Wrong content type
	assert.Equal(t, http.StatusBadRequest, send("text/plain"))

	// Test HandleInbox - Signed Follow
	assert.Equal(t, http.StatusAccepted, send(interfaces.ActivityJSONType))
	assert.Equal(t, int32(1), accepts.Load())

	followers, err := env.ledger.ListFollowers(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{bob}, followers)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, new(MockDispatcher))

	resp, body := env.get(t, "/livez")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"alive"}`, string(body))

	resp, _ = env.get(t, "/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, body = env.get(t, "/drain")
	assert.JSONEq(t, `{"status":"draining"}`, string(body))
	_, body = env.get(t, "/drain")
	assert.JSONEq(t, `{"status":"already draining"}`, string(body))

	resp, _ = env.get(t, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	_, body = env.get(t, "/undrain")
	assert.JSONEq(t, `{"status":"ready"}`, string(body))

	resp, _ = env.get(t, "/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
