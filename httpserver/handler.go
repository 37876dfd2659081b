package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/fedinbox/inbox"
	"github.com/ruteri/fedinbox/interfaces"
)

// maxBodySize is the maximum accepted inbox body (1MB).
const maxBodySize = 1024 * 1024

// ActorDirectory looks up local actors.
type ActorDirectory interface {
	LocalByUsername(ctx context.Context, baseURL, username string) (*interfaces.Actor, error)
}

// FollowerLister enumerates accepted followers.
type FollowerLister interface {
	ListFollowers(ctx context.Context, followeeID string) ([]string, error)
}

// Dispatcher applies inbound activities.
type Dispatcher interface {
	Dispatch(ctx context.Context, owner *interfaces.Actor, req *http.Request, body []byte) error
}

// Handler serves the ActivityPub endpoints of local actors.
type Handler struct {
	baseURL   string
	actors    ActorDirectory
	followers FollowerLister
	inbox     Dispatcher
	log       *slog.Logger
}

// NewHandler creates a handler for the actors living under baseURL.
func NewHandler(baseURL string, actors ActorDirectory, followers FollowerLister, inbox Dispatcher, log *slog.Logger) *Handler {
	return &Handler{
		baseURL:   baseURL,
		actors:    actors,
		followers: followers,
		inbox:     inbox,
		log:       log,
	}
}

// RegisterRoutes registers:
//   - GET  /ap/users/{username}           - actor document
//   - POST /ap/users/{username}/inbox     - inbound activities
//   - GET  /ap/users/{username}/followers - accepted followers
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ap/users/{username}", h.HandleActor)
	r.Post("/ap/users/{username}/inbox", h.HandleInbox)
	r.Get("/ap/users/{username}/followers", h.HandleFollowers)
}

// HandleActor returns the actor document of a local actor.
//
// Status codes:
//   - 200 OK: actor document
//   - 404 Not Found: no local actor with that username
func (h *Handler) HandleActor(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.lookupActor(w, r)
	if !ok {
		return
	}
	h.writeActivityJSON(w, http.StatusOK, actor)
}

// HandleInbox validates and applies an activity addressed to a local actor.
//
// Status codes:
//   - 202 Accepted: activity applied
//   - 400 Bad Request: wrong content type, bad digest, malformed or unsupported activity
//   - 401 Unauthorized: signature does not verify
//   - 404 Not Found: no local actor with that username
//   - 413 Request Entity Too Large: body over 1MB
//   - 502 Bad Gateway: follower unreachable or Accept delivery failed
func (h *Handler) HandleInbox(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.lookupActor(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.log.Error("Failed to read request body", "err", err)
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	if err := h.inbox.Dispatch(r.Context(), owner, r, body); err != nil {
		var reqErr *inbox.RequestError
		if errors.As(err, &reqErr) {
			http.Error(w, reqErr.Error(), reqErr.StatusCode)
			return
		}
		h.log.Error("Inbox dispatch failed", "err", err, "inbox", owner.Inbox)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// HandleFollowers returns the accepted followers of a local actor as an
// OrderedCollection.
func (h *Handler) HandleFollowers(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.lookupActor(w, r)
	if !ok {
		return
	}

	followers, err := h.followers.ListFollowers(r.Context(), actor.ID)
	if err != nil {
		h.log.Error("Failed to list followers", "err", err, "actor", actor.ID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if followers == nil {
		followers = []string{}
	}

	h.writeActivityJSON(w, http.StatusOK, &interfaces.OrderedCollection{
		Context:      interfaces.ActivityStreamsContext,
		ID:           actor.Followers,
		Type:         "OrderedCollection",
		TotalItems:   len(followers),
		OrderedItems: followers,
	})
}

func (h *Handler) lookupActor(w http.ResponseWriter, r *http.Request) (*interfaces.Actor, bool) {
	username := chi.URLParam(r, "username")

	actor, err := h.actors.LocalByUsername(r.Context(), h.baseURL, username)
	if errors.Is(err, interfaces.ErrActorNotFound) {
		http.Error(w, "Actor not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		h.log.Error("Failed to look up actor", "err", err, "username", username)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return nil, false
	}
	return actor, true
}

func (h *Handler) writeActivityJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("Failed to encode response", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", interfaces.ActivityJSONType)
	w.WriteHeader(status)
	w.Write(data)
}
