package inbox

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/fedinbox/httpsig"
	"github.com/ruteri/fedinbox/interfaces"
	"github.com/ruteri/fedinbox/metrics"
)

// DefaultMaxDateSkew bounds how far a signed Date header may be from now.
const DefaultMaxDateSkew = 12 * time.Hour

// RequestError carries the HTTP status an inbox failure maps to.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func requestError(status int, err error) *RequestError {
	return &RequestError{StatusCode: status, Err: err}
}

// ActorResolver resolves actors and their keys.
type ActorResolver interface {
	ResolveAndCache(ctx context.Context, id string) (*interfaces.Actor, error)
	SigningKeyFor(ctx context.Context, actor *interfaces.Actor) (*rsa.PrivateKey, error)
	PublicKeyFor(ctx context.Context, keyID string) (*rsa.PublicKey, string, error)
	RefreshPublicKey(ctx context.Context, keyID string) (*rsa.PublicKey, string, error)
}

// FollowLedger applies follow state transitions.
type FollowLedger interface {
	AddFollowing(ctx context.Context, followerID, followeeID, followeeAcct string) (string, error)
	AcceptFollowing(ctx context.Context, followerID, followeeID string) error
	RemoveFollowing(ctx context.Context, followerID, followeeID string) error
}

// Deliverer sends a signed activity to the inbox of to. The transport
// client delivers directly; a queue with retries can be plugged in here.
type Deliverer interface {
	Deliver(ctx context.Context, from *interfaces.Actor, key *rsa.PrivateKey, to *interfaces.Actor, activity any) error
}

// AcceptPolicy decides whether a follow request is accepted right away.
type AcceptPolicy interface {
	ShouldAutoAccept(ctx context.Context, owner, follower *interfaces.Actor) bool
}

// AcceptAll accepts every follow request.
type AcceptAll struct{}

func (AcceptAll) ShouldAutoAccept(ctx context.Context, owner, follower *interfaces.Actor) bool {
	return true
}

// Config controls inbox authentication.
type Config struct {
	// AllowUnauthenticated skips the cryptographic signature check and the
	// signer/actor match, leaving only the digest and header presence
	// checks. Meant for interop debugging only.
	AllowUnauthenticated bool

	// MaxDateSkew is the allowed distance of the Date header from now. A
	// positive value also requires the Date header to be signed. Zero
	// disables both checks.
	MaxDateSkew time.Duration

	// AcceptPolicy defaults to AcceptAll.
	AcceptPolicy AcceptPolicy
}

// Accept is the reply sent for an accepted follow.
type Accept struct {
	Context string               `json:"@context"`
	ID      string               `json:"id"`
	Type    string               `json:"type"`
	Actor   interfaces.Reference `json:"actor"`
	Object  interfaces.Reference `json:"object"`
}

// Dispatcher validates inbound activities and applies their effects.
type Dispatcher struct {
	cfg       Config
	actors    ActorResolver
	ledger    FollowLedger
	deliverer Deliverer
	policy    AcceptPolicy
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewDispatcher creates a dispatcher. m may be nil.
func NewDispatcher(cfg Config, actors ActorResolver, ledger FollowLedger, deliverer Deliverer, log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	policy := cfg.AcceptPolicy
	if policy == nil {
		policy = AcceptAll{}
	}
	if cfg.AllowUnauthenticated {
		log.Warn("Inbox signature authentication is disabled")
	}

	return &Dispatcher{
		cfg:       cfg,
		actors:    actors,
		ledger:    ledger,
		deliverer: deliverer,
		policy:    policy,
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
}

// Dispatch handles an activity POSTed to the inbox of owner. body is the
// raw request body. A nil result means the activity was accepted (202);
// failures are *RequestError.
func (d *Dispatcher) Dispatch(ctx context.Context, owner *interfaces.Actor, req *http.Request, body []byte) error {
	activity, err := d.dispatch(ctx, owner, req, body)

	activityType := ""
	if activity != nil {
		activityType = activity.Type
	}

	if err != nil {
		var reqErr *RequestError
		if errors.As(err, &reqErr) && reqErr.StatusCode < 500 {
			d.metrics.ObserveInbox(activityType, metrics.ResultRejected)
		} else {
			d.metrics.ObserveInbox(activityType, metrics.ResultError)
		}
		d.log.Warn("Inbox activity failed",
			slog.String("inbox", owner.ID),
			slog.String("type", activityType),
			"err", err)
		return err
	}

	d.metrics.ObserveInbox(activityType, metrics.ResultOK)
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, owner *interfaces.Actor, req *http.Request, body []byte) (*interfaces.Activity, error) {
	if !isActivityMediaType(req.Header.Get("Content-Type")) {
		return nil, requestError(http.StatusBadRequest, fmt.Errorf("unsupported content type %q", req.Header.Get("Content-Type")))
	}

	if err := httpsig.VerifyEnvelope(req, body); err != nil {
		return nil, requestError(http.StatusBadRequest, fmt.Errorf("%w: %v", interfaces.ErrVerificationFailure, err))
	}

	var activity interfaces.Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		return nil, requestError(http.StatusBadRequest, fmt.Errorf("malformed activity: %w", err))
	}

	actorID, err := interfaces.ResolveReference(activity.Actor)
	if err != nil {
		return &activity, requestError(http.StatusBadRequest, err)
	}

	if !d.cfg.AllowUnauthenticated {
		if err := d.authenticate(ctx, req, actorID); err != nil {
			return &activity, err
		}
	}

	switch activity.Type {
	case interfaces.FollowType:
		return &activity, d.handleFollow(ctx, owner, &activity, actorID, body)
	case interfaces.UndoType:
		return &activity, d.handleUndo(ctx, owner, &activity, actorID)
	default:
		return &activity, requestError(http.StatusBadRequest, fmt.Errorf("unsupported activity type %q", activity.Type))
	}
}

// authenticate verifies the signature against the key of its keyId owner
// and requires that owner to be the activity's actor. A signature that fails
// against the cached key is retried once against a refetched one.
func (d *Dispatcher) authenticate(ctx context.Context, req *http.Request, actorID string) error {
	verifier := httpsig.Verifier{MaxSkew: d.cfg.MaxDateSkew, Now: d.now}

	var signerID string
	lookupWith := func(resolve func(context.Context, string) (*rsa.PublicKey, string, error)) httpsig.KeyLookup {
		return func(keyID string) (*rsa.PublicKey, error) {
			pub, owner, err := resolve(ctx, keyID)
			if err != nil {
				return nil, fmt.Errorf("resolving key %s: %w", keyID, err)
			}
			signerID = owner
			return pub, nil
		}
	}

	keyID, err := verifier.Verify(req, lookupWith(d.actors.PublicKeyFor))
	if errors.Is(err, httpsig.ErrBadSignature) || errors.Is(err, interfaces.ErrKeyFormat) {
		d.log.Info("Signature did not verify against cached key, refetching", slog.String("keyId", keyID))
		_, err = verifier.Verify(req, lookupWith(d.actors.RefreshPublicKey))
	}
	if err != nil {
		return requestError(http.StatusUnauthorized, fmt.Errorf("%w: %v", interfaces.ErrVerificationFailure, err))
	}

	if signerID != actorID {
		return requestError(http.StatusBadRequest, fmt.Errorf("signed by %s but actor is %s", signerID, actorID))
	}
	return nil
}

func (d *Dispatcher) handleFollow(ctx context.Context, owner *interfaces.Actor, activity *interfaces.Activity, actorID string, body []byte) error {
	objectID, err := interfaces.ResolveReference(activity.Object)
	if err != nil {
		return requestError(http.StatusBadRequest, err)
	}
	if objectID != owner.ID {
		return requestError(http.StatusBadRequest, fmt.Errorf("follow of %s delivered to %s", objectID, owner.ID))
	}

	follower, err := d.actors.ResolveAndCache(ctx, actorID)
	if err != nil {
		return upstreamError(err)
	}

	if _, err := d.ledger.AddFollowing(ctx, follower.ID, owner.ID, owner.Acct()); err != nil {
		return requestError(http.StatusInternalServerError, err)
	}

	if !d.policy.ShouldAutoAccept(ctx, owner, follower) {
		d.log.Info("Follow left pending", slog.String("follower", follower.ID), slog.String("followee", owner.ID))
		return nil
	}

	if err := d.ledger.AcceptFollowing(ctx, follower.ID, owner.ID); err != nil {
		return requestError(http.StatusInternalServerError, err)
	}

	key, err := d.actors.SigningKeyFor(ctx, owner)
	if err != nil {
		return requestError(http.StatusInternalServerError, err)
	}

	accept := NewAccept(owner, body)
	if err := d.deliverer.Deliver(ctx, owner, key, follower, accept); err != nil {
		// The follow stays accepted; the reply can be re-sent.
		d.log.Error("Failed to deliver Accept",
			slog.String("accept", accept.ID),
			slog.String("follower", follower.ID),
			"err", err)
		return requestError(http.StatusBadGateway, err)
	}
	return nil
}

func (d *Dispatcher) handleUndo(ctx context.Context, owner *interfaces.Actor, activity *interfaces.Activity, actorID string) error {
	inner, err := activity.InnerActivity()
	if err != nil {
		return requestError(http.StatusBadRequest, err)
	}
	if inner.Type != interfaces.FollowType {
		return requestError(http.StatusBadRequest, fmt.Errorf("unsupported undo of %q", inner.Type))
	}

	innerActor, err := interfaces.ResolveReference(inner.Actor)
	if err != nil {
		return requestError(http.StatusBadRequest, err)
	}
	if innerActor != actorID {
		return requestError(http.StatusBadRequest, fmt.Errorf("%s cannot undo a follow by %s", actorID, innerActor))
	}

	innerObject, err := interfaces.ResolveReference(inner.Object)
	if err != nil {
		return requestError(http.StatusBadRequest, err)
	}
	if innerObject != owner.ID {
		return requestError(http.StatusBadRequest, fmt.Errorf("undo of a follow of %s delivered to %s", innerObject, owner.ID))
	}

	if err := d.ledger.RemoveFollowing(ctx, innerActor, innerObject); err != nil {
		return requestError(http.StatusInternalServerError, err)
	}
	return nil
}

// NewAccept builds the Accept reply of owner for the raw Follow activity,
// which is echoed back verbatim as the object.
func NewAccept(owner *interfaces.Actor, follow json.RawMessage) *Accept {
	return &Accept{
		Context: interfaces.ActivityStreamsContext,
		ID:      owner.ID + "#accepts/" + uuid.NewString(),
		Type:    interfaces.AcceptType,
		Actor:   interfaces.NewURIReference(owner.ID),
		Object:  interfaces.NewObjectReference(follow),
	}
}

func upstreamError(err error) error {
	var fetchErr *interfaces.ActorFetchError
	if errors.As(err, &fetchErr) {
		return requestError(http.StatusBadGateway, err)
	}
	return requestError(http.StatusInternalServerError, err)
}

func isActivityMediaType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == interfaces.ActivityJSONType || mediaType == interfaces.LDJSONType
}
