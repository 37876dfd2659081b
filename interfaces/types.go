// Package interfaces defines the core interfaces and types for the federation server.
// It provides the contract between different components without implementation details.
package interfaces

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Media types accepted and produced for ActivityPub payloads.
const (
	ActivityJSONType = "application/activity+json"
	LDJSONType       = "application/ld+json"

	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
)

// Activity types handled by the inbox.
const (
	FollowType = "Follow"
	AcceptType = "Accept"
	UndoType   = "Undo"
	PersonType = "Person"
)

// PublicKey is the key descriptor embedded in an actor document.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Actor is a federation identity as exposed on the wire.
type Actor struct {
	Context           any             `json:"@context,omitempty"`
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	Inbox             string          `json:"inbox"`
	Outbox            string          `json:"outbox,omitempty"`
	Following         string          `json:"following,omitempty"`
	Followers         string          `json:"followers,omitempty"`
	PreferredUsername string          `json:"preferredUsername,omitempty"`
	Name              string          `json:"name,omitempty"`
	Summary           string          `json:"summary,omitempty"`
	URL               string          `json:"url,omitempty"`
	Icon              json.RawMessage `json:"icon,omitempty"`
	Published         *time.Time      `json:"published,omitempty"`
	Discoverable      bool            `json:"discoverable,omitempty"`
	PublicKey         *PublicKey      `json:"publicKey,omitempty"`
}

// KeyID returns the identifier of the actor's main signing key.
func (a *Actor) KeyID() string {
	return a.ID + "#main-key"
}

// Acct returns the human handle of the actor, e.g. alice@example.com.
func (a *Actor) Acct() string {
	u, err := url.Parse(a.ID)
	if err != nil || a.PreferredUsername == "" {
		return a.ID
	}
	return a.PreferredUsername + "@" + u.Hostname()
}

// ReferenceKind tags which shape a Reference was decoded from.
type ReferenceKind int

const (
	// InvalidReference is anything that is neither a string nor an object.
	InvalidReference ReferenceKind = iota
	// URIReference is a bare string holding an identifier.
	URIReference
	// ObjectReference is an inline object carrying an "id".
	ObjectReference
)

// Reference is the polymorphic actor/object field of an activity: either a
// bare URI string or an inline object. The raw inline object is retained so it
// can be re-parsed (Undo) or echoed back verbatim (Accept).
type Reference struct {
	Kind ReferenceKind
	URI  string
	Raw  json.RawMessage
}

// NewURIReference creates a reference to an identifier.
func NewURIReference(uri string) Reference {
	return Reference{Kind: URIReference, URI: uri}
}

// NewObjectReference creates an inline-object reference from raw JSON.
func NewObjectReference(raw json.RawMessage) Reference {
	return Reference{Kind: ObjectReference, Raw: raw}
}

// UnmarshalJSON records the shape of the field without failing on unknown
// shapes; ResolveReference reports those.
func (r *Reference) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	*r = Reference{Kind: InvalidReference}
	if len(trimmed) == 0 {
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		r.Kind = URIReference
		r.URI = s
	case '{':
		r.Kind = ObjectReference
		r.Raw = append(json.RawMessage(nil), trimmed...)
	default:
		r.Raw = append(json.RawMessage(nil), trimmed...)
	}
	return nil
}

// MarshalJSON writes the reference back in its original shape.
func (r Reference) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case URIReference:
		return json.Marshal(r.URI)
	case ObjectReference:
		if len(r.Raw) == 0 {
			return []byte("null"), nil
		}
		return r.Raw, nil
	default:
		return []byte("null"), nil
	}
}

// ResolveReference returns the canonical absolute URI a reference points to.
func ResolveReference(r Reference) (string, error) {
	var candidate string
	switch r.Kind {
	case URIReference:
		candidate = r.URI
	case ObjectReference:
		var inline struct {
			ID any `json:"id"`
		}
		if err := json.Unmarshal(r.Raw, &inline); err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnresolvableReference, err)
		}
		id, ok := inline.ID.(string)
		if !ok {
			return "", fmt.Errorf("%w: inline object without string id", ErrUnresolvableReference)
		}
		candidate = id
	default:
		return "", fmt.Errorf("%w: unsupported value %s", ErrUnresolvableReference, string(r.Raw))
	}

	u, err := url.Parse(strings.TrimSpace(candidate))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not an absolute URI", ErrUnresolvableReference, candidate)
	}
	return u.String(), nil
}

// Activity is the subset of an ActivityStreams activity the inbox inspects.
type Activity struct {
	Context any       `json:"@context,omitempty"`
	ID      string    `json:"id,omitempty"`
	Type    string    `json:"type"`
	Actor   Reference `json:"actor"`
	Object  Reference `json:"object"`
}

// InnerActivity parses an inline object reference as an activity.
func (a *Activity) InnerActivity() (*Activity, error) {
	if a.Object.Kind != ObjectReference {
		return nil, fmt.Errorf("%w: object of %s is not an inline activity", ErrUnresolvableReference, a.Type)
	}
	var inner Activity
	if err := json.Unmarshal(a.Object.Raw, &inner); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvableReference, err)
	}
	if inner.Type == "" {
		return nil, fmt.Errorf("%w: inner object has no type", ErrUnresolvableReference)
	}
	return &inner, nil
}

// OrderedCollection is the followers collection response.
type OrderedCollection struct {
	Context      any      `json:"@context,omitempty"`
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	TotalItems   int      `json:"totalItems"`
	OrderedItems []string `json:"orderedItems"`
}

// ActorProperties are the descriptive fields persisted alongside an actor.
// The collection URIs are only set for cached remote actors; for local
// actors they are derived from the identifier.
type ActorProperties struct {
	Name              string          `json:"name,omitempty"`
	PreferredUsername string          `json:"preferredUsername,omitempty"`
	Summary           string          `json:"summary,omitempty"`
	Icon              json.RawMessage `json:"icon,omitempty"`
	Inbox             string          `json:"inbox,omitempty"`
	Outbox            string          `json:"outbox,omitempty"`
	Following         string          `json:"following,omitempty"`
	Followers         string          `json:"followers,omitempty"`
	PublicKeyID       string          `json:"publicKeyId,omitempty"`
}

// ActorRecord is the stored form of an actor.
type ActorRecord struct {
	ID                string
	Type              string
	Properties        ActorProperties
	PublicKeyPem      string
	WrappedPrivateKey []byte
	Salt              []byte
	CreatedAt         time.Time
}

// IsLocal reports whether the record owns wrapped key material.
func (r *ActorRecord) IsLocal() bool {
	return r.WrappedPrivateKey != nil && r.Salt != nil
}

// KeyMaterial is the key-related projection of an actor record.
type KeyMaterial struct {
	WrappedKey   []byte
	Salt         []byte
	PublicKeyPem string
}

// FollowState is the state of a follow relationship.
type FollowState string

const (
	FollowPending  FollowState = "pending"
	FollowAccepted FollowState = "accepted"
)

// FollowRelationship is a directed follower -> followee edge.
type FollowRelationship struct {
	ID           string
	FollowerID   string
	FolloweeID   string
	FolloweeAcct string
	State        FollowState
	CreatedAt    time.Time
}
