package interfaces

import (
	"context"
	"fmt"
	"net/url"
)

// ActorStore persists local and cached remote actors.
type ActorStore interface {
	// GetActor returns the record for id or ErrActorNotFound.
	GetActor(ctx context.Context, id string) (*ActorRecord, error)

	// InsertActor stores a record. Inserting an id that already exists is a
	// no-op reported as false, so concurrent caching of the same remote
	// actor never fails.
	InsertActor(ctx context.Context, record *ActorRecord) (bool, error)

	// UpdateRemoteActor replaces the type, properties and public key of a
	// cached remote actor. Local actors are never touched. It reports false
	// when no remote actor with that id is stored.
	UpdateRemoteActor(ctx context.Context, record *ActorRecord) (bool, error)

	// GetKeyMaterial returns the wrapped key, salt and public key of id.
	GetKeyMaterial(ctx context.Context, id string) (*KeyMaterial, error)
}

// FollowStore persists follow relationships. Every mutation is a single
// atomic statement so redelivered activities cannot duplicate edges.
type FollowStore interface {
	// InsertFollowing adds a pending relationship. It reports false when a
	// relationship for the pair already existed.
	InsertFollowing(ctx context.Context, rel *FollowRelationship) (bool, error)

	// AcceptFollowing moves a pending relationship to accepted. It reports
	// false when no pending relationship matched.
	AcceptFollowing(ctx context.Context, followerID, followeeID string) (bool, error)

	// RemoveFollowing deletes the relationship regardless of state.
	RemoveFollowing(ctx context.Context, followerID, followeeID string) (bool, error)

	// ListFollowers returns accepted follower ids of followeeID in a stable order.
	ListFollowers(ctx context.Context, followeeID string) ([]string, error)

	// GetFollowing returns the relationship for the pair or ErrFollowNotFound.
	GetFollowing(ctx context.Context, followerID, followeeID string) (*FollowRelationship, error)
}

// Store is a backing store for both actors and follow relationships.
type Store interface {
	ActorStore
	FollowStore

	// Name returns identifier for logging.
	Name() string

	// Close releases the underlying resources.
	Close() error
}

// StoreLocation represents URI for a store backend.
type StoreLocation struct {
	Raw    string     // Original URI
	Scheme string     // Backend kind
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
}

// NewStoreLocation creates a new store location from a URI string with validation.
func NewStoreLocation(uri string) (StoreLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StoreLocation{}, fmt.Errorf("%w: %v", ErrInvalidStoreURI, err)
	}

	switch parsed.Scheme {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		return StoreLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidStoreURI, parsed.Scheme)
	}

	return StoreLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
	}, nil
}

// String returns the original URI string.
func (loc StoreLocation) String() string {
	return loc.Raw
}

// IsMemory checks if this is an in-process store location.
func (loc StoreLocation) IsMemory() bool {
	return loc.Scheme == "memory"
}

// IsSQLite checks if this is a SQLite store location.
func (loc StoreLocation) IsSQLite() bool {
	return loc.Scheme == "sqlite"
}

// IsPostgres checks if this is a Postgres store location.
func (loc StoreLocation) IsPostgres() bool {
	return loc.Scheme == "postgres" || loc.Scheme == "postgresql"
}

// GetParam returns a query parameter value.
func (loc StoreLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}
