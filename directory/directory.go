package directory

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ruteri/fedinbox/cryptoutils"
	"github.com/ruteri/fedinbox/interfaces"
	"github.com/ruteri/fedinbox/kms"
)

// UsersPath is the path prefix of local actor identifiers.
const UsersPath = "/ap/users/"

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Fetcher retrieves remote actor documents.
type Fetcher interface {
	FetchActor(ctx context.Context, uri string) ([]byte, error)
}

// KeyVault generates and unwraps actor signing keys.
type KeyVault interface {
	GenerateActorKeypair() (kms.WrappedKey, cryptoutils.ActorPubkey, error)
	UnwrapPrivateKey(wrapped, salt []byte) (*rsa.PrivateKey, error)
}

// Directory resolves actor identifiers to actors, caching remote actors in
// the store, and hands out the signing keys of local actors.
type Directory struct {
	store   interfaces.ActorStore
	fetcher Fetcher
	vault   KeyVault
	log     *slog.Logger
}

func New(store interfaces.ActorStore, fetcher Fetcher, vault KeyVault, log *slog.Logger) *Directory {
	return &Directory{
		store:   store,
		fetcher: fetcher,
		vault:   vault,
		log:     log,
	}
}

// LocalActorID returns the identifier of the local actor named username.
func LocalActorID(baseURL, username string) string {
	return strings.TrimRight(baseURL, "/") + UsersPath + url.PathEscape(username)
}

// ResolveLocal looks id up in the store without touching the network.
func (d *Directory) ResolveLocal(ctx context.Context, id string) (*interfaces.Actor, error) {
	record, err := d.store.GetActor(ctx, id)
	if err != nil {
		return nil, err
	}
	return ActorFromRecord(record), nil
}

// LocalByUsername returns the local actor named username, or
// ErrActorNotFound if there is none or it is a cached remote actor.
func (d *Directory) LocalByUsername(ctx context.Context, baseURL, username string) (*interfaces.Actor, error) {
	if !usernamePattern.MatchString(username) {
		return nil, interfaces.ErrActorNotFound
	}

	record, err := d.store.GetActor(ctx, LocalActorID(baseURL, username))
	if err != nil {
		return nil, err
	}
	if !record.IsLocal() {
		return nil, interfaces.ErrActorNotFound
	}
	return ActorFromRecord(record), nil
}

// ResolveAndCache returns the stored actor for id, fetching and caching it
// when it is unknown. Fetch failures are not retried.
func (d *Directory) ResolveAndCache(ctx context.Context, id string) (*interfaces.Actor, error) {
	actor, err := d.ResolveLocal(ctx, id)
	if err == nil {
		return actor, nil
	}
	if !errors.Is(err, interfaces.ErrActorNotFound) {
		return nil, err
	}

	record, err := d.fetchRemote(ctx, id)
	if err != nil {
		return nil, err
	}

	inserted, err := d.store.InsertActor(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("caching actor %s: %w", id, err)
	}
	if !inserted {
		// Lost a race with a concurrent fetch; serve what was stored first.
		return d.ResolveLocal(ctx, id)
	}

	d.log.Info("Cached remote actor",
		slog.String("actor", record.ID),
		slog.String("inbox", record.Properties.Inbox))

	return ActorFromRecord(record), nil
}

func (d *Directory) fetchRemote(ctx context.Context, id string) (*interfaces.ActorRecord, error) {
	body, err := d.fetcher.FetchActor(ctx, id)
	if err != nil {
		return nil, err
	}

	record, err := parseRemoteActor(id, body)
	if err != nil {
		return nil, &interfaces.ActorFetchError{URL: id, Err: err}
	}
	return record, nil
}

// SigningKeyFor unwraps the private key of a local actor. Actors without
// wrapped key material yield ErrMissingKey.
func (d *Directory) SigningKeyFor(ctx context.Context, actor *interfaces.Actor) (*rsa.PrivateKey, error) {
	material, err := d.store.GetKeyMaterial(ctx, actor.ID)
	if errors.Is(err, interfaces.ErrActorNotFound) {
		return nil, fmt.Errorf("%w: %s is not stored", interfaces.ErrMissingKey, actor.ID)
	}
	if err != nil {
		return nil, err
	}

	if len(material.WrappedKey) == 0 || len(material.Salt) == 0 {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrMissingKey, actor.ID)
	}

	return d.vault.UnwrapPrivateKey(material.WrappedKey, material.Salt)
}

// PublicKeyFor resolves the actor owning keyID and returns its public key
// and identifier. The key id must be the actor id, optionally with a
// fragment (e.g. "#main-key").
func (d *Directory) PublicKeyFor(ctx context.Context, keyID string) (*rsa.PublicKey, string, error) {
	ownerID, err := keyOwner(keyID)
	if err != nil {
		return nil, "", err
	}

	actor, err := d.ResolveAndCache(ctx, ownerID)
	if err != nil {
		return nil, "", err
	}
	return publicKeyOf(actor, keyID)
}

// RefreshPublicKey refetches the remote actor owning keyID, replaces the
// cached copy and returns the key it publishes now. Keys of local actors
// are served from the store.
func (d *Directory) RefreshPublicKey(ctx context.Context, keyID string) (*rsa.PublicKey, string, error) {
	ownerID, err := keyOwner(keyID)
	if err != nil {
		return nil, "", err
	}

	cached, err := d.store.GetActor(ctx, ownerID)
	switch {
	case err == nil && cached.IsLocal():
		return publicKeyOf(ActorFromRecord(cached), keyID)
	case err != nil && !errors.Is(err, interfaces.ErrActorNotFound):
		return nil, "", err
	}

	record, err := d.fetchRemote(ctx, ownerID)
	if err != nil {
		return nil, "", err
	}

	updated, err := d.store.UpdateRemoteActor(ctx, record)
	if err != nil {
		return nil, "", fmt.Errorf("refreshing actor %s: %w", ownerID, err)
	}
	if !updated {
		if _, err := d.store.InsertActor(ctx, record); err != nil {
			return nil, "", fmt.Errorf("caching actor %s: %w", ownerID, err)
		}
	}

	d.log.Info("Refreshed remote actor",
		slog.String("actor", record.ID),
		slog.String("keyId", keyID))

	return publicKeyOf(ActorFromRecord(record), keyID)
}

func publicKeyOf(actor *interfaces.Actor, keyID string) (*rsa.PublicKey, string, error) {
	if actor.PublicKey == nil || actor.PublicKey.PublicKeyPem == "" {
		return nil, "", fmt.Errorf("%w: %s publishes no public key", interfaces.ErrKeyFormat, actor.ID)
	}
	if keyID != actor.PublicKey.ID && keyID != actor.ID {
		return nil, "", fmt.Errorf("%w: key %s is not the published key %s", interfaces.ErrKeyFormat, keyID, actor.PublicKey.ID)
	}

	pub, err := kms.ImportPublicKeyPem(actor.PublicKey.PublicKeyPem)
	if err != nil {
		return nil, "", err
	}
	return pub, actor.ID, nil
}

// ProvisionLocal creates a local actor named username with a fresh wrapped
// signing key.
func (d *Directory) ProvisionLocal(ctx context.Context, baseURL, username string, props interfaces.ActorProperties) (*interfaces.Actor, error) {
	if !usernamePattern.MatchString(username) {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidUsername, username)
	}

	id := LocalActorID(baseURL, username)
	if _, err := d.store.GetActor(ctx, id); err == nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrActorExists, id)
	} else if !errors.Is(err, interfaces.ErrActorNotFound) {
		return nil, err
	}

	wrapped, pubPEM, err := d.vault.GenerateActorKeypair()
	if err != nil {
		return nil, err
	}

	props.PreferredUsername = username
	props.Inbox, props.Outbox, props.Following, props.Followers = "", "", "", ""
	props.PublicKeyID = ""

	record := &interfaces.ActorRecord{
		ID:                id,
		Type:              interfaces.PersonType,
		Properties:        props,
		PublicKeyPem:      string(pubPEM),
		WrappedPrivateKey: wrapped.Ciphertext,
		Salt:              wrapped.Salt,
		CreatedAt:         time.Now().UTC(),
	}
	inserted, err := d.store.InsertActor(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("storing actor %s: %w", id, err)
	}
	if !inserted {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrActorExists, id)
	}

	d.log.Info("Provisioned local actor", slog.String("actor", id))
	return d.ResolveLocal(ctx, id)
}

// ActorFromRecord rebuilds the wire form of a stored actor. Collection
// URIs default to paths under the actor id.
func ActorFromRecord(record *interfaces.ActorRecord) *interfaces.Actor {
	props := record.Properties
	actor := &interfaces.Actor{
		Context:           []any{interfaces.ActivityStreamsContext, interfaces.SecurityContext},
		ID:                record.ID,
		Type:              record.Type,
		Inbox:             orDefault(props.Inbox, record.ID+"/inbox"),
		Outbox:            orDefault(props.Outbox, record.ID+"/outbox"),
		Following:         orDefault(props.Following, record.ID+"/following"),
		Followers:         orDefault(props.Followers, record.ID+"/followers"),
		PreferredUsername: props.PreferredUsername,
		Name:              props.Name,
		Summary:           props.Summary,
		Icon:              props.Icon,
	}

	if record.IsLocal() {
		actor.Discoverable = true
		if !record.CreatedAt.IsZero() {
			published := record.CreatedAt.UTC()
			actor.Published = &published
		}
	}

	if props.PreferredUsername != "" {
		if u, err := url.Parse(record.ID); err == nil && u.Host != "" {
			actor.URL = fmt.Sprintf("%s://%s/@%s", u.Scheme, u.Host, props.PreferredUsername)
		}
	}

	if record.PublicKeyPem != "" {
		actor.PublicKey = &interfaces.PublicKey{
			ID:           orDefault(props.PublicKeyID, actor.KeyID()),
			Owner:        record.ID,
			PublicKeyPem: record.PublicKeyPem,
		}
	}
	return actor
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func keyOwner(keyID string) (string, error) {
	u, err := url.Parse(keyID)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: key id %q is not an absolute URI", interfaces.ErrUnresolvableReference, keyID)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// actorDocument is the subset of a remote actor document that is cached.
type actorDocument struct {
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	Inbox             string          `json:"inbox"`
	Outbox            string          `json:"outbox"`
	Following         string          `json:"following"`
	Followers         string          `json:"followers"`
	PreferredUsername string          `json:"preferredUsername"`
	Name              string          `json:"name"`
	Summary           string          `json:"summary"`
	Icon              json.RawMessage `json:"icon"`
	PublicKey         *struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// parseRemoteActor validates a fetched actor document and turns it into a
// record. Embedded URIs are resolved against the document URL.
func parseRemoteActor(requestedID string, body []byte) (*interfaces.ActorRecord, error) {
	var doc actorDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("malformed actor document: %w", err)
	}
	if doc.ID == "" || doc.Type == "" || doc.Inbox == "" {
		return nil, errors.New("actor document lacks id, type or inbox")
	}

	base, err := url.Parse(requestedID)
	if err != nil {
		return nil, fmt.Errorf("invalid actor id: %w", err)
	}

	normalize := func(field, raw string) (string, error) {
		if raw == "" {
			return "", nil
		}
		ref, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return "", fmt.Errorf("invalid %s URI %q: %w", field, raw, err)
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "https" && abs.Scheme != "http" {
			return "", fmt.Errorf("invalid %s URI %q", field, raw)
		}
		return abs.String(), nil
	}

	id, err := normalize("id", doc.ID)
	if err != nil {
		return nil, err
	}
	if id != base.String() {
		return nil, fmt.Errorf("document id %s does not match %s", id, base.String())
	}

	props := interfaces.ActorProperties{
		Name:              doc.Name,
		PreferredUsername: doc.PreferredUsername,
		Summary:           doc.Summary,
		Icon:              doc.Icon,
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *string
	}{
		{"inbox", doc.Inbox, &props.Inbox},
		{"outbox", doc.Outbox, &props.Outbox},
		{"following", doc.Following, &props.Following},
		{"followers", doc.Followers, &props.Followers},
	} {
		if *f.dst, err = normalize(f.name, f.raw); err != nil {
			return nil, err
		}
	}

	record := &interfaces.ActorRecord{
		ID:         id,
		Type:       doc.Type,
		Properties: props,
		CreatedAt:  time.Now().UTC(),
	}

	if doc.PublicKey != nil && doc.PublicKey.PublicKeyPem != "" {
		owner, err := normalize("publicKey.owner", doc.PublicKey.Owner)
		if err != nil {
			return nil, err
		}
		if owner != "" && owner != id {
			return nil, fmt.Errorf("public key owner %s is not %s", owner, id)
		}
		keyID, err := normalize("publicKey.id", doc.PublicKey.ID)
		if err != nil {
			return nil, err
		}
		record.PublicKeyPem = doc.PublicKey.PublicKeyPem
		record.Properties.PublicKeyID = keyID
	}
	return record, nil
}
