package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrActorNotFound is returned when an actor identifier has no stored record.
	ErrActorNotFound = errors.New("actor not found")

	// ErrActorExists is returned when provisioning an id that is already taken.
	ErrActorExists = errors.New("actor already exists")

	// ErrInvalidUsername is returned for usernames outside [A-Za-z0-9_.-].
	ErrInvalidUsername = errors.New("invalid username")

	// ErrFollowNotFound is returned when no relationship exists for a pair.
	ErrFollowNotFound = errors.New("follow relationship not found")

	// ErrMissingKey is returned when an actor has no wrapped signing key,
	// i.e. it is not a local actor capable of signing.
	ErrMissingKey = errors.New("actor has no signing key")

	// ErrKeyGeneration is returned when a keypair or salt cannot be produced.
	ErrKeyGeneration = errors.New("key generation failed")

	// ErrKeyUnwrap is returned when a wrapped key fails authentication or
	// does not decode to a usable private key. No key material accompanies it.
	ErrKeyUnwrap = errors.New("key unwrap failed")

	// ErrKeyFormat is returned for malformed PEM or unsupported key types.
	ErrKeyFormat = errors.New("malformed key")

	// ErrUnresolvableReference is returned when an actor/object field is
	// neither a URI nor an inline object with an id.
	ErrUnresolvableReference = errors.New("unresolvable reference")

	// ErrVerificationFailure is returned when a request's digest or
	// signature does not check out.
	ErrVerificationFailure = errors.New("request verification failed")

	// ErrInvalidStoreURI is returned for malformed or unsupported store locations.
	ErrInvalidStoreURI = errors.New("invalid store URI")
)

// ActorFetchError reports a failed remote actor GET.
type ActorFetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *ActorFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching actor %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetching actor %s: %v", e.URL, e.Err)
}

func (e *ActorFetchError) Unwrap() error {
	return e.Err
}

// DeliveryError reports a non-2xx response (or transport failure) while
// posting an activity to a remote inbox.
type DeliveryError struct {
	Inbox      string
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery to %s failed: %v", e.Inbox, e.Err)
	}
	return fmt.Sprintf("delivery to %s returned %d: %s", e.Inbox, e.StatusCode, e.Body)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
