// Package inbox validates and applies activities POSTed to local inboxes.
//
// A request is accepted only when its content type is an ActivityPub JSON
// type, its Digest matches the body and it carries a Signature. Unless
// authentication is disabled, the signature is then checked against the
// public key of its keyId owner, and that owner must be the activity's
// actor. The Date header has to be signed and fresh. A cached key that no
// longer verifies is refetched once, which lets remote actors rotate keys.
//
// Follow creates a pending relationship, accepts it under the configured
// AcceptPolicy and delivers a signed Accept to the follower. Undo of an
// inline Follow removes the relationship. Other activity types are
// rejected.
package inbox
