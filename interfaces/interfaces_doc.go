// Package interfaces defines core interfaces and types for the federation
// server, separating interface definitions from implementations.
//
// # Wire types
//
// Actor, PublicKey, Activity and OrderedCollection carry the subset of the
// ActivityStreams vocabulary the server reads and writes. Reference models the
// polymorphic actor/object fields (bare URI or inline object) and is turned
// into a canonical URI by ResolveReference.
//
// # Storage Interfaces
//
// ActorStore: persists local actors (with wrapped signing keys) and cached
// remote actors. Inserts are idempotent on the actor id.
//
// FollowStore: persists follow relationships with single-statement atomic
// mutations (insert-ignore, conditional update, delete).
//
// Store: a backend implementing both, created from a StoreLocation URI
// (memory://, sqlite:///path, postgres://...).
//
// # Errors
//
// Sentinel errors (ErrActorNotFound, ErrMissingKey, ErrKeyUnwrap, ...) and the
// typed ActorFetchError and DeliveryError are shared across packages so the
// HTTP layer can translate them with errors.Is / errors.As.
package interfaces
