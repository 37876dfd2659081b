// Package directory resolves ActivityPub actors.
//
// Local actors live in the actor store with wrapped signing keys. Remote
// actors are fetched once with a redirect-free GET, validated, and cached in
// the same store without key material. Collection URIs of local actors are
// derived from their identifier:
//
//	https://example.com/ap/users/alice
//	https://example.com/ap/users/alice/inbox
//	https://example.com/ap/users/alice/followers
package directory
