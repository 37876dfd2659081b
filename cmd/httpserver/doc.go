// Package main (cmd/httpserver) runs the federation server.
//
// It serves local actor documents, their followers collections and their
// inboxes. Follow requests are accepted and answered with a signed Accept
// delivered to the follower's inbox.
//
// Actor signing keys are stored wrapped under a key encryption secret that
// is read at startup from exactly one of --kek (or USER_KEK), --kek-file or
// a HashiCorp Vault KV v2 secret (--vault-addr).
//
// Example usage:
//
//	fedinbox-server --base-url=https://social.example \
//	    --listen-addr=0.0.0.0:8080 \
//	    --store-uri=sqlite:///var/lib/fedinbox/fedinbox.db \
//	    --kek-file=/run/secrets/fedinbox-kek
//
// Actors are created with cmd/admin.
package main
