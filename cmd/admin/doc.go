// Package main (cmd/admin) manages local actors directly in the store.
//
// Commands:
//
//	create-actor    - create a local actor with a fresh RSA key wrapped under the KEK
//	list-followers  - print the accepted followers of a local actor
//
// Both commands take the same --base-url and --store-uri as the server so
// that actor identifiers line up. create-actor also needs the key
// encryption secret (--kek, --kek-file or --vault-addr).
package main
