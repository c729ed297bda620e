// Package token signs access and ID tokens with the current active signing
// key and verifies inbound tokens against the published key set by kid.
// All timestamps are integer Unix seconds; the signature algorithm is
// RS256 throughout.
package token
