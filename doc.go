// Package idp is the HTTP binding for the token lifecycle engine: the
// authorize step, the token endpoint with its grant handlers, revocation,
// introspection, client registration, and JWKS publication.
//
// The engine itself lives in the server package and is transport-agnostic;
// this package only parses requests, applies rate limits and CORS, and maps
// engine errors onto OAuth 2.0 wire responses. Subject authentication is the
// embedding application's job: the authorize endpoint consumes an already
// resolved subject through the SubjectResolver hook.
package idp
