// Package keys owns the signing key lifecycle: creation, atomic rotation
// through the active → grace → retired states, decryption of private key
// material on read, and publication of the public JSON Web Key Set with a
// deterministic cache validator.
//
// Retiring a key the instant it stops signing would invalidate tokens
// signed moments before a rotation. The grace tier bridges that window
// while bounding the verification surface to the active key plus a small,
// configurable number of graces.
package keys
