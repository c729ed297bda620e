// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
//
// Atomicity guarantees (code redemption, refresh token rotation, signing key
// rotation) are provided by performing the check and the mutation under a
// single mutex hold.
package memory
