// Package helpers provides IP address classification shared by redirect URI
// validation and issuer checks.
package helpers
