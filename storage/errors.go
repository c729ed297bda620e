package storage

import "errors"

// IsNotFound reports whether err is any of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound) ||
		errors.Is(err, ErrCodeNotFound) ||
		errors.Is(err, ErrRefreshTokenNotFound) ||
		errors.Is(err, ErrClientNotFound)
}

// Sentinel errors returned by storage implementations. Callers match with
// errors.Is; backends wrap them with %w when adding detail.
var (
	// ErrKeyNotFound indicates no signing key matched the query.
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrKeyExists indicates a kid collision on insert.
	ErrKeyExists = errors.New("signing key already exists")

	// ErrCodeNotFound indicates the authorization code does not exist.
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeExpired indicates the authorization code is past its expiry.
	ErrCodeExpired = errors.New("authorization code expired")

	// ErrCodeUsed indicates the authorization code was already redeemed.
	ErrCodeUsed = errors.New("authorization code already used")

	// ErrRefreshTokenNotFound indicates the refresh token id does not exist.
	ErrRefreshTokenNotFound = errors.New("refresh token not found")

	// ErrRefreshTokenExpired indicates the refresh token is past its expiry.
	ErrRefreshTokenExpired = errors.New("refresh token expired")

	// ErrRefreshTokenRotated indicates the id was already superseded by a
	// rotation. Presenting such an id is definitive evidence of reuse.
	ErrRefreshTokenRotated = errors.New("refresh token already rotated")

	// ErrRefreshTokenRevoked indicates the token (or its family) was revoked.
	ErrRefreshTokenRevoked = errors.New("refresh token revoked")

	// ErrClientNotFound indicates the client id is not registered.
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidClientSecret indicates the presented secret does not match
	// the stored hash.
	ErrInvalidClientSecret = errors.New("invalid client secret")
)
