package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bestian830/auth-service-sub001/internal/util"
	"github.com/bestian830/auth-service-sub001/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// luaAtomicCheckAndMarkCodeUsed atomically checks that an authorization code
// is unexpired and unused and marks it used. Only ONE concurrent redemption
// of the same code can succeed; the rest receive the ALREADY_USED sentinel
// carrying the stored row for audit.
//
// KEYS[1] = code key (e.g., "idp:code:abc123")
// ARGV[1] = current Unix timestamp in seconds
//
// Returns:
//   - Original JSON row if the code was unused and is now marked used
//   - "NOT_FOUND" if the key doesn't exist
//   - "EXPIRED" if the code has expired
//   - "ALREADY_USED:<json>" if the code was already redeemed
const luaAtomicCheckAndMarkCodeUsed = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

if code.used then
    return 'ALREADY_USED:' .. data
end

code.used = true
code.used_at = now
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return data
`

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	key := s.codeKey(code.Code)

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code without modifying it.
// For redemption use AtomicCheckAndMarkCodeUsed instead.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	key := s.codeKey(code)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	return fromAuthorizationCodeJSON(&j), nil
}

// AtomicCheckAndMarkCodeUsed atomically checks that a code is unused and
// marks it used via Lua script.
//
// The stored row is returned on success and on ErrCodeUsed (so the caller
// can identify the subject for audit). Other errors return nil.
func (s *Store) AtomicCheckAndMarkCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	key := s.codeKey(code)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicCheckAndMarkCodeUsed).
			Numkeys(1).
			Key(key).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code check: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrCodeNotFound
	case result == "EXPIRED":
		return nil, storage.ErrCodeExpired
	case strings.HasPrefix(result, "ALREADY_USED:"):
		codeData := strings.TrimPrefix(result, "ALREADY_USED:")
		var j authorizationCodeJSON
		if err := json.Unmarshal([]byte(codeData), &j); err != nil {
			return nil, fmt.Errorf("%w: failed to parse reused code", storage.ErrCodeUsed)
		}
		return fromAuthorizationCodeJSON(&j), storage.ErrCodeUsed
	}

	// Success, parse the row from before the mutation
	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	return fromAuthorizationCodeJSON(&j), nil
}
