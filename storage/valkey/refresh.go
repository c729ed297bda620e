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
// RefreshTokenStore Implementation
// ============================================================

// luaAtomicRotateRefreshToken atomically verifies that the presented token is
// the active frontier of its family, marks it rotated, and installs the
// replacement. Two concurrent rotations of the same old id resolve to exactly
// one winner; the loser receives the ROTATED sentinel, which the caller
// treats as reuse.
//
// KEYS[1] = old refresh token key
// KEYS[2] = new refresh token key
// KEYS[3] = family list key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = new token row JSON
// ARGV[3] = new token key TTL in seconds
// ARGV[4] = new token id (appended to the family list)
//
// Returns:
//   - Original JSON row of the old token on success
//   - "NOT_FOUND" if the old token key doesn't exist
//   - "EXPIRED" if the old token has expired
//   - "ROTATED:<json>" if the old token was already superseded (reuse)
//   - "REVOKED:<json>" if the old token's family was revoked
const luaAtomicRotateRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local token = cjson.decode(data)

if token.status == 'rotated' then
    return 'ROTATED:' .. data
end
if token.status == 'revoked' then
    return 'REVOKED:' .. data
end

local now = tonumber(ARGV[1])
local expiresAt = tonumber(token.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

token.status = 'rotated'
token.rotated_at = now
redis.call('SET', KEYS[1], cjson.encode(token), 'KEEPTTL')

redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[3])
redis.call('RPUSH', KEYS[3], ARGV[4])

return data
`

// luaRevokeRefreshTokenFamily marks every row in a family revoked in one
// server-side step. Running the sweep as a script closes the race against
// a concurrent rotation: either the rotation commits first and its
// replacement is in the list this script reads, or the rotation runs after
// and fails on the revoked frontier.
//
// KEYS[1] = family list key
// ARGV[1] = row key prefix (e.g., "idp:refresh:")
// ARGV[2] = current Unix timestamp in seconds
// ARGV[3] = revocation reason
//
// Returns the number of rows newly marked revoked. Already-revoked rows
// keep their original reason and timestamp.
const luaRevokeRefreshTokenFamily = `
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
local revoked = 0
for _, id in ipairs(ids) do
    local key = ARGV[1] .. id
    local data = redis.call('GET', key)
    if data then
        local row = cjson.decode(data)
        if row.status ~= 'revoked' then
            row.status = 'revoked'
            row.revoked_at = tonumber(ARGV[2])
            row.revoke_reason = ARGV[3]
            redis.call('SET', key, cjson.encode(row), 'KEEPTTL')
            revoked = revoked + 1
        end
    end
end
return revoked
`

// SaveRefreshToken inserts a new refresh token row and appends it to its
// family list. The row's TTL extends past expiry by the retention window so
// terminal rows stay visible for reuse detection and audit.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.ID == "" || token.FamilyID == "" {
		return fmt.Errorf("invalid refresh token")
	}

	data, err := json.Marshal(toRefreshTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	key := s.refreshTokenKey(token.ID)

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(s.rowTTL(token.ExpiresAt)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Rpush().Key(s.familyKey(token.FamilyID)).Element(token.ID).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to update token family: %w", err)
	}

	s.logger.Debug("Saved refresh token",
		"token_prefix", util.SafeTruncate(token.ID, tokenIDLogLength),
		"family_id", token.FamilyID)
	return nil
}

// GetRefreshToken retrieves a refresh token by id, any status.
func (s *Store) GetRefreshToken(ctx context.Context, id string) (*storage.RefreshToken, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.refreshTokenKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}

	return fromRefreshTokenJSON(&j), nil
}

// AtomicRotateRefreshToken rotates a refresh token via Lua script.
//
// On ErrRefreshTokenRotated and ErrRefreshTokenRevoked the stored row is
// also returned so the caller can revoke the family.
func (s *Store) AtomicRotateRefreshToken(ctx context.Context, oldID string, newToken *storage.RefreshToken) (*storage.RefreshToken, error) {
	if newToken == nil || newToken.ID == "" || newToken.FamilyID == "" {
		return nil, fmt.Errorf("invalid refresh token")
	}

	data, err := json.Marshal(toRefreshTokenJSON(newToken))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	ttlSeconds := int64(s.rowTTL(newToken.ExpiresAt) / time.Second)
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicRotateRefreshToken).
			Numkeys(3).
			Key(s.refreshTokenKey(oldID), s.refreshTokenKey(newToken.ID), s.familyKey(newToken.FamilyID)).
			Arg(fmt.Sprintf("%d", time.Now().Unix()),
				string(data),
				fmt.Sprintf("%d", ttlSeconds),
				newToken.ID).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic token rotation: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrRefreshTokenNotFound
	case result == "EXPIRED":
		return nil, storage.ErrRefreshTokenExpired
	case strings.HasPrefix(result, "ROTATED:"):
		return s.parseTerminalRow(result, "ROTATED:", storage.ErrRefreshTokenRotated)
	case strings.HasPrefix(result, "REVOKED:"):
		return s.parseTerminalRow(result, "REVOKED:", storage.ErrRefreshTokenRevoked)
	}

	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse refresh token: %w", err)
	}

	s.logger.Debug("Rotated refresh token",
		"old_token_prefix", util.SafeTruncate(oldID, tokenIDLogLength),
		"family_id", newToken.FamilyID)

	return fromRefreshTokenJSON(&j), nil
}

// RevokeRefreshTokenFamily sets every token in the family to revoked via Lua
// script. Idempotent; already-revoked rows keep their original reason and
// timestamp.
//
// The sweep must run as one script: a rotation racing a read-sweep-write
// revoke could install its replacement after the family list was read,
// leaving one active token that escapes revocation.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID, reason string) error {
	revoked, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeRefreshTokenFamily).
			Numkeys(1).
			Key(s.familyKey(familyID)).
			Arg(s.prefix+"refresh:",
				fmt.Sprintf("%d", time.Now().Unix()),
				reason).
			Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to revoke token family: %w", err)
	}

	if revoked > 0 {
		s.logger.Info("Revoked refresh token family",
			"family_id", familyID,
			"reason", reason,
			"tokens_revoked", revoked)
	}
	return nil
}

// ListRefreshTokenFamily returns all tokens in a family, newest first.
func (s *Store) ListRefreshTokenFamily(ctx context.Context, familyID string) ([]*storage.RefreshToken, error) {
	ids, err := s.client.Do(ctx,
		s.client.B().Lrange().Key(s.familyKey(familyID)).Start(0).Stop(-1).Build(),
	).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list token family: %w", err)
	}

	tokens := make([]*storage.RefreshToken, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		token, err := s.GetRefreshToken(ctx, ids[i])
		if err != nil {
			// Rows past retention have expired out from under the list
			if err == storage.ErrRefreshTokenNotFound {
				continue
			}
			return nil, err
		}
		tokens = append(tokens, token)
	}

	return tokens, nil
}

// parseTerminalRow unmarshals the row carried by a terminal-state sentinel.
func (s *Store) parseTerminalRow(result, sentinel string, terminalErr error) (*storage.RefreshToken, error) {
	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(strings.TrimPrefix(result, sentinel)), &j); err != nil {
		return nil, fmt.Errorf("%w: failed to parse stored row", terminalErr)
	}
	return fromRefreshTokenJSON(&j), terminalErr
}

// rowTTL returns the row TTL for a refresh token: its remaining lifetime plus
// the retention window, with a floor of the retention window alone.
func (s *Store) rowTTL(expiresAt time.Time) time.Duration {
	remaining := time.Until(expiresAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining + s.tokenRetention
}
