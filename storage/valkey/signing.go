package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bestian830/auth-service-sub001/storage"
)

// ============================================================
// SigningKeyStore Implementation
// ============================================================

// luaAtomicRotateSigningKey performs the full key rotation as one server-side
// step: demote the current active key to grace, install the new key as
// active, and retire all but the newest maxGrace grace keys.
//
// SECURITY: Issuance reads the active pointer while verification reads the
// grace set. Running the rotation as one script means no interleaving can
// observe zero active keys or two active keys.
//
// KEYS[1] = active kid pointer
// KEYS[2] = grace kid ZSET (scored by activation time)
// ARGV[1] = row key prefix (e.g., "idp:key:")
// ARGV[2] = new kid
// ARGV[3] = new key row JSON
// ARGV[4] = max grace keys to retain
// ARGV[5] = current Unix timestamp in seconds
//
// Returns:
//   - "OK" on success
//   - "EXISTS" if a row for the new kid already exists
const luaAtomicRotateSigningKey = `
local rowPrefix = ARGV[1]
local newKid = ARGV[2]

if redis.call('EXISTS', rowPrefix .. newKid) == 1 then
    return 'EXISTS'
end

-- Demote the current active key to grace, keeping its activation time as
-- the ZSET score so trimming stays ordered.
local activeKid = redis.call('GET', KEYS[1])
if activeKid then
    local rowKey = rowPrefix .. activeKid
    local data = redis.call('GET', rowKey)
    if data then
        local row = cjson.decode(data)
        if row.status == 'active' then
            row.status = 'grace'
            redis.call('SET', rowKey, cjson.encode(row))
            redis.call('ZADD', KEYS[2], row.activated_at, activeKid)
        end
    end
end

redis.call('SET', rowPrefix .. newKid, ARGV[3])
redis.call('SET', KEYS[1], newKid)

-- Retire excess grace keys, oldest first
local maxGrace = tonumber(ARGV[4])
local graceCount = redis.call('ZCARD', KEYS[2])
while graceCount > maxGrace do
    local oldest = redis.call('ZRANGE', KEYS[2], 0, 0)
    if #oldest == 0 then
        break
    end
    local kid = oldest[1]
    redis.call('ZREM', KEYS[2], kid)
    local rowKey = rowPrefix .. kid
    local data = redis.call('GET', rowKey)
    if data then
        local row = cjson.decode(data)
        row.status = 'retired'
        row.retired_at = tonumber(ARGV[5])
        redis.call('SET', rowKey, cjson.encode(row))
    end
    graceCount = graceCount - 1
end

return 'OK'
`

// SaveSigningKey inserts a new key row. Fails if the kid already exists.
func (s *Store) SaveSigningKey(ctx context.Context, key *storage.SigningKey) error {
	if key == nil || key.Kid == "" {
		return fmt.Errorf("invalid signing key")
	}

	data, err := json.Marshal(toSigningKeyJSON(key))
	if err != nil {
		return fmt.Errorf("failed to marshal signing key: %w", err)
	}

	rowKey := s.signingKeyKey(key.Kid)

	// SET NX enforces kid uniqueness
	created, err := s.client.Do(ctx,
		s.client.B().Set().Key(rowKey).Value(string(data)).Nx().Build(),
	).AsBool()
	if err != nil && !isNilError(err) {
		return fmt.Errorf("failed to save signing key: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: %s", storage.ErrKeyExists, key.Kid)
	}

	if key.Status == storage.KeyStatusActive {
		if err := s.client.Do(ctx,
			s.client.B().Set().Key(s.activeKidKey()).Value(key.Kid).Build(),
		).Error(); err != nil {
			return fmt.Errorf("failed to set active kid: %w", err)
		}
	}

	s.logger.Debug("Saved signing key", "kid", key.Kid, "status", key.Status)
	return nil
}

// GetActiveSigningKey returns the single active key, or ErrKeyNotFound.
func (s *Store) GetActiveSigningKey(ctx context.Context) (*storage.SigningKey, error) {
	kid, err := s.client.Do(ctx, s.client.B().Get().Key(s.activeKidKey()).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get active kid: %w", err)
	}

	key, err := s.getSigningKey(ctx, kid)
	if err != nil {
		return nil, err
	}
	if key.Status != storage.KeyStatusActive {
		return nil, storage.ErrKeyNotFound
	}
	return key, nil
}

// GetGraceSigningKeys returns all grace keys, most recently activated first.
func (s *Store) GetGraceSigningKeys(ctx context.Context) ([]*storage.SigningKey, error) {
	kids, err := s.client.Do(ctx,
		s.client.B().Zrange().Key(s.graceKidsKey()).Min("0").Max("-1").Rev().Build(),
	).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list grace kids: %w", err)
	}

	keys := make([]*storage.SigningKey, 0, len(kids))
	for _, kid := range kids {
		key, err := s.getSigningKey(ctx, kid)
		if err != nil {
			// Skip stale ZSET entries whose rows are gone
			if err == storage.ErrKeyNotFound {
				continue
			}
			return nil, err
		}
		if key.Status == storage.KeyStatusGrace {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

// AtomicRotateSigningKey rotates the signing key via Lua script.
func (s *Store) AtomicRotateSigningKey(ctx context.Context, newKey *storage.SigningKey, maxGrace int) error {
	if newKey == nil || newKey.Kid == "" {
		return fmt.Errorf("invalid signing key")
	}
	if maxGrace < 0 {
		maxGrace = 0
	}

	now := time.Now()
	row := *newKey
	row.Status = storage.KeyStatusActive
	if row.ActivatedAt.IsZero() {
		row.ActivatedAt = now
	}

	data, err := json.Marshal(toSigningKeyJSON(&row))
	if err != nil {
		return fmt.Errorf("failed to marshal signing key: %w", err)
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicRotateSigningKey).
			Numkeys(2).
			Key(s.activeKidKey(), s.graceKidsKey()).
			Arg(s.prefix+"key:",
				row.Kid,
				string(data),
				fmt.Sprintf("%d", maxGrace),
				fmt.Sprintf("%d", now.Unix())).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to execute atomic key rotation: %w", err)
	}

	if result == "EXISTS" {
		return fmt.Errorf("%w: %s", storage.ErrKeyExists, row.Kid)
	}

	s.logger.Info("Rotated signing key", "new_kid", row.Kid)
	return nil
}

// getSigningKey fetches and unmarshals one signing key row.
func (s *Store) getSigningKey(ctx context.Context, kid string) (*storage.SigningKey, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.signingKeyKey(kid)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get signing key: %w", err)
	}

	var j signingKeyJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signing key: %w", err)
	}

	return fromSigningKeyJSON(&j), nil
}
