package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/bestian830/auth-service-sub001/instrumentation"
	"github.com/bestian830/auth-service-sub001/security"
	"github.com/bestian830/auth-service-sub001/storage"
)

const (
	// expiredTokenRetention is how long expired or terminal refresh token
	// rows are kept before cleanup. Rotated and revoked rows are the audit
	// trail for reuse investigations, so the window is generous.
	expiredTokenRetention = 90 * 24 * time.Hour

	// maxFamilySize is the hard limit on tokens per family. Exceeding it
	// fails the save to prevent memory exhaustion via endless rotation.
	maxFamilySize = 10000
)

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	// Signing keys, indexed by kid. activeKid tracks the single active key.
	signingKeys map[string]*storage.SigningKey
	activeKid   string

	// One-time authorization codes
	authCodes map[string]*storage.AuthorizationCode

	// Refresh tokens by id, plus a family index for revocation and audit
	refreshTokens map[string]*storage.RefreshToken
	families      map[string][]string // family id -> token ids, insertion order

	// Registered clients
	clients map[string]*storage.Client

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	meter           metric.Meter

	// Atomic counters for metrics (lock-free access during metric collection)
	keysCountAtomic          atomic.Int64
	codesCountAtomic         atomic.Int64
	refreshTokensCountAtomic atomic.Int64
	familiesCountAtomic      atomic.Int64
	clientsCountAtomic       atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.SigningKeyStore   = (*Store)(nil)
	_ storage.FlowStore         = (*Store)(nil)
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.ClientStore       = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses the default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		signingKeys:     make(map[string]*storage.SigningKey),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		families:        make(map[string][]string),
		clients:         make(map[string]*storage.Client),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		s.meter = inst.Meter("storage")
	}

	// Initialize atomic counters with current counts
	s.keysCountAtomic.Store(int64(len(s.signingKeys)))
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.familiesCountAtomic.Store(int64(len(s.families)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.keysCountAtomic.Load() },
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.refreshTokensCountAtomic.Load() },
			func() int64 { return s.familiesCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// SigningKeyStore Implementation
// ============================================================

// SaveSigningKey inserts a new key row. Fails if the kid already exists.
func (s *Store) SaveSigningKey(ctx context.Context, key *storage.SigningKey) error {
	ctx, span := s.startStorageSpan(ctx, "save_signing_key")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_signing_key", err, startTime)
	}()

	if key == nil || key.Kid == "" {
		err = fmt.Errorf("signing key and kid cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.signingKeys[key.Kid]; exists {
		err = fmt.Errorf("%w: %s", storage.ErrKeyExists, key.Kid)
		return err
	}

	cp := *key
	s.signingKeys[key.Kid] = &cp
	if key.Status == storage.KeyStatusActive {
		s.activeKid = key.Kid
	}
	s.keysCountAtomic.Add(1)

	s.logger.Debug("Saved signing key", "kid", key.Kid, "status", key.Status)
	return nil
}

// GetActiveSigningKey returns the single active key, or ErrKeyNotFound.
func (s *Store) GetActiveSigningKey(ctx context.Context) (*storage.SigningKey, error) {
	ctx, span := s.startStorageSpan(ctx, "get_active_signing_key")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_active_signing_key", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.signingKeys[s.activeKid]
	if !ok || key.Status != storage.KeyStatusActive {
		err = storage.ErrKeyNotFound
		return nil, err
	}

	cp := *key
	return &cp, nil
}

// GetGraceSigningKeys returns all grace keys, most recently activated first.
func (s *Store) GetGraceSigningKeys(ctx context.Context) ([]*storage.SigningKey, error) {
	ctx, span := s.startStorageSpan(ctx, "get_grace_signing_keys")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_grace_signing_keys", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var graces []*storage.SigningKey
	for _, key := range s.signingKeys {
		if key.Status == storage.KeyStatusGrace {
			cp := *key
			graces = append(graces, &cp)
		}
	}

	sort.Slice(graces, func(i, j int) bool {
		return graces[i].ActivatedAt.After(graces[j].ActivatedAt)
	})

	return graces, nil
}

// AtomicRotateSigningKey performs the full rotation under a single lock hold:
// demote the current active key to grace, insert newKey as active, and retire
// all but the maxGrace most recently activated grace keys.
func (s *Store) AtomicRotateSigningKey(ctx context.Context, newKey *storage.SigningKey, maxGrace int) error {
	ctx, span := s.startStorageSpan(ctx, "atomic_rotate_signing_key")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "atomic_rotate_signing_key", err, startTime)
	}()

	if newKey == nil || newKey.Kid == "" {
		err = fmt.Errorf("signing key and kid cannot be empty")
		return err
	}
	if maxGrace < 0 {
		maxGrace = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.signingKeys[newKey.Kid]; exists {
		err = fmt.Errorf("%w: %s", storage.ErrKeyExists, newKey.Kid)
		return err
	}

	now := time.Now()

	// Demote current active key, keeping its activation timestamp so grace
	// trimming stays ordered by when each key was signing.
	if current, ok := s.signingKeys[s.activeKid]; ok && current.Status == storage.KeyStatusActive {
		current.Status = storage.KeyStatusGrace
	}

	cp := *newKey
	cp.Status = storage.KeyStatusActive
	if cp.ActivatedAt.IsZero() {
		cp.ActivatedAt = now
	}
	s.signingKeys[cp.Kid] = &cp
	s.activeKid = cp.Kid
	s.keysCountAtomic.Add(1)

	// Retire excess grace keys, oldest first
	var graces []*storage.SigningKey
	for _, key := range s.signingKeys {
		if key.Status == storage.KeyStatusGrace {
			graces = append(graces, key)
		}
	}
	sort.Slice(graces, func(i, j int) bool {
		return graces[i].ActivatedAt.Before(graces[j].ActivatedAt)
	})
	for len(graces) > maxGrace {
		graces[0].Status = storage.KeyStatusRetired
		graces[0].RetiredAt = now
		s.logger.Info("Retired signing key", "kid", graces[0].Kid)
		graces = graces[1:]
	}

	s.logger.Info("Rotated signing key", "new_kid", cp.Kid)
	return nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime)
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("authorization code cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.authCodes[code.Code]; !existed {
		s.codesCountAtomic.Add(1)
	}
	cp := *code
	s.authCodes[code.Code] = &cp

	s.logger.Debug("Saved authorization code", "client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code without mutating it.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "get_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_authorization_code", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.authCodes[code]
	if !ok {
		err = storage.ErrCodeNotFound
		return nil, err
	}

	cp := *row
	return &cp, nil
}

// AtomicCheckAndMarkCodeUsed checks and consumes a code under one lock hold
// so concurrent redemptions of the same code cannot both succeed.
func (s *Store) AtomicCheckAndMarkCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "atomic_check_and_mark_code_used")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "atomic_check_and_mark_code_used", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.authCodes[code]
	if !ok {
		err = storage.ErrCodeNotFound
		return nil, err
	}

	if row.Used {
		// Return the row so the caller can identify the subject for audit
		cp := *row
		err = storage.ErrCodeUsed
		return &cp, err
	}

	// Expiry is checked with clock-skew grace so instances with slightly
	// drifted clocks agree on validity.
	if security.IsExpired(row.ExpiresAt) {
		err = storage.ErrCodeExpired
		return nil, err
	}

	cp := *row
	row.Used = true
	row.UsedAt = time.Now()

	return &cp, nil
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken inserts a new refresh token row.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime)
	}()

	if token == nil || token.ID == "" || token.FamilyID == "" {
		err = fmt.Errorf("refresh token id and family id cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.saveRefreshTokenLocked(token)
	return err
}

// saveRefreshTokenLocked inserts a token row. Caller must hold s.mu.
func (s *Store) saveRefreshTokenLocked(token *storage.RefreshToken) error {
	if len(s.families[token.FamilyID]) >= maxFamilySize {
		return fmt.Errorf("refresh token family %s exceeds maximum size", token.FamilyID)
	}

	if _, existed := s.refreshTokens[token.ID]; !existed {
		s.refreshTokensCountAtomic.Add(1)
	}
	if _, existed := s.families[token.FamilyID]; !existed {
		s.familiesCountAtomic.Add(1)
	}

	cp := *token
	s.refreshTokens[token.ID] = &cp
	s.families[token.FamilyID] = append(s.families[token.FamilyID], token.ID)
	return nil
}

// GetRefreshToken retrieves a refresh token by id, any status.
func (s *Store) GetRefreshToken(ctx context.Context, id string) (*storage.RefreshToken, error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_refresh_token", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.refreshTokens[id]
	if !ok {
		err = storage.ErrRefreshTokenNotFound
		return nil, err
	}

	cp := *row
	return &cp, nil
}

// AtomicRotateRefreshToken verifies oldID is active and unexpired, marks it
// rotated, and inserts newToken, all under one lock hold. Concurrent
// rotations of the same old id cannot both succeed.
func (s *Store) AtomicRotateRefreshToken(ctx context.Context, oldID string, newToken *storage.RefreshToken) (*storage.RefreshToken, error) {
	ctx, span := s.startStorageSpan(ctx, "atomic_rotate_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "atomic_rotate_refresh_token", err, startTime)
	}()

	if newToken == nil || newToken.ID == "" {
		err = fmt.Errorf("new refresh token and id cannot be empty")
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.refreshTokens[oldID]
	if !ok {
		err = storage.ErrRefreshTokenNotFound
		return nil, err
	}

	// Terminal states are returned with the row so the caller can revoke
	// the family on reuse.
	switch row.Status {
	case storage.RefreshStatusRotated:
		cp := *row
		err = storage.ErrRefreshTokenRotated
		return &cp, err
	case storage.RefreshStatusRevoked:
		cp := *row
		err = storage.ErrRefreshTokenRevoked
		return &cp, err
	}

	if security.IsExpired(row.ExpiresAt) {
		err = storage.ErrRefreshTokenExpired
		return nil, err
	}

	old := *row
	row.Status = storage.RefreshStatusRotated
	row.RotatedAt = time.Now()

	if err = s.saveRefreshTokenLocked(newToken); err != nil {
		// Roll back the mark so the old token stays usable
		row.Status = storage.RefreshStatusActive
		row.RotatedAt = time.Time{}
		return nil, err
	}

	return &old, nil
}

// RevokeRefreshTokenFamily sets every token in the family to revoked,
// regardless of current status. Idempotent.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID, reason string) error {
	ctx, span := s.startStorageSpan(ctx, "revoke_refresh_token_family")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_refresh_token_family", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	revoked := 0
	for _, id := range s.families[familyID] {
		row, ok := s.refreshTokens[id]
		if !ok || row.Status == storage.RefreshStatusRevoked {
			continue
		}
		row.Status = storage.RefreshStatusRevoked
		row.RevokedAt = now
		row.RevokeReason = reason
		revoked++
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
	ctx, span := s.startStorageSpan(ctx, "list_refresh_token_family")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "list_refresh_token_family", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.families[familyID]
	tokens := make([]*storage.RefreshToken, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if row, ok := s.refreshTokens[ids[i]]; ok {
			cp := *row
			tokens = append(tokens, &cp)
		}
	}

	return tokens, nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("client and client id cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.clients[client.ClientID]; !existed {
		s.clientsCountAtomic.Add(1)
	}
	cp := *client
	s.clients[client.ClientID] = &cp

	s.logger.Debug("Saved client", "client_id", client.ClientID, "client_type", client.ClientType)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	cp := *row
	return &cp, nil
}

// ValidateClientSecret validates a client's secret against the stored bcrypt hash.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	ctx, span := s.startStorageSpan(ctx, "validate_client_secret")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "validate_client_secret", err, startTime)
	}()

	s.mu.RLock()
	row, ok := s.clients[clientID]
	var hash string
	if ok {
		hash = row.ClientSecretHash
	}
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return err
	}
	if hash == "" {
		err = fmt.Errorf("%w: client %s has no secret", storage.ErrInvalidClientSecret, clientID)
		return err
	}

	// bcrypt comparison outside the lock; it is deliberately slow
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(clientSecret)) != nil {
		err = storage.ErrInvalidClientSecret
		return err
	}

	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes expired authorization codes immediately and refresh token
// rows once their retention window has passed. Signing keys and clients are
// never cleaned up.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	codesRemoved := 0
	tokensRemoved := 0

	for code, row := range s.authCodes {
		if now.After(row.ExpiresAt) {
			delete(s.authCodes, code)
			s.codesCountAtomic.Add(-1)
			codesRemoved++
		}
	}

	for id, row := range s.refreshTokens {
		if now.Sub(row.ExpiresAt) > expiredTokenRetention {
			delete(s.refreshTokens, id)
			s.refreshTokensCountAtomic.Add(-1)
			tokensRemoved++
		}
	}

	// Drop family indexes whose tokens are all gone
	for familyID, ids := range s.families {
		remaining := ids[:0]
		for _, id := range ids {
			if _, ok := s.refreshTokens[id]; ok {
				remaining = append(remaining, id)
			}
		}
		if len(remaining) == 0 {
			delete(s.families, familyID)
			s.familiesCountAtomic.Add(-1)
		} else {
			s.families[familyID] = remaining
		}
	}

	if codesRemoved > 0 || tokensRemoved > 0 {
		s.logger.Debug("Cleaned up expired entries",
			"authorization_codes", codesRemoved,
			"refresh_tokens", tokensRemoved)
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

// startStorageSpan starts a span for a storage operation if tracing is enabled
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else {
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
