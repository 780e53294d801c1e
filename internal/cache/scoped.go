package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nulpointcorp/ai-gateway/internal/router"
	"github.com/nulpointcorp/ai-gateway/internal/store"
)

const (
	DefaultSessionTTL = time.Hour
	DefaultContentTTL = 24 * time.Hour

	// systemBackendTTL is the hot-path backend's TTL for system entries.
	// Real permanence comes from the persisted mirror in CacheEntry and
	// Warmup reloading it; MemoryCache/ExactCache have no "forever" TTL.
	systemBackendTTL = 24 * 365 * 10 * time.Hour
)

const (
	systemPrefix  = "sys:"
	sessionPrefix = "sess:"
	contentPrefix = "content:"
)

// ErrForbidden is returned when a raw-key lookup's embedded owner does not
// match the caller's user id.
var ErrForbidden = errors.New("cache: key does not belong to caller")

// ScopedStore layers the system/session/content scope semantics over a
// plain Backend. It key-prefixes by scope, persists system-scope entries
// for restart durability, and tracks session keys per user so a logout
// signal can evict them without requiring the backend to support key
// enumeration.
type ScopedStore struct {
	backend    Cache
	db         *gorm.DB
	exclusions *ExclusionList

	freeTierPlans map[router.Plan]bool

	mu          sync.Mutex
	sessionKeys map[uint64]map[string]struct{}
}

// NewScopedStore builds a ScopedStore. db may be nil, in which case system
// entries are not persisted and do not survive a backend restart —
// degraded but functional, matching the rest of this package's
// graceful-degradation stance.
func NewScopedStore(backend Cache, db *gorm.DB, exclusions *ExclusionList, freeTierPlans ...router.Plan) *ScopedStore {
	free := make(map[router.Plan]bool, len(freeTierPlans))
	for _, p := range freeTierPlans {
		free[p] = true
	}
	return &ScopedStore{
		backend:       backend,
		db:            db,
		exclusions:    exclusions,
		freeTierPlans: free,
		sessionKeys:   make(map[uint64]map[string]struct{}),
	}
}

// ContentKey derives the content-scope cache key from the canonicalized
// request inputs.
func ContentKey(task, model, prompt, systemPrompt string, temperature float64, maxTokens int, imageDigest string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x1f%s\x1f%s\x1f%s\x1f%g\x1f%d\x1f%s",
		task, model, prompt, systemPrompt, temperature, maxTokens, imageDigest)
	return hex.EncodeToString(h.Sum(nil))
}

// Bypass reports whether a call should skip the cache entirely: either the
// plan is configured as a free-tier (always-live) plan, or the model is on
// the exclusion list.
func (s *ScopedStore) Bypass(plan router.Plan, model string) bool {
	if s.freeTierPlans[plan] {
		return true
	}
	return s.exclusions.Matches(model)
}

func systemKeyOf(key string) string  { return systemPrefix + key }
func contentKeyOf(key string) string { return contentPrefix + key }
func sessionKeyOf(userID uint64, key string) string {
	return sessionPrefix + strconv.FormatUint(userID, 10) + ":" + key
}

// Get looks up key under scope. For ScopeSession, userID is required and
// forms part of the underlying key, so a caller can only ever reach their
// own session namespace.
func (s *ScopedStore) Get(ctx context.Context, scope store.CacheScope, userID uint64, key string) ([]byte, bool, error) {
	switch scope {
	case store.ScopeSystem:
		return s.getSystem(ctx, systemKeyOf(key))
	case store.ScopeSession:
		if userID == 0 {
			return nil, false, fmt.Errorf("cache: session scope requires a user id")
		}
		v, ok := s.backend.Get(ctx, sessionKeyOf(userID, key))
		return v, ok, nil
	case store.ScopeContent:
		prefixed := contentKeyOf(key)
		v, ok := s.backend.Get(ctx, prefixed)
		if ok {
			s.bumpHit(ctx, prefixed)
		}
		return v, ok, nil
	default:
		return nil, false, fmt.Errorf("cache: unknown scope %q", scope)
	}
}

// Set stores value under scope. ttl <= 0 applies the scope's default
// (DefaultSessionTTL / DefaultContentTTL); system entries always use the
// long-lived backend TTL and are additionally persisted.
func (s *ScopedStore) Set(ctx context.Context, scope store.CacheScope, userID uint64, key string, value []byte, ttl time.Duration) error {
	switch scope {
	case store.ScopeSystem:
		prefixed := systemKeyOf(key)
		if err := s.backend.Set(ctx, prefixed, value, systemBackendTTL); err != nil {
			return err
		}
		s.persistEntry(ctx, prefixed, store.ScopeSystem, value, 0)
		return nil
	case store.ScopeSession:
		if userID == 0 {
			return fmt.Errorf("cache: session scope requires a user id")
		}
		if ttl <= 0 {
			ttl = DefaultSessionTTL
		}
		prefixed := sessionKeyOf(userID, key)
		if err := s.backend.Set(ctx, prefixed, value, ttl); err != nil {
			return err
		}
		s.trackSessionKey(userID, prefixed)
		return nil
	case store.ScopeContent:
		if ttl <= 0 {
			ttl = DefaultContentTTL
		}
		prefixed := contentKeyOf(key)
		if err := s.backend.Set(ctx, prefixed, value, ttl); err != nil {
			return err
		}
		s.persistEntry(ctx, prefixed, store.ScopeContent, value, ttl)
		return nil
	default:
		return fmt.Errorf("cache: unknown scope %q", scope)
	}
}

// LookupForGenerate implements the facade's content → session → system
// cascade. Any of the three keys may be empty, in which case that scope is
// skipped.
func (s *ScopedStore) LookupForGenerate(ctx context.Context, userID uint64, contentKey, sessionKey, systemKey string) ([]byte, store.CacheScope, bool, error) {
	if contentKey != "" {
		if v, ok, err := s.Get(ctx, store.ScopeContent, userID, contentKey); err != nil {
			return nil, "", false, err
		} else if ok {
			return v, store.ScopeContent, true, nil
		}
	}
	if sessionKey != "" {
		if v, ok, err := s.Get(ctx, store.ScopeSession, userID, sessionKey); err != nil {
			return nil, "", false, err
		} else if ok {
			return v, store.ScopeSession, true, nil
		}
	}
	if systemKey != "" {
		if v, ok, err := s.Get(ctx, store.ScopeSystem, userID, systemKey); err != nil {
			return nil, "", false, err
		} else if ok {
			return v, store.ScopeSystem, true, nil
		}
	}
	return nil, "", false, nil
}

// GetRaw looks up an already-prefixed key, enforcing that a session-scoped
// key's embedded owner matches callerUserID. Intended for admin/debug
// surfaces that operate on raw keys rather than (scope, key) pairs.
func (s *ScopedStore) GetRaw(ctx context.Context, rawKey string, callerUserID uint64) ([]byte, bool, error) {
	if strings.HasPrefix(rawKey, sessionPrefix) {
		rest := strings.TrimPrefix(rawKey, sessionPrefix)
		parts := strings.SplitN(rest, ":", 2)
		owner, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil || owner != callerUserID {
			return nil, false, ErrForbidden
		}
	}
	v, ok := s.backend.Get(ctx, rawKey)
	return v, ok, nil
}

// DeleteSession evicts every session-scope entry tracked for userID, per
// the logout-signal eviction invariant.
func (s *ScopedStore) DeleteSession(ctx context.Context, userID uint64) error {
	s.mu.Lock()
	keys := s.sessionKeys[userID]
	delete(s.sessionKeys, userID)
	s.mu.Unlock()

	var firstErr error
	for k := range keys {
		if err := s.backend.Delete(ctx, k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Warmup reloads every persisted system-scope entry into the hot-path
// backend. Call once at process startup.
func (s *ScopedStore) Warmup(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	var rows []store.CacheEntry
	if err := s.db.WithContext(ctx).Where("scope = ?", store.ScopeSystem).Find(&rows).Error; err != nil {
		return fmt.Errorf("cache: warmup query: %w", err)
	}
	for _, row := range rows {
		if err := s.backend.Set(ctx, row.CacheKey, row.Payload, systemBackendTTL); err != nil {
			slog.WarnContext(ctx, "cache_warmup_set_failed", slog.String("key", row.CacheKey), slog.String("error", err.Error()))
		}
	}
	return nil
}

func (s *ScopedStore) getSystem(ctx context.Context, prefixed string) ([]byte, bool, error) {
	if v, ok := s.backend.Get(ctx, prefixed); ok {
		s.bumpHit(ctx, prefixed)
		return v, true, nil
	}
	if s.db == nil {
		return nil, false, nil
	}

	var row store.CacheEntry
	err := s.db.WithContext(ctx).Where("cache_key = ? AND scope = ?", prefixed, store.ScopeSystem).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	if err := s.backend.Set(ctx, prefixed, row.Payload, systemBackendTTL); err != nil {
		slog.WarnContext(ctx, "cache_system_reload_failed", slog.String("key", prefixed), slog.String("error", err.Error()))
	}
	s.bumpHit(ctx, prefixed)
	return row.Payload, true, nil
}

// persistEntry upserts the CacheEntry mirror for prefixed. ttl <= 0 means no
// expiry (system entries); content/session entries record ExpiresAt so an
// admin surface can tell a stale row from a live one even though expiry
// itself is enforced by the backend, not here.
func (s *ScopedStore) persistEntry(ctx context.Context, prefixed string, scope store.CacheScope, value []byte, ttl time.Duration) {
	if s.db == nil {
		return
	}
	row := store.CacheEntry{
		CacheKey:  prefixed,
		Scope:     scope,
		Payload:   value,
		CreatedAt: time.Now(),
	}
	if ttl > 0 {
		expiresAt := time.Now().Add(ttl)
		row.ExpiresAt = &expiresAt
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "created_at", "expires_at"}),
	}).Create(&row).Error
	if err != nil {
		slog.WarnContext(ctx, "cache_entry_persist_failed", slog.String("key", prefixed), slog.String("error", err.Error()))
	}
}

func (s *ScopedStore) bumpHit(ctx context.Context, prefixed string) {
	if s.db == nil {
		return
	}
	err := s.db.WithContext(ctx).Model(&store.CacheEntry{}).
		Where("cache_key = ?", prefixed).
		UpdateColumn("hit_count", gorm.Expr("hit_count + 1")).Error
	if err != nil {
		slog.WarnContext(ctx, "cache_hit_counter_failed", slog.String("key", prefixed), slog.String("error", err.Error()))
	}
}

func (s *ScopedStore) trackSessionKey(userID uint64, prefixed string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sessionKeys[userID]
	if !ok {
		set = make(map[string]struct{})
		s.sessionKeys[userID] = set
	}
	set[prefixed] = struct{}{}
}
