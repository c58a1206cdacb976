package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RuleStore returns a tenant's active rule set in stored order.
type RuleStore interface {
	ActiveRules(ctx context.Context, tenantID string) ([]Rule, error)
}

// CacheObserver receives cache lookup outcomes ("hit", "miss", "error").
type CacheObserver func(result string)

type cacheEntry struct {
	rules     []Rule
	expiresAt time.Time
}

// Cache holds per-tenant, priority-sorted rule lists for a TTL.
// Entries are replaced whole; a slice handed to a caller is never mutated.
type Cache struct {
	store   RuleStore
	ttl     time.Duration
	logger  zerolog.Logger
	observe CacheObserver
	now     func() time.Time
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewCache(store RuleStore, ttl time.Duration, logger zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{
		store:   store,
		ttl:     ttl,
		logger:  logger.With().Str("component", "policy_cache").Logger(),
		observe: func(string) {},
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// OnLookup installs an observer for lookup outcomes.
func (c *Cache) OnLookup(fn CacheObserver) {
	if fn != nil {
		c.observe = fn
	}
}

// Get returns the tenant's ordered rules, reloading from the store when the entry expired.
// A reload failure is returned to the caller; an empty rule set is never substituted.
func (c *Cache) Get(ctx context.Context, tenantID string) ([]Rule, error) {
	now := c.now()
	c.mu.RLock()
	entry, ok := c.entries[tenantID]
	c.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		c.observe("hit")
		return entry.rules, nil
	}

	// Concurrent misses for one tenant may both reload; the last write wins and both are equivalent.
	rules, err := c.store.ActiveRules(ctx, tenantID)
	if err != nil {
		c.observe("error")
		c.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("rule reload failed")
		return nil, fmt.Errorf("load rules for tenant %s: %w", tenantID, err)
	}
	sorted := SortByPriority(rules)

	c.mu.Lock()
	c.entries[tenantID] = cacheEntry{rules: sorted, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()

	c.observe("miss")
	c.logger.Debug().Str("tenant_id", tenantID).Int("rules", len(sorted)).Msg("rules reloaded")
	return sorted, nil
}

// Invalidate drops the tenant's entry so the next Get reloads.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.mu.Unlock()
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
