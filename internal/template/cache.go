// Package template fetches, caches and renders notification templates.
package template

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/postal/internal/db"
	"github.com/lalithlochan/postal/internal/redis"
)

const (
	// DefaultCacheTTL is how long a fetched template is served without refetching.
	DefaultCacheTTL = 5 * time.Minute

	// StaleRetention is how long an entry survives in Redis after it was
	// fetched. Entries older than the TTL are only served while the store
	// breaker is open.
	StaleRetention = 24 * time.Hour

	cacheKeyPrefix = "template:"
)

// Backend is the shared key/value store behind the cache. *redis.Client
// implements it.
type Backend interface {
	GetJSON(ctx context.Context, key string, dst any) error
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

type cacheEntry struct {
	Template  *db.Template `json:"template"`
	FetchedAt time.Time    `json:"fetched_at"`
}

// Cache is a TTL cache of templates keyed by template code, kept in Redis so
// every gateway and worker sees the same entries. Expired entries are kept
// until StaleRetention so they can be served when the store is down.
type Cache struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewCache creates a cache. A non-positive ttl falls back to DefaultCacheTTL.
func NewCache(backend Backend, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		backend: backend,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
	}
}

func cacheKey(code string) string {
	return cacheKeyPrefix + code
}

// Get returns the template only if it was fetched within the TTL.
func (c *Cache) Get(ctx context.Context, code string) (*db.Template, bool) {
	e, ok := c.load(ctx, code)
	if !ok || c.now().Sub(e.FetchedAt) >= c.ttl {
		return nil, false
	}
	return e.Template, true
}

// GetStale returns the cached template regardless of age.
func (c *Cache) GetStale(ctx context.Context, code string) (*db.Template, bool) {
	e, ok := c.load(ctx, code)
	if !ok {
		return nil, false
	}
	return e.Template, true
}

// Set stores a freshly fetched template. Write failures are logged; the
// caller already holds the template.
func (c *Cache) Set(ctx context.Context, code string, t *db.Template) {
	e := cacheEntry{Template: t, FetchedAt: c.now()}
	if err := c.backend.SetJSON(ctx, cacheKey(code), e, StaleRetention); err != nil {
		c.logger.Warn("failed to cache template",
			zap.String("template_code", code),
			zap.Error(err),
		)
	}
}

// Invalidate drops the entries for codes, fresh or stale.
func (c *Cache) Invalidate(ctx context.Context, codes ...string) error {
	keys := make([]string, 0, len(codes))
	for _, code := range codes {
		keys = append(keys, cacheKey(code))
	}
	return c.backend.Delete(ctx, keys...)
}

// Clear drops every template entry.
func (c *Cache) Clear(ctx context.Context) error {
	n, err := c.backend.DeletePrefix(ctx, cacheKeyPrefix)
	if err != nil {
		return err
	}
	c.logger.Info("template cache cleared", zap.Int("entries", n))
	return nil
}

func (c *Cache) load(ctx context.Context, code string) (cacheEntry, bool) {
	var e cacheEntry
	err := c.backend.GetJSON(ctx, cacheKey(code), &e)
	if errors.Is(err, redis.ErrCacheMiss) {
		return cacheEntry{}, false
	}
	if err != nil {
		c.logger.Warn("template cache read failed",
			zap.String("template_code", code),
			zap.Error(err),
		)
		return cacheEntry{}, false
	}
	if e.Template == nil {
		return cacheEntry{}, false
	}
	return e, true
}
