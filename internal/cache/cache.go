// Package cache holds the rule set read-through cache.
//
// Entries are keyed by (scope, scope id, entity type) and dropped either by
// TTL or by explicit invalidation from admin operations. Concurrent misses
// for one key share a single load. An invalidation that lands while a load
// is in flight wins: the stale result is returned to its callers but never
// stored.
//
// A shared load runs with the first caller's context and loader. When that
// context ends early, callers whose own context is still live load again
// with their own loader instead of failing with the leader's error.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zephix/governance/internal/core/metrics"
	"github.com/zephix/governance/internal/types"
)

// Key identifies one scope target and entity type.
type Key struct {
	Scope      types.Scope `json:"scope"`
	ScopeID    string      `json:"scope_id,omitempty"`
	EntityType string      `json:"entity_type"`
}

// KeyFor returns the key a rule set is cached under.
func KeyFor(rs *types.RuleSet) Key {
	return Key{Scope: rs.Scope, ScopeID: rs.ScopeID(), EntityType: rs.EntityType}
}

func (k Key) String() string {
	return string(k.Scope) + "|" + k.ScopeID + "|" + k.EntityType
}

// Loader fetches the active rule sets for a key on a miss.
type Loader func(ctx context.Context) ([]types.RuleSet, error)

// Config contains configuration for the cache.
type Config struct {
	// Enabled turns caching on. Disabled caches call the loader every time.
	// Default: true
	Enabled bool

	// TTL bounds how long an entry is served without invalidation.
	// Default: 30 seconds
	TTL time.Duration
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		TTL:     30 * time.Second,
	}
}

type entry struct {
	sets    []types.RuleSet
	expires time.Time
}

// Option configures a RuleSetCache.
type Option func(*RuleSetCache)

// WithMetrics counts hits, misses and invalidations in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *RuleSetCache) { c.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *RuleSetCache) { c.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *RuleSetCache) { c.now = now }
}

// RuleSetCache is a TTL'd read-through cache of active rule sets.
// Returned slices are shared and must not be modified.
type RuleSetCache struct {
	config  *Config
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[Key]entry
	// generation advances on every invalidation; loads started under an
	// older generation are not stored.
	generation uint64
}

// New creates a cache.
func New(config *Config, opts ...Option) *RuleSetCache {
	if config == nil {
		config = DefaultConfig()
	}
	c := &RuleSetCache{
		config:  config,
		logger:  slog.Default(),
		now:     time.Now,
		entries: make(map[Key]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "cache")
	return c
}

// Get returns the cached sets for key, calling load on a miss.
func (c *RuleSetCache) Get(ctx context.Context, key Key, load Loader) ([]types.RuleSet, error) {
	if !c.config.Enabled {
		return load(ctx)
	}

	c.mu.RLock()
	e, ok := c.entries[key]
	gen := c.generation
	c.mu.RUnlock()

	if ok && c.now().Before(e.expires) {
		c.metrics.CacheEvent(metrics.CacheHit)
		return e.sets, nil
	}
	c.metrics.CacheEvent(metrics.CacheMiss)

	v, err, shared := c.group.Do(key.String(), func() (any, error) {
		return c.fill(ctx, key, gen, load)
	})
	if err != nil && shared && leaderGone(err) && ctx.Err() == nil {
		c.logger.Debug("shared load cancelled, loading again", "key", key.String())
		v, err = c.fill(ctx, key, gen, load)
	}
	if err != nil {
		return nil, err
	}
	return v.([]types.RuleSet), nil
}

// fill runs load and stores the result unless an invalidation happened
// since gen was read.
func (c *RuleSetCache) fill(ctx context.Context, key Key, gen uint64, load Loader) (any, error) {
	sets, err := load(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.generation == gen {
		c.entries[key] = entry{sets: sets, expires: c.now().Add(c.config.TTL)}
	}
	c.mu.Unlock()
	return sets, nil
}

func leaderGone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Invalidate drops the given keys.
func (c *RuleSetCache) Invalidate(keys ...Key) {
	c.mu.Lock()
	c.generation++
	for _, k := range keys {
		delete(c.entries, k)
		c.group.Forget(k.String())
	}
	c.mu.Unlock()

	for _, k := range keys {
		c.metrics.CacheEvent(metrics.CacheInvalidate)
		c.logger.Debug("cache entry invalidated", "key", k.String())
	}
}

// InvalidateAll drops every entry.
func (c *RuleSetCache) InvalidateAll() {
	c.mu.Lock()
	c.generation++
	for k := range c.entries {
		c.group.Forget(k.String())
	}
	c.entries = make(map[Key]entry)
	c.mu.Unlock()

	c.metrics.CacheEvent(metrics.CacheInvalidate)
	c.logger.Debug("cache flushed")
}

// Len reports the number of stored entries, expired ones included.
func (c *RuleSetCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
