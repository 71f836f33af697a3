// Package fieldcache caches CRM field metadata per module.
//
// Lookups go to process memory first, then an optional shared Redis tier,
// then the CRM itself. A Redis outage only costs a CRM round trip.
package fieldcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long fetched metadata is trusted.
const DefaultTTL = time.Hour

const keyPrefix = "syncpipe:fields:"

// FieldSource fetches authoritative metadata, normally *crm.Client.
type FieldSource interface {
	GetFields(ctx context.Context, module string) ([]models.FieldMetadata, error)
}

type entry struct {
	fields    []models.FieldMetadata
	fetchedAt time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithRedis enables the shared Redis tier.
func WithRedis(rdb *redis.Client) Option {
	return func(c *Cache) { c.rdb = rdb }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// Cache holds field metadata by module.
type Cache struct {
	mu     sync.RWMutex
	source FieldSource
	mem    map[string]entry
	rdb    *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// New creates a Cache backed by source.
func New(source FieldSource, opts ...Option) *Cache {
	c := &Cache{
		source: source,
		mem:    make(map[string]entry),
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewRedisClient connects to the Redis server at url and verifies it answers.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func redisKey(module string) string {
	return keyPrefix + module
}

// GetCachedFields returns the metadata of module from the fastest tier that
// has a fresh copy.
func (c *Cache) GetCachedFields(ctx context.Context, module string) ([]models.FieldMetadata, error) {
	c.mu.RLock()
	e, ok := c.mem[module]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.fetchedAt) < c.ttl {
		return e.fields, nil
	}

	if fields, ok := c.readRedis(ctx, module); ok {
		c.store(module, fields)
		return fields, nil
	}
	return c.fetch(ctx, module)
}

// ForceRefresh drops both tiers and re-fetches every module seen so far.
func (c *Cache) ForceRefresh(ctx context.Context) error {
	c.mu.Lock()
	modules := make([]string, 0, len(c.mem))
	for m := range c.mem {
		modules = append(modules, m)
	}
	c.mem = make(map[string]entry)
	c.mu.Unlock()
	sort.Strings(modules)

	if c.rdb != nil && len(modules) > 0 {
		keys := make([]string, len(modules))
		for i, m := range modules {
			keys[i] = redisKey(m)
		}
		if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
			slog.Warn("Cache.ForceRefresh: failed to clear redis tier", "error", err)
		}
	}

	var errs []error
	for _, m := range modules {
		if _, err := c.fetch(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	slog.Info("Cache.ForceRefresh: field metadata reloaded", "modules", len(modules), "errors", len(errs))
	return errors.Join(errs...)
}

// Modules lists the modules currently held in memory.
func (c *Cache) Modules() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	modules := make([]string, 0, len(c.mem))
	for m := range c.mem {
		modules = append(modules, m)
	}
	sort.Strings(modules)
	return modules
}

func (c *Cache) fetch(ctx context.Context, module string) ([]models.FieldMetadata, error) {
	if c.source == nil {
		return nil, fmt.Errorf("no field metadata source for module %s", module)
	}
	fields, err := c.source.GetFields(ctx, module)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch field metadata for %s: %w", module, err)
	}
	c.store(module, fields)
	c.writeRedis(ctx, module, fields)
	slog.Debug("Cache.fetch: field metadata loaded", "module", module, "fields", len(fields))
	return fields, nil
}

func (c *Cache) store(module string, fields []models.FieldMetadata) {
	c.mu.Lock()
	c.mem[module] = entry{fields: fields, fetchedAt: c.now()}
	c.mu.Unlock()
}

func (c *Cache) readRedis(ctx context.Context, module string) ([]models.FieldMetadata, bool) {
	if c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, redisKey(module)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("Cache.readRedis: redis get failed", "module", module, "error", err)
		}
		return nil, false
	}
	var fields []models.FieldMetadata
	if err := json.Unmarshal(raw, &fields); err != nil {
		slog.Warn("Cache.readRedis: discarding corrupt entry", "module", module, "error", err)
		return nil, false
	}
	return fields, true
}

func (c *Cache) writeRedis(ctx context.Context, module string, fields []models.FieldMetadata) {
	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, redisKey(module), raw, c.ttl).Err(); err != nil {
		slog.Warn("Cache.writeRedis: redis set failed", "module", module, "error", err)
	}
}
