package probe

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vegann/dataset-tools/pkg/config"
	"github.com/vegann/dataset-tools/pkg/metrics"
	pkgredis "github.com/vegann/dataset-tools/pkg/redis"
)

const keyPrefix = "probe:"

// Store is the subset of the Redis client used by the cache.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// CachedProber memoizes dimensions keyed by path, size and modification
// time, so an edited image is probed again. Probe errors are never cached.
type CachedProber struct {
	next    Prober
	store   Store
	ttl     time.Duration
	metrics *metrics.Metrics
	group   singleflight.Group
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewCached wraps next with a cache backed by store. m may be nil.
func NewCached(next Prober, store Store, ttl time.Duration, m *metrics.Metrics) *CachedProber {
	return &CachedProber{
		next:    next,
		store:   store,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "probe-cache"),
	}
}

func (c *CachedProber) Probe(ctx context.Context, path string) (Dimensions, error) {
	info, err := os.Stat(path)
	if err != nil {
		return c.next.Probe(ctx, path)
	}
	key := buildKey(path, info.Size(), info.ModTime())
	if dims, ok := c.get(ctx, key); ok {
		return dims, nil
	}
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		if dims, ok := c.get(ctx, key); ok {
			return dims, nil
		}
		dims, err := c.next.Probe(ctx, path)
		if err != nil {
			return nil, err
		}
		c.set(ctx, key, dims)
		return dims, nil
	})
	if err != nil {
		return Dimensions{}, err
	}
	return val.(Dimensions), nil
}

// Stats returns the hit and miss counts since creation.
func (c *CachedProber) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *CachedProber) get(ctx context.Context, key string) (Dimensions, bool) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.miss()
		return Dimensions{}, false
	}
	var dims Dimensions
	if err := json.Unmarshal([]byte(data), &dims); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.miss()
		return Dimensions{}, false
	}
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.ProbeCacheHitsTotal.Inc()
	}
	return dims, true
}

func (c *CachedProber) set(ctx context.Context, key string, dims Dimensions) {
	data, err := json.Marshal(dims)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

func (c *CachedProber) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.ProbeCacheMissesTotal.Inc()
	}
}

func buildKey(path string, size int64, mod time.Time) string {
	raw := fmt.Sprintf("%s|%d|%d", path, size, mod.UnixNano())
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}

// Open returns the prober configured by cfg: the header decoder, wrapped in
// the Redis cache when probe.cache is set and Redis answers. The returned
// func releases the connection.
func Open(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (Prober, func()) {
	if !cfg.Probe.Cache {
		return Decoder{}, func() {}
	}
	client, err := pkgredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Default().With("component", "probe-cache").Warn("redis unavailable, probing without cache", "error", err)
		return Decoder{}, func() {}
	}
	return NewCached(Decoder{}, client, cfg.Redis.CacheTTL, m), func() { client.Close() }
}

// Purge removes every cached probe result from Redis and returns how many
// entries were dropped.
func Purge(ctx context.Context, cfg config.RedisConfig) (int64, error) {
	client, err := pkgredis.NewClient(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer client.Close()
	return client.FlushByPattern(ctx, keyPrefix+"*")
}
