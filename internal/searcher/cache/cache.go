// Package cache memoises query results in Redis. Entries are keyed by a
// generation number that advances whenever the index changes, so a result
// is never served across an ingest or merge.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/searcher/executor"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/searcher/parser"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/resilience"
)

const (
	entryPrefix   = "segindex:q:"
	generationKey = "segindex:generation"
)

// Store is the subset of pkg/redis.Client the cache needs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	GetInt64(ctx context.Context, key string) (int64, error)
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

type QueryCache struct {
	store      Store
	ttl        time.Duration
	generation atomic.Int64
	group      singleflight.Group
	breaker    *resilience.Breaker
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New returns a cache seeded with the generation stored in Redis, so
// replicas sharing one Redis agree on which entries are current.
func New(ctx context.Context, store Store, ttl time.Duration, m *metrics.Metrics) (*QueryCache, error) {
	if m == nil {
		m = metrics.NewNop()
	}
	c := &QueryCache{
		store:   store,
		ttl:     ttl,
		metrics: m,
		breaker: resilience.NewBreaker("query-cache", resilience.BreakerConfig{}),
		logger:  slog.Default().With("component", "query-cache"),
	}
	gen, err := store.GetInt64(ctx, generationKey)
	if err != nil {
		return nil, fmt.Errorf("reading cache generation: %w", err)
	}
	c.generation.Store(gen)
	return c, nil
}

// Generation is the current cache generation.
func (c *QueryCache) Generation() int64 {
	return c.generation.Load()
}

func (c *QueryCache) get(ctx context.Context, key string) (*executor.SearchResult, bool) {
	var data []byte
	var ok bool
	err := c.breaker.Do(func() (err error) {
		data, ok, err = c.store.Get(ctx, key)
		return err
	})
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var result executor.SearchResult
	if err := json.Unmarshal(data, &result); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		return nil, false
	}
	return &result, true
}

func (c *QueryCache) set(ctx context.Context, key string, result *executor.SearchResult) {
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	err = c.breaker.Do(func() error {
		return c.store.Set(ctx, key, data, c.ttl)
	})
	if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached result for query, or runs compute once
// for all concurrent callers asking the same question. The bool reports a
// cache hit. Cache failures degrade to computing the result.
func (c *QueryCache) GetOrCompute(
	ctx context.Context,
	query string,
	compute func(ctx context.Context) (*executor.SearchResult, error),
) (*executor.SearchResult, bool, error) {
	key := c.buildKey(query)
	if result, ok := c.get(ctx, key); ok {
		c.metrics.CacheHitsTotal.Inc()
		return withQuery(result, query), true, nil
	}
	c.metrics.CacheMissesTotal.Inc()

	val, err, _ := c.group.Do(key, func() (any, error) {
		if result, ok := c.get(ctx, key); ok {
			return result, nil
		}
		result, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.set(ctx, key, result)
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return withQuery(val.(*executor.SearchResult), query), false, nil
}

// Invalidate advances the generation and drops stale entries. Entries of
// older generations are unreachable even if the flush fails.
func (c *QueryCache) Invalidate(ctx context.Context) error {
	gen, err := c.store.Incr(ctx, generationKey)
	if err != nil {
		c.generation.Add(1)
		return fmt.Errorf("advancing cache generation: %w", err)
	}
	c.generation.Store(gen)
	deleted, err := c.store.FlushByPattern(ctx, entryPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Debug("cache invalidated", "generation", gen, "keys_deleted", deleted)
	return nil
}

// OnIndexChange adapts Invalidate to the engine's change hook.
func (c *QueryCache) OnIndexChange(ctx context.Context) {
	if err := c.Invalidate(ctx); err != nil {
		c.logger.Warn("cache invalidation failed", "error", err)
	}
}

// buildKey hashes the sorted term set, so queries differing only in case,
// spacing or term order share an entry.
func (c *QueryCache) buildKey(query string) string {
	normalized := parser.Parse(query).Normalized()
	hash := sha256.Sum256([]byte(normalized))
	return entryPrefix + strconv.FormatInt(c.generation.Load(), 10) + ":" + fmt.Sprintf("%x", hash[:16])
}

func withQuery(r *executor.SearchResult, query string) *executor.SearchResult {
	out := *r
	out.Query = query
	return &out
}
