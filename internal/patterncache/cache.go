// Package patterncache caches high-confidence generation results in Redis,
// keyed by a fingerprint of the normalized request. A hit skips the LLM call
// entirely for the matching task.
package patterncache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/capsuleforge/orchestrator/internal/circuitbreaker"
	"github.com/capsuleforge/orchestrator/internal/metrics"
	"github.com/capsuleforge/orchestrator/internal/models"
)

// MinConfidence gates what enters the cache. Results below it are never
// stored, regardless of TTL.
const MinConfidence = 0.8

// Cache is the Redis-backed pattern cache. All operations degrade to a miss
// on Redis failure; the cache never makes a workflow fail.
type Cache struct {
	redis  *circuitbreaker.RedisWrapper
	ttl    time.Duration
	logger *zap.Logger

	hits    atomic.Int64
	misses  atomic.Int64
	rejects atomic.Int64
}

// New creates a cache with the given TTL around an existing Redis client.
func New(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{
		redis:  circuitbreaker.NewRedisWrapper(client, logger),
		ttl:    ttl,
		logger: logger,
	}
}

// Fingerprint derives the cache key material from the normalized task
// description, the strategy and the sorted requirement list. Two requests
// that differ only in requirement order share a fingerprint.
func Fingerprint(description, strategy string, requirements []string) string {
	reqs := append([]string(nil), requirements...)
	for i := range reqs {
		reqs[i] = strings.ToLower(strings.TrimSpace(reqs[i]))
	}
	sort.Strings(reqs)

	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(description))))
	h.Write([]byte{0})
	h.Write([]byte(strategy))
	h.Write([]byte{0})
	for _, r := range reqs {
		h.Write([]byte(r))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func key(tenantID, fingerprint string) string {
	return fmt.Sprintf("pattern:%s:%s", tenantID, fingerprint)
}

// Get returns the cached result for a fingerprint, or nil on miss. A hit
// refreshes the TTL so frequently reused patterns stay warm.
func (c *Cache) Get(ctx context.Context, tenantID, fingerprint string) (*models.GenerationResult, error) {
	k := key(tenantID, fingerprint)
	cmd := c.redis.Get(ctx, k)
	if err := cmd.Err(); err != nil {
		c.misses.Add(1)
		metrics.PatternCacheMisses.Inc()
		if err == redis.Nil {
			return nil, nil
		}
		c.logger.Warn("Pattern cache read failed", zap.String("key", k), zap.Error(err))
		return nil, nil
	}

	var result models.GenerationResult
	if err := json.Unmarshal([]byte(cmd.Val()), &result); err != nil {
		c.misses.Add(1)
		metrics.PatternCacheMisses.Inc()
		c.logger.Warn("Pattern cache entry corrupt, evicting", zap.String("key", k), zap.Error(err))
		c.redis.Del(ctx, k)
		return nil, nil
	}

	c.hits.Add(1)
	metrics.PatternCacheHits.Inc()
	c.redis.Expire(ctx, k, c.ttl)
	return &result, nil
}

// Put stores a result if it clears the confidence gate. Returns true when
// the entry was admitted.
func (c *Cache) Put(ctx context.Context, tenantID, fingerprint string, result *models.GenerationResult) (bool, error) {
	if result == nil {
		return false, nil
	}
	if result.Confidence < MinConfidence {
		c.rejects.Add(1)
		metrics.PatternCacheRejects.Inc()
		return false, nil
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal cache entry: %w", err)
	}
	k := key(tenantID, fingerprint)
	if err := c.redis.Set(ctx, k, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("Pattern cache write failed", zap.String("key", k), zap.Error(err))
		return false, nil
	}
	return true, nil
}

// Invalidate removes an entry, used when a cached pattern later fails
// validation.
func (c *Cache) Invalidate(ctx context.Context, tenantID, fingerprint string) {
	c.redis.Del(ctx, key(tenantID, fingerprint))
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Rejects int64   `json:"rejects"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns counters since process start.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	s := Stats{Hits: hits, Misses: misses, Rejects: c.rejects.Load()}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}
