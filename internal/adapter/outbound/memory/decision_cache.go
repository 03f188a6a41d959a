// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sark-gateway/sark/internal/domain/decision"
	"github.com/sark-gateway/sark/internal/domain/policy"
)

// cacheShards spreads cache keys over independent locks so reads stay
// sub-millisecond under contention.
const cacheShards = 32

type cacheEntry struct {
	decision policy.Decision
	expires  time.Time
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// SweeperMetrics receives sweeper observations.
type SweeperMetrics interface {
	ObserveSweep(removed int, duration time.Duration, err error)
}

// DecisionCache implements decision.Cache with sharded maps and a periodic
// background sweeper.
type DecisionCache struct {
	shards   [cacheShards]*cacheShard
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	logger   *slog.Logger
	metrics  SweeperMetrics
	now      func() time.Time
}

// NewDecisionCache creates an empty decision cache.
func NewDecisionCache(logger *slog.Logger, metrics SweeperMetrics) *DecisionCache {
	c := &DecisionCache{
		stopChan: make(chan struct{}),
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &cacheShard{entries: make(map[string]cacheEntry)}
	}
	return c
}

func (c *DecisionCache) shard(key string) *cacheShard {
	// Keys are hex SHA-256 digests; fnv over the string picks the shard.
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return c.shards[h%cacheShards]
}

// Get returns the cached decision; reads past expiry return miss.
func (c *DecisionCache) Get(_ context.Context, key string) (policy.Decision, bool) {
	s := c.shard(key)
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || c.now().After(entry.expires) {
		return policy.Decision{}, false
	}
	return entry.decision, true
}

// Put stores a decision for ttl. A zero or negative ttl is a no-op: critical
// decisions must never be cached.
func (c *DecisionCache) Put(_ context.Context, key string, d policy.Decision, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s := c.shard(key)
	s.mu.Lock()
	s.entries[key] = cacheEntry{decision: d, expires: c.now().Add(ttl)}
	s.mu.Unlock()
}

// Invalidate removes entries whose key has the given prefix; an empty prefix
// clears everything. Returns the number removed.
func (c *DecisionCache) Invalidate(_ context.Context, prefix string) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k := range s.entries {
			if prefix == "" || strings.HasPrefix(k, prefix) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// CleanupExpired removes expired entries across all shards.
func (c *DecisionCache) CleanupExpired(_ context.Context) decision.SweepStats {
	start := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if start.After(e.expires) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return decision.SweepStats{Removed: removed, Duration: time.Since(start)}
}

// Len returns the current entry count.
func (c *DecisionCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// StartSweeper launches the background sweeper at the given interval.
// The sweeper never blocks reads; each shard locks independently.
func (c *DecisionCache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopChan:
				return
			case <-ticker.C:
				stats := c.CleanupExpired(ctx)
				if c.metrics != nil {
					c.metrics.ObserveSweep(stats.Removed, stats.Duration, nil)
				}
				if stats.Removed > 0 {
					c.logger.Debug("decision cache sweep completed",
						"removed", stats.Removed,
						"duration", stats.Duration,
						"remaining", c.Len())
				}
			}
		}
	}()
}

// Stop terminates the sweeper and waits for it to exit. Safe to call
// multiple times.
func (c *DecisionCache) Stop() {
	c.once.Do(func() {
		close(c.stopChan)
	})
	c.wg.Wait()
}

// Compile-time interface verification.
var _ decision.Cache = (*DecisionCache)(nil)
