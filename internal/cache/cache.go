// Package cache memoizes interpolation artifacts keyed by
// (bbox, timestamp, resolution, method), with TTL expiry and at most one
// concurrent computation per key.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/couchcryptid/airgrid-etl/internal/domain"
	"github.com/couchcryptid/airgrid-etl/internal/observability"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
)

// Persistence is the durable backing for artifacts, so cached grids survive
// process restarts. The in-memory layer reads through to it on a miss and
// writes through on every store. May be nil.
type Persistence interface {
	LoadArtifact(ctx context.Context, key string) (domain.GridArtifact, bool, error)
	SaveArtifact(ctx context.Context, artifact domain.GridArtifact) error
	DeleteArtifactsMatching(ctx context.Context, pattern string) error
	DeleteExpiredArtifacts(ctx context.Context, now time.Time) (int64, error)
}

// ComputeFunc produces the artifact on a cache miss.
type ComputeFunc func(ctx context.Context) (domain.GridArtifact, error)

// Key derives the cache key. The timestamp is floored to the configured
// granularity so near-identical map requests share one artifact.
func Key(bound orb.Bound, ts time.Time, resolutionM float64, method domain.Method, granularity time.Duration) string {
	if granularity > 0 {
		ts = ts.UTC().Truncate(granularity)
	}
	return fmt.Sprintf("grid:%.6f,%.6f,%.6f,%.6f:%d:%g:%s",
		bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1],
		ts.Unix(), resolutionM, method)
}

type entry struct {
	artifact  domain.GridArtifact
	expiresAt time.Time
}

// inflight tracks one in-progress computation; joiners wait on done.
type inflight struct {
	done     chan struct{}
	artifact domain.GridArtifact
	err      error
}

// ArtifactCache is a TTL cache with per-key computation coalescing:
// concurrent GetOrCompute calls for the same key trigger exactly one
// compute, and every caller receives the identical artifact. The in-flight
// state is in-process only; entries themselves are persisted.
type ArtifactCache struct {
	mu       sync.Mutex
	entries  map[string]entry
	inflight map[string]*inflight

	ttl         time.Duration
	clock       clockwork.Clock
	persistence Persistence
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// New creates an artifact cache. persistence may be nil; clock may be nil
// for the real clock.
func New(ttl time.Duration, persistence Persistence, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *ArtifactCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ArtifactCache{
		entries:     make(map[string]entry),
		inflight:    make(map[string]*inflight),
		ttl:         ttl,
		clock:       clock,
		persistence: persistence,
		logger:      logger,
		metrics:     metrics,
	}
}

// GetOrCompute returns the cached artifact for key, computing it at most
// once per key across concurrent callers. Expired entries are treated as
// absent.
func (c *ArtifactCache) GetOrCompute(ctx context.Context, key string, compute ComputeFunc) (domain.GridArtifact, error) {
	now := c.clock.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if now.Before(e.expiresAt) {
			c.mu.Unlock()
			c.metrics.CacheLookups.WithLabelValues("hit").Inc()
			return e.artifact, nil
		}
		delete(c.entries, key) // passive expiry on read
	}

	if call, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		c.metrics.CacheLookups.WithLabelValues("joined").Inc()
		select {
		case <-call.done:
			return call.artifact, call.err
		case <-ctx.Done():
			return domain.GridArtifact{}, ctx.Err()
		}
	}

	call := &inflight{done: make(chan struct{})}
	c.inflight[key] = call
	c.mu.Unlock()
	c.metrics.CacheLookups.WithLabelValues("miss").Inc()

	artifact, err := c.load(ctx, key, now)
	if err != nil || artifact == nil {
		computed, cerr := compute(ctx)
		if cerr == nil {
			computed.CacheKey = key
			computed.ExpiresAt = now.Add(c.ttl)
			c.persist(ctx, computed)
		}
		call.artifact, call.err = computed, cerr
	} else {
		call.artifact = *artifact
	}

	c.mu.Lock()
	if call.err == nil {
		c.entries[key] = entry{artifact: call.artifact, expiresAt: call.artifact.ExpiresAt}
	}
	delete(c.inflight, key)
	c.mu.Unlock()

	close(call.done)
	return call.artifact, call.err
}

// load reads through to persistence for a still-valid artifact.
func (c *ArtifactCache) load(ctx context.Context, key string, now time.Time) (*domain.GridArtifact, error) {
	if c.persistence == nil {
		return nil, nil
	}
	artifact, ok, err := c.persistence.LoadArtifact(ctx, key)
	if err != nil {
		c.logger.Warn("artifact cache read-through failed", "key", key, "error", err)
		return nil, err
	}
	if !ok || !now.Before(artifact.ExpiresAt) {
		return nil, nil
	}
	return &artifact, nil
}

func (c *ArtifactCache) persist(ctx context.Context, artifact domain.GridArtifact) {
	if c.persistence == nil {
		return
	}
	if err := c.persistence.SaveArtifact(ctx, artifact); err != nil {
		c.logger.Warn("artifact cache write-through failed", "key", artifact.CacheKey, "error", err)
	}
}

// Invalidate removes entries whose key matches the glob pattern, both
// in memory and in persistence.
func (c *ArtifactCache) Invalidate(ctx context.Context, pattern string) error {
	c.mu.Lock()
	for key := range c.entries {
		if ok, _ := path.Match(pattern, key); ok {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	if c.persistence != nil {
		if err := c.persistence.DeleteArtifactsMatching(ctx, pattern); err != nil {
			return fmt.Errorf("invalidate persisted artifacts: %w", err)
		}
	}
	return nil
}

// Sweep actively removes expired entries. The scheduler runs it
// periodically; expiry is also checked passively on every read.
func (c *ArtifactCache) Sweep(ctx context.Context) {
	now := c.clock.Now()

	c.mu.Lock()
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	var persisted int64
	if c.persistence != nil {
		n, err := c.persistence.DeleteExpiredArtifacts(ctx, now)
		if err != nil {
			c.logger.Warn("artifact sweep failed", "error", err)
		} else {
			persisted = n
		}
	}

	if removed > 0 || persisted > 0 {
		c.logger.Debug("artifact cache swept", "memory_removed", removed, "persisted_removed", persisted)
	}
}

// Len reports the number of live in-memory entries.
func (c *ArtifactCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
