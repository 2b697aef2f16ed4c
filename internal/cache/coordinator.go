package cache

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/deploytrail/deploytrail/internal/timeline"
	"go.uber.org/zap"
)

// Defaults for coordinator tuning knobs.
const (
	DefaultTTL                = 30 * time.Minute
	DefaultLongTTL            = 2 * time.Hour
	DefaultHotHitThreshold    = 5
	DefaultRefreshTimeout     = time.Minute
	DefaultMaxEntries         = 50
	DefaultCleanupProbability = 0.1
)

// CoordinatorConfig tunes cache lifetimes, the refresh lock, and eviction.
type CoordinatorConfig struct {
	// TTL is the freshness window for an entry.
	TTL time.Duration
	// LongTTL replaces TTL once an entry's hit count passes
	// HotHitThreshold; frequently requested keys are trusted longer.
	LongTTL         time.Duration
	HotHitThreshold int
	// RefreshTimeout is how long a refresh may run before its lock is
	// considered abandoned and reclaimed.
	RefreshTimeout time.Duration
	// MaxEntries bounds the store; excess entries are evicted oldest
	// lastAccessed first.
	MaxEntries int
	// CleanupProbability gates the eviction pass per request.
	CleanupProbability float64
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.LongTTL <= 0 {
		c.LongTTL = DefaultLongTTL
	}
	if c.HotHitThreshold <= 0 {
		c.HotHitThreshold = DefaultHotHitThreshold
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = DefaultRefreshTimeout
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.CleanupProbability <= 0 {
		c.CleanupProbability = DefaultCleanupProbability
	}
	return c
}

// Request identifies one timeline request.
type Request struct {
	Host          string
	ProjectID     int
	Environment   string
	JobType       string
	TicketPattern string
	ForceRefresh  bool
}

// Key returns the cache key for the request.
func (r Request) Key() Key {
	return Key{
		Host:          r.Host,
		ProjectID:     r.ProjectID,
		Environment:   r.Environment,
		JobType:       r.JobType,
		TicketPattern: r.TicketPattern,
	}
}

// Result is a coordinator response.
type Result struct {
	Timeline *timeline.DeploymentTimeline
	// Cached reports whether the timeline came from the store rather
	// than a rebuild completed by this request.
	Cached bool
	// RefreshInProgress reports that another request holds the refresh
	// lock and the returned data is the previous generation.
	RefreshInProgress bool
	CacheAge          time.Duration
	HitCount          int
	EntryCount        int
}

// BuildFunc rebuilds a timeline from the upstream API.
type BuildFunc func(ctx context.Context, req Request) (*timeline.DeploymentTimeline, error)

// Coordinator serializes timeline rebuilds per cache key. State
// transitions happen under a single mutex, so acquiring the refresh lock
// is atomic; rebuilds themselves run outside the mutex. Requests arriving
// while a refresh is in flight never block on it: they return the previous
// data immediately, flagged RefreshInProgress. A refresh running longer
// than the timeout is treated as crashed and its lock reclaimed, accepting
// the possibility of one duplicated rebuild (last writer wins on the same
// key).
type Coordinator struct {
	store   Store
	build   BuildFunc
	cfg     CoordinatorConfig
	logger  *zap.Logger
	metrics *Metrics

	mu sync.Mutex

	// Now and RandFloat are injected for deterministic tests.
	Now       func() time.Time
	RandFloat func() float64
}

// NewCoordinator creates a coordinator over the given store.
func NewCoordinator(store Store, build BuildFunc, cfg CoordinatorConfig, logger *zap.Logger, metrics *Metrics) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Coordinator{
		store:     store,
		build:     build,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		metrics:   metrics,
		Now:       time.Now,
		RandFloat: rand.Float64,
	}
}

// Get serves a timeline for the request, rebuilding through the upstream
// API when no fresh entry exists and no other request is already
// rebuilding the same key.
func (c *Coordinator) Get(ctx context.Context, req Request) (Result, error) {
	c.maybeCleanup()

	key := req.Key().String()

	c.mu.Lock()
	now := c.Now()
	entry, found, err := c.store.Get(key)
	if err != nil {
		c.mu.Unlock()
		return Result{}, fmt.Errorf("read cache: %w", err)
	}

	if found && entry.Refreshing {
		if now.Sub(entry.RefreshStart) <= c.cfg.RefreshTimeout {
			data := entry.Data
			if data == nil {
				data = timeline.NewDeploymentTimeline()
			}
			result := Result{
				Timeline:          data,
				Cached:            true,
				RefreshInProgress: true,
				CacheAge:          now.Sub(entry.Timestamp),
				HitCount:          entry.HitCount,
			}
			c.mu.Unlock()
			c.metrics.Hits.Inc()
			c.logger.Debug("refresh already in progress, serving previous data",
				zap.String("environment", req.Environment),
				zap.String("job_type", req.JobType))
			return result, nil
		}

		c.logger.Warn("reclaiming stale refresh lock",
			zap.String("environment", req.Environment),
			zap.String("job_type", req.JobType),
			zap.Duration("held_for", now.Sub(entry.RefreshStart)))
		c.metrics.StaleLockRecoveries.Inc()
		entry.Refreshing = false
		entry.RefreshStart = time.Time{}
	}

	if found && !req.ForceRefresh {
		entry.HitCount++
		entry.LastAccessed = now

		if now.Sub(entry.Timestamp) < c.effectiveTTL(entry) {
			if err := c.store.Set(key, entry); err != nil {
				c.mu.Unlock()
				return Result{}, fmt.Errorf("update cache metadata: %w", err)
			}
			result := Result{
				Timeline: entry.Data,
				Cached:   true,
				CacheAge: now.Sub(entry.Timestamp),
				HitCount: entry.HitCount,
			}
			c.mu.Unlock()
			c.metrics.Hits.Inc()
			return result, nil
		}
	}

	if !found {
		entry = Entry{
			Timestamp:    now,
			Data:         timeline.NewDeploymentTimeline(),
			LastAccessed: now,
		}
	}
	entry.Refreshing = true
	entry.RefreshStart = now
	if err := c.store.Set(key, entry); err != nil {
		c.mu.Unlock()
		return Result{}, fmt.Errorf("acquire refresh lock: %w", err)
	}
	c.mu.Unlock()

	c.metrics.Misses.Inc()
	c.metrics.Rebuilds.Inc()
	data, buildErr := c.build(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	completedAt := c.Now()

	// Reload: concurrent requests may have bumped the hit count while
	// the rebuild ran.
	if current, ok, err := c.store.Get(key); err == nil && ok {
		entry = current
	}

	if buildErr != nil {
		entry.Refreshing = false
		entry.RefreshStart = time.Time{}
		if err := c.store.Set(key, entry); err != nil {
			c.logger.Error("could not release refresh lock after failed rebuild",
				zap.String("key", key), zap.Error(err))
		}
		c.metrics.RebuildFailures.Inc()
		return Result{}, buildErr
	}

	entry.Data = data
	entry.Timestamp = completedAt
	entry.LastAccessed = completedAt
	entry.Refreshing = false
	entry.RefreshStart = time.Time{}
	entry.HitCount++
	if err := c.store.Set(key, entry); err != nil {
		return Result{}, fmt.Errorf("store rebuilt timeline: %w", err)
	}

	entryCount, err := c.store.Len()
	if err != nil {
		entryCount = 0
	}
	return Result{
		Timeline:   data,
		Cached:     false,
		HitCount:   entry.HitCount,
		EntryCount: entryCount,
	}, nil
}

func (c *Coordinator) effectiveTTL(entry Entry) time.Duration {
	if entry.HitCount > c.cfg.HotHitThreshold {
		return c.cfg.LongTTL
	}
	return c.cfg.TTL
}

// maybeCleanup runs the eviction pass with the configured probability:
// when the store has grown past MaxEntries, the oldest-accessed excess
// entries are deleted outright.
func (c *Coordinator) maybeCleanup() {
	if c.RandFloat() >= c.cfg.CleanupProbability {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	total, err := c.store.Len()
	if err != nil || total < c.cfg.MaxEntries {
		return
	}

	keys, err := c.store.KeysByRecency()
	if err != nil {
		c.logger.Warn("cache cleanup could not list keys", zap.Error(err))
		return
	}

	excess := len(keys) - c.cfg.MaxEntries
	if excess <= 0 {
		return
	}
	c.logger.Info("cache cleanup triggered",
		zap.Int("entries", len(keys)),
		zap.Int("evicting", excess))
	for _, key := range keys[:excess] {
		if err := c.store.Delete(key); err != nil {
			c.logger.Warn("cache cleanup could not delete entry",
				zap.String("key", key), zap.Error(err))
			continue
		}
		c.metrics.Evictions.Inc()
	}
}
