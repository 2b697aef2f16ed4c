// Package app wires the GitLab client, timeline service, and cache
// coordinator behind the JSON-over-HTTP API consumed by the dashboard
// views.
package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/deploytrail/deploytrail/internal/cache"
	"github.com/deploytrail/deploytrail/internal/config"
	"github.com/deploytrail/deploytrail/internal/gitlabapi"
	"github.com/deploytrail/deploytrail/internal/health"
	"github.com/deploytrail/deploytrail/internal/timeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// upstreamFailureThreshold is how many consecutive upstream failures mark
// the GitLab client unusable for health reporting.
const upstreamFailureThreshold = 3

const auxCacheTTL = 5 * time.Minute

// GitLabAPI is the slice of the GitLab client the handlers consume
// directly, beyond what the timeline service already wraps.
type GitLabAPI interface {
	timeline.API
	GetProject(ctx context.Context, host, pathOrID string) (gitlabapi.Project, error)
	ListBranches(ctx context.Context, host string, projectID int, sort string) ([]gitlabapi.Branch, error)
}

// Runtime owns the service dependencies and their shared health state.
type Runtime struct {
	cfg         *config.Config
	logger      *zap.Logger
	gitlab      GitLabAPI
	timelineSvc *timeline.Service
	coordinator *cache.Coordinator
	evaluator   *health.StatusEvaluator
	registry    *prometheus.Registry
	storePing   func(ctx context.Context) error

	refsCache     *memoCache[refsResponse]
	commitsCache  *memoCache[[]commitSummary]
	ticketsCache  *memoCache[map[string]timeline.TicketInfo]
	branchesCache *memoCache[[]string]

	mu                   sync.Mutex
	upstreamFailures     int
	branchUpdateInFlight map[string]bool

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewRuntime assembles the runtime from configuration.
func NewRuntime(cfg *config.Config, logger *zap.Logger) *Runtime {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := &http.Client{Timeout: cfg.GitLab.RequestTimeout}
	client := gitlabapi.NewClient(httpClient, gitlabapi.Config{
		Token:    cfg.GitLab.APIToken,
		PageSize: cfg.GitLab.PageSize,
		MaxPages: cfg.GitLab.MaxPages,
	}, logger)

	store, storePing := newCacheStore(cfg, logger)
	return NewRuntimeWithDeps(cfg, client, store, storePing, logger)
}

// NewRuntimeWithDeps assembles the runtime from explicit dependencies.
func NewRuntimeWithDeps(cfg *config.Config, api GitLabAPI, store cache.Store, storePing func(ctx context.Context) error, logger *zap.Logger) *Runtime {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = cache.NewMemoryStore()
	}

	timelineSvc := timeline.NewService(api, logger)
	registry := prometheus.NewRegistry()
	metrics := cache.NewMetrics(registry)

	runtime := &Runtime{
		cfg:                  cfg,
		logger:               logger,
		gitlab:               api,
		timelineSvc:          timelineSvc,
		evaluator:            health.NewStatusEvaluator(),
		registry:             registry,
		storePing:            storePing,
		refsCache:            newMemoCache[refsResponse](auxCacheTTL, 0),
		commitsCache:         newMemoCache[[]commitSummary](auxCacheTTL, 0),
		ticketsCache:         newMemoCache[map[string]timeline.TicketInfo](auxCacheTTL, 10),
		branchesCache:        newMemoCache[[]string](auxCacheTTL, 0),
		branchUpdateInFlight: make(map[string]bool),
		Now:                  time.Now,
	}

	runtime.coordinator = cache.NewCoordinator(
		store,
		runtime.buildTimeline,
		cache.CoordinatorConfig{
			TTL:                cfg.Cache.TTL,
			LongTTL:            cfg.Cache.LongTTL,
			HotHitThreshold:    cfg.Cache.HotHitThreshold,
			RefreshTimeout:     cfg.Cache.RefreshTimeout,
			MaxEntries:         cfg.Cache.MaxEntries,
			CleanupProbability: cfg.Cache.CleanupProbability,
		},
		logger,
		metrics,
	)
	return runtime
}

func newCacheStore(cfg *config.Config, logger *zap.Logger) (cache.Store, func(ctx context.Context) error) {
	if cfg.Cache.Backend != "redis" {
		return cache.NewMemoryStore(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
	})
	store := cache.NewRedisStore(client, cache.RedisStoreConfig{
		Namespace: cfg.Cache.RedisNamespace,
	})
	logger.Info("using redis cache backend", zap.String("addr", cfg.Cache.RedisAddr))
	return store, store.Ping
}

// Coordinator exposes the timeline cache coordinator.
func (r *Runtime) Coordinator() *cache.Coordinator {
	return r.coordinator
}

func (r *Runtime) buildTimeline(ctx context.Context, req cache.Request) (*timeline.DeploymentTimeline, error) {
	built, err := r.timelineSvc.BuildTimeline(ctx, req.Host, req.ProjectID, req.Environment, req.JobType, req.TicketPattern)
	r.recordUpstreamOutcome(err)
	return built, err
}

// recordUpstreamOutcome tracks consecutive upstream failures for health
// degradation reporting.
func (r *Runtime) recordUpstreamOutcome(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.upstreamFailures++
		return
	}
	r.upstreamFailures = 0
}

// CurrentStatus implements health.Provider.
func (r *Runtime) CurrentStatus(ctx context.Context) health.Status {
	storeHealthy := true
	if r.storePing != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		storeHealthy = r.storePing(pingCtx) == nil
	}

	r.mu.Lock()
	upstreamUsable := r.upstreamFailures < upstreamFailureThreshold
	r.mu.Unlock()

	return r.evaluator.Evaluate(health.Input{
		StoreHealthy:   storeHealthy,
		UpstreamUsable: upstreamUsable,
	})
}
