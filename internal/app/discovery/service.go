package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"crewd/internal/domain"
)

// TableProvider supplies the current registry table. The catalog provider
// satisfies this; tests use a fixed table.
type TableProvider interface {
	Registries() domain.RegistryTable
}

// StaticTable is a TableProvider over a fixed table.
type StaticTable struct {
	Table domain.RegistryTable
}

func (s StaticTable) Registries() domain.RegistryTable { return s.Table }

// Options configures the discovery service.
type Options struct {
	Tables   TableProvider
	Cache    domain.TenantCache
	Fetchers map[string]CapabilityFetcher
	Fallback CapabilityFetcher
	Metrics  domain.Metrics
	Logger   *zap.Logger

	// HealthTimeout bounds each health probe; defaults to
	// domain.DefaultHealthProbeTimeout.
	HealthTimeout time.Duration
	HealthClient  *http.Client
}

// Service discovers which capabilities each configured registry currently
// exposes, caching results per tenant per registry.
type Service struct {
	tables        TableProvider
	cache         domain.TenantCache
	fetchers      map[string]CapabilityFetcher
	fallback      CapabilityFetcher
	metrics       domain.Metrics
	logger        *zap.Logger
	healthTimeout time.Duration
	healthClient  *http.Client
	now           func() time.Time
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	fallback := opts.Fallback
	if fallback == nil {
		fallback = NewHTTPFetcher()
	}
	healthTimeout := opts.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = domain.DefaultHealthProbeTimeout
	}
	healthClient := opts.HealthClient
	if healthClient == nil {
		healthClient = &http.Client{}
	}
	return &Service{
		tables:        opts.Tables,
		cache:         opts.Cache,
		fetchers:      opts.Fetchers,
		fallback:      fallback,
		metrics:       metrics,
		logger:        logger.Named("discovery"),
		healthTimeout: healthTimeout,
		healthClient:  healthClient,
		now:           time.Now,
	}
}

// fetcherFor resolves the dispatch table: a registry-specific fetcher wins,
// then a declared static tool set, then the generic HTTP fetcher.
func (s *Service) fetcherFor(registry domain.RegistryConfig) CapabilityFetcher {
	if f, ok := s.fetchers[registry.Name]; ok {
		return f
	}
	if len(registry.StaticTools) > 0 {
		return StaticFetcher{}
	}
	return s.fallback
}

// DiscoverAll returns the current capability set of every enabled registry,
// keyed by registry name. Fetches run concurrently, one worker per registry,
// and all complete or are abandoned before this returns. A slow or
// unreachable registry degrades to an empty entry; it never fails the call.
func (s *Service) DiscoverAll(ctx context.Context, tenantID string, forceRefresh bool) map[string][]domain.ToolMetadata {
	enabled := s.tables.Registries().Enabled()

	results := make(map[string][]domain.ToolMetadata, len(enabled))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, registry := range enabled {
		wg.Add(1)
		go func(registry domain.RegistryConfig) {
			defer wg.Done()
			tools := s.discoverOne(ctx, tenantID, registry, forceRefresh)
			mu.Lock()
			results[registry.Name] = tools
			mu.Unlock()
		}(registry)
	}
	wg.Wait()

	return results
}

func (s *Service) discoverOne(ctx context.Context, tenantID string, registry domain.RegistryConfig, forceRefresh bool) []domain.ToolMetadata {
	start := s.now()

	if !forceRefresh {
		if tools, ok := s.cachedTools(ctx, tenantID, registry.Name); ok {
			s.metrics.ObserveDiscovery(registry.Name, domain.DiscoveryOutcomeCached, s.now().Sub(start))
			return tools
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, registry.Timeout)
	defer cancel()

	tools, err := s.fetcherFor(registry).Fetch(fetchCtx, registry)
	if err != nil {
		s.logger.Warn("registry discovery failed",
			zap.String("tenant", tenantID),
			zap.String("registry", registry.Name),
			zap.Error(err),
		)
		s.metrics.ObserveDiscovery(registry.Name, domain.DiscoveryOutcomeUnreachable, s.now().Sub(start))
		return []domain.ToolMetadata{}
	}

	tools = stampTools(tools, registry.Name, s.now())
	s.writeBack(ctx, tenantID, registry, tools)
	s.metrics.ObserveDiscovery(registry.Name, domain.DiscoveryOutcomeFetched, s.now().Sub(start))
	s.metrics.SetRegistryTools(registry.Name, len(tools))
	return tools
}

func (s *Service) cachedTools(ctx context.Context, tenantID, registry string) ([]domain.ToolMetadata, bool) {
	raw, err := s.cache.Get(ctx, tenantID, domain.DataTypeTools, domain.ToolCacheKey(registry))
	if err != nil {
		return nil, false
	}
	var tools []domain.ToolMetadata
	if err := json.Unmarshal(raw, &tools); err != nil {
		s.logger.Warn("corrupt tool cache entry",
			zap.String("tenant", tenantID),
			zap.String("registry", registry),
			zap.Error(err),
		)
		return nil, false
	}
	return tools, true
}

func (s *Service) writeBack(ctx context.Context, tenantID string, registry domain.RegistryConfig, tools []domain.ToolMetadata) {
	raw, err := json.Marshal(tools)
	if err != nil {
		s.logger.Error("encode tool cache entry", zap.Error(err))
		return
	}
	if err := s.cache.Set(ctx, tenantID, domain.DataTypeTools, domain.ToolCacheKey(registry.Name), raw, registry.CacheTTL); err != nil {
		s.logger.Warn("tool cache write failed",
			zap.String("tenant", tenantID),
			zap.String("registry", registry.Name),
			zap.Error(err),
		)
	}
}

// Invalidate removes cached discovery entries for a tenant. An empty registry
// name clears every configured registry; missing entries are a no-op.
func (s *Service) Invalidate(ctx context.Context, tenantID, registry string) {
	names := []string{registry}
	if registry == "" {
		names = s.tables.Registries().Names()
	}
	for _, name := range names {
		if err := s.cache.Delete(ctx, tenantID, domain.DataTypeTools, domain.ToolCacheKey(name)); err != nil {
			s.logger.Warn("tool cache invalidate failed",
				zap.String("tenant", tenantID),
				zap.String("registry", name),
				zap.Error(err),
			)
		}
	}
}

// AvailabilitySummary counts cached tools per registry. It reads only the
// cache, never triggering a fetch, so it is a point-in-time snapshot of cache
// contents rather than a live health check.
func (s *Service) AvailabilitySummary(ctx context.Context, tenantID string) map[string]int {
	summary := make(map[string]int)
	for _, name := range s.tables.Registries().Names() {
		if tools, ok := s.cachedTools(ctx, tenantID, name); ok {
			summary[name] = len(tools)
		}
	}
	return summary
}

// CheckHealth probes every configured registry's health endpoint with a short
// timeout, independently and concurrently. Registries that only declare a
// static tool set report healthy without a probe.
func (s *Service) CheckHealth(ctx context.Context) map[string]domain.RegistryHealth {
	registries := s.tables.Registries().Registries

	results := make(map[string]domain.RegistryHealth, len(registries))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, registry := range registries {
		wg.Add(1)
		go func(registry domain.RegistryConfig) {
			defer wg.Done()
			health := s.probeOne(ctx, registry)
			mu.Lock()
			results[registry.Name] = health
			mu.Unlock()
		}(registry)
	}
	wg.Wait()

	return results
}

func (s *Service) probeOne(ctx context.Context, registry domain.RegistryConfig) domain.RegistryHealth {
	health := domain.RegistryHealth{
		Registry:  registry.Name,
		CheckedAt: s.now(),
	}
	if registry.BaseURL == "" {
		health.Healthy = len(registry.StaticTools) > 0
		return health
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.healthTimeout)
	defer cancel()

	start := s.now()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, registry.BaseURL+registry.HealthPath, nil)
	if err != nil {
		health.Error = err.Error()
		return health
	}
	resp, err := s.healthClient.Do(req)
	health.Latency = s.now().Sub(start)
	if err != nil {
		health.Error = err.Error()
		return health
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		health.Healthy = true
	} else {
		health.Error = resp.Status
	}
	return health
}
