package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crewd/internal/domain"
	"crewd/internal/infra/cache"
)

func registryServer(t *testing.T, path string, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestService(t *testing.T, table domain.RegistryTable, store domain.TenantCache) *Service {
	t.Helper()
	if store == nil {
		store = cache.NewMemory()
	}
	return NewService(Options{
		Tables: StaticTable{Table: table},
		Cache:  store,
		Logger: zap.NewNop(),
	})
}

func TestDiscoverAll_FetchesAndCaches(t *testing.T) {
	server := registryServer(t, "/api/v1/tools", `{"tools":[
		{"name":"get_product","description":"Looks up a product","parameters":[
			{"name":"sku","type":"string","description":"product SKU"}
		]}
	]}`)

	table := domain.RegistryTable{Registries: []domain.RegistryConfig{{
		Name:     "erp",
		BaseURL:  server.URL,
		Timeout:  2 * time.Second,
		CacheTTL: time.Minute,
		Enabled:  true,
	}}}
	service := newTestService(t, table, nil)

	results := service.DiscoverAll(context.Background(), "t1", false)
	require.Len(t, results, 1)
	require.Len(t, results["erp"], 1)

	tool := results["erp"][0]
	require.Equal(t, "get_product", tool.Name)
	require.Equal(t, "erp", tool.Source)
	require.Equal(t, domain.ToolCacheKey("erp"), tool.CacheKey)
	require.False(t, tool.LastUpdated.IsZero())
	require.Equal(t, []domain.ToolParameter{{Name: "sku", Type: "string", Description: "product SKU"}}, tool.Parameters)

	// Second call is served from cache even if the registry goes away.
	server.Close()
	results = service.DiscoverAll(context.Background(), "t1", false)
	require.Len(t, results["erp"], 1)
}

func TestDiscoverAll_ForceRefreshBypassesCache(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(`[{"name":"t1_tool"}]`))
	}))
	t.Cleanup(server.Close)

	table := domain.RegistryTable{Registries: []domain.RegistryConfig{{
		Name:     "erp",
		BaseURL:  server.URL,
		Timeout:  2 * time.Second,
		CacheTTL: time.Minute,
		Enabled:  true,
	}}}
	service := newTestService(t, table, nil)

	service.DiscoverAll(context.Background(), "t1", false)
	service.DiscoverAll(context.Background(), "t1", false)
	require.Equal(t, 1, hits)

	service.DiscoverAll(context.Background(), "t1", true)
	require.Equal(t, 2, hits)
}

func TestDiscoverAll_DegradesUnreachableRegistry(t *testing.T) {
	reachable := registryServer(t, "/tools", `[{"name":"get_product"}]`)

	table := domain.RegistryTable{Registries: []domain.RegistryConfig{
		{
			Name:     "erp",
			BaseURL:  reachable.URL,
			Timeout:  2 * time.Second,
			CacheTTL: time.Minute,
			Enabled:  true,
		},
		{
			Name:     "helpdesk",
			BaseURL:  "http://127.0.0.1:1", // nothing listens here
			Timeout:  300 * time.Millisecond,
			CacheTTL: time.Minute,
			Enabled:  true,
		},
	}}
	service := newTestService(t, table, nil)

	start := time.Now()
	results := service.DiscoverAll(context.Background(), "t1", false)
	elapsed := time.Since(start)

	require.Len(t, results, 2)
	require.Len(t, results["erp"], 1)
	require.Empty(t, results["helpdesk"])
	// Bounded by the slowest registry's own timeout, not the sum.
	require.Less(t, elapsed, 2*time.Second)
}

func TestDiscoverAll_SkipsDisabledRegistries(t *testing.T) {
	table := domain.RegistryTable{Registries: []domain.RegistryConfig{{
		Name:        "calendar",
		Enabled:     false,
		StaticTools: []domain.ToolMetadata{{Name: "create_event"}},
	}}}
	service := newTestService(t, table, nil)

	results := service.DiscoverAll(context.Background(), "t1", false)
	require.Empty(t, results)
}

func TestDiscoverAll_StaticRegistry(t *testing.T) {
	table := domain.RegistryTable{Registries: []domain.RegistryConfig{{
		Name:     "calendar",
		Enabled:  true,
		CacheTTL: time.Minute,
		Timeout:  time.Second,
		StaticTools: []domain.ToolMetadata{
			{Name: "create_event", Description: "Creates a calendar event"},
		},
	}}}
	service := newTestService(t, table, nil)

	results := service.DiscoverAll(context.Background(), "t1", false)
	require.Len(t, results["calendar"], 1)
	require.Equal(t, "calendar", results["calendar"][0].Source)
}

func TestDiscoverAll_TenantsCachedSeparately(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(`[{"name":"tool"}]`))
	}))
	t.Cleanup(server.Close)

	table := domain.RegistryTable{Registries: []domain.RegistryConfig{{
		Name:     "erp",
		BaseURL:  server.URL,
		Timeout:  2 * time.Second,
		CacheTTL: time.Minute,
		Enabled:  true,
	}}}
	service := newTestService(t, table, nil)

	service.DiscoverAll(context.Background(), "a", false)
	service.DiscoverAll(context.Background(), "b", false)
	require.Equal(t, 2, hits, "per-tenant cache entries must not be shared")
}

func TestInvalidate(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(`[{"name":"tool"}]`))
	}))
	t.Cleanup(server.Close)

	table := domain.RegistryTable{Registries: []domain.RegistryConfig{{
		Name:     "erp",
		BaseURL:  server.URL,
		Timeout:  2 * time.Second,
		CacheTTL: time.Minute,
		Enabled:  true,
	}}}
	service := newTestService(t, table, nil)

	service.DiscoverAll(context.Background(), "t1", false)
	service.Invalidate(context.Background(), "t1", "erp")
	service.DiscoverAll(context.Background(), "t1", false)
	require.Equal(t, 2, hits)

	// Invalidating an absent entry is a no-op.
	service.Invalidate(context.Background(), "t1", "erp")
	service.Invalidate(context.Background(), "t1", "")
}

func TestAvailabilitySummary_CacheOnly(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(`[{"name":"a"},{"name":"b"}]`))
	}))
	t.Cleanup(server.Close)

	table := domain.RegistryTable{Registries: []domain.RegistryConfig{{
		Name:     "erp",
		BaseURL:  server.URL,
		Timeout:  2 * time.Second,
		CacheTTL: time.Minute,
		Enabled:  true,
	}}}
	service := newTestService(t, table, nil)

	// Nothing cached yet: empty summary, no fetch triggered.
	summary := service.AvailabilitySummary(context.Background(), "t1")
	require.Empty(t, summary)
	require.Equal(t, 0, hits)

	service.DiscoverAll(context.Background(), "t1", false)
	summary = service.AvailabilitySummary(context.Background(), "t1")
	require.Equal(t, map[string]int{"erp": 2}, summary)
	require.Equal(t, 1, hits)
}

func TestCheckHealth(t *testing.T) {
	healthy := registryServer(t, "/health", `{"status":"ok"}`)

	table := domain.RegistryTable{Registries: []domain.RegistryConfig{
		{Name: "erp", BaseURL: healthy.URL, HealthPath: "/health", Enabled: true},
		{Name: "helpdesk", BaseURL: "http://127.0.0.1:1", HealthPath: "/health", Enabled: true},
		{Name: "calendar", StaticTools: []domain.ToolMetadata{{Name: "create_event"}}, Enabled: true},
	}}
	service := NewService(Options{
		Tables:        StaticTable{Table: table},
		Cache:         cache.NewMemory(),
		Logger:        zap.NewNop(),
		HealthTimeout: 300 * time.Millisecond,
	})

	health := service.CheckHealth(context.Background())
	require.Len(t, health, 3)
	require.True(t, health["erp"].Healthy)
	require.False(t, health["helpdesk"].Healthy)
	require.NotEmpty(t, health["helpdesk"].Error)
	require.True(t, health["calendar"].Healthy)
}
