package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crewd/internal/app/discovery"
	"crewd/internal/app/knowledge"
	"crewd/internal/domain"
	"crewd/internal/infra/cache"
)

func echoExecutor() CrewExecutor {
	return ExecutorFunc(func(_ context.Context, crewName string, tools []domain.ToolMetadata, _ []string, payload string) (any, error) {
		return map[string]any{"crew": crewName, "tools": len(tools), "payload": payload}, nil
	})
}

func newTestOrchestrator(t *testing.T, table domain.RegistryTable, executor CrewExecutor) (*Orchestrator, *knowledge.Manager) {
	t.Helper()
	store := cache.NewMemory()
	discoverer := discovery.NewService(discovery.Options{
		Tables:        discovery.StaticTable{Table: table},
		Cache:         store,
		Logger:        zap.NewNop(),
		HealthTimeout: 300 * time.Millisecond,
	})
	manager := knowledge.NewManager(knowledge.Options{
		Store:  store,
		Logger: zap.NewNop(),
	})
	orchestrator := New(Options{
		Discovery: discoverer,
		Knowledge: manager,
		Executor:  executor,
		Cache:     store,
		Logger:    zap.NewNop(),
	})
	return orchestrator, manager
}

func TestProcessRequest_ProductScenario(t *testing.T) {
	reachable := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tools" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`[{"name":"get_product"},{"name":"list_products"}]`))
	}))
	t.Cleanup(reachable.Close)

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
			BaseURL:  "http://127.0.0.1:1",
			Timeout:  300 * time.Millisecond,
			CacheTTL: time.Minute,
			Enabled:  true,
		},
	}}
	orchestrator, manager := newTestOrchestrator(t, table, echoExecutor())

	outcome, err := orchestrator.ProcessRequest(context.Background(),
		"t1", "whatsapp", "Preciso de informações sobre produtos eletrônicos")
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Equal(t, "product_inquiry_crew", outcome.CrewUsed)
	require.ElementsMatch(t, []string{"get_product", "list_products"}, outcome.ToolsUsed)
	require.Len(t, outcome.KnowledgeCreated, 1)
	require.NotZero(t, outcome.ExecutionTime)

	items := manager.SearchByTopic(context.Background(), "t1", "products", 10, nil)
	require.Len(t, items, 1)
	require.Equal(t, outcome.KnowledgeCreated[0], items[0].ID)
	require.Equal(t, domain.KnowledgeProductInfo, items[0].Type)
	require.Equal(t, "product_inquiry_crew", items[0].SourceCrew)
	require.Equal(t, "Preciso de informações sobre produtos eletrônicos", items[0].Content["query"])

	// Nothing lands under other tenants.
	require.Empty(t, manager.SearchByTopic(context.Background(), "t2", "products", 10, nil))
}

func TestProcessRequest_ValidatesBeforeSideEffects(t *testing.T) {
	orchestrator, manager := newTestOrchestrator(t, domain.RegistryTable{}, echoExecutor())

	_, err := orchestrator.ProcessRequest(context.Background(), "", "web", "produtos")
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeInvalidArgument, code)

	_, err = orchestrator.ProcessRequest(context.Background(), "t1", "web", "")
	require.Error(t, err)
	code, _ = domain.CodeFrom(err)
	require.Equal(t, domain.CodeInvalidArgument, code)

	require.Empty(t, manager.SearchByTopic(context.Background(), "t1", "products", 10, nil))
}

func TestProcessRequest_FailureStillRecordsKnowledgeAndMetrics(t *testing.T) {
	failing := ExecutorFunc(func(context.Context, string, []domain.ToolMetadata, []string, string) (any, error) {
		return nil, errors.New("crew blew up")
	})
	orchestrator, manager := newTestOrchestrator(t, domain.RegistryTable{}, failing)

	outcome, err := orchestrator.ProcessRequest(context.Background(), "t1", "web", "minha fatura está errada")
	require.NoError(t, err, "execution failure is an outcome, not an error")
	require.False(t, outcome.Success)
	require.Equal(t, "billing_crew", outcome.CrewUsed)
	require.Contains(t, outcome.Error, "crew blew up")
	require.Len(t, outcome.KnowledgeCreated, 1)

	items := manager.SearchByTopic(context.Background(), "t1", "billing", 10, nil)
	require.Len(t, items, 1)
	require.Equal(t, "minha fatura está errada", items[0].Content["query"])
	require.Equal(t, false, items[0].Content["success"])
	require.Equal(t, "crew blew up", items[0].Content["error"])

	metrics := orchestrator.ExecutionMetrics(context.Background(), "t1")
	require.EqualValues(t, 1, metrics.TotalExecutions)
	require.EqualValues(t, 0, metrics.SuccessfulExecutions)
	require.EqualValues(t, 1, metrics.CrewUsage["billing_crew"])
}

func TestProcessRequest_AccumulatesMetrics(t *testing.T) {
	orchestrator, _ := newTestOrchestrator(t, domain.RegistryTable{}, echoExecutor())
	ctx := context.Background()

	_, err := orchestrator.ProcessRequest(ctx, "t1", "web", "quero ver os produtos")
	require.NoError(t, err)
	_, err = orchestrator.ProcessRequest(ctx, "t1", "web", "quanto custa o catálogo?")
	require.NoError(t, err)
	_, err = orchestrator.ProcessRequest(ctx, "t1", "web", "bom dia")
	require.NoError(t, err)

	metrics := orchestrator.ExecutionMetrics(ctx, "t1")
	require.EqualValues(t, 3, metrics.TotalExecutions)
	require.EqualValues(t, 3, metrics.SuccessfulExecutions)
	require.EqualValues(t, 2, metrics.CrewUsage["product_inquiry_crew"])
	require.EqualValues(t, 1, metrics.CrewUsage["general_crew"])
	require.False(t, metrics.LastUpdated.IsZero())

	// Other tenants start from zero.
	require.EqualValues(t, 0, orchestrator.ExecutionMetrics(ctx, "t2").TotalExecutions)
}

func TestProcessRequest_ConsumesExistingKnowledge(t *testing.T) {
	var consumed []string
	recording := ExecutorFunc(func(_ context.Context, _ string, _ []domain.ToolMetadata, knowledgeIDs []string, _ string) (any, error) {
		consumed = knowledgeIDs
		return "ok", nil
	})
	orchestrator, manager := newTestOrchestrator(t, domain.RegistryTable{}, recording)
	ctx := context.Background()

	prior := domain.KnowledgeItem{
		ID:          "prior",
		Type:        domain.KnowledgeProductInfo,
		Topic:       "products",
		Title:       "Smartphone Galaxy",
		Content:     map[string]any{"sku": "G-1"},
		SourceAgent: "catalog_import",
		TenantID:    "t1",
	}
	require.True(t, manager.Store(ctx, prior, false))

	_, err := orchestrator.ProcessRequest(ctx, "t1", "web", "tem esse produto em estoque?")
	require.NoError(t, err)
	require.Contains(t, consumed, "prior")
}

func TestGetHealthStatus_Aggregation(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(healthy.Close)

	mixed := domain.RegistryTable{Registries: []domain.RegistryConfig{
		{Name: "erp", BaseURL: healthy.URL, HealthPath: "/health", Enabled: true},
		{Name: "helpdesk", BaseURL: "http://127.0.0.1:1", HealthPath: "/health", Enabled: true},
	}}
	orchestrator, _ := newTestOrchestrator(t, mixed, echoExecutor())

	status := orchestrator.GetHealthStatus(context.Background())
	require.Equal(t, domain.HealthStatusDegraded, status.Status)
	require.Len(t, status.Registries, 2)
	require.False(t, status.CheckedAt.IsZero())

	allHealthy := domain.RegistryTable{Registries: []domain.RegistryConfig{
		{Name: "erp", BaseURL: healthy.URL, HealthPath: "/health", Enabled: true},
	}}
	orchestrator, _ = newTestOrchestrator(t, allHealthy, echoExecutor())
	require.Equal(t, domain.HealthStatusHealthy, orchestrator.GetHealthStatus(context.Background()).Status)

	allDown := domain.RegistryTable{Registries: []domain.RegistryConfig{
		{Name: "helpdesk", BaseURL: "http://127.0.0.1:1", HealthPath: "/health", Enabled: true},
	}}
	orchestrator, _ = newTestOrchestrator(t, allDown, echoExecutor())
	require.Equal(t, domain.HealthStatusDown, orchestrator.GetHealthStatus(context.Background()).Status)
}
