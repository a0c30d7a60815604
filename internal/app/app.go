package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"crewd/internal/app/discovery"
	"crewd/internal/app/knowledge"
	"crewd/internal/app/orchestrator"
	"crewd/internal/domain"
	"crewd/internal/infra/cache"
	"crewd/internal/infra/catalog"
	"crewd/internal/infra/gateway"
	"crewd/internal/infra/telemetry"
)

// App assembles the orchestration core from a catalog file and runs its
// serving surfaces.
type App struct {
	logger   *zap.Logger
	executor orchestrator.CrewExecutor
}

type ServeConfig struct {
	ConfigPath string
}

type ValidateConfig struct {
	ConfigPath string
}

func New(logger *zap.Logger) *App {
	return &App{
		logger: logger.Named("app"),
	}
}

// SetExecutor plugs the crew execution collaborator. Serve falls back to a
// local acknowledging executor when none is set.
func (a *App) SetExecutor(executor orchestrator.CrewExecutor) {
	a.executor = executor
}

// Serve loads the catalog, wires the services onto the configured cache
// backend, and runs the gateway and observability servers until ctx is
// cancelled.
func (a *App) Serve(ctx context.Context, cfg ServeConfig) error {
	provider, catalogCfg, err := catalog.NewProvider(cfg.ConfigPath, a.logger)
	if err != nil {
		return err
	}

	a.logger.Info("configuration loaded",
		zap.String("config", cfg.ConfigPath),
		zap.Int("registries", len(catalogCfg.Registries.Registries)),
		zap.String("cacheBackend", catalogCfg.Cache.Backend),
	)

	store, closeStore, err := openStore(ctx, catalogCfg.Cache, a.logger)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewPrometheusMetrics(registry)

	discoverer := discovery.NewService(discovery.Options{
		Tables:  provider,
		Cache:   store,
		Metrics: metrics,
		Logger:  a.logger,
	})
	manager := knowledge.NewManager(knowledge.Options{
		Store:       store,
		Metrics:     metrics,
		Logger:      a.logger,
		EventMaxLen: catalogCfg.Events.MaxLen,
	})

	executor := a.executor
	if executor == nil {
		executor = ackExecutor{}
	}
	core := orchestrator.New(orchestrator.Options{
		Discovery: discoverer,
		Knowledge: manager,
		Executor:  executor,
		Cache:     store,
		Metrics:   metrics,
		Logger:    a.logger,
	})

	provider.Watch(ctx)

	api := gateway.NewServer(gateway.Options{
		ListenAddress: catalogCfg.Gateway.ListenAddress,
		Orchestrator:  core,
		Discovery:     discoverer,
		Knowledge:     manager,
		Logger:        a.logger,
	})

	errCh := make(chan error, 2)
	go func() {
		errCh <- telemetry.StartHTTPServer(ctx, telemetry.HTTPServerOptions{
			Addr:          catalogCfg.Observability.ListenAddress,
			EnableMetrics: catalogCfg.Observability.EnableMetrics,
			Prober:        core,
			Registry:      registry,
		}, a.logger)
	}()
	go func() {
		errCh <- api.Start(ctx)
	}()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			return err
		}
	}
	return nil
}

// ValidateConfig loads and normalizes the catalog without starting anything,
// returning the effective configuration.
func (a *App) ValidateConfig(_ context.Context, cfg ValidateConfig) (catalog.Config, error) {
	loader := catalog.NewLoader(a.logger)
	catalogCfg, err := loader.Load(cfg.ConfigPath)
	if err != nil {
		return catalog.Config{}, err
	}

	a.logger.Info("configuration validated",
		zap.String("config", cfg.ConfigPath),
		zap.Int("registries", len(catalogCfg.Registries.Registries)),
	)
	return catalogCfg, nil
}

func openStore(ctx context.Context, cfg catalog.CacheConfig, logger *zap.Logger) (domain.TenantStore, func(), error) {
	switch cfg.Backend {
	case "memory", "":
		return cache.NewMemory(), func() {}, nil
	case "bolt":
		store, err := cache.OpenBolt(cfg.Bolt.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "redis":
		store := cache.NewRedis(cache.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err := store.Ping(ctx); err != nil {
			logger.Warn("redis unreachable at startup, continuing degraded", zap.Error(err))
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// ackExecutor acknowledges requests without running a real crew. It stands in
// until a deployment plugs its execution collaborator via SetExecutor.
type ackExecutor struct{}

func (ackExecutor) Execute(_ context.Context, crewName string, tools []domain.ToolMetadata, knowledgeIDs []string, _ string) (any, error) {
	return map[string]any{
		"crew":           crewName,
		"toolsAvailable": len(tools),
		"knowledgeUsed":  len(knowledgeIDs),
		"status":         "accepted",
	}, nil
}
