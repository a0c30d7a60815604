package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"crewd/internal/domain"
)

// Requester is the orchestrator surface the gateway exposes.
type Requester interface {
	ProcessRequest(ctx context.Context, tenantID, channel, payload string) (*domain.RequestOutcome, error)
	ExecutionMetrics(ctx context.Context, tenantID string) *domain.ExecutionMetrics
}

// Discoverer is the discovery surface the gateway exposes.
type Discoverer interface {
	DiscoverAll(ctx context.Context, tenantID string, forceRefresh bool) map[string][]domain.ToolMetadata
	AvailabilitySummary(ctx context.Context, tenantID string) map[string]int
	Invalidate(ctx context.Context, tenantID, registry string)
}

// KnowledgeAPI is the knowledge manager surface the gateway exposes.
type KnowledgeAPI interface {
	Store(ctx context.Context, item domain.KnowledgeItem, notify bool) bool
	Retrieve(ctx context.Context, tenantID, id, topic string) (domain.KnowledgeItem, bool)
	SearchByTopic(ctx context.Context, tenantID, topic string, limit int, tags []string) []domain.KnowledgeItem
	SearchByContent(ctx context.Context, tenantID, query string, limit int) []domain.KnowledgeItem
	ReadEvents(ctx context.Context, tenantID, fromID string, count int64) []domain.KnowledgeEvent
	CleanupExpired(ctx context.Context, tenantID string) int
}

// Options configures the gateway server.
type Options struct {
	ListenAddress string
	Orchestrator  Requester
	Discovery     Discoverer
	Knowledge     KnowledgeAPI
	Logger        *zap.Logger
}

// Server is the JSON HTTP surface of the orchestration core.
type Server struct {
	addr         string
	orchestrator Requester
	discovery    Discoverer
	knowledge    KnowledgeAPI
	logger       *zap.Logger
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	addr := opts.ListenAddress
	if addr == "" {
		addr = domain.DefaultGatewayListenAddress
	}
	return &Server{
		addr:         addr,
		orchestrator: opts.Orchestrator,
		discovery:    opts.Discovery,
		knowledge:    opts.Knowledge,
		logger:       logger.Named("gateway"),
	}
}

// Router assembles the chi route tree. Split from Start so tests can drive
// the handlers through httptest without binding a port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/requests", s.handleProcessRequest)

		r.Get("/tools", s.handleDiscoverTools)
		r.Get("/tools/summary", s.handleToolSummary)
		r.Delete("/tools", s.handleInvalidateTools)

		r.Post("/knowledge", s.handleStoreKnowledge)
		r.Get("/knowledge/search", s.handleSearchKnowledge)
		r.Get("/knowledge/{id}", s.handleRetrieveKnowledge)

		r.Get("/events", s.handleReadEvents)
		r.Post("/cleanup", s.handleCleanup)

		r.Get("/metrics/executions", s.handleExecutionMetrics)
	})

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", zap.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}
