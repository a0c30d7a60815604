package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"crewd/internal/domain"
)

const metricsIdentifier = "executions"

const knowledgeContextLimit = 5

// ToolDiscoverer is the slice of the discovery service the orchestrator needs.
type ToolDiscoverer interface {
	DiscoverAll(ctx context.Context, tenantID string, forceRefresh bool) map[string][]domain.ToolMetadata
	CheckHealth(ctx context.Context) map[string]domain.RegistryHealth
}

// KnowledgeManager is the slice of the knowledge manager the orchestrator needs.
type KnowledgeManager interface {
	Store(ctx context.Context, item domain.KnowledgeItem, notify bool) bool
	SearchByTopic(ctx context.Context, tenantID, topic string, limit int, tags []string) []domain.KnowledgeItem
	SearchByContent(ctx context.Context, tenantID, query string, limit int) []domain.KnowledgeItem
}

// Options configures an Orchestrator.
type Options struct {
	Discovery ToolDiscoverer
	Knowledge KnowledgeManager
	Executor  CrewExecutor
	Cache     domain.TenantCache
	Metrics   domain.Metrics
	Logger    *zap.Logger
}

// Orchestrator routes inbound requests to crews: it discovers the tools
// currently available, selects a crew by payload content, gathers knowledge
// context, executes, records the outcome as new knowledge, and folds the
// execution into per-tenant metrics. Every request runs the full pipeline;
// a failed execution still produces knowledge, metrics, and a response.
type Orchestrator struct {
	discovery ToolDiscoverer
	knowledge KnowledgeManager
	executor  CrewExecutor
	cache     domain.TenantCache
	metrics   domain.Metrics
	logger    *zap.Logger

	now func() time.Time
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &Orchestrator{
		discovery: opts.Discovery,
		knowledge: opts.Knowledge,
		executor:  opts.Executor,
		cache:     opts.Cache,
		metrics:   metrics,
		logger:    logger.Named("orchestrator"),
		now:       time.Now,
	}
}

// ProcessRequest runs the per-request pipeline. Validation failures are the
// only errors returned; once a crew is selected the request always produces
// an outcome, carrying the execution error inline when the crew fails.
func (o *Orchestrator) ProcessRequest(ctx context.Context, tenantID, channel, payload string) (*domain.RequestOutcome, error) {
	if tenantID == "" {
		return nil, domain.E(domain.CodeInvalidArgument, "orchestrator.process", "tenant id is required", nil)
	}
	if payload == "" {
		return nil, domain.E(domain.CodeInvalidArgument, "orchestrator.process", "payload is required", nil)
	}

	start := o.now()

	available := o.discovery.DiscoverAll(ctx, tenantID, false)
	selection := SelectCrew(payload, available)

	o.logger.Debug("crew selected",
		zap.String("tenant", tenantID),
		zap.String("crew", selection.Name),
		zap.Int("registries", len(available)),
	)

	result := o.executeWithDynamicTools(ctx, tenantID, selection, available, payload)

	if id := o.createKnowledgeFromResult(ctx, tenantID, channel, payload, selection, result); id != "" {
		result.KnowledgeCreated = append(result.KnowledgeCreated, id)
	}

	o.updateMetrics(ctx, tenantID, result)
	o.metrics.ObserveRequest(selection.Name, result.Success, o.now().Sub(start))

	outcome := &domain.RequestOutcome{
		Success:          result.Success,
		Result:           result.Result,
		Error:            result.ErrorMessage,
		CrewUsed:         selection.Name,
		ToolsUsed:        result.ToolsUsed,
		KnowledgeCreated: result.KnowledgeCreated,
		ExecutionTime:    result.ExecutionTime,
	}
	return outcome, nil
}

// executeWithDynamicTools assembles the tool union and knowledge context for
// the selection and invokes the crew. Registries named by the selection but
// absent or empty in the discovery result contribute nothing; the crew runs
// with whatever capabilities are actually available.
func (o *Orchestrator) executeWithDynamicTools(ctx context.Context, tenantID string, selection domain.CrewSelection, available map[string][]domain.ToolMetadata, payload string) domain.ExecutionResult {
	var tools []domain.ToolMetadata
	for _, source := range selection.RequiredSources {
		tools = append(tools, available[source]...)
	}

	knowledgeIDs := o.gatherKnowledge(ctx, tenantID, selection, payload)

	toolNames := make([]string, 0, len(tools))
	for _, tool := range tools {
		toolNames = append(toolNames, tool.Name)
	}

	start := o.now()
	value, err := o.executor.Execute(ctx, selection.Name, tools, knowledgeIDs, payload)
	elapsed := o.now().Sub(start)

	result := domain.ExecutionResult{
		CrewName:          selection.Name,
		Success:           err == nil,
		Result:            value,
		ExecutionTime:     elapsed,
		ToolsUsed:         toolNames,
		KnowledgeConsumed: knowledgeIDs,
	}
	if err != nil {
		result.ErrorMessage = err.Error()
		o.logger.Warn("crew execution failed",
			zap.String("tenant", tenantID),
			zap.String("crew", selection.Name),
			zap.Error(err),
		)
	}
	return result
}

// gatherKnowledge collects context ids for the crew: recent items on the
// crew's topic, plus a content pass when the payload is long enough to make
// substring matching meaningful.
func (o *Orchestrator) gatherKnowledge(ctx context.Context, tenantID string, selection domain.CrewSelection, payload string) []string {
	_, topic := knowledgeShape(selection.Name)

	items := o.knowledge.SearchByTopic(ctx, tenantID, topic, knowledgeContextLimit, nil)
	if len(payload) >= domain.MinContentSearchLen {
		items = append(items, o.knowledge.SearchByContent(ctx, tenantID, payload, knowledgeContextLimit)...)
	}

	seen := make(map[string]struct{}, len(items))
	var ids []string
	for _, item := range items {
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		ids = append(ids, item.ID)
	}
	return ids
}

// createKnowledgeFromResult records one knowledge item per execution,
// successful or not. The failure item keeps the original query and crew so
// the attempt remains auditable.
func (o *Orchestrator) createKnowledgeFromResult(ctx context.Context, tenantID, channel, payload string, selection domain.CrewSelection, result domain.ExecutionResult) string {
	knowledgeType, topic := knowledgeShape(selection.Name)

	content := map[string]any{
		"query":   payload,
		"channel": channel,
		"crew":    selection.Name,
		"success": result.Success,
	}
	if result.Success {
		content["result"] = result.Result
	} else {
		content["error"] = result.ErrorMessage
	}

	title := fmt.Sprintf("%s execution", selection.Name)
	if !result.Success {
		title = fmt.Sprintf("%s execution failed", selection.Name)
	}

	item := domain.KnowledgeItem{
		ID:          domain.NewKnowledgeID(),
		Type:        knowledgeType,
		Topic:       topic,
		Title:       title,
		Content:     content,
		SourceAgent: "orchestrator",
		SourceCrew:  selection.Name,
		TenantID:    tenantID,
		Tags:        []string{selection.Kind},
	}

	if !o.knowledge.Store(ctx, item, true) {
		o.logger.Warn("execution knowledge not recorded",
			zap.String("tenant", tenantID),
			zap.String("crew", selection.Name),
		)
		return ""
	}
	return item.ID
}

// updateMetrics folds the result into the tenant's accumulated counters. The
// read-modify-write is not transactional; concurrent requests for one tenant
// may undercount.
func (o *Orchestrator) updateMetrics(ctx context.Context, tenantID string, result domain.ExecutionResult) {
	record := domain.NewExecutionMetrics()
	if raw, err := o.cache.Get(ctx, tenantID, domain.DataTypeMetrics, metricsIdentifier); err == nil {
		if err := json.Unmarshal(raw, record); err != nil {
			record = domain.NewExecutionMetrics()
		}
	}

	record.Record(result, o.now())

	raw, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := o.cache.Set(ctx, tenantID, domain.DataTypeMetrics, metricsIdentifier, raw, domain.DefaultMetricsTTL); err != nil {
		o.logger.Warn("metrics update failed", zap.String("tenant", tenantID), zap.Error(err))
	}
}

// ExecutionMetrics returns the tenant's accumulated counters, zeroed when
// nothing has been recorded or the cache is unavailable.
func (o *Orchestrator) ExecutionMetrics(ctx context.Context, tenantID string) *domain.ExecutionMetrics {
	record := domain.NewExecutionMetrics()
	raw, err := o.cache.Get(ctx, tenantID, domain.DataTypeMetrics, metricsIdentifier)
	if err != nil {
		return record
	}
	if err := json.Unmarshal(raw, record); err != nil {
		return domain.NewExecutionMetrics()
	}
	return record
}

// GetHealthStatus probes every registry and aggregates: healthy when all
// respond, degraded when at least one does, down otherwise.
func (o *Orchestrator) GetHealthStatus(ctx context.Context) domain.HealthStatus {
	registries := o.discovery.CheckHealth(ctx)

	healthy := 0
	for _, probe := range registries {
		if probe.Healthy {
			healthy++
		}
	}

	status := domain.HealthStatusDown
	switch {
	case len(registries) == 0 || healthy == len(registries):
		status = domain.HealthStatusHealthy
	case healthy > 0:
		status = domain.HealthStatusDegraded
	}

	return domain.HealthStatus{
		Status:     status,
		Registries: registries,
		CheckedAt:  o.now(),
	}
}
