package domain

import "time"

// CrewSelection names the execution unit chosen for a request and the
// registries whose capabilities it needs. Derived per request, never persisted.
type CrewSelection struct {
	Name            string
	Kind            string
	Priority        int
	RequiredSources []string
}

// ExecutionResult captures the outcome of one crew execution. It is produced
// once per request, consumed by the knowledge-recording and metrics steps, and
// then discarded.
type ExecutionResult struct {
	CrewName          string         `json:"crewName"`
	Success           bool           `json:"success"`
	Result            any            `json:"result,omitempty"`
	ExecutionTime     time.Duration  `json:"executionTime"`
	ToolsUsed         []string       `json:"toolsUsed,omitempty"`
	KnowledgeCreated  []string       `json:"knowledgeCreated,omitempty"`
	KnowledgeConsumed []string       `json:"knowledgeConsumed,omitempty"`
	ErrorMessage      string         `json:"errorMessage,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// ExecutionMetrics accumulates per-tenant counters in the cache. Updates are
// additive read-modify-write without a transaction; concurrent updates for one
// tenant may lose increments, which is accepted at this layer.
type ExecutionMetrics struct {
	TotalExecutions      int64            `json:"totalExecutions"`
	SuccessfulExecutions int64            `json:"successfulExecutions"`
	TotalExecutionTime   time.Duration    `json:"totalExecutionTime"`
	CrewUsage            map[string]int64 `json:"crewUsage"`
	ToolUsage            map[string]int64 `json:"toolUsage"`
	LastUpdated          time.Time        `json:"lastUpdated"`
}

// NewExecutionMetrics returns a zeroed metrics record with allocated maps.
func NewExecutionMetrics() *ExecutionMetrics {
	return &ExecutionMetrics{
		CrewUsage: make(map[string]int64),
		ToolUsage: make(map[string]int64),
	}
}

// Record folds one execution result into the counters.
func (m *ExecutionMetrics) Record(result ExecutionResult, now time.Time) {
	if m.CrewUsage == nil {
		m.CrewUsage = make(map[string]int64)
	}
	if m.ToolUsage == nil {
		m.ToolUsage = make(map[string]int64)
	}
	m.TotalExecutions++
	if result.Success {
		m.SuccessfulExecutions++
	}
	m.TotalExecutionTime += result.ExecutionTime
	m.CrewUsage[result.CrewName]++
	for _, tool := range result.ToolsUsed {
		m.ToolUsage[tool]++
	}
	m.LastUpdated = now
}

// RequestOutcome is the response shape of ProcessRequest.
type RequestOutcome struct {
	Success          bool          `json:"success"`
	Result           any           `json:"result,omitempty"`
	Error            string        `json:"error,omitempty"`
	CrewUsed         string        `json:"crewUsed"`
	ToolsUsed        []string      `json:"toolsUsed,omitempty"`
	KnowledgeCreated []string      `json:"knowledgeCreated,omitempty"`
	ExecutionTime    time.Duration `json:"executionTime"`
}

// RegistryHealth is one registry's probe outcome.
type RegistryHealth struct {
	Registry  string        `json:"registry"`
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// HealthStatus aggregates per-registry probes. Status is "healthy" when all
// registries respond, "degraded" when at least one does, "down" otherwise.
type HealthStatus struct {
	Status     string                    `json:"status"`
	Registries map[string]RegistryHealth `json:"registries"`
	CheckedAt  time.Time                 `json:"checkedAt"`
}

const (
	HealthStatusHealthy  = "healthy"
	HealthStatusDegraded = "degraded"
	HealthStatusDown     = "down"
)
