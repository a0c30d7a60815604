package domain

import "time"

// DiscoveryOutcome labels how a registry fetch ended.
type DiscoveryOutcome string

const (
	DiscoveryOutcomeFetched     DiscoveryOutcome = "fetched"
	DiscoveryOutcomeCached      DiscoveryOutcome = "cached"
	DiscoveryOutcomeUnreachable DiscoveryOutcome = "unreachable"
)

// KnowledgeOp labels a knowledge manager operation for metrics.
type KnowledgeOp string

const (
	KnowledgeOpStore    KnowledgeOp = "store"
	KnowledgeOpRetrieve KnowledgeOp = "retrieve"
	KnowledgeOpSearch   KnowledgeOp = "search"
	KnowledgeOpCleanup  KnowledgeOp = "cleanup"
)

// Metrics records process-level operational metrics. The per-tenant
// ExecutionMetrics record in the cache is separate; this interface feeds the
// Prometheus exposition.
type Metrics interface {
	ObserveRequest(crew string, success bool, duration time.Duration)
	ObserveDiscovery(registry string, outcome DiscoveryOutcome, duration time.Duration)
	SetRegistryTools(registry string, count int)
	ObserveKnowledgeOp(op KnowledgeOp, ok bool)
	ObserveEventAppended(eventType KnowledgeEventType)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) ObserveRequest(string, bool, time.Duration)               {}
func (NopMetrics) ObserveDiscovery(string, DiscoveryOutcome, time.Duration) {}
func (NopMetrics) SetRegistryTools(string, int)                             {}
func (NopMetrics) ObserveKnowledgeOp(KnowledgeOp, bool)                     {}
func (NopMetrics) ObserveEventAppended(KnowledgeEventType)                  {}

var _ Metrics = NopMetrics{}
