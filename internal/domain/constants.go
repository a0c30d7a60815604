package domain

import "time"

const (
	DefaultRegistryTimeoutSeconds  = 10
	DefaultRegistryCacheTTLSeconds = 300
	DefaultHealthProbeTimeout      = 2 * time.Second
	DefaultEventStreamMaxLen       = 1000
	DefaultEventReadBlock          = 1 * time.Second
	DefaultEventReadCount          = 10
	DefaultMetricsTTL              = 0 * time.Second // metrics never expire
	DefaultGatewayListenAddress    = "0.0.0.0:8080"
	DefaultObservabilityAddress    = "0.0.0.0:9090"

	// EventKindKnowledge is the tenant log stream suffix for knowledge events.
	EventKindKnowledge = "knowledge_events"

	// MinContentSearchLen is the minimum payload length before the
	// orchestrator adds a content-similarity knowledge pass.
	MinContentSearchLen = 12
)
