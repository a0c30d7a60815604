package domain

import (
	"context"
	"fmt"
	"time"
)

// DataType partitions cache keys by the kind of value stored under them.
type DataType string

const (
	DataTypeKnowledge      DataType = "KNOWLEDGE"
	DataTypeKnowledgeIndex DataType = "KNOWLEDGE_INDEX"
	DataTypeTools          DataType = "TOOLS"
	DataTypeMetrics        DataType = "METRICS"
)

// CacheKey composes the canonical key for a tenant-scoped cache entry. Every
// backend composes keys identically so in-process mirrors stay a strict subset
// of cache state.
func CacheKey(tenantID string, dataType DataType, identifier string) string {
	return fmt.Sprintf("%s:%s:%s", tenantID, dataType, identifier)
}

// StreamName composes the per-tenant log stream for an event kind.
func StreamName(tenantID, eventKind string) string {
	return fmt.Sprintf("%s:%s", tenantID, eventKind)
}

// TenantCache is the shared key-value collaborator. Values are opaque JSON;
// a ttl of zero stores without expiry. Get returns ErrCacheMiss when the key
// is absent or expired; backend outages surface as other errors, which callers
// treat as "nothing cached" rather than failures.
type TenantCache interface {
	Get(ctx context.Context, tenantID string, dataType DataType, identifier string) ([]byte, error)
	Set(ctx context.Context, tenantID string, dataType DataType, identifier string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, tenantID string, dataType DataType, identifier string) error
}

// StreamMessage is one entry read from a tenant log.
type StreamMessage struct {
	ID     string
	Fields map[string]string
}

// TenantLog is the append-only per-tenant event channel. Append trims the
// stream to maxLen, dropping oldest entries first. Read blocks up to block for
// new entries past fromID and returns an empty slice on timeout.
type TenantLog interface {
	Append(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error)
	Read(ctx context.Context, stream, fromID string, count int64, block time.Duration) ([]StreamMessage, error)
}

// TenantStore bundles the cache and log halves of a backend that provides
// both, which all shipped backends do.
type TenantStore interface {
	TenantCache
	TenantLog
}
