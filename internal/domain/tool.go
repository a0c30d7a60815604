package domain

import (
	"fmt"
	"time"
)

// ToolParameter describes one parameter of a discovered tool. Parameters keep
// their declaration order, so they are a slice rather than a map.
type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ToolMetadata is the normalized shape of a capability exposed by a registry.
// Instances are immutable once fetched; a later discovery cycle supersedes
// them wholesale rather than mutating in place.
type ToolMetadata struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  []ToolParameter `json:"parameters,omitempty"`
	Source      string          `json:"source"`
	LastUpdated time.Time       `json:"lastUpdated"`
	CacheKey    string          `json:"cacheKey"`
}

// ToolCacheKey composes the discovery cache identifier for a registry. The
// trailing "all" segment distinguishes the full-set entry from any future
// per-capability entries.
func ToolCacheKey(registry string) string {
	return fmt.Sprintf("%s:all", registry)
}

// CloneToolMetadata returns a deep copy so cached entries cannot be mutated
// through returned slices.
func CloneToolMetadata(t ToolMetadata) ToolMetadata {
	clone := t
	if len(t.Parameters) > 0 {
		clone.Parameters = make([]ToolParameter, len(t.Parameters))
		copy(clone.Parameters, t.Parameters)
	}
	return clone
}

// CloneToolSet deep-copies a tool list.
func CloneToolSet(tools []ToolMetadata) []ToolMetadata {
	if tools == nil {
		return nil
	}
	out := make([]ToolMetadata, len(tools))
	for i, t := range tools {
		out[i] = CloneToolMetadata(t)
	}
	return out
}
