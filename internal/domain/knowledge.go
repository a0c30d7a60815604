package domain

import (
	"time"

	"github.com/google/uuid"
)

// KnowledgeType is the closed set of knowledge categories. Each type carries
// its own retention policy; see KnowledgeTTL.
type KnowledgeType string

const (
	KnowledgeProductInfo         KnowledgeType = "product-info"
	KnowledgeCustomerInsight     KnowledgeType = "customer-insight"
	KnowledgeConversationSummary KnowledgeType = "conversation-summary"
	KnowledgeAnalysisResult      KnowledgeType = "analysis-result"
	KnowledgeRecommendation      KnowledgeType = "recommendation"
	KnowledgeMarketData          KnowledgeType = "market-data"
	KnowledgeTechnicalSpec       KnowledgeType = "technical-spec"
	KnowledgeGeneralFact         KnowledgeType = "general-fact"
	KnowledgeGeneral             KnowledgeType = "general"
)

// KnowledgeTypes lists every known type in declaration order. Search and
// cleanup sweeps iterate this list.
var KnowledgeTypes = []KnowledgeType{
	KnowledgeProductInfo,
	KnowledgeCustomerInsight,
	KnowledgeConversationSummary,
	KnowledgeAnalysisResult,
	KnowledgeRecommendation,
	KnowledgeMarketData,
	KnowledgeTechnicalSpec,
	KnowledgeGeneralFact,
	KnowledgeGeneral,
}

// knowledgeTTLs tiers retention by how fast each kind of knowledge goes stale:
// slow-changing product/technical facts live longest, market data shortest.
// Kept as data so adding a type is a one-line change.
var knowledgeTTLs = map[KnowledgeType]time.Duration{
	KnowledgeProductInfo:         30 * 24 * time.Hour,
	KnowledgeTechnicalSpec:       30 * 24 * time.Hour,
	KnowledgeCustomerInsight:     14 * 24 * time.Hour,
	KnowledgeGeneralFact:         14 * 24 * time.Hour,
	KnowledgeConversationSummary: 7 * 24 * time.Hour,
	KnowledgeAnalysisResult:      7 * 24 * time.Hour,
	KnowledgeRecommendation:      7 * 24 * time.Hour,
	KnowledgeGeneral:             7 * 24 * time.Hour,
	KnowledgeMarketData:          3 * 24 * time.Hour,
}

// KnowledgeTTL returns the default retention for a knowledge type. Unknown
// types fall back to the general tier.
func KnowledgeTTL(t KnowledgeType) time.Duration {
	if ttl, ok := knowledgeTTLs[t]; ok {
		return ttl
	}
	return knowledgeTTLs[KnowledgeGeneral]
}

// IsValidKnowledgeType reports whether t is one of the closed enum values.
func IsValidKnowledgeType(t KnowledgeType) bool {
	_, ok := knowledgeTTLs[t]
	return ok
}

// KnowledgeItem is a typed, topic-indexed, TTL-governed fact shared across
// executions. Items are replaced whole, never patched in place.
type KnowledgeItem struct {
	ID              string         `json:"id"`
	Type            KnowledgeType  `json:"type"`
	Topic           string         `json:"topic"`
	Title           string         `json:"title"`
	Content         map[string]any `json:"content"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	SourceAgent     string         `json:"sourceAgent"`
	SourceCrew      string         `json:"sourceCrew,omitempty"`
	TenantID        string         `json:"tenantId"`
	CreatedAt       time.Time      `json:"createdAt"`
	ExpiresAt       *time.Time     `json:"expiresAt,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	ConfidenceScore float64        `json:"confidenceScore"`
}

// Validate checks the required-field invariants. Content must be a structured
// record, never opaque bytes.
func (k *KnowledgeItem) Validate() error {
	switch {
	case k.ID == "":
		return E(CodeInvalidArgument, "knowledge.validate", "missing id", ErrInvalidKnowledge)
	case k.Topic == "":
		return E(CodeInvalidArgument, "knowledge.validate", "missing topic", ErrInvalidKnowledge)
	case k.Title == "":
		return E(CodeInvalidArgument, "knowledge.validate", "missing title", ErrInvalidKnowledge)
	case k.SourceAgent == "":
		return E(CodeInvalidArgument, "knowledge.validate", "missing sourceAgent", ErrInvalidKnowledge)
	case k.TenantID == "":
		return E(CodeInvalidArgument, "knowledge.validate", "missing tenantId", ErrInvalidKnowledge)
	case k.Content == nil:
		return E(CodeInvalidArgument, "knowledge.validate", "content must be a structured record", ErrInvalidKnowledge)
	}
	if !IsValidKnowledgeType(k.Type) {
		return E(CodeInvalidArgument, "knowledge.validate", "unknown knowledge type "+string(k.Type), ErrInvalidKnowledge)
	}
	return nil
}

// Expired reports whether the item's explicit expiry has passed.
func (k *KnowledgeItem) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// HasAnyTag reports whether the item's tag set intersects the given tags.
func (k *KnowledgeItem) HasAnyTag(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, want := range tags {
		for _, have := range k.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

// NewKnowledgeID generates a fresh knowledge item id.
func NewKnowledgeID() string {
	return uuid.NewString()
}

// KnowledgeEventType labels a knowledge change notification.
type KnowledgeEventType string

const (
	KnowledgeEventCreated KnowledgeEventType = "created"
	KnowledgeEventUpdated KnowledgeEventType = "updated"
	KnowledgeEventDeleted KnowledgeEventType = "deleted"
)

// KnowledgeEvent is an append-only change notification on the tenant log.
// Events are never mutated; the log trims from the tail by max length.
type KnowledgeEvent struct {
	EventID     string             `json:"eventId"`
	EventType   KnowledgeEventType `json:"eventType"`
	KnowledgeID string             `json:"knowledgeId"`
	Topic       string             `json:"topic"`
	Summary     string             `json:"summary"`
	SourceAgent string             `json:"sourceAgent"`
	SourceCrew  string             `json:"sourceCrew,omitempty"`
	TenantID    string             `json:"tenantId"`
	Timestamp   time.Time          `json:"timestamp"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}
