package knowledge

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crewd/internal/domain"
)

// topicsCatalogKey indexes the set of topics a tenant has stored under, so
// topic-less retrieval, content search and cleanup can enumerate them.
const topicsCatalogKey = "__topics"

// Options configures the knowledge manager.
type Options struct {
	Store       domain.TenantStore
	Metrics     domain.Metrics
	Logger      *zap.Logger
	EventMaxLen int64
	ReadBlock   time.Duration
}

// Manager stores and retrieves typed, topic-indexed, TTL-governed knowledge
// items on behalf of all crews, and emits change events onto the tenant log.
type Manager struct {
	store       domain.TenantStore
	metrics     domain.Metrics
	logger      *zap.Logger
	eventMaxLen int64
	readBlock   time.Duration
	mirror      *mirror
	now         func() time.Time

	subsMu sync.Mutex
	subs   map[string]map[string]struct{} // tenant:topic -> subscriber ids
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	eventMaxLen := opts.EventMaxLen
	if eventMaxLen <= 0 {
		eventMaxLen = domain.DefaultEventStreamMaxLen
	}
	readBlock := opts.ReadBlock
	if readBlock <= 0 {
		readBlock = domain.DefaultEventReadBlock
	}
	return &Manager{
		store:       opts.Store,
		metrics:     metrics,
		logger:      logger.Named("knowledge"),
		eventMaxLen: eventMaxLen,
		readBlock:   readBlock,
		mirror:      newMirror(),
		now:         time.Now,
	}
}

func itemIdentifier(topic, id string) string {
	return topic + ":" + id
}

// effectiveTTL is the type-default TTL, shortened to the explicit expiry when
// one is set and nearer. Correctness does not depend on the backend TTL; the
// ExpiresAt check on every read governs, TTL only reclaims space.
func effectiveTTL(item domain.KnowledgeItem, now time.Time) time.Duration {
	ttl := domain.KnowledgeTTL(item.Type)
	if item.ExpiresAt != nil {
		if until := item.ExpiresAt.Sub(now); until > 0 && until < ttl {
			ttl = until
		}
	}
	return ttl
}

// Store validates and writes an item, indexes it by topic, and, when notify
// is set, appends a change event to the tenant log. Returns false on
// validation failure or cache unavailability; never raises.
func (m *Manager) Store(ctx context.Context, item domain.KnowledgeItem, notify bool) bool {
	now := m.now()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}

	if err := item.Validate(); err != nil {
		m.logger.Warn("rejecting invalid knowledge item",
			zap.String("tenant", item.TenantID),
			zap.String("topic", item.Topic),
			zap.Error(err),
		)
		m.metrics.ObserveKnowledgeOp(domain.KnowledgeOpStore, false)
		return false
	}

	ttl := effectiveTTL(item, now)
	identifier := itemIdentifier(item.Topic, item.ID)

	raw, err := json.Marshal(item)
	if err != nil {
		m.logger.Error("encode knowledge item", zap.Error(err))
		m.metrics.ObserveKnowledgeOp(domain.KnowledgeOpStore, false)
		return false
	}

	eventType := domain.KnowledgeEventCreated
	if _, err := m.store.Get(ctx, item.TenantID, domain.DataTypeKnowledge, identifier); err == nil {
		eventType = domain.KnowledgeEventUpdated
	}

	if err := m.store.Set(ctx, item.TenantID, domain.DataTypeKnowledge, identifier, raw, ttl); err != nil {
		m.logger.Warn("knowledge store failed",
			zap.String("tenant", item.TenantID),
			zap.String("topic", item.Topic),
			zap.Error(err),
		)
		m.metrics.ObserveKnowledgeOp(domain.KnowledgeOpStore, false)
		return false
	}
	m.mirror.put(domain.CacheKey(item.TenantID, domain.DataTypeKnowledge, identifier), item)

	m.appendToIndex(ctx, item.TenantID, item.Topic, item.ID, ttl)
	m.appendToTopicsCatalog(ctx, item.TenantID, item.Topic)

	if notify {
		m.emitEvent(ctx, item, eventType)
	}

	m.metrics.ObserveKnowledgeOp(domain.KnowledgeOpStore, true)
	return true
}

// appendToIndex adds id to the per-topic index if absent. This is a
// read-modify-write on a shared key without a transaction: two concurrent
// writers may each miss the other's append and the loser's write can clobber
// the winner's. Accepted; under-indexing is recoverable by CleanupExpired.
func (m *Manager) appendToIndex(ctx context.Context, tenantID, topic, id string, ttl time.Duration) {
	ids := m.readIndex(ctx, tenantID, topic)
	for _, existing := range ids {
		if existing == id {
			return
		}
	}
	ids = append(ids, id)
	m.writeIndex(ctx, tenantID, topic, ids, ttl)
}

func (m *Manager) readIndex(ctx context.Context, tenantID, topic string) []string {
	raw, err := m.store.Get(ctx, tenantID, domain.DataTypeKnowledgeIndex, topic)
	if err != nil {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil
	}
	return ids
}

func (m *Manager) writeIndex(ctx context.Context, tenantID, topic string, ids []string, ttl time.Duration) {
	raw, err := json.Marshal(ids)
	if err != nil {
		return
	}
	if err := m.store.Set(ctx, tenantID, domain.DataTypeKnowledgeIndex, topic, raw, ttl); err != nil {
		m.logger.Warn("topic index write failed",
			zap.String("tenant", tenantID),
			zap.String("topic", topic),
			zap.Error(err),
		)
	}
}

func (m *Manager) appendToTopicsCatalog(ctx context.Context, tenantID, topic string) {
	topics := m.knownTopics(ctx, tenantID)
	for _, existing := range topics {
		if existing == topic {
			return
		}
	}
	topics = append(topics, topic)
	raw, err := json.Marshal(topics)
	if err != nil {
		return
	}
	if err := m.store.Set(ctx, tenantID, domain.DataTypeKnowledgeIndex, topicsCatalogKey, raw, 0); err != nil {
		m.logger.Warn("topics catalog write failed", zap.String("tenant", tenantID), zap.Error(err))
	}
}

func (m *Manager) knownTopics(ctx context.Context, tenantID string) []string {
	raw, err := m.store.Get(ctx, tenantID, domain.DataTypeKnowledgeIndex, topicsCatalogKey)
	if err != nil {
		return nil
	}
	var topics []string
	if err := json.Unmarshal(raw, &topics); err != nil {
		return nil
	}
	return topics
}

func (m *Manager) emitEvent(ctx context.Context, item domain.KnowledgeItem, eventType domain.KnowledgeEventType) {
	event := domain.KnowledgeEvent{
		EventID:     uuid.NewString(),
		EventType:   eventType,
		KnowledgeID: item.ID,
		Topic:       item.Topic,
		Summary:     item.Title,
		SourceAgent: item.SourceAgent,
		SourceCrew:  item.SourceCrew,
		TenantID:    item.TenantID,
		Timestamp:   m.now(),
	}
	if !m.hasSubscribers(item.TenantID, item.Topic) {
		// No in-process interest; log consumers still see the event.
		m.logger.Debug("no subscribers for topic",
			zap.String("tenant", item.TenantID),
			zap.String("topic", item.Topic),
		)
	}

	stream := domain.StreamName(item.TenantID, domain.EventKindKnowledge)
	if _, err := m.store.Append(ctx, stream, eventFields(event), m.eventMaxLen); err != nil {
		m.logger.Warn("knowledge event append failed",
			zap.String("tenant", item.TenantID),
			zap.String("topic", item.Topic),
			zap.Error(err),
		)
		return
	}
	m.metrics.ObserveEventAppended(eventType)
}

func eventFields(event domain.KnowledgeEvent) map[string]string {
	fields := map[string]string{
		"eventId":     event.EventID,
		"eventType":   string(event.EventType),
		"knowledgeId": event.KnowledgeID,
		"topic":       event.Topic,
		"summary":     event.Summary,
		"sourceAgent": event.SourceAgent,
		"tenantId":    event.TenantID,
		"timestamp":   event.Timestamp.Format(time.RFC3339Nano),
	}
	if event.SourceCrew != "" {
		fields["sourceCrew"] = event.SourceCrew
	}
	return fields
}

func eventFromFields(id string, fields map[string]string) domain.KnowledgeEvent {
	event := domain.KnowledgeEvent{
		EventID:     fields["eventId"],
		EventType:   domain.KnowledgeEventType(fields["eventType"]),
		KnowledgeID: fields["knowledgeId"],
		Topic:       fields["topic"],
		Summary:     fields["summary"],
		SourceAgent: fields["sourceAgent"],
		SourceCrew:  fields["sourceCrew"],
		TenantID:    fields["tenantId"],
	}
	if event.EventID == "" {
		event.EventID = id
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["timestamp"]); err == nil {
		event.Timestamp = ts
	}
	return event
}

// Retrieve looks an item up by id, via the mirror first, then the cache. An
// item whose explicit expiry has passed is deleted on the spot and reported
// absent. With an empty topic every known topic is tried.
func (m *Manager) Retrieve(ctx context.Context, tenantID, id, topic string) (domain.KnowledgeItem, bool) {
	topics := []string{topic}
	if topic == "" {
		topics = m.knownTopics(ctx, tenantID)
	}
	for _, candidate := range topics {
		if item, ok := m.retrieveFromTopic(ctx, tenantID, id, candidate); ok {
			m.metrics.ObserveKnowledgeOp(domain.KnowledgeOpRetrieve, true)
			return item, true
		}
	}
	m.metrics.ObserveKnowledgeOp(domain.KnowledgeOpRetrieve, false)
	return domain.KnowledgeItem{}, false
}

func (m *Manager) retrieveFromTopic(ctx context.Context, tenantID, id, topic string) (domain.KnowledgeItem, bool) {
	now := m.now()
	identifier := itemIdentifier(topic, id)
	key := domain.CacheKey(tenantID, domain.DataTypeKnowledge, identifier)

	if item, ok := m.mirror.get(key, now); ok {
		return item, true
	}

	raw, err := m.store.Get(ctx, tenantID, domain.DataTypeKnowledge, identifier)
	if err != nil {
		return domain.KnowledgeItem{}, false
	}
	var item domain.KnowledgeItem
	if err := json.Unmarshal(raw, &item); err != nil {
		m.logger.Warn("corrupt knowledge entry",
			zap.String("tenant", tenantID),
			zap.String("id", id),
			zap.Error(err),
		)
		return domain.KnowledgeItem{}, false
	}
	if item.Expired(now) {
		m.deleteItem(ctx, tenantID, topic, id)
		return domain.KnowledgeItem{}, false
	}

	m.mirror.put(key, item)
	return item, true
}

func (m *Manager) deleteItem(ctx context.Context, tenantID, topic, id string) {
	identifier := itemIdentifier(topic, id)
	if err := m.store.Delete(ctx, tenantID, domain.DataTypeKnowledge, identifier); err != nil {
		m.logger.Warn("knowledge delete failed",
			zap.String("tenant", tenantID),
			zap.String("id", id),
			zap.Error(err),
		)
	}
	m.mirror.drop(domain.CacheKey(tenantID, domain.DataTypeKnowledge, identifier))
}

// SearchByTopic returns up to limit items under a topic, newest first,
// optionally filtered to items whose tag set intersects tags. Up to 2×limit
// candidates are fetched before tag filtering truncates the result.
func (m *Manager) SearchByTopic(ctx context.Context, tenantID, topic string, limit int, tags []string) []domain.KnowledgeItem {
	if limit <= 0 {
		return nil
	}
	ids := m.readIndex(ctx, tenantID, topic)

	var items []domain.KnowledgeItem
	// The index appends oldest-first; walk it backwards for newest-first.
	for i := len(ids) - 1; i >= 0 && len(items) < 2*limit; i-- {
		item, ok := m.retrieveFromTopic(ctx, tenantID, ids[i], topic)
		if !ok {
			continue
		}
		if !item.HasAnyTag(tags) {
			continue
		}
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	m.metrics.ObserveKnowledgeOp(domain.KnowledgeOpSearch, len(items) > 0)
	return items
}

// SearchByContent scans the tenant's items of every known type for a
// case-insensitive substring match across title, serialized content and tags,
// ranked by (confidence, createdAt) descending.
func (m *Manager) SearchByContent(ctx context.Context, tenantID, query string, limit int) []domain.KnowledgeItem {
	if limit <= 0 || strings.TrimSpace(query) == "" {
		return nil
	}
	needle := strings.ToLower(query)

	byType := make(map[domain.KnowledgeType][]domain.KnowledgeItem)
	for _, topic := range m.knownTopics(ctx, tenantID) {
		for _, id := range m.readIndex(ctx, tenantID, topic) {
			item, ok := m.retrieveFromTopic(ctx, tenantID, id, topic)
			if !ok {
				continue
			}
			if matchesContent(item, needle) {
				byType[item.Type] = append(byType[item.Type], item)
			}
		}
	}

	var matches []domain.KnowledgeItem
	for _, knownType := range domain.KnowledgeTypes {
		matches = append(matches, byType[knownType]...)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].ConfidenceScore != matches[j].ConfidenceScore {
			return matches[i].ConfidenceScore > matches[j].ConfidenceScore
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	m.metrics.ObserveKnowledgeOp(domain.KnowledgeOpSearch, len(matches) > 0)
	return matches
}

func matchesContent(item domain.KnowledgeItem, needle string) bool {
	if strings.Contains(strings.ToLower(item.Title), needle) {
		return true
	}
	for _, tag := range item.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	if raw, err := json.Marshal(item.Content); err == nil {
		if strings.Contains(strings.ToLower(string(raw)), needle) {
			return true
		}
	}
	return false
}

// Subscribe records in-process interest in a (tenant, topic) pair. The set is
// an emission hint only; delivery always goes through the tenant log.
func (m *Manager) Subscribe(tenantID, topic, subscriberID string) {
	key := tenantID + ":" + topic
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if m.subs == nil {
		m.subs = make(map[string]map[string]struct{})
	}
	if m.subs[key] == nil {
		m.subs[key] = make(map[string]struct{})
	}
	m.subs[key][subscriberID] = struct{}{}
}

// Unsubscribe removes a subscriber's interest; no-op when absent.
func (m *Manager) Unsubscribe(tenantID, topic, subscriberID string) {
	key := tenantID + ":" + topic
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if subs, ok := m.subs[key]; ok {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(m.subs, key)
		}
	}
}

func (m *Manager) hasSubscribers(tenantID, topic string) bool {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	return len(m.subs[tenantID+":"+topic]) > 0
}

// ReadEvents reads knowledge events from the tenant log past fromID, blocking
// briefly for new entries and returning empty on timeout rather than hanging.
func (m *Manager) ReadEvents(ctx context.Context, tenantID, fromID string, count int64) []domain.KnowledgeEvent {
	if count <= 0 {
		count = domain.DefaultEventReadCount
	}
	stream := domain.StreamName(tenantID, domain.EventKindKnowledge)
	messages, err := m.store.Read(ctx, stream, fromID, count, m.readBlock)
	if err != nil {
		m.logger.Warn("event read failed", zap.String("tenant", tenantID), zap.Error(err))
		return nil
	}
	events := make([]domain.KnowledgeEvent, 0, len(messages))
	for _, msg := range messages {
		events = append(events, eventFromFields(msg.ID, msg.Fields))
	}
	return events
}

// CleanupExpired eagerly sweeps every known topic, deleting items whose
// expiry has passed and pruning index entries whose items are gone. Returns
// the number of items removed.
func (m *Manager) CleanupExpired(ctx context.Context, tenantID string) int {
	now := m.now()
	removed := 0

	for _, topic := range m.knownTopics(ctx, tenantID) {
		ids := m.readIndex(ctx, tenantID, topic)
		if len(ids) == 0 {
			continue
		}

		kept := ids[:0]
		changed := false
		for _, id := range ids {
			identifier := itemIdentifier(topic, id)
			raw, err := m.store.Get(ctx, tenantID, domain.DataTypeKnowledge, identifier)
			if err != nil {
				// Already reclaimed by the backend TTL; prune the index entry.
				m.mirror.drop(domain.CacheKey(tenantID, domain.DataTypeKnowledge, identifier))
				removed++
				changed = true
				continue
			}
			var item domain.KnowledgeItem
			if err := json.Unmarshal(raw, &item); err != nil || item.Expired(now) {
				m.deleteItem(ctx, tenantID, topic, id)
				removed++
				changed = true
				continue
			}
			kept = append(kept, id)
		}
		if changed {
			m.writeIndex(ctx, tenantID, topic, append([]string(nil), kept...), domain.KnowledgeTTL(domain.KnowledgeGeneral))
		}
	}

	m.metrics.ObserveKnowledgeOp(domain.KnowledgeOpCleanup, true)
	return removed
}
