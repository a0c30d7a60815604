package knowledge

import (
	"sync"
	"time"

	"crewd/internal/domain"
)

// mirror is the in-process tier of the two-tier read path. It holds items
// keyed exactly like the cache, so its contents are always a subset of cache
// state. Entries leave the mirror only through their own expiry check or an
// explicit drop after a cache delete, never through proactive invalidation.
type mirror struct {
	mu    sync.RWMutex
	items map[string]domain.KnowledgeItem
}

func newMirror() *mirror {
	return &mirror{items: make(map[string]domain.KnowledgeItem)}
}

func (m *mirror) get(key string, now time.Time) (domain.KnowledgeItem, bool) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return domain.KnowledgeItem{}, false
	}
	if item.Expired(now) {
		m.drop(key)
		return domain.KnowledgeItem{}, false
	}
	return item, true
}

func (m *mirror) put(key string, item domain.KnowledgeItem) {
	m.mu.Lock()
	m.items[key] = item
	m.mu.Unlock()
}

func (m *mirror) drop(key string) {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}
