package cache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"crewd/internal/domain"
)

// Memory is an in-process TenantStore. It backs tests and single-process
// deployments; semantics match the Redis backend, including lazy expiry and
// capped streams with blocking cursor reads.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	streams map[string]*memoryStream
	seq     uint64
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

type memoryStream struct {
	messages []domain.StreamMessage
	notify   chan struct{}
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		streams: make(map[string]*memoryStream),
	}
}

func (m *Memory) Get(_ context.Context, tenantID string, dataType domain.DataType, identifier string) ([]byte, error) {
	key := domain.CacheKey(tenantID, dataType, identifier)

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(m.entries, key)
		return nil, domain.ErrCacheMiss
	}

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, nil
}

func (m *Memory) Set(_ context.Context, tenantID string, dataType domain.DataType, identifier string, value []byte, ttl time.Duration) error {
	key := domain.CacheKey(tenantID, dataType, identifier)

	copied := make([]byte, len(value))
	copy(copied, value)

	entry := memoryEntry{value: copied}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, tenantID string, dataType domain.DataType, identifier string) error {
	key := domain.CacheKey(tenantID, dataType, identifier)

	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Append(_ context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		s = &memoryStream{notify: make(chan struct{})}
		m.streams[stream] = s
	}

	m.seq++
	id := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), m.seq)

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.messages = append(s.messages, domain.StreamMessage{ID: id, Fields: copied})

	if maxLen > 0 && int64(len(s.messages)) > maxLen {
		drop := int64(len(s.messages)) - maxLen
		s.messages = append([]domain.StreamMessage(nil), s.messages[drop:]...)
	}

	close(s.notify)
	s.notify = make(chan struct{})
	return id, nil
}

func (m *Memory) Read(ctx context.Context, stream, fromID string, count int64, block time.Duration) ([]domain.StreamMessage, error) {
	deadline := time.Now().Add(block)
	for {
		messages, notify := m.readAfter(stream, fromID, count)
		if len(messages) > 0 || block <= 0 {
			return messages, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
			timer.Stop()
		}
	}
}

func (m *Memory) readAfter(stream, fromID string, count int64) ([]domain.StreamMessage, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		s = &memoryStream{notify: make(chan struct{})}
		m.streams[stream] = s
	}

	idx := sort.Search(len(s.messages), func(i int) bool {
		return compareStreamIDs(s.messages[i].ID, fromID) > 0
	})

	var out []domain.StreamMessage
	for i := idx; i < len(s.messages); i++ {
		if count > 0 && int64(len(out)) >= count {
			break
		}
		msg := s.messages[i]
		fields := make(map[string]string, len(msg.Fields))
		for k, v := range msg.Fields {
			fields[k] = v
		}
		out = append(out, domain.StreamMessage{ID: msg.ID, Fields: fields})
	}
	return out, s.notify
}

// compareStreamIDs orders ids of the form "<ms>-<seq>". Empty or "0" sorts
// before everything.
func compareStreamIDs(a, b string) int {
	ams, aseq := parseStreamID(a)
	bms, bseq := parseStreamID(b)
	switch {
	case ams != bms:
		if ams < bms {
			return -1
		}
		return 1
	case aseq != bseq:
		if aseq < bseq {
			return -1
		}
		return 1
	}
	return 0
}

func parseStreamID(id string) (int64, int64) {
	if id == "" || id == "0" {
		return 0, 0
	}
	ms, seq, ok := strings.Cut(id, "-")
	msVal, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return 0, 0
	}
	if !ok {
		return msVal, 0
	}
	seqVal, _ := strconv.ParseInt(seq, 10, 64)
	return msVal, seqVal
}

var _ domain.TenantStore = (*Memory)(nil)
