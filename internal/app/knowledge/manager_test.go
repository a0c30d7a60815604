package knowledge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crewd/internal/domain"
	"crewd/internal/infra/cache"
)

func newTestManager(t *testing.T) (*Manager, *cache.Memory) {
	t.Helper()
	store := cache.NewMemory()
	manager := NewManager(Options{
		Store:     store,
		Logger:    zap.NewNop(),
		ReadBlock: 100 * time.Millisecond,
	})
	return manager, store
}

func testItem(tenant, topic, id string) domain.KnowledgeItem {
	return domain.KnowledgeItem{
		ID:          id,
		Type:        domain.KnowledgeProductInfo,
		Topic:       topic,
		Title:       "Produto X",
		Content:     map[string]any{"sku": "X-1", "price": 99.9},
		SourceAgent: "product_agent",
		TenantID:    tenant,
	}
}

func TestStore_RoundTrip(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	item := testItem("t1", "products", "k1")
	item.Tags = []string{"eletronicos"}
	item.ConfidenceScore = 0.9
	require.True(t, manager.Store(ctx, item, false))

	got, ok := manager.Retrieve(ctx, "t1", "k1", "products")
	require.True(t, ok)
	require.Equal(t, item.Title, got.Title)
	require.Equal(t, item.Tags, got.Tags)
	require.Equal(t, item.ConfidenceScore, got.ConfidenceScore)
	require.Equal(t, "X-1", got.Content["sku"])
	require.False(t, got.CreatedAt.IsZero())
}

func TestStore_GeneratesMissingID(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	item := testItem("t1", "products", "")
	require.True(t, manager.Store(ctx, item, false))

	results := manager.SearchByTopic(ctx, "t1", "products", 10, nil)
	require.Len(t, results, 1)
	require.NotEmpty(t, results[0].ID)
}

func TestStore_RejectsInvalidItems(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	missingTopic := testItem("t1", "", "k1")
	require.False(t, manager.Store(ctx, missingTopic, false))

	opaqueContent := testItem("t1", "products", "k2")
	opaqueContent.Content = nil
	require.False(t, manager.Store(ctx, opaqueContent, false))

	badType := testItem("t1", "products", "k3")
	badType.Type = "gossip"
	require.False(t, manager.Store(ctx, badType, false))
}

func TestTenantIsolation(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	require.True(t, manager.Store(ctx, testItem("tenantA", "products", "k1"), false))

	_, ok := manager.Retrieve(ctx, "tenantB", "k1", "products")
	require.False(t, ok)
	require.Empty(t, manager.SearchByTopic(ctx, "tenantB", "products", 10, nil))
	require.Empty(t, manager.SearchByContent(ctx, "tenantB", "Produto", 10))
}

func TestTTLRespected(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	expiresAt := time.Now().Add(80 * time.Millisecond)
	item := testItem("t1", "products", "k1")
	item.ExpiresAt = &expiresAt
	require.True(t, manager.Store(ctx, item, false))

	_, ok := manager.Retrieve(ctx, "t1", "k1", "products")
	require.True(t, ok, "retrievable before expiry")

	time.Sleep(120 * time.Millisecond)

	_, ok = manager.Retrieve(ctx, "t1", "k1", "products")
	require.False(t, ok, "absent, not stale, after expiry")
	require.Empty(t, manager.SearchByTopic(ctx, "t1", "products", 10, nil))
}

func TestRetrieve_WithoutTopicScansKnownTopics(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	require.True(t, manager.Store(ctx, testItem("t1", "products", "k1"), false))
	require.True(t, manager.Store(ctx, testItem("t1", "support", "k2"), false))

	got, ok := manager.Retrieve(ctx, "t1", "k2", "")
	require.True(t, ok)
	require.Equal(t, "support", got.Topic)
}

func TestSearchByTopic_NewestFirstAndTagFilter(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		item := testItem("t1", "products", fmt.Sprintf("k%d", i))
		item.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 0 {
			item.Tags = []string{"eletronicos"}
		}
		require.True(t, manager.Store(ctx, item, false))
	}

	all := manager.SearchByTopic(ctx, "t1", "products", 10, nil)
	require.Len(t, all, 4)
	require.Equal(t, "k3", all[0].ID, "newest first")

	tagged := manager.SearchByTopic(ctx, "t1", "products", 10, []string{"eletronicos"})
	require.Len(t, tagged, 2)
	require.Equal(t, "k2", tagged[0].ID)

	limited := manager.SearchByTopic(ctx, "t1", "products", 1, nil)
	require.Len(t, limited, 1)
	require.Equal(t, "k3", limited[0].ID)
}

func TestSearchByContent_RankedByConfidenceThenRecency(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	low := testItem("t1", "products", "low")
	low.Title = "Smartphone barato"
	low.ConfidenceScore = 0.2
	require.True(t, manager.Store(ctx, low, false))

	high := testItem("t1", "insights", "high")
	high.Type = domain.KnowledgeCustomerInsight
	high.Title = "Cliente quer smartphone novo"
	high.ConfidenceScore = 0.95
	require.True(t, manager.Store(ctx, high, false))

	unrelated := testItem("t1", "products", "other")
	unrelated.Title = "Geladeira"
	unrelated.Content = map[string]any{"categoria": "linha branca"}
	require.True(t, manager.Store(ctx, unrelated, false))

	results := manager.SearchByContent(ctx, "t1", "SMARTPHONE", 10)
	require.Len(t, results, 2)
	require.Equal(t, "high", results[0].ID)
	require.Equal(t, "low", results[1].ID)

	// Content body and tags match too, not just titles.
	byContent := manager.SearchByContent(ctx, "t1", "linha branca", 10)
	require.Len(t, byContent, 1)
	require.Equal(t, "other", byContent[0].ID)
}

func TestStore_EmitsEventAndReadEvents(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	item := testItem("t1", "products", "k1")
	require.True(t, manager.Store(ctx, item, true))

	events := manager.ReadEvents(ctx, "t1", "0", 10)
	require.Len(t, events, 1)
	require.Equal(t, domain.KnowledgeEventCreated, events[0].EventType)
	require.Equal(t, "k1", events[0].KnowledgeID)
	require.Equal(t, "products", events[0].Topic)
	require.Equal(t, "t1", events[0].TenantID)
	require.False(t, events[0].Timestamp.IsZero())

	// Replacing the same id reads as an update.
	item.Title = "Produto X v2"
	require.True(t, manager.Store(ctx, item, true))
	events = manager.ReadEvents(ctx, "t1", "0", 10)
	require.Len(t, events, 2)
	require.Equal(t, domain.KnowledgeEventUpdated, events[1].EventType)

	// notify=false stays silent.
	require.True(t, manager.Store(ctx, testItem("t1", "products", "k2"), false))
	events = manager.ReadEvents(ctx, "t1", "0", 10)
	require.Len(t, events, 2)
}

func TestReadEvents_TimesOutEmpty(t *testing.T) {
	manager, _ := newTestManager(t)

	start := time.Now()
	events := manager.ReadEvents(context.Background(), "t1", "0", 10)
	require.Empty(t, events)
	require.Less(t, time.Since(start), time.Second)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	manager, _ := newTestManager(t)

	require.False(t, manager.hasSubscribers("t1", "products"))
	manager.Subscribe("t1", "products", "agent-1")
	manager.Subscribe("t1", "products", "agent-2")
	require.True(t, manager.hasSubscribers("t1", "products"))
	require.False(t, manager.hasSubscribers("t2", "products"))

	manager.Unsubscribe("t1", "products", "agent-1")
	require.True(t, manager.hasSubscribers("t1", "products"))
	manager.Unsubscribe("t1", "products", "agent-2")
	require.False(t, manager.hasSubscribers("t1", "products"))

	// Unsubscribing an unknown subscriber is a no-op.
	manager.Unsubscribe("t1", "products", "ghost")
}

func TestConcurrentStoresSameTopic(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"k1", "k2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			require.True(t, manager.Store(ctx, testItem("t1", "x", id), false))
		}(id)
	}
	wg.Wait()

	// Both items are retrievable by id regardless of the index race.
	_, ok := manager.Retrieve(ctx, "t1", "k1", "x")
	require.True(t, ok)
	_, ok = manager.Retrieve(ctx, "t1", "k2", "x")
	require.True(t, ok)

	// The topic index holds at least one of the two.
	require.NotEmpty(t, manager.SearchByTopic(ctx, "t1", "x", 10, nil))
}

func TestCleanupExpired(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	past := time.Now().Add(30 * time.Millisecond)
	for i := 0; i < 3; i++ {
		item := testItem("t1", "products", fmt.Sprintf("dead%d", i))
		item.ExpiresAt = &past
		require.True(t, manager.Store(ctx, item, false))
	}
	require.True(t, manager.Store(ctx, testItem("t1", "products", "live1"), false))
	require.True(t, manager.Store(ctx, testItem("t1", "support", "live2"), false))

	time.Sleep(60 * time.Millisecond)

	removed := manager.CleanupExpired(ctx, "t1")
	require.Equal(t, 3, removed)

	_, ok := manager.Retrieve(ctx, "t1", "live1", "products")
	require.True(t, ok)
	_, ok = manager.Retrieve(ctx, "t1", "live2", "support")
	require.True(t, ok)

	require.Equal(t, 0, manager.CleanupExpired(ctx, "t1"), "second sweep finds nothing")
}

func TestStore_SurvivesCacheFailure(t *testing.T) {
	manager := NewManager(Options{
		Store:  failingStore{},
		Logger: zap.NewNop(),
	})
	ctx := context.Background()

	require.False(t, manager.Store(ctx, testItem("t1", "products", "k1"), true))
	_, ok := manager.Retrieve(ctx, "t1", "k1", "products")
	require.False(t, ok)
	require.Empty(t, manager.SearchByTopic(ctx, "t1", "products", 10, nil))
	require.Empty(t, manager.SearchByContent(ctx, "t1", "anything", 10))
}

// failingStore simulates an unavailable cache backend.
type failingStore struct{}

func (failingStore) Get(context.Context, string, domain.DataType, string) ([]byte, error) {
	return nil, domain.ErrCacheUnavailable
}

func (failingStore) Set(context.Context, string, domain.DataType, string, []byte, time.Duration) error {
	return domain.ErrCacheUnavailable
}

func (failingStore) Delete(context.Context, string, domain.DataType, string) error {
	return domain.ErrCacheUnavailable
}

func (failingStore) Append(context.Context, string, map[string]string, int64) (string, error) {
	return "", domain.ErrCacheUnavailable
}

func (failingStore) Read(context.Context, string, string, int64, time.Duration) ([]domain.StreamMessage, error) {
	return nil, domain.ErrCacheUnavailable
}
