package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crewd/internal/domain"
)

func openTestBolt(t *testing.T) *Bolt {
	t.Helper()
	store, err := OpenBolt(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBolt_RoundTrip(t *testing.T) {
	store := openTestBolt(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "t1", domain.DataTypeKnowledge, "topic:id", []byte(`{"title":"x"}`), 0))

	value, err := store.Get(ctx, "t1", domain.DataTypeKnowledge, "topic:id")
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"x"}`, string(value))

	require.NoError(t, store.Delete(ctx, "t1", domain.DataTypeKnowledge, "topic:id"))
	_, err = store.Get(ctx, "t1", domain.DataTypeKnowledge, "topic:id")
	require.ErrorIs(t, err, domain.ErrCacheMiss)
}

func TestBolt_TTLExpiry(t *testing.T) {
	store := openTestBolt(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "t1", domain.DataTypeTools, "erp:all", []byte(`[]`), 30*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	_, err := store.Get(ctx, "t1", domain.DataTypeTools, "erp:all")
	require.ErrorIs(t, err, domain.ErrCacheMiss)

	// Expired entry is reclaimed, not merely hidden.
	_, err = store.Get(ctx, "t1", domain.DataTypeTools, "erp:all")
	require.ErrorIs(t, err, domain.ErrCacheMiss)
}

func TestBolt_StreamCursorAndTrim(t *testing.T) {
	store := openTestBolt(t)
	ctx := context.Background()
	stream := domain.StreamName("t1", domain.EventKindKnowledge)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := store.Append(ctx, stream, map[string]string{"n": fmt.Sprint(i)}, 3)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	messages, err := store.Read(ctx, stream, "0", 10, 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	require.Equal(t, "2", messages[0].Fields["n"])

	messages, err = store.Read(ctx, stream, messages[0].ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, ids[4], messages[1].ID)
}

func TestBolt_BlockingReadTimesOut(t *testing.T) {
	store := openTestBolt(t)
	ctx := context.Background()

	messages, err := store.Read(ctx, "t1:empty", "0", 10, 80*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, messages)
}
