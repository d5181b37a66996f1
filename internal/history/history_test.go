package history

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"go.klb.dev/meshclip/internal/kvstore"
	"go.klb.dev/meshclip/internal/meshmsg"
)

func newStore(t *testing.T) (*Store, kvstore.HistoryBackend, clockwork.FakeClock) {
	t.Helper()
	backend := kvstore.NewMemStore()
	clock := clockwork.NewFakeClock()
	store, err := New(context.Background(), backend, clock)
	require.NoError(t, err)
	return store, backend, clock
}

func TestAddThenGetByID(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := context.Background()

	clip := meshmsg.Clip{ID: "c1", Type: meshmsg.ClipText, Content: "hello", Timestamp: 100, SenderID: "dev-a"}
	require.NoError(t, store.Add(ctx, clip, "local", true))

	item, ok := store.GetByID("c1")
	require.True(t, ok)
	if diff := cmp.Diff(clip, item.Clip); diff != "" {
		t.Errorf("stored clip differs from the one added (-want +got):\n%s", diff)
	}
	require.True(t, item.IsLocal)
}

func TestAddTwiceIsIdempotentInQuery(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := context.Background()

	clip := meshmsg.Clip{ID: "c1", Type: meshmsg.ClipText, Content: "hello", Timestamp: 100}
	require.NoError(t, store.Add(ctx, clip, "local", true))
	require.NoError(t, store.Add(ctx, clip, "local", true))

	results := store.Query(QueryOptions{})
	require.Len(t, results, 1)
	require.Equal(t, "c1", results[0].Clip.ID)
}

func TestOnNewFiresSynchronously(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := context.Background()

	var received []string
	store.OnNew(func(item meshmsg.HistoryItem) {
		received = append(received, item.Clip.ID)
	})

	require.NoError(t, store.Add(ctx, meshmsg.Clip{ID: "a"}, "local", true))
	require.NoError(t, store.Add(ctx, meshmsg.Clip{ID: "b"}, "local", true))
	require.Equal(t, []string{"a", "b"}, received)
}

func TestQueryFiltersAndSortsDescending(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, meshmsg.Clip{ID: "old", Type: meshmsg.ClipText, Content: "foo bar", Timestamp: 1}, "local", true))
	require.NoError(t, store.Add(ctx, meshmsg.Clip{ID: "new", Type: meshmsg.ClipText, Content: "foo baz", Timestamp: 2}, "local", true))
	require.NoError(t, store.Add(ctx, meshmsg.Clip{ID: "url1", Type: meshmsg.ClipURL, Content: "http://foo", Timestamp: 3}, "local", true))

	results := store.Query(QueryOptions{Type: meshmsg.ClipText})
	require.Len(t, results, 2)
	require.Equal(t, "new", results[0].Clip.ID)
	require.Equal(t, "old", results[1].Clip.ID)

	searched := store.Query(QueryOptions{Search: "BAZ"})
	require.Len(t, searched, 1)
	require.Equal(t, "new", searched[0].Clip.ID)

	limited := store.Query(QueryOptions{Limit: 1})
	require.Len(t, limited, 1)
	require.Equal(t, "url1", limited[0].Clip.ID)
}

func TestImportBatchSkipsExistingAndNeverDowngrades(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, meshmsg.Clip{ID: "c1", Content: "local one"}, ReceivedFromLocal, true))
	require.NoError(t, store.ImportBatch(ctx, []meshmsg.Clip{
		{ID: "c1", Content: "remote duplicate"},
		{ID: "c2", Content: "new remote"},
	}))

	item1, ok := store.GetByID("c1")
	require.True(t, ok)
	require.True(t, item1.IsLocal, "import must not downgrade an existing local item")
	require.Equal(t, "local one", item1.Clip.Content)

	item2, ok := store.GetByID("c2")
	require.True(t, ok)
	require.False(t, item2.IsLocal)
	require.Equal(t, ReceivedFromImport, item2.ReceivedFrom)
}

func TestPruneExpiredRemovesOldAndExpired(t *testing.T) {
	store, _, clock := newStore(t)
	ctx := context.Background()

	now := clock.Now().UnixMilli()
	expiresSoon := now - 1
	require.NoError(t, store.Add(ctx, meshmsg.Clip{ID: "stale", Timestamp: now - RetentionMS - 1}, "local", true))
	require.NoError(t, store.Add(ctx, meshmsg.Clip{ID: "expired", Timestamp: now, ExpiresAt: &expiresSoon}, "local", true))
	require.NoError(t, store.Add(ctx, meshmsg.Clip{ID: "fresh", Timestamp: now}, "local", true))

	require.NoError(t, store.PruneExpired(ctx))

	_, ok := store.GetByID("stale")
	require.False(t, ok)
	_, ok = store.GetByID("expired")
	require.False(t, ok)
	_, ok = store.GetByID("fresh")
	require.True(t, ok)
}

func TestRemoveAndClearAll(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, meshmsg.Clip{ID: "a"}, "local", true))
	require.NoError(t, store.Add(ctx, meshmsg.Clip{ID: "b"}, "local", true))

	require.NoError(t, store.Remove(ctx, "a"))
	_, ok := store.GetByID("a")
	require.False(t, ok)

	require.NoError(t, store.ClearAll(ctx))
	require.Empty(t, store.Query(QueryOptions{}))
}

func TestStoreRehydratesFromBackend(t *testing.T) {
	ctx := context.Background()
	backend := kvstore.NewMemStore()
	clock := clockwork.NewFakeClock()

	store1, err := New(ctx, backend, clock)
	require.NoError(t, err)
	require.NoError(t, store1.Add(ctx, meshmsg.Clip{ID: "c1", Content: "persisted"}, "local", true))

	clock.Advance(time.Second)
	store2, err := New(ctx, backend, clock)
	require.NoError(t, err)
	item, ok := store2.GetByID("c1")
	require.True(t, ok)
	require.Equal(t, "persisted", item.Clip.Content)
}
