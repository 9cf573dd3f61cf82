package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err, "Open failed")
	t.Cleanup(func() { s.Close() })
	return s
}

func testItem(id string, createdAt time.Time) *SyncItem {
	return &SyncItem{
		ItemID:    id,
		ItemType:  "document",
		Action:    "update",
		Data:      map[string]any{"document_id": id, "size": float64(42)},
		CreatedAt: createdAt,
		NodeID:    "node-a",
		Version:   1,
	}
}

func TestAddAndGetItem(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.AddItem(testItem("doc1", now)))

	got, err := s.GetItem("doc1", 1)
	require.NoError(t, err, "GetItem failed")
	assert.Equal(t, "doc1", got.ItemID)
	assert.Equal(t, "document", got.ItemType)
	assert.Equal(t, "update", got.Action)
	assert.Equal(t, "doc1", got.Data["document_id"])
	assert.Equal(t, float64(42), got.Data["size"], "Payload survives the JSON round trip")
	assert.True(t, got.CreatedAt.Equal(now))
	assert.False(t, got.Synced)
	assert.Nil(t, got.SyncedAt)
}

func TestGetItemNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetItem("nope", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddItemReplacesSameVersion(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.AddItem(testItem("doc1", now)))
	updated := testItem("doc1", now)
	updated.Action = "delete"
	require.NoError(t, s.AddItem(updated), "Same (id, version) must replace, not fail")

	got, err := s.GetItem("doc1", 1)
	require.NoError(t, err)
	assert.Equal(t, "delete", got.Action)

	v2 := testItem("doc1", now)
	v2.Version = 2
	require.NoError(t, s.AddItem(v2))

	status, err := s.GetSyncStatus()
	require.NoError(t, err)
	assert.Equal(t, 2, status.Pending, "Distinct versions are distinct rows")
}

func TestGetPendingItemsOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, s.AddItem(testItem("doc3", base.Add(3*time.Minute))))
	require.NoError(t, s.AddItem(testItem("doc1", base.Add(1*time.Minute))))
	require.NoError(t, s.AddItem(testItem("doc2", base.Add(2*time.Minute))))

	items, err := s.GetPendingItems("", 100, 3)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "doc1", items[0].ItemID, "Oldest first")
	assert.Equal(t, "doc2", items[1].ItemID)
	assert.Equal(t, "doc3", items[2].ItemID)

	limited, err := s.GetPendingItems("", 2, 3)
	require.NoError(t, err)
	assert.Len(t, limited, 2, "Limit bounds the feed")
}

func TestGetPendingItemsFiltersTypeAndRetries(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	doc := testItem("doc1", now)
	require.NoError(t, s.AddItem(doc))

	meta := testItem("meta1", now)
	meta.ItemType = "metadata"
	require.NoError(t, s.AddItem(meta))

	dead := testItem("dead1", now)
	dead.RetryCount = 4
	require.NoError(t, s.AddItem(dead))

	docs, err := s.GetPendingItems("document", 100, 3)
	require.NoError(t, err)
	require.Len(t, docs, 1, "Type filter applies and exhausted items are excluded")
	assert.Equal(t, "doc1", docs[0].ItemID)

	all, err := s.GetPendingItems("", 100, 3)
	require.NoError(t, err)
	assert.Len(t, all, 2, "dead1 has exceeded its retries")
}

func TestMarkItemSyncedSuccess(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddItem(testItem("doc1", time.Now().UTC())))

	ok, err := s.MarkItemSynced("doc1", 1, "")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetItem("doc1", 1)
	require.NoError(t, err)
	assert.True(t, got.Synced)
	require.NotNil(t, got.SyncedAt, "Success stamps synced_at")
	assert.Empty(t, got.Error)

	pending, err := s.GetPendingItems("", 100, 3)
	require.NoError(t, err)
	assert.Empty(t, pending, "Synced items leave the pending feed")
}

func TestMarkItemSyncedFailureIncrementsRetries(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddItem(testItem("doc1", time.Now().UTC())))

	for i := 1; i <= 4; i++ {
		ok, err := s.MarkItemSynced("doc1", 1, "connection refused")
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.GetItem("doc1", 1)
		require.NoError(t, err)
		assert.Equal(t, i, got.RetryCount)
		assert.Equal(t, "connection refused", got.Error)
		assert.False(t, got.Synced)
	}

	pending, err := s.GetPendingItems("", 100, 3)
	require.NoError(t, err)
	assert.Empty(t, pending, "After exceeding max retries the item becomes dead-letter")

	got, err := s.GetItem("doc1", 1)
	require.NoError(t, err)
	assert.Equal(t, 4, got.RetryCount, "Dead-letter items stay queryable by ID")
}

func TestMarkItemSyncedUnknownItem(t *testing.T) {
	s := newTestStore(t)
	ok, err := s.MarkItemSynced("ghost", 1, "")
	require.NoError(t, err)
	assert.False(t, ok, "Marking a missing item reports false, not an error")
}

func TestGetSyncStatusAggregates(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.AddItem(testItem("doc1", now)))
	require.NoError(t, s.AddItem(testItem("doc2", now)))
	meta := testItem("meta1", now)
	meta.ItemType = "metadata"
	require.NoError(t, s.AddItem(meta))

	_, err := s.MarkItemSynced("doc1", 1, "")
	require.NoError(t, err)

	st, err := s.GetSyncStatus()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Pending)
	assert.Equal(t, 1, st.Synced)
	assert.Equal(t, 2, st.ByType["document"])
	assert.Equal(t, 1, st.ByType["metadata"])
	require.NotNil(t, st.LastSync, "A successful sync sets the last sync time")
	assert.WithinDuration(t, time.Now(), *st.LastSync, 5*time.Second)
}

func TestNodeStatusLifecycle(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetNodeStatus("node-b")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetNodeStatus("node-b", StateSyncing, ""))
	ns, err := s.GetNodeStatus("node-b")
	require.NoError(t, err)
	assert.Equal(t, StateSyncing, ns.State)

	require.NoError(t, s.SetNodeStatus("node-b", StateError, "dial timeout"))
	ns, err = s.GetNodeStatus("node-b")
	require.NoError(t, err)
	assert.Equal(t, StateError, ns.State)
	assert.Equal(t, "dial timeout", ns.Detail)

	require.NoError(t, s.SetNodeStatus("node-c", StateSuccess, ""))
	all, err := s.NodeStatuses()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "node-b", all[0].NodeID, "Statuses are sorted by node ID")
}

func TestSeedNodeStatusKeepsExistingState(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SeedNodeStatus("node-b"))
	ns, err := s.GetNodeStatus("node-b")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, ns.State, "A freshly sighted peer starts idle")

	require.NoError(t, s.SetNodeStatus("node-b", StateSyncing, ""))
	require.NoError(t, s.SeedNodeStatus("node-b"))
	ns, err = s.GetNodeStatus("node-b")
	require.NoError(t, err)
	assert.Equal(t, StateSyncing, ns.State, "Re-sighting a peer must not reset its state")
}

func TestMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetMetadata("last_manifest_hash", "abc123"))
	var v string
	require.NoError(t, s.GetMetadata("last_manifest_hash", &v))
	assert.Equal(t, "abc123", v)

	var missing string
	assert.ErrorIs(t, s.GetMetadata("nope", &missing), ErrNotFound)
}

func TestClear(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddItem(testItem("doc1", time.Now().UTC())))
	require.NoError(t, s.SetNodeStatus("node-b", StateIdle, ""))
	require.NoError(t, s.SetMetadata("k", "v"))

	require.NoError(t, s.Clear())

	st, err := s.GetSyncStatus()
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
	assert.Zero(t, st.Synced)
	_, err = s.GetNodeStatus("node-b")
	assert.ErrorIs(t, err, ErrNotFound)
}
