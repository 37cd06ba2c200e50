package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Re-enqueueing a queued (H, P) bumps priority instead of duplicating the
// row.
func TestEnqueueFragmentDeduplicatesOnHashAndKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	item := testItem("duphash")

	result, err := store.EnqueueFragment(ctx, item, 0)
	require.NoError(t, err)
	require.Equal(t, AddInserted, result)

	result, err = store.EnqueueFragment(ctx, item, 0)
	require.NoError(t, err)
	require.Equal(t, AddUpdated, result)

	got, ok, err := store.DequeueFragment(ctx, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, item.Priority+1, got.Priority)

	_, ok, err = store.DequeueFragment(ctx, nil)
	require.NoError(t, err)
	require.False(t, ok, "one row, not two")
}

// Past the configured size, enqueues fail fast.
func TestEnqueueBackpressure(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	_, err := store.EnqueueFragment(ctx, testItem("h1"), 1)
	require.NoError(t, err)

	result, err := store.EnqueueFragment(ctx, testItem("h2"), 1)
	require.ErrorIs(t, err, ErrQueueFull)
	require.Equal(t, AddError, result)

	_, err = store.EnqueueOriginal(ctx, OriginalItem{SQL: "SELECT 1", PartitionKey: "lo_custkey"}, 0)
	require.NoError(t, err)

	result, err = store.EnqueueOriginal(ctx, OriginalItem{SQL: "SELECT 2", PartitionKey: "lo_custkey"}, 1)
	require.ErrorIs(t, err, ErrQueueFull)
	require.Equal(t, AddError, result)
}

func TestDequeueFragmentPrefersHighestPriority(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	low := testItem("lowhash")
	high := testItem("highhash")
	high.Priority = 5

	_, err := store.EnqueueFragment(ctx, low, 0)
	require.NoError(t, err)

	_, err = store.EnqueueFragment(ctx, high, 0)
	require.NoError(t, err)

	got, ok, err := store.DequeueFragment(ctx, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, high.Hash, got.Hash)
}

// A dequeued item is locked: a second dequeue hands out something else,
// the skip-locked idiom.
func TestDequeueFragmentSkipsLockedRows(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	_, err := store.EnqueueFragment(ctx, testItem("locked1"), 0)
	require.NoError(t, err)

	_, err = store.EnqueueFragment(ctx, testItem("locked2"), 0)
	require.NoError(t, err)

	first, ok, err := store.DequeueFragment(ctx, nil)
	require.NoError(t, err)
	require.True(t, ok)

	second, ok, err := store.DequeueFragment(ctx, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, first.Hash, second.Hash)
}

func TestAdmitJobUniqueness(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	admitted, err := store.AdmitJob(ctx, "h", "lo_custkey", "worker-a")
	require.NoError(t, err)
	require.True(t, admitted)

	admitted, err = store.AdmitJob(ctx, "h", "lo_custkey", "worker-b")
	require.NoError(t, err)
	require.False(t, admitted)

	require.NoError(t, store.ReleaseJob(ctx, "h", "lo_custkey"))

	admitted, err = store.AdmitJob(ctx, "h", "lo_custkey", "worker-b")
	require.NoError(t, err)
	require.True(t, admitted)
}

// Active-job rows past the stale threshold are recovered, making their
// queue items re-admittable.
func TestCleanupStaleJobs(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	item := testItem("stalehash")

	_, err := store.EnqueueFragment(ctx, item, 0)
	require.NoError(t, err)

	_, ok, err := store.DequeueFragment(ctx, nil)
	require.NoError(t, err)
	require.True(t, ok)

	admitted, err := store.AdmitJob(ctx, item.Hash, item.PartitionKey, "crashed-worker")
	require.NoError(t, err)
	require.True(t, admitted)

	// A negative threshold makes every job stale immediately, standing in
	// for a worker that died mid-build.
	removed, err := store.CleanupStaleJobs(ctx, -time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	got, ok, err := store.DequeueFragment(ctx, nil)
	require.NoError(t, err)
	require.True(t, ok, "queue item re-admittable after recovery")
	require.Equal(t, item.Hash, got.Hash)

	admitted, err = store.AdmitJob(ctx, item.Hash, item.PartitionKey, "recovering-worker")
	require.NoError(t, err)
	require.True(t, admitted)
}
