package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/partitioncache/partitioncache/internal/cache"
	"github.com/partitioncache/partitioncache/internal/fingerprint"
	"github.com/partitioncache/partitioncache/internal/pktype"
)

// execFunc adapts a closure to Executor, so each test scripts exactly the
// database behaviour it needs.
type execFunc func(ctx context.Context, sql string, dt pktype.Datatype, limit int) ([]pktype.Value, bool, error)

func (f execFunc) Run(ctx context.Context, sql string, dt pktype.Datatype, limit int) ([]pktype.Value, bool, error) {
	return f(ctx, sql, dt, limit)
}

func intVals(vs ...int64) []pktype.Value {
	out := make([]pktype.Value, len(vs))
	for i, v := range vs {
		out[i] = pktype.IntValue(pktype.Int64, v)
	}

	return out
}

func testItem(h fingerprint.Hash) Item {
	return Item{
		Hash:         h,
		PartitionKey: "lo_custkey",
		Datatype:     pktype.Int64,
		SQL:          "SELECT DISTINCT fact.lo_custkey FROM lineorder AS fact WHERE fact.lo_suppkey = 7",
	}
}

// Two workers race on the same (H, P): exactly one build happens, the loser
// records a skipped log row.
func TestWorkerCollisionAtMostOneBuild(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	backend := cache.NewSortedArray(pktype.Int64)
	backends := map[string]cache.Backend{"lo_custkey": backend}
	checker := BackendChecker{Backends: backends}

	started := make(chan struct{})
	release := make(chan struct{})

	slowExec := execFunc(func(context.Context, string, pktype.Datatype, int) ([]pktype.Value, bool, error) {
		close(started)
		<-release

		return intVals(1, 2), false, nil
	})

	w1 := NewWorker(store, backends, slowExec, Options{}, nil)
	w2 := NewWorker(store, backends, slowExec, Options{}, nil)

	item := testItem("racehash")

	_, err := store.EnqueueFragment(ctx, item, 0)
	require.NoError(t, err)

	type outcome struct {
		result ProcessResult
		err    error
	}

	done := make(chan outcome, 1)

	go func() {
		r, err := w1.process(ctx, item, checker)
		done <- outcome{r, err}
	}()

	<-started

	// w1 holds the active-job row mid-execution; w2 arrives with the same
	// item and must lose the admission race.
	r2, err := w2.process(ctx, item, checker)
	require.NoError(t, err)
	require.Equal(t, ProcessSkipped, r2)

	close(release)

	o1 := <-done
	require.NoError(t, o1.err)
	require.Equal(t, ProcessProcessed, o1.result)

	require.Equal(t, 1, store.SkipCount())

	items, err := backend.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, cache.StatusOK, items[0].Status)
}

// A statement timeout is terminal: tombstone, no cache entry, and the
// fragment stays unbuildable until an operator deletes the tombstone.
func TestWorkerTimeoutIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	backend := cache.NewSortedArray(pktype.Int64)
	backends := map[string]cache.Backend{"lo_custkey": backend}

	blockingExec := execFunc(func(ctx context.Context, _ string, _ pktype.Datatype, _ int) ([]pktype.Value, bool, error) {
		<-ctx.Done()
		return nil, false, ctx.Err()
	})

	w := NewWorker(store, backends, blockingExec, Options{StatementTimeout: 20 * time.Millisecond}, nil)

	item := testItem("slowhash")

	_, err := store.EnqueueFragment(ctx, item, 0)
	require.NoError(t, err)

	result, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, ProcessProcessed, result, "a tombstoned cycle still completed")

	_, hit, err := backend.Get(ctx, item.Hash)
	require.NoError(t, err)
	require.False(t, hit)

	exists, err := backend.Exists(ctx, item.Hash)
	require.NoError(t, err)
	require.True(t, exists, "tombstone present")

	require.Equal(t, "timeout", store.queryLog[fragmentKey{hash: item.Hash, pk: item.PartitionKey}].Status)

	// Re-enqueue: accepted, but never dequeued while the tombstone stands.
	addResult, err := store.EnqueueFragment(ctx, item, 0)
	require.NoError(t, err)
	require.Equal(t, AddInserted, addResult)

	_, ok, err := store.DequeueFragment(ctx, BackendChecker{Backends: backends})
	require.NoError(t, err)
	require.False(t, ok, "tombstoned fragment is not re-admitted")

	// Operator deletes the tombstone; the fragment becomes buildable again.
	require.NoError(t, backend.Delete(ctx, item.Hash))

	_, ok, err = store.DequeueFragment(ctx, BackendChecker{Backends: backends})
	require.NoError(t, err)
	require.True(t, ok)
}

// A fragment whose result reaches result_limit is tombstoned limit with no
// stored values.
func TestWorkerResultLimitEnforced(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	backend := cache.NewSortedArray(pktype.Int64)
	backends := map[string]cache.Backend{"lo_custkey": backend}

	overflowExec := execFunc(func(_ context.Context, _ string, _ pktype.Datatype, limit int) ([]pktype.Value, bool, error) {
		values := make([]pktype.Value, limit)
		for i := range values {
			values[i] = pktype.IntValue(pktype.Int64, int64(i))
		}

		return values, true, nil
	})

	w := NewWorker(store, backends, overflowExec, Options{ResultLimit: 100}, nil)

	item := testItem("widehash")

	_, err := store.EnqueueFragment(ctx, item, 0)
	require.NoError(t, err)

	result, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, ProcessProcessed, result)

	_, hit, err := backend.Get(ctx, item.Hash)
	require.NoError(t, err)
	require.False(t, hit, "no values stored for a limit tombstone")

	require.Equal(t, "limit", store.queryLog[fragmentKey{hash: item.Hash, pk: item.PartitionKey}].Status)

	items, err := backend.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, cache.StatusLimit, items[0].Status)
}

// A failing execution (not a timeout) tombstones failed and removes the
// queue item.
func TestWorkerFailureTombstonesFailed(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	backend := cache.NewSortedArray(pktype.Int64)
	backends := map[string]cache.Backend{"lo_custkey": backend}

	failingExec := execFunc(func(context.Context, string, pktype.Datatype, int) ([]pktype.Value, bool, error) {
		return nil, false, context.Canceled
	})

	w := NewWorker(store, backends, failingExec, Options{}, nil)

	item := testItem("failhash")

	_, err := store.EnqueueFragment(ctx, item, 0)
	require.NoError(t, err)

	result, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, ProcessProcessed, result)

	require.Equal(t, "failed", store.queryLog[fragmentKey{hash: item.Hash, pk: item.PartitionKey}].Status)

	_, ok, err := store.DequeueFragment(ctx, nil)
	require.NoError(t, err)
	require.False(t, ok, "queue item removed after terminal failure")
}

// An empty fragment queue triggers the idle sweep: queue rows whose (H, P)
// raced to completion are dropped in bulk.
func TestWorkerIdleSweepDropsDecidedFragments(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	backend := cache.NewSortedArray(pktype.Int64)
	backends := map[string]cache.Backend{"lo_custkey": backend}

	item := testItem("racedhash")

	// Another worker completed this fragment after it was enqueued.
	require.NoError(t, backend.Put(ctx, item.Hash, intVals(9), pktype.Int64))

	_, err := store.EnqueueFragment(ctx, item, 0)
	require.NoError(t, err)

	w := NewWorker(store, backends, nil, Options{}, nil)

	result, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, ProcessCleanup, result)

	result, err = w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, ProcessNoJobs, result)
}

// The commit path stores values and refreshes the query log; a second
// identical put is indistinguishable from the first.
func TestWorkerCommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	backend := cache.NewSortedArray(pktype.Int64)
	backends := map[string]cache.Backend{"lo_custkey": backend}

	exec := execFunc(func(context.Context, string, pktype.Datatype, int) ([]pktype.Value, bool, error) {
		return intVals(3, 1, 2), false, nil
	})

	w := NewWorker(store, backends, exec, Options{}, nil)

	item := testItem("commithash")

	for i := 0; i < 2; i++ {
		// Simulate a retry racing past the dequeue skip: process the same
		// item twice.
		result, err := w.process(ctx, item, BackendChecker{Backends: backends})
		require.NoError(t, err)
		require.Equal(t, ProcessProcessed, result)
	}

	entry, hit, err := backend.Get(ctx, item.Hash)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, 3, entry.Cardinality)
	require.Equal(t, intVals(1, 2, 3), entry.Values, "values stored sorted, duplicates of the second put invisible")
}
