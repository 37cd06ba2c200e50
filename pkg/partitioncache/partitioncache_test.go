package partitioncache_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/partitioncache/partitioncache/internal/cache"
	"github.com/partitioncache/partitioncache/internal/pktype"
	"github.com/partitioncache/partitioncache/internal/queue"
	"github.com/partitioncache/partitioncache/pkg/partitioncache"
)

// staticExec stands in for the database: every fragment execution returns
// the same value set.
type staticExec struct {
	values []pktype.Value
}

func (e staticExec) Run(context.Context, string, pktype.Datatype, int) ([]pktype.Value, bool, error) {
	return e.values, false, nil
}

func newClient(t *testing.T) (*partitioncache.Client, *queue.MemStore, cache.Backend) {
	t.Helper()

	store := queue.NewMemStore()
	backend := cache.NewSortedArray(pktype.Int64)
	exec := staticExec{values: []pktype.Value{
		pktype.IntValue(pktype.Int64, 7),
		pktype.IntValue(pktype.Int64, 11),
	}}

	client := partitioncache.New(store, map[string]cache.Backend{"lo_custkey": backend}, exec, partitioncache.Options{
		FactTable: "lineorder",
		Declared:  map[string]pktype.Datatype{"lo_custkey": pktype.Int64},
	})

	return client, store, backend
}

// drain ticks ProcessOnce until the queue reports no work, bounded so a
// regression cannot hang the test.
func drain(t *testing.T, client *partitioncache.Client) (processed int) {
	t.Helper()

	for i := 0; i < 50; i++ {
		result, err := client.ProcessOnce(context.Background())
		require.NoError(t, err)

		switch result {
		case queue.ProcessProcessed:
			processed++
		case queue.ProcessNoJobs:
			return processed
		}
	}

	t.Fatal("queue did not drain")

	return processed
}

// The full write-then-read path: enqueue a query, drain the worker, apply
// the cache to the same query and get a rewrite back.
func TestEndToEndPopulateThenApply(t *testing.T) {
	client, _, _ := newClient(t)

	sql := `SELECT fact.lo_custkey FROM lineorder fact
		WHERE fact.lo_custkey IN (SELECT c_custkey FROM customer WHERE c_region = 'ASIA')
		AND fact.lo_suppkey IN (SELECT s_suppkey FROM supplier WHERE s_region = 'ASIA')`

	result, err := client.AddToQueue(context.Background(), sql, "lo_custkey", pktype.Int64, 1)
	require.NoError(t, err)
	require.Equal(t, queue.AddInserted, result)

	processed := drain(t, client)
	require.Equal(t, 3, processed, "two conjuncts expand into a three-fragment lattice")

	rewritten, stats := client.ApplyCache(context.Background(), sql, "lo_custkey")

	require.True(t, stats.Hit)
	require.Equal(t, 3, stats.FragmentsProbed)
	require.Equal(t, 3, stats.FragmentsHit)
	require.Equal(t, 2, stats.Cardinality)
	require.Contains(t, rewritten, "AND fact.lo_custkey IN (7, 11)")

	items, err := client.ListFragments(context.Background(), "lo_custkey")
	require.NoError(t, err)
	require.Len(t, items, 3)
}

func TestAddToQueueRejectsUndeclaredKey(t *testing.T) {
	client, _, _ := newClient(t)

	result, err := client.AddToQueue(context.Background(), "SELECT 1", "unknown_key", pktype.Int64, 0)
	require.Error(t, err)
	require.Equal(t, queue.AddError, result)
}

func TestAddToQueueRejectsWrongDatatype(t *testing.T) {
	client, _, _ := newClient(t)

	result, err := client.AddToQueue(context.Background(), "SELECT 1", "lo_custkey", pktype.Text, 0)
	require.ErrorIs(t, err, pktype.ErrWrongDatatype)
	require.Equal(t, queue.AddError, result)
}

func TestApplyCacheUnknownKeyDegrades(t *testing.T) {
	client, _, _ := newClient(t)

	sql := "SELECT fact.lo_custkey FROM lineorder fact WHERE fact.lo_custkey IN (1)"

	rewritten, stats := client.ApplyCache(context.Background(), sql, "unknown_key")
	require.False(t, stats.Hit)
	require.Equal(t, sql, rewritten)
}

func TestProcessOnceEmptyQueueReportsNoJobs(t *testing.T) {
	client, _, _ := newClient(t)

	result, err := client.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, queue.ProcessNoJobs, result)
}
