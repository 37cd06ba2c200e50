package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/partitioncache/partitioncache/internal/pktype"
)

// One original-query item expands into the full subset lattice of its
// conjuncts: three independent subquery filters become 2^3 - 1 = 7 fragment
// items.
func TestDispatchExpandsSubsetLattice(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	d := &Dispatcher{
		Store:     store,
		FactTable: "lineorder",
		Declared:  map[string]pktype.Datatype{"lo_custkey": pktype.Int64},
	}

	sql := `SELECT fact.lo_custkey FROM lineorder fact
		WHERE fact.lo_custkey IN (SELECT c_custkey FROM customer WHERE c_region = 'ASIA')
		AND fact.lo_suppkey IN (SELECT s_suppkey FROM supplier WHERE s_region = 'ASIA')
		AND fact.lo_orderdate IN (SELECT d_datekey FROM date_dim WHERE d_year BETWEEN 1992 AND 1997)`

	_, err := store.EnqueueOriginal(ctx, OriginalItem{SQL: sql, PartitionKey: "lo_custkey", Datatype: pktype.Int64}, 0)
	require.NoError(t, err)

	did, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	require.True(t, did)

	seen := map[string]bool{}

	for {
		item, ok, err := store.DequeueFragment(ctx, nil)
		require.NoError(t, err)

		if !ok {
			break
		}

		require.False(t, seen[string(item.Hash)], "fragment hashes are distinct")
		seen[string(item.Hash)] = true

		require.Equal(t, "lo_custkey", item.PartitionKey)
		require.Equal(t, pktype.Int64, item.Datatype)
		require.Equal(t, sql, item.OriginalSQL, "audit SQL travels with every fragment")
		require.Contains(t, item.SQL, "SELECT DISTINCT fact.lo_custkey FROM lineorder AS fact")
	}

	require.Len(t, seen, 7)
}

func TestDispatchEmptyQueueIsNoop(t *testing.T) {
	d := &Dispatcher{Store: NewMemStore(), FactTable: "lineorder", Declared: map[string]pktype.Datatype{}}

	did, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	require.False(t, did)
}

// A query that does not involve the requested partition key expands to
// nothing rather than failing.
func TestDispatchSkipsAbsentPartitionKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	d := &Dispatcher{
		Store:     store,
		FactTable: "lineorder",
		Declared:  map[string]pktype.Datatype{"lo_custkey": pktype.Int64},
	}

	sql := `SELECT fact.lo_revenue FROM lineorder fact WHERE fact.lo_quantity > 5`

	_, err := store.EnqueueOriginal(ctx, OriginalItem{SQL: sql, PartitionKey: "lo_custkey", Datatype: pktype.Int64}, 0)
	require.NoError(t, err)

	did, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	require.True(t, did)

	_, ok, err := store.DequeueFragment(ctx, nil)
	require.NoError(t, err)
	require.False(t, ok)
}
