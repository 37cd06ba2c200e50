package applicator_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/partitioncache/partitioncache/internal/analyser"
	"github.com/partitioncache/partitioncache/internal/applicator"
	"github.com/partitioncache/partitioncache/internal/cache"
	"github.com/partitioncache/partitioncache/internal/fingerprint"
	"github.com/partitioncache/partitioncache/internal/pktype"
	"github.com/partitioncache/partitioncache/internal/variant"
)

func intValues(vs ...int64) []pktype.Value {
	out := make([]pktype.Value, len(vs))
	for i, v := range vs {
		out[i] = pktype.IntValue(pktype.Int64, v)
	}

	return out
}

// populate runs the write path's decomposition on sql and stores values
// under every fragment fingerprint, the way a worker pool would after
// draining the fragment queue.
func populate(t *testing.T, backend cache.Backend, sql, factTable, pk string, decl map[string]pktype.Datatype, values []pktype.Value) []variant.Fragment {
	t.Helper()

	res, err := analyser.AnalyseSQL(sql, factTable, decl)
	require.NoError(t, err)

	fragments, err := variant.Generate(res, pk, factTable, variant.Options{})
	require.NoError(t, err)

	for _, f := range fragments {
		require.NoError(t, backend.Put(context.Background(), f.Hash, values, pktype.Int64))
	}

	return fragments
}

func ssbDeclared() map[string]pktype.Datatype {
	return map[string]pktype.Datatype{
		"lo_custkey":   pktype.Int64,
		"lo_suppkey":   pktype.Int64,
		"lo_orderdate": pktype.Int64,
	}
}

// Star-schema cross-dimension reuse: after caching the fragments of an
// ASIA/ASIA/1992-1997 query, a UNITED STATES query over the same date range
// hits exactly the date-only fragment out of its seven candidates.
func TestApplyStarSchemaCrossDimensionReuse(t *testing.T) {
	backend := cache.NewSortedArray(pktype.Int64)

	asia := `SELECT fact.lo_custkey FROM lineorder fact
		WHERE fact.lo_custkey IN (SELECT c_custkey FROM customer WHERE c_region = 'ASIA')
		AND fact.lo_suppkey IN (SELECT s_suppkey FROM supplier WHERE s_region = 'ASIA')
		AND fact.lo_orderdate IN (SELECT d_datekey FROM date_dim WHERE d_year BETWEEN 1992 AND 1997)`

	fragments := populate(t, backend, asia, "lineorder", "lo_custkey", ssbDeclared(), intValues(11, 42, 99))
	require.Len(t, fragments, 7)

	us := `SELECT fact.lo_custkey FROM lineorder fact
		WHERE fact.lo_custkey IN (SELECT c_custkey FROM customer WHERE c_nation = 'UNITED STATES')
		AND fact.lo_suppkey IN (SELECT s_suppkey FROM supplier WHERE s_nation = 'UNITED STATES')
		AND fact.lo_orderdate IN (SELECT d_datekey FROM date_dim WHERE d_year BETWEEN 1992 AND 1997)`

	app := applicator.New("lineorder", ssbDeclared(), applicator.Options{}, nil)

	rewritten, stats := app.Apply(context.Background(), us, "lo_custkey", backend)

	require.True(t, stats.Hit)
	require.Equal(t, 7, stats.FragmentsProbed)
	require.Equal(t, 1, stats.FragmentsHit, "only the date-only fragment is shared between the two queries")
	require.Equal(t, 3, stats.Cardinality)
	require.False(t, stats.Lazy)

	require.Contains(t, rewritten, "AND fact.lo_custkey IN (11, 42, 99)")
	require.Contains(t, rewritten, "c_nation = 'UNITED STATES'", "original clauses are preserved")
	require.True(t, strings.HasPrefix(rewritten, "SELECT fact.lo_custkey "), "projection untouched")
}

// Dual-duty partition key: a key reached through two independent subqueries
// produces two separate conjuncts, and dropping one of them still hits the
// fragment built from the other.
func TestApplyDualDutyPartitionKey(t *testing.T) {
	backend := cache.NewSortedArray(pktype.Int64)
	decl := map[string]pktype.Datatype{"l_orderkey": pktype.Int64}

	both := `SELECT fact.l_orderkey FROM orders fact
		WHERE fact.l_orderkey IN (SELECT o_orderkey FROM orders o JOIN customer c ON o.o_custkey = c.c_custkey WHERE c.c_region = 'ASIA')
		AND fact.l_orderkey IN (SELECT o_orderkey FROM orders o WHERE o.o_orderdate = 19970101)`

	fragments := populate(t, backend, both, "orders", "l_orderkey", decl, intValues(5, 6))
	require.Len(t, fragments, 3, "two conjuncts yield a three-fragment lattice")

	customerOnly := `SELECT fact.l_orderkey FROM orders fact
		WHERE fact.l_orderkey IN (SELECT o_orderkey FROM orders o JOIN customer c ON o.o_custkey = c.c_custkey WHERE c.c_region = 'ASIA')`

	app := applicator.New("orders", decl, applicator.Options{}, nil)

	rewritten, stats := app.Apply(context.Background(), customerOnly, "l_orderkey", backend)

	require.True(t, stats.Hit)
	require.Equal(t, 1, stats.FragmentsProbed)
	require.Equal(t, 1, stats.FragmentsHit)
	require.Contains(t, rewritten, "AND fact.l_orderkey IN (5, 6)")
}

// Only maximal hits feed the intersection: when both a conjunct subset and
// its superset hit, the dominated subset drops out of the covering set but
// still counts as a hit in the stats.
func TestApplyPrefersMaximalHits(t *testing.T) {
	backend := cache.NewSortedArray(pktype.Int64)
	decl := map[string]pktype.Datatype{"lo_custkey": pktype.Int64}

	sql := `SELECT fact.lo_custkey FROM lineorder fact
		WHERE fact.lo_custkey IN (SELECT c_custkey FROM customer WHERE c_region = 'ASIA')
		AND fact.lo_quantity > 5`

	res, err := analyser.AnalyseSQL(sql, "lineorder", decl)
	require.NoError(t, err)

	fragments, err := variant.Generate(res, "lo_custkey", "lineorder", variant.Options{})
	require.NoError(t, err)
	require.Len(t, fragments, 3)

	// The full two-conjunct fragment is tighter than either singleton;
	// give it a strictly smaller value set so the test can tell which one
	// the rewrite used.
	for _, f := range fragments {
		values := intValues(1, 2, 3)
		if f.Size == 2 {
			values = intValues(2)
		}

		require.NoError(t, backend.Put(context.Background(), f.Hash, values, pktype.Int64))
	}

	app := applicator.New("lineorder", decl, applicator.Options{}, nil)

	rewritten, stats := app.Apply(context.Background(), sql, "lo_custkey", backend)

	require.True(t, stats.Hit)
	require.Equal(t, 3, stats.FragmentsHit)
	require.Equal(t, 1, stats.Cardinality, "the maximal hit alone constrains the rewrite")
	require.Contains(t, rewritten, "IN (2)")
}

func TestApplyMissReturnsOriginal(t *testing.T) {
	backend := cache.NewSortedArray(pktype.Int64)
	decl := map[string]pktype.Datatype{"lo_custkey": pktype.Int64}

	sql := `SELECT fact.lo_custkey FROM lineorder fact WHERE fact.lo_custkey IN (1, 2, 3)`

	app := applicator.New("lineorder", decl, applicator.Options{}, nil)

	rewritten, stats := app.Apply(context.Background(), sql, "lo_custkey", backend)

	require.False(t, stats.Hit)
	require.Equal(t, sql, rewritten)
	require.Equal(t, 1, stats.FragmentsProbed)
	require.Zero(t, stats.FragmentsHit)
}

// Apply is total: an unanalysable query degrades to no-rewrite instead of
// surfacing an error.
func TestApplyUnanalysableQueryDegradesCleanly(t *testing.T) {
	backend := cache.NewSortedArray(pktype.Int64)
	app := applicator.New("lineorder", map[string]pktype.Datatype{"lo_custkey": pktype.Int64}, applicator.Options{}, nil)

	sql := `DELETE FROM lineorder`

	rewritten, stats := app.Apply(context.Background(), sql, "lo_custkey", backend)

	require.Equal(t, sql, rewritten)
	require.False(t, stats.Hit)
}

// Tombstones are misses on the read path: a fragment marked limit never
// contributes a constraint.
func TestApplyTreatsTombstoneAsMiss(t *testing.T) {
	backend := cache.NewSortedArray(pktype.Int64)
	decl := map[string]pktype.Datatype{"lo_custkey": pktype.Int64}

	probe := `SELECT fact.lo_custkey FROM lineorder fact WHERE fact.lo_custkey IN (1, 2)`

	probeRes, err := analyser.AnalyseSQL(probe, "lineorder", decl)
	require.NoError(t, err)

	fragments, err := variant.Generate(probeRes, "lo_custkey", "lineorder", variant.Options{})
	require.NoError(t, err)
	require.Len(t, fragments, 1)

	require.NoError(t, backend.Mark(context.Background(), fragments[0].Hash, cache.StatusLimit))

	app := applicator.New("lineorder", decl, applicator.Options{}, nil)

	rewritten, stats := app.Apply(context.Background(), probe, "lo_custkey", backend)

	require.False(t, stats.Hit)
	require.Equal(t, probe, rewritten)
}

func TestApplyEmptyIntersectionFiltersEverything(t *testing.T) {
	backend := cache.NewSortedArray(pktype.Int64)
	decl := map[string]pktype.Datatype{"lo_custkey": pktype.Int64}

	sql := `SELECT fact.lo_custkey FROM lineorder fact WHERE fact.lo_custkey IN (1, 2)`

	fragments := populate(t, backend, sql, "lineorder", "lo_custkey", decl, nil)
	require.Len(t, fragments, 1)

	app := applicator.New("lineorder", decl, applicator.Options{}, nil)

	rewritten, stats := app.Apply(context.Background(), sql, "lo_custkey", backend)

	require.True(t, stats.Hit)
	require.Zero(t, stats.Cardinality)
	require.Contains(t, rewritten, "IN (NULL)")
}

// A query with no WHERE has no conjuncts, so nothing to probe: a clean miss
// rather than an all-keys fragment.
func TestApplyNoWhereIsCleanMiss(t *testing.T) {
	backend := cache.NewSortedArray(pktype.Int64)
	decl := map[string]pktype.Datatype{"lo_custkey": pktype.Int64}

	app := applicator.New("lineorder", decl, applicator.Options{}, nil)

	bare := `SELECT fact.lo_custkey FROM lineorder fact`
	rewritten, stats := app.Apply(context.Background(), bare, "lo_custkey", backend)

	require.False(t, stats.Hit)
	require.Equal(t, bare, rewritten)
	require.Zero(t, stats.FragmentsProbed)
}

// The splice lands before the query tail, keeping GROUP BY / ORDER BY /
// LIMIT after the appended filter.
func TestApplyPreservesQueryTail(t *testing.T) {
	backend := cache.NewSortedArray(pktype.Int64)
	decl := map[string]pktype.Datatype{"lo_custkey": pktype.Int64}

	sql := `SELECT fact.lo_custkey FROM lineorder fact WHERE fact.lo_custkey IN (1, 2) ORDER BY fact.lo_custkey LIMIT 10`

	populate(t, backend, sql, "lineorder", "lo_custkey", decl, intValues(1, 2))

	app := applicator.New("lineorder", decl, applicator.Options{}, nil)

	rewritten, stats := app.Apply(context.Background(), sql, "lo_custkey", backend)

	require.True(t, stats.Hit)

	filterPos := strings.Index(rewritten, "AND fact.lo_custkey IN (1, 2)")
	orderPos := strings.Index(rewritten, "ORDER BY")
	require.Greater(t, orderPos, filterPos, "appended filter sits inside the WHERE, before the tail")
	require.Contains(t, rewritten, "LIMIT 10")
}

// lazyBackend wraps a SortedArray with an in-SQL subquery capability, the
// way the Postgres reference store does, so the lazy-vs-materialised
// tie-break is testable without a database.
type lazyBackend struct {
	*cache.SortedArray
}

func (lazyBackend) InSubquery(hashes []fingerprint.Hash) (string, bool) {
	parts := make([]string, len(hashes))
	for i, h := range hashes {
		parts[i] = "SELECT unnest(values_int) FROM pc_cache_lo_custkey WHERE hash = '" + string(h) + "'"
	}

	return strings.Join(parts, " INTERSECT "), true
}

// Above the materialise threshold, a backend that can serve its set in SQL
// gets the lazy subquery form instead of a literal list.
func TestApplyLazyAboveThreshold(t *testing.T) {
	backend := lazyBackend{cache.NewSortedArray(pktype.Int64)}
	decl := map[string]pktype.Datatype{"lo_custkey": pktype.Int64}

	sql := `SELECT fact.lo_custkey FROM lineorder fact WHERE fact.lo_custkey IN (1, 2, 3)`
	populate(t, backend, sql, "lineorder", "lo_custkey", decl, intValues(10, 20, 30, 40))

	app := applicator.New("lineorder", decl, applicator.Options{MaterialiseThreshold: 2}, nil)

	rewritten, stats := app.Apply(context.Background(), sql, "lo_custkey", backend)

	require.True(t, stats.Hit)
	require.True(t, stats.Lazy)
	require.Equal(t, 4, stats.Cardinality)
	require.Contains(t, rewritten, "IN (SELECT unnest(values_int) FROM pc_cache_lo_custkey WHERE hash = '")
}

func TestApplySearchSpaceReduction(t *testing.T) {
	backend := cache.NewSortedArray(pktype.Int64)
	decl := map[string]pktype.Datatype{"lo_custkey": pktype.Int64}

	sql := `SELECT fact.lo_custkey FROM lineorder fact WHERE fact.lo_custkey IN (1, 2)`
	populate(t, backend, sql, "lineorder", "lo_custkey", decl, intValues(1, 2))

	opts := applicator.Options{
		CountDistinct: func(context.Context) (int64, error) { return 100, nil },
	}

	app := applicator.New("lineorder", decl, opts, nil)

	_, stats := app.Apply(context.Background(), sql, "lo_custkey", backend)

	require.True(t, stats.Hit)
	require.InDelta(t, 0.98, stats.SearchSpaceReduction, 1e-9)
}
